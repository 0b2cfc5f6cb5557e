// Package vault manages per-user exchange API credentials. Secrets are
// encrypted before they reach the database and are never returned by
// reads; callers only ever see a masked key prefix.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"execution-core/pkg/crypto"
	"execution-core/pkg/db"
)

var (
	ErrNotFound     = errors.New("credential config not found")
	ErrNameRequired = errors.New("credential name is required")
	ErrNameTaken    = errors.New("credential name already in use")
	ErrConflict     = errors.New("credential config is referenced by open orders")
)

// Pool is the subset of the gateway pool the vault needs: evicting cached
// gateways when a credential changes or disappears.
type Pool interface {
	Remove(credentialID string)
}

// Service implements credential CRUD on top of the store and key manager.
type Service struct {
	store *db.Database
	keys  *crypto.KeyManager
	pool  Pool
}

// New creates a vault service. pool may be nil in tests.
func New(store *db.Database, keys *crypto.KeyManager, pool Pool) *Service {
	return &Service{store: store, keys: keys, pool: pool}
}

// Credential is the read view of a stored config. No secret material.
type Credential struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	APIKeyMasked string    `json:"api_key_masked"`
	IsTestnet    bool      `json:"is_testnet"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CreateRequest carries the fields for a new credential config.
type CreateRequest struct {
	Name      string
	APIKey    string
	APISecret string
	IsTestnet bool
	IsActive  bool
}

// UpdateRequest carries a partial update. Empty strings leave the secrets
// untouched; nil booleans leave the flags untouched.
type UpdateRequest struct {
	Name      string
	APIKey    string
	APISecret string
	IsTestnet *bool
	IsActive  *bool
}

// Create encrypts and stores a new credential config.
func (s *Service) Create(ctx context.Context, userID string, req CreateRequest) (*Credential, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, ErrNameRequired
	}

	taken, err := s.store.CredentialNameTaken(ctx, userID, name, "")
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, ErrNameTaken
	}

	keyEnc, err := s.keys.Encrypt(req.APIKey)
	if err != nil {
		return nil, fmt.Errorf("encrypt api key: %w", err)
	}
	secretEnc, err := s.keys.Encrypt(req.APISecret)
	if err != nil {
		return nil, fmt.Errorf("encrypt api secret: %w", err)
	}

	cred := db.CredentialConfig{
		ID:                 uuid.NewString(),
		UserID:             userID,
		Name:               name,
		APIKeyEncrypted:    keyEnc,
		APISecretEncrypted: secretEnc,
		APIKeyMasked:       maskKey(req.APIKey),
		KeyVersion:         s.keys.CurrentVersion(),
		IsTestnet:          req.IsTestnet,
		IsActive:           req.IsActive,
	}
	if err := s.store.CreateCredential(ctx, cred); err != nil {
		return nil, err
	}

	log.Printf("vault: credential %s created for user %s", cred.ID, userID)
	return toView(&cred), nil
}

// Get returns one credential config, ownership verified.
func (s *Service) Get(ctx context.Context, userID, id string) (*Credential, error) {
	cred, err := s.store.GetCredential(ctx, userID, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return toView(cred), nil
}

// List returns all of a user's credential configs.
func (s *Service) List(ctx context.Context, userID string) ([]Credential, error) {
	rows, err := s.store.ListCredentialsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]Credential, 0, len(rows))
	for i := range rows {
		out = append(out, *toView(&rows[i]))
	}
	return out, nil
}

// Update applies a partial update. A foreign or missing id is NotFound,
// indistinguishable on purpose.
func (s *Service) Update(ctx context.Context, userID, id string, req UpdateRequest) (*Credential, error) {
	cred, err := s.store.GetCredential(ctx, userID, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if name := strings.TrimSpace(req.Name); name != "" && name != cred.Name {
		taken, err := s.store.CredentialNameTaken(ctx, userID, name, id)
		if err != nil {
			return nil, err
		}
		if taken {
			return nil, ErrNameTaken
		}
		cred.Name = name
	}

	if req.APIKey != "" {
		enc, err := s.keys.Encrypt(req.APIKey)
		if err != nil {
			return nil, fmt.Errorf("encrypt api key: %w", err)
		}
		cred.APIKeyEncrypted = enc
		cred.APIKeyMasked = maskKey(req.APIKey)
		cred.KeyVersion = s.keys.CurrentVersion()
	}
	if req.APISecret != "" {
		enc, err := s.keys.Encrypt(req.APISecret)
		if err != nil {
			return nil, fmt.Errorf("encrypt api secret: %w", err)
		}
		cred.APISecretEncrypted = enc
	}
	if req.IsTestnet != nil {
		cred.IsTestnet = *req.IsTestnet
	}
	if req.IsActive != nil {
		cred.IsActive = *req.IsActive
	}

	if err := s.store.UpdateCredential(ctx, *cred); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	// Cached gateway holds the old secrets; drop it.
	if s.pool != nil {
		s.pool.Remove(id)
	}

	return toView(cred), nil
}

// Delete removes a credential config. Refused with ErrConflict while any
// non-terminal order still references it.
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	if _, err := s.store.GetCredential(ctx, userID, id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}

	open, err := s.store.CountOpenOrdersByCredential(ctx, id)
	if err != nil {
		return err
	}
	if open > 0 {
		return fmt.Errorf("%w: %d open orders", ErrConflict, open)
	}

	if err := s.store.DeleteCredential(ctx, userID, id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if s.pool != nil {
		s.pool.Remove(id)
	}

	log.Printf("vault: credential %s deleted for user %s", id, userID)
	return nil
}

func toView(c *db.CredentialConfig) *Credential {
	return &Credential{
		ID:           c.ID,
		Name:         c.Name,
		APIKeyMasked: c.APIKeyMasked,
		IsTestnet:    c.IsTestnet,
		IsActive:     c.IsActive,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

// maskKey keeps the first four characters of a key for display.
func maskKey(key string) string {
	if len(key) <= 4 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + "****"
}
