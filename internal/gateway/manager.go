// Package gateway pools per-credential Gateway instances. Each credential
// config gets at most one live gateway, which also makes the gateway's
// nonce source effectively per-credential.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"execution-core/pkg/crypto"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
)

var (
	ErrCredentialNotFound = errors.New("credential config not found")
	ErrGatewayUnhealthy   = errors.New("gateway is unhealthy")
	ErrPoolFull           = errors.New("gateway pool is full")
)

// Factory creates a Gateway from a credential config and its decrypted
// secrets.
type Factory func(cred db.CredentialConfig, apiKey, apiSecret string) (common.Gateway, error)

// CachedGateway holds a Gateway with metadata for lifecycle management.
type CachedGateway struct {
	Gateway      common.Gateway
	CredentialID string
	UserID       string
	Testnet      bool
	CreatedAt    time.Time
	LastUsed     time.Time
	HealthyAt    time.Time
	Failures     int
}

// Config holds configuration for the pool.
type Config struct {
	MaxSize          int           // Maximum number of cached gateways (LRU eviction)
	IdleTimeout      time.Duration // Time before idle gateway is removed
	HealthInterval   time.Duration // Interval between health checks
	FailureThreshold int           // Number of failures before marking unhealthy
	CircuitTimeout   time.Duration // Time to wait before retrying unhealthy gateway
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize:          100,
		IdleTimeout:      30 * time.Minute,
		HealthInterval:   5 * time.Minute,
		FailureThreshold: 3,
		CircuitTimeout:   5 * time.Minute,
	}
}

// Manager manages the gateway pool with LRU eviction and health checks.
type Manager struct {
	mu       sync.RWMutex
	gateways map[string]*CachedGateway // credentialID -> cached gateway
	lruOrder []string                  // LRU tracking (oldest first)

	config  Config
	crypto  *crypto.KeyManager
	store   *db.Database
	factory Factory

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a gateway pool.
func NewManager(store *db.Database, cryptoMgr *crypto.KeyManager, factory Factory, cfg Config) *Manager {
	return &Manager{
		gateways: make(map[string]*CachedGateway),
		lruOrder: make([]string, 0),
		config:   cfg,
		crypto:   cryptoMgr,
		store:    store,
		factory:  factory,
		stopCh:   make(chan struct{}),
	}
}

// Start begins background cleanup and health check goroutines.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(2)

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.IdleTimeout / 2)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.cleanupIdle()
			}
		}
	}()

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.HealthInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.healthCheckAll()
			}
		}
	}()
}

// Stop gracefully shuts down the pool.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.gateways {
		delete(m.gateways, id)
	}
	m.lruOrder = nil
}

// GetOrCreate returns the cached Gateway for a credential or creates one.
// Ownership is verified on every call.
func (m *Manager) GetOrCreate(ctx context.Context, userID, credentialID string) (common.Gateway, error) {
	m.mu.RLock()
	if cached, ok := m.gateways[credentialID]; ok {
		if cached.UserID != userID {
			m.mu.RUnlock()
			return nil, ErrCredentialNotFound
		}
		// Circuit breaker: too many failures, wait out the timeout.
		if cached.Failures >= m.config.FailureThreshold {
			if time.Since(cached.HealthyAt) < m.config.CircuitTimeout {
				m.mu.RUnlock()
				return nil, ErrGatewayUnhealthy
			}
		}
		m.mu.RUnlock()

		m.touchLRU(credentialID)
		return cached.Gateway, nil
	}
	m.mu.RUnlock()

	return m.createGateway(ctx, userID, credentialID)
}

func (m *Manager) createGateway(ctx context.Context, userID, credentialID string) (common.Gateway, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring lock
	if cached, ok := m.gateways[credentialID]; ok {
		if cached.UserID != userID {
			return nil, ErrCredentialNotFound
		}
		m.touchLRULocked(credentialID)
		return cached.Gateway, nil
	}

	if len(m.gateways) >= m.config.MaxSize {
		if !m.evictOldestLocked() {
			return nil, ErrPoolFull
		}
	}

	cred, err := m.store.GetCredential(ctx, userID, credentialID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrCredentialNotFound
		}
		return nil, fmt.Errorf("get credential: %w", err)
	}

	// Secrets live encrypted in the row; decrypt only here, for the
	// lifetime of the client.
	apiKey, err := m.crypto.Decrypt(cred.APIKeyEncrypted)
	if err != nil {
		return nil, fmt.Errorf("decrypt api key: %w", err)
	}
	apiSecret, err := m.crypto.Decrypt(cred.APISecretEncrypted)
	if err != nil {
		return nil, fmt.Errorf("decrypt api secret: %w", err)
	}

	gw, err := m.factory(*cred, apiKey, apiSecret)
	if err != nil {
		return nil, fmt.Errorf("create gateway: %w", err)
	}

	now := time.Now()
	m.gateways[credentialID] = &CachedGateway{
		Gateway:      gw,
		CredentialID: credentialID,
		UserID:       userID,
		Testnet:      cred.IsTestnet,
		CreatedAt:    now,
		LastUsed:     now,
		HealthyAt:    now,
	}
	m.lruOrder = append(m.lruOrder, credentialID)

	return gw, nil
}

// Remove drops a credential's gateway from the pool. Called when the
// credential is updated or deleted so stale secrets never outlive the row.
func (m *Manager) Remove(credentialID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.gateways[credentialID]; ok {
		delete(m.gateways, credentialID)
		m.removeLRULocked(credentialID)
	}
}

// RemoveByUser drops all gateways for a user.
func (m *Manager) RemoveByUser(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, cached := range m.gateways {
		if cached.UserID == userID {
			delete(m.gateways, id)
			m.removeLRULocked(id)
		}
	}
}

// RecordFailure records a failure for a gateway.
func (m *Manager) RecordFailure(credentialID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cached, ok := m.gateways[credentialID]; ok {
		cached.Failures++
	}
}

// RecordSuccess resets the failure counter.
func (m *Manager) RecordSuccess(credentialID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cached, ok := m.gateways[credentialID]; ok {
		cached.Failures = 0
		cached.HealthyAt = time.Now()
	}
}

// PoolStats contains gateway pool statistics.
type PoolStats struct {
	TotalGateways  int `json:"total_gateways"`
	MaxSize        int `json:"max_size"`
	TestnetCount   int `json:"testnet_count"`
	UnhealthyCount int `json:"unhealthy_count"`
}

// Stats returns current pool statistics.
func (m *Manager) Stats() PoolStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := PoolStats{
		TotalGateways: len(m.gateways),
		MaxSize:       m.config.MaxSize,
	}
	for _, cached := range m.gateways {
		if cached.Testnet {
			stats.TestnetCount++
		}
		if cached.Failures >= m.config.FailureThreshold {
			stats.UnhealthyCount++
		}
	}
	return stats
}

// --- Internal helpers ---

func (m *Manager) touchLRU(credentialID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchLRULocked(credentialID)
}

func (m *Manager) touchLRULocked(credentialID string) {
	if cached, ok := m.gateways[credentialID]; ok {
		cached.LastUsed = time.Now()
	}

	for i, id := range m.lruOrder {
		if id == credentialID {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			m.lruOrder = append(m.lruOrder, credentialID)
			break
		}
	}
}

func (m *Manager) removeLRULocked(credentialID string) {
	for i, id := range m.lruOrder {
		if id == credentialID {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			break
		}
	}
}

func (m *Manager) evictOldestLocked() bool {
	if len(m.lruOrder) == 0 {
		return false
	}

	oldestID := m.lruOrder[0]
	delete(m.gateways, oldestID)
	m.lruOrder = m.lruOrder[1:]
	return true
}

func (m *Manager) cleanupIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for id, cached := range m.gateways {
		if now.Sub(cached.LastUsed) > m.config.IdleTimeout {
			delete(m.gateways, id)
			m.removeLRULocked(id)
		}
	}
}

func (m *Manager) healthCheckAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.gateways))
	for id := range m.gateways {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.healthCheck(id)
	}
}

func (m *Manager) healthCheck(credentialID string) {
	m.mu.RLock()
	cached, ok := m.gateways[credentialID]
	if !ok {
		m.mu.RUnlock()
		return
	}
	gw := cached.Gateway
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err := gw.Ping(ctx)
	cancel()

	if err != nil {
		m.RecordFailure(credentialID)
	} else {
		m.RecordSuccess(credentialID)
	}
}
