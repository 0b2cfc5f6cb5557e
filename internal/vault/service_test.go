package vault

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/pkg/crypto"
	"execution-core/pkg/db"
)

type fakePool struct{ removed []string }

func (p *fakePool) Remove(id string) { p.removed = append(p.removed, id) }

func newTestVault(t *testing.T) (*Service, *db.Database, *fakePool) {
	t.Helper()

	key := make([]byte, crypto.KeySize)
	for i := range key {
		key[i] = byte(i + 1)
	}
	t.Setenv("MASTER_ENCRYPTION_KEY", base64.StdEncoding.EncodeToString(key))

	keys, err := crypto.NewKeyManager()
	require.NoError(t, err)

	store, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, db.ApplyMigrations(store))

	pool := &fakePool{}
	return New(store, keys, pool), store, pool
}

func TestCreateEncryptsAndMasks(t *testing.T) {
	s, store, _ := newTestVault(t)
	ctx := context.Background()

	cred, err := s.Create(ctx, "user-1", CreateRequest{
		Name:      "main",
		APIKey:    "AKIAEXAMPLEKEY",
		APISecret: "topsecret",
		IsActive:  true,
	})
	require.NoError(t, err)

	assert.Equal(t, "AKIA****", cred.APIKeyMasked)

	// The row never holds plaintext secrets.
	row, err := store.GetCredential(ctx, "user-1", cred.ID)
	require.NoError(t, err)
	assert.NotContains(t, row.APIKeyEncrypted, "AKIAEXAMPLEKEY")
	assert.NotContains(t, row.APISecretEncrypted, "topsecret")
	assert.Contains(t, row.APIKeyEncrypted, "ENC[v")
}

func TestCreateValidation(t *testing.T) {
	s, _, _ := newTestVault(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "user-1", CreateRequest{Name: "  "})
	assert.ErrorIs(t, err, ErrNameRequired)

	_, err = s.Create(ctx, "user-1", CreateRequest{Name: "dup", APIKey: "k", APISecret: "s"})
	require.NoError(t, err)
	_, err = s.Create(ctx, "user-1", CreateRequest{Name: "dup", APIKey: "k2", APISecret: "s2"})
	assert.ErrorIs(t, err, ErrNameTaken)

	// Same name under another user is fine.
	_, err = s.Create(ctx, "user-2", CreateRequest{Name: "dup", APIKey: "k3", APISecret: "s3"})
	assert.NoError(t, err)
}

func TestOwnershipIsNotFound(t *testing.T) {
	s, _, _ := newTestVault(t)
	ctx := context.Background()

	cred, err := s.Create(ctx, "user-1", CreateRequest{Name: "main", APIKey: "k", APISecret: "s"})
	require.NoError(t, err)

	_, err = s.Get(ctx, "user-2", cred.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Update(ctx, "user-2", cred.ID, UpdateRequest{Name: "stolen"})
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.Delete(ctx, "user-2", cred.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateEvictsPooledGateway(t *testing.T) {
	s, _, pool := newTestVault(t)
	ctx := context.Background()

	cred, err := s.Create(ctx, "user-1", CreateRequest{Name: "main", APIKey: "k", APISecret: "s"})
	require.NoError(t, err)

	inactive := false
	updated, err := s.Update(ctx, "user-1", cred.ID, UpdateRequest{
		APIKey:   "newkey12345",
		IsActive: &inactive,
	})
	require.NoError(t, err)

	assert.Equal(t, "newk****", updated.APIKeyMasked)
	assert.False(t, updated.IsActive)
	assert.Contains(t, pool.removed, cred.ID)
}

func TestDeleteConflictWithOpenOrders(t *testing.T) {
	s, store, pool := newTestVault(t)
	ctx := context.Background()

	cred, err := s.Create(ctx, "user-1", CreateRequest{Name: "main", APIKey: "k", APISecret: "s"})
	require.NoError(t, err)

	orderID, err := store.InsertOrder(ctx, db.Order{
		UserID:       "user-1",
		CredentialID: cred.ID,
		Symbol:       "BTCUSDT",
		Side:         "BUY",
		OrderType:    "LIMIT",
		Quantity:     1,
		Price:        100,
		Status:       "PENDING",
	})
	require.NoError(t, err)

	err = s.Delete(ctx, "user-1", cred.ID)
	assert.ErrorIs(t, err, ErrConflict)

	// Terminal orders no longer block deletion.
	ok, err := store.TransitionOrder(ctx, orderID, "PENDING", "CANCELLED", 0, 0, "")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Delete(ctx, "user-1", cred.ID))
	assert.Contains(t, pool.removed, cred.ID)
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "", maskKey(""))
	assert.Equal(t, "***", maskKey("abc"))
	assert.Equal(t, "****", maskKey("abcd"))
	assert.Equal(t, "abcd****", maskKey("abcdefgh"))
}
