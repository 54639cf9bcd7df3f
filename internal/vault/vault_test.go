package vault

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blufio/blufio/internal/blufioerr"
)

// testParams uses a low Argon2id cost so the test suite stays fast;
// production deployments use DefaultKDFParams.
var testParams = KDFParams{MemoryCost: 8 * 1024, Iterations: 1, Parallelism: 1}

// memStore is an in-memory Store fake, mirroring the key/value
// vault_meta schema and the vault_entries table exactly.
type memStore struct {
	meta    map[string][]byte
	entries map[string][2][]byte // name -> [ciphertext, nonce]
}

func newMemStore() *memStore {
	return &memStore{meta: map[string][]byte{}, entries: map[string][2][]byte{}}
}

func (m *memStore) VaultMetaExists(ctx context.Context) (bool, error) {
	_, ok := m.meta["wrapped_master_key"]
	return ok, nil
}

func (m *memStore) GetVaultMeta(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok := m.meta[key]
	return v, ok, nil
}

func (m *memStore) SetVaultMetaBatch(ctx context.Context, kv map[string][]byte) error {
	for k, v := range kv {
		m.meta[k] = v
	}
	return nil
}

func (m *memStore) UpsertVaultEntry(ctx context.Context, name string, ciphertext, nonce []byte) error {
	m.entries[name] = [2][]byte{ciphertext, nonce}
	return nil
}

func (m *memStore) GetVaultEntry(ctx context.Context, name string) ([]byte, []byte, bool, error) {
	e, ok := m.entries[name]
	if !ok {
		return nil, nil, false, nil
	}
	return e[0], e[1], true, nil
}

func (m *memStore) ListVaultEntryNames(ctx context.Context) ([]string, error) {
	var names []string
	for name := range m.entries {
		names = append(names, name)
	}
	return names, nil
}

func (m *memStore) DeleteVaultEntry(ctx context.Context, name string) error {
	delete(m.entries, name)
	return nil
}

func TestCreateAndUnlockLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()

	exists, err := Exists(ctx, s)
	require.NoError(t, err)
	require.False(t, exists)

	v, err := Create(ctx, s, "test-passphrase", testParams)
	require.NoError(t, err)

	exists, err = Exists(ctx, s)
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, v.StoreSecret(ctx, "api-key", "sk-ant-test-12345"))
	v.Lock()

	v2, err := Unlock(ctx, s, "test-passphrase")
	require.NoError(t, err)

	value, found, err := v2.RetrieveSecret(ctx, "api-key")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "sk-ant-test-12345", value)
}

func TestRetrieveNonexistentSecretReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	v, err := Create(ctx, s, "test-pass", testParams)
	require.NoError(t, err)

	_, found, err := v.RetrieveSecret(ctx, "nonexistent")
	require.NoError(t, err)
	require.False(t, found)
}

func TestListSecretsReturnsMaskedPreviews(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	v, err := Create(ctx, s, "test-pass", testParams)
	require.NoError(t, err)

	require.NoError(t, v.StoreSecret(ctx, "anthropic.api_key", "sk-ant-REDACTED"))
	require.NoError(t, v.StoreSecret(ctx, "telegram.bot_token", "123456789:ABCdefGHIjklMNOpqrSTUVwxyz12345"))

	secrets, err := v.ListSecrets(ctx)
	require.NoError(t, err)
	require.Len(t, secrets, 2)
	for _, sp := range secrets {
		require.Contains(t, sp.Preview, "...")
	}
}

func TestDeleteSecret(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	v, err := Create(ctx, s, "test-pass", testParams)
	require.NoError(t, err)

	require.NoError(t, v.StoreSecret(ctx, "to-delete", "value"))
	_, found, _ := v.RetrieveSecret(ctx, "to-delete")
	require.True(t, found)

	require.NoError(t, v.DeleteSecret(ctx, "to-delete"))
	_, found, _ = v.RetrieveSecret(ctx, "to-delete")
	require.False(t, found)
}

// After ChangePassphrase, the old passphrase must fail to unlock and
// the new one must recover every previously stored secret unchanged,
// because only the master-key wrapper is re-sealed, never the
// secrets themselves.
func TestVaultRoundTripAcrossPassphraseChange(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()

	v, err := Create(ctx, s, "old-passphrase", testParams)
	require.NoError(t, err)
	require.NoError(t, v.StoreSecret(ctx, "my-secret", "secret-value-123"))

	require.NoError(t, v.ChangePassphrase(ctx, "new-passphrase"))
	v.Lock()

	_, err = Unlock(ctx, s, "old-passphrase")
	require.Error(t, err)
	var vaultErr *blufioerr.VaultError
	require.True(t, errors.As(err, &vaultErr))

	v2, err := Unlock(ctx, s, "new-passphrase")
	require.NoError(t, err)
	value, found, err := v2.RetrieveSecret(ctx, "my-secret")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "secret-value-123", value)
}

func TestWrongPassphraseFailsWithClearError(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	_, err := Create(ctx, s, "correct", testParams)
	require.NoError(t, err)

	_, err = Unlock(ctx, s, "wrong")
	require.Error(t, err)
}

func TestStoreSecretOverwritesExisting(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	v, err := Create(ctx, s, "test", testParams)
	require.NoError(t, err)

	require.NoError(t, v.StoreSecret(ctx, "key", "value1"))
	require.NoError(t, v.StoreSecret(ctx, "key", "value2"))

	value, found, err := v.RetrieveSecret(ctx, "key")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "value2", value)
}

func TestMaskSecretLongValue(t *testing.T) {
	require.Equal(t, "sk-a...CTED", maskSecret("sk-ant-REDACTED"))
}

func TestMaskSecretShortValue(t *testing.T) {
	require.Equal(t, "****", maskSecret("short"))
}

func TestMaskSecretExactBoundary(t *testing.T) {
	require.Equal(t, "1234...7890", maskSecret("1234567890"))
}
