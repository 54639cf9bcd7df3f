// Package vault implements the credential vault: a random master key
// seals every secret, and the master key itself is sealed by a
// passphrase-derived key so the passphrase can change without
// re-encrypting secrets.
package vault

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/blufio/blufio/internal/blufioerr"
)

const (
	metaKeyWrappedMasterKey = "wrapped_master_key"
	metaKeyMasterKeyNonce   = "master_key_nonce"
	metaKeyKDFSalt          = "kdf_salt"
	metaKeyKDFParams        = "kdf_params"
)

// Store is the subset of store.Store the vault needs.
type Store interface {
	VaultMetaExists(ctx context.Context) (bool, error)
	GetVaultMeta(ctx context.Context, key string) ([]byte, bool, error)
	SetVaultMetaBatch(ctx context.Context, kv map[string][]byte) error
	UpsertVaultEntry(ctx context.Context, name string, ciphertext, nonce []byte) error
	GetVaultEntry(ctx context.Context, name string) (ciphertext, nonce []byte, found bool, err error)
	ListVaultEntryNames(ctx context.Context) ([]string, error)
	DeleteVaultEntry(ctx context.Context, name string) error
}

// Vault is the unlocked vault. The master key lives only in process
// memory; Lock (or letting the Vault go out of scope) discards it.
type Vault struct {
	masterKey [32]byte
	store     Store
	params    KDFParams
}

// Exists reports whether a vault has already been created in store.
func Exists(ctx context.Context, s Store) (bool, error) {
	return s.VaultMetaExists(ctx)
}

// Create initializes a brand-new vault: generates a random master key,
// wraps it with a key derived from passphrase, and persists the
// wrapping material. params controls the Argon2id cost; callers
// typically pass DefaultKDFParams.
func Create(ctx context.Context, s Store, passphrase string, params KDFParams) (*Vault, error) {
	masterKey, err := generateRandomKey()
	if err != nil {
		return nil, err
	}

	salt, err := generateSalt()
	if err != nil {
		return nil, err
	}
	wrappingKey := deriveKey([]byte(passphrase), salt, params)

	wrapped, nonce, err := seal(wrappingKey, masterKey[:])
	if err != nil {
		return nil, err
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("vault: marshal kdf params: %w", err)
	}

	if err := s.SetVaultMetaBatch(ctx, map[string][]byte{
		metaKeyWrappedMasterKey: wrapped,
		metaKeyMasterKeyNonce:   nonce,
		metaKeyKDFSalt:          salt,
		metaKeyKDFParams:        paramsJSON,
	}); err != nil {
		return nil, err
	}

	return &Vault{masterKey: masterKey, store: s, params: params}, nil
}

// Unlock opens an existing vault by deriving the wrapping key from
// passphrase and unsealing the stored master key. Returns a
// *blufioerr.VaultError if the passphrase is wrong or the metadata is
// corrupted.
func Unlock(ctx context.Context, s Store, passphrase string) (*Vault, error) {
	wrapped, ok, err := s.GetVaultMeta(ctx, metaKeyWrappedMasterKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &blufioerr.VaultError{Reason: "vault has not been created"}
	}
	nonce, _, err := s.GetVaultMeta(ctx, metaKeyMasterKeyNonce)
	if err != nil {
		return nil, err
	}
	salt, _, err := s.GetVaultMeta(ctx, metaKeyKDFSalt)
	if err != nil {
		return nil, err
	}
	paramsJSON, _, err := s.GetVaultMeta(ctx, metaKeyKDFParams)
	if err != nil {
		return nil, err
	}

	var params KDFParams
	if err := json.Unmarshal(paramsJSON, &params); err != nil {
		return nil, &blufioerr.VaultError{Reason: fmt.Sprintf("corrupted KDF params: %v", err)}
	}
	if len(salt) != saltSize {
		return nil, &blufioerr.VaultError{Reason: "corrupted salt (expected 16 bytes)"}
	}

	wrappingKey := deriveKey([]byte(passphrase), salt, params)

	masterKeyBytes, err := open(wrappingKey, nonce, wrapped)
	if err != nil {
		return nil, err
	}
	if len(masterKeyBytes) != 32 {
		return nil, &blufioerr.VaultError{Reason: "corrupted master key (expected 32 bytes)"}
	}

	var masterKey [32]byte
	copy(masterKey[:], masterKeyBytes)

	return &Vault{masterKey: masterKey, store: s, params: params}, nil
}

// Lock wipes the in-memory master key. The Vault must not be used
// afterward.
func (v *Vault) Lock() {
	for i := range v.masterKey {
		v.masterKey[i] = 0
	}
}

// StoreSecret seals plaintext under the master key and upserts it.
func (v *Vault) StoreSecret(ctx context.Context, name, plaintext string) error {
	ciphertext, nonce, err := seal(v.masterKey, []byte(plaintext))
	if err != nil {
		return err
	}
	return v.store.UpsertVaultEntry(ctx, name, ciphertext, nonce)
}

// RetrieveSecret unseals and returns a secret, or ("", false, nil) if
// no secret with that name exists.
func (v *Vault) RetrieveSecret(ctx context.Context, name string) (string, bool, error) {
	ciphertext, nonce, found, err := v.store.GetVaultEntry(ctx, name)
	if err != nil {
		return "", false, err
	}
	if !found {
		return "", false, nil
	}
	plaintext, err := open(v.masterKey, nonce, ciphertext)
	if err != nil {
		return "", false, err
	}
	return string(plaintext), true, nil
}

// SecretPreview is a (name, masked preview) pair as returned by
// ListSecrets.
type SecretPreview struct {
	Name    string
	Preview string
}

// ListSecrets returns every stored secret name with a masked preview.
func (v *Vault) ListSecrets(ctx context.Context) ([]SecretPreview, error) {
	names, err := v.store.ListVaultEntryNames(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]SecretPreview, 0, len(names))
	for _, name := range names {
		value, found, err := v.RetrieveSecret(ctx, name)
		preview := "[error: could not decrypt]"
		if err == nil && found {
			preview = maskSecret(value)
		}
		out = append(out, SecretPreview{Name: name, Preview: preview})
	}
	return out, nil
}

// DeleteSecret removes a secret. Deleting a name that does not exist
// is not an error.
func (v *Vault) DeleteSecret(ctx context.Context, name string) error {
	return v.store.DeleteVaultEntry(ctx, name)
}

// ChangePassphrase re-wraps the master key under a key derived from
// newPassphrase. Individual secrets are never re-encrypted — only the
// wrapping material changes.
func (v *Vault) ChangePassphrase(ctx context.Context, newPassphrase string) error {
	newSalt, err := generateSalt()
	if err != nil {
		return err
	}
	newWrappingKey := deriveKey([]byte(newPassphrase), newSalt, v.params)

	newWrapped, newNonce, err := seal(newWrappingKey, v.masterKey[:])
	if err != nil {
		return err
	}

	paramsJSON, err := json.Marshal(v.params)
	if err != nil {
		return fmt.Errorf("vault: marshal kdf params: %w", err)
	}

	return v.store.SetVaultMetaBatch(ctx, map[string][]byte{
		metaKeyWrappedMasterKey: newWrapped,
		metaKeyMasterKeyNonce:   newNonce,
		metaKeyKDFSalt:          newSalt,
		metaKeyKDFParams:        paramsJSON,
	})
}

// maskSecret formats a secret for display: the first 4 and last 4
// characters separated by three literal periods, e.g.
// "sk-a...mnop". Values shorter than 10 characters are fully masked.
func maskSecret(value string) string {
	if len(value) < 10 {
		return "****"
	}
	prefix := value[:4]
	suffix := value[len(value)-4:]
	return prefix + "..." + suffix
}
