package vault

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/blufio/blufio/internal/blufioerr"
)

const nonceSize = chacha20poly1305.NonceSize // 12 bytes

// seal AEAD-encrypts plaintext under key, returning (ciphertext, nonce).
// A fresh random nonce is generated for every call.
func seal(key [32]byte, plaintext []byte) (ciphertext, nonce []byte, err error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, nil, fmt.Errorf("vault: construct AEAD: %w", err)
	}
	nonce = make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("vault: generate nonce: %w", err)
	}
	ciphertext = aead.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// open AEAD-decrypts ciphertext under key and nonce.
func open(key [32]byte, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("vault: construct AEAD: %w", err)
	}
	if len(nonce) != nonceSize {
		return nil, &blufioerr.VaultError{Reason: "corrupted nonce (expected 12 bytes)"}
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, &blufioerr.VaultError{Reason: "invalid passphrase or corrupted vault -- decryption failed"}
	}
	return plaintext, nil
}

// generateRandomKey returns a fresh random 32-byte master key.
func generateRandomKey() ([32]byte, error) {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("vault: generate master key: %w", err)
	}
	return key, nil
}
