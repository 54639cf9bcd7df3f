package vault

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const saltSize = 16

// KDFParams are the Argon2id cost parameters, serialized to JSON and
// stored alongside the salt so a later unlock can reproduce the
// derivation exactly even if the defaults change.
type KDFParams struct {
	MemoryCost  uint32 `json:"memory_cost"`
	Iterations  uint32 `json:"iterations"`
	Parallelism uint32 `json:"parallelism"`
}

// DefaultKDFParams are OWASP-recommended Argon2id defaults for
// interactive use.
var DefaultKDFParams = KDFParams{
	MemoryCost:  64 * 1024,
	Iterations:  3,
	Parallelism: 4,
}

// deriveKey derives a 32-byte key from passphrase and salt using
// Argon2id (argon2.IDKey always uses IETF version 0x13).
func deriveKey(passphrase []byte, salt []byte, params KDFParams) [32]byte {
	var key [32]byte
	derived := argon2.IDKey(passphrase, salt, params.Iterations, params.MemoryCost, uint8(params.Parallelism), 32)
	copy(key[:], derived)
	return key
}

// generateSalt returns a fresh random 16-byte Argon2id salt.
func generateSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("vault: generate salt: %w", err)
	}
	return salt, nil
}
