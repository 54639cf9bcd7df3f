package delegation

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Keypair is one agent's Ed25519 signing identity, generated fresh
// per daemon start. Keypairs are never persisted across restarts;
// delegation sessions are always ephemeral, so each run re-derives
// trust from scratch.
type Keypair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeypair creates a fresh Ed25519 keypair.
func GenerateKeypair() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("delegation: generate keypair: %w", err)
	}
	return &Keypair{Public: pub, Private: priv}, nil
}

// PublicHex renders the public key as a lowercase hex string.
func (k *Keypair) PublicHex() string {
	return hex.EncodeToString(k.Public)
}
