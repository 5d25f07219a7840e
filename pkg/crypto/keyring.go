package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const kdfSalt = "creditlock-version-kdf"

// MinSecretLength is the shortest master secret accepted for key derivation.
const MinSecretLength = 16

// DeriveSigner derives a deterministic Ed25519 signer from a master secret.
// The same secret and keyID always produce the same key pair.
func DeriveSigner(secret []byte, keyID string) (*Ed25519Signer, error) {
	if len(secret) < MinSecretLength {
		return nil, errors.New("signing secret too short")
	}
	r := hkdf.New(sha256.New, secret, []byte(kdfSalt), []byte(keyID))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}
	return NewEd25519SignerFromKey(ed25519.NewKeyFromSeed(seed), keyID), nil
}
