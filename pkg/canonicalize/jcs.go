// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme) serialization
// for every content hash in the system: snapshots, document versions and trace checksums.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// v is marshaled with its json tags, transformed by JCS (sorted keys, no HTML escaping,
// ES6 number formatting) and NFC-normalized so visually identical strings hash identically.
func JCS(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	return Transform(raw)
}

// Transform canonicalizes already-encoded JSON.
func Transform(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return norm.NFC.Bytes(out), nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON representation of v.
func CanonicalHash(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 of raw bytes as lowercase hex.
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// ShortHash returns the first n hex characters of a digest.
func ShortHash(digest string, n int) string {
	if len(digest) <= n {
		return digest
	}
	return digest[:n]
}
