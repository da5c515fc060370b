package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// HandleBytes is the entropy of generated codes and opaque tokens.
const HandleBytes = 32

// NewHandle returns a base64url random handle with HandleBytes of entropy.
func NewHandle() (string, error) {
	b := make([]byte, HandleBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashHandle is the lookup key under which a handle is persisted. Stores only
// ever see this value.
func HashHandle(handle string) string {
	sum := sha256.Sum256([]byte(handle))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
