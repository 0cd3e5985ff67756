// ABOUTME: Keyed BLAKE2b digests for bearer secrets kept in the database
// ABOUTME: Session and service tokens are only ever stored and looked up by digest

package store

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// MaxPepperSize is the longest key BLAKE2b accepts.
const MaxPepperSize = blake2b.Size

// tokenBytes is the entropy of generated bearer secrets.
const tokenBytes = 32

// tokenHasher turns bearer secrets into lookup digests.
type tokenHasher struct {
	pepper []byte
}

func newTokenHasher(pepper []byte) (*tokenHasher, error) {
	if len(pepper) > MaxPepperSize {
		return nil, fmt.Errorf("token pepper must be at most %d bytes, got %d", MaxPepperSize, len(pepper))
	}
	return &tokenHasher{pepper: pepper}, nil
}

// digest returns the hex keyed digest of token.
func (h *tokenHasher) digest(token string) string {
	// New256 only fails for keys longer than 64 bytes, rejected in newTokenHasher.
	mac, _ := blake2b.New256(h.pepper)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// GenerateToken returns a URL-safe random secret with 256 bits of entropy.
func GenerateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
