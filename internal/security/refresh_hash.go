package security

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// HashRefreshToken returns the SHA-256 hex digest of the refresh token.
// The 64-character digest fits under bcrypt's 72-byte input limit, which a JWT does not.
func HashRefreshToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// RefreshHasher stores refresh tokens as bcrypt(sha256(token)).
type RefreshHasher struct {
	hasher *Hasher
}

// NewRefreshHasher returns a RefreshHasher using h for the bcrypt step.
func NewRefreshHasher(h *Hasher) *RefreshHasher {
	if h == nil {
		h = NewHasher(0)
	}
	return &RefreshHasher{hasher: h}
}

// Hash returns the value to persist for token. The result never contains the token.
func (r *RefreshHasher) Hash(token string) (string, error) {
	if token == "" {
		return "", errors.New("security: empty refresh token")
	}
	return r.hasher.Hash([]byte(HashRefreshToken(token)))
}

// Verify reports whether token matches stored. Comparison is constant time.
func (r *RefreshHasher) Verify(token, stored string) bool {
	if token == "" || stored == "" {
		return false
	}
	return r.hasher.Compare(stored, []byte(HashRefreshToken(token))) == nil
}
