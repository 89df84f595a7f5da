package security

import "time"

// NewTestTokenProvider returns a TokenProvider with fixed test secrets, 15m access and 24h refresh.
// For unit tests only. Callers must not use in production.
func NewTestTokenProvider() (*TokenProvider, error) {
	return NewTokenProvider(TokenConfig{
		AccessSecret:  []byte("test-access-secret"),
		RefreshSecret: []byte("test-refresh-secret"),
		Issuer:        "test-issuer",
		Audience:      "test-audience",
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    24 * time.Hour,
	})
}

// NewTestRefreshHasher returns a RefreshHasher at bcrypt.MinCost so tests stay fast.
func NewTestRefreshHasher() *RefreshHasher {
	return NewRefreshHasher(NewHasher(4))
}
