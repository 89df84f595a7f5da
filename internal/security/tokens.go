package security

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned for any token that fails parsing, signature, expiry, issuer,
	// audience or use checks. Callers cannot tell which check failed.
	ErrInvalidToken = errors.New("invalid token")
)

// TokenUse distinguishes access from refresh tokens inside the claims.
type TokenUse string

const (
	UseAccess  TokenUse = "access"
	UseRefresh TokenUse = "refresh"
)

// Claims is the claim set shared by access and refresh tokens.
type Claims struct {
	jwt.RegisteredClaims
	Identification string   `json:"identification"`
	Roles          []string `json:"role"`
	SessionID      string   `json:"sid,omitempty"`
	Use            TokenUse `json:"use"`
}

// Subject is who a token pair is issued to.
type Subject struct {
	AccountID      string
	Identification string // phone
	Roles          []string
	SessionID      string
}

// TokenPair is an access/refresh pair with expiry instants.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// TokenConfig configures a TokenProvider.
type TokenConfig struct {
	AccessSecret  []byte
	RefreshSecret []byte
	Issuer        string
	Audience      string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

// TokenProvider issues and validates HS256 access and refresh tokens, each signed with its own secret.
type TokenProvider struct {
	accessSecret  []byte
	refreshSecret []byte
	issuer        string
	audience      string
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

// NewTokenProvider validates cfg and returns a TokenProvider.
// The secrets must be non-empty and distinct, and AccessTTL must not exceed RefreshTTL.
func NewTokenProvider(cfg TokenConfig) (*TokenProvider, error) {
	switch {
	case len(cfg.AccessSecret) == 0 || len(cfg.RefreshSecret) == 0:
		return nil, errors.New("security: access and refresh secrets are required")
	case string(cfg.AccessSecret) == string(cfg.RefreshSecret):
		return nil, errors.New("security: access and refresh secrets must differ")
	case cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0:
		return nil, errors.New("security: token lifetimes must be positive")
	case cfg.AccessTTL > cfg.RefreshTTL:
		return nil, errors.New("security: access token lifetime must not exceed refresh token lifetime")
	}
	return &TokenProvider{
		accessSecret:  cfg.AccessSecret,
		refreshSecret: cfg.RefreshSecret,
		issuer:        cfg.Issuer,
		audience:      cfg.Audience,
		accessTTL:     cfg.AccessTTL,
		refreshTTL:    cfg.RefreshTTL,
		now:           func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithClock overrides the provider clock, used in tests.
func (p *TokenProvider) WithClock(now func() time.Time) *TokenProvider {
	if now != nil {
		p.now = now
	}
	return p
}

// IssuePair mints an access and a refresh token for sub. Every token gets a fresh jti, so two
// pairs issued within the same second still differ.
func (p *TokenProvider) IssuePair(sub Subject) (*TokenPair, error) {
	if sub.AccountID == "" {
		return nil, errors.New("security: subject is required")
	}
	now := p.now()
	access, accessExp, err := p.issue(sub, UseAccess, p.accessSecret, now, p.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, refreshExp, err := p.issue(sub, UseRefresh, p.refreshSecret, now, p.refreshTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (p *TokenProvider) issue(sub Subject, use TokenUse, secret []byte, now time.Time, ttl time.Duration) (string, time.Time, error) {
	jti, err := generateJTI()
	if err != nil {
		return "", time.Time{}, err
	}
	expiresAt := now.Add(ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   sub.AccountID,
			Issuer:    p.issuer,
			Audience:  jwt.ClaimStrings{p.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Identification: sub.Identification,
		Roles:          sub.Roles,
		SessionID:      sub.SessionID,
		Use:            use,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// ValidateAccess parses and validates an access token (signature, exp, iss, aud, use).
func (p *TokenProvider) ValidateAccess(tokenString string) (*Claims, error) {
	return p.validate(tokenString, p.accessSecret, UseAccess)
}

// ValidateRefresh parses and validates a refresh token (signature, exp, iss, aud, use).
func (p *TokenProvider) ValidateRefresh(tokenString string) (*Claims, error) {
	return p.validate(tokenString, p.refreshSecret, UseRefresh)
}

func (p *TokenProvider) validate(tokenString string, secret []byte, use TokenUse) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (interface{}, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(p.issuer),
		jwt.WithAudience(p.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.now),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Use != use || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func generateJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
