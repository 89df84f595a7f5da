package repository

import (
	"context"
	"errors"

	"trend-reversal/backend/internal/account/domain"
)

var (
	// ErrNotFound is returned by updates whose target account does not exist.
	// Lookups return (nil, nil) instead.
	ErrNotFound = errors.New("account: not found")
	// ErrPhoneTaken is returned by Create when the phone already belongs to an account.
	ErrPhoneTaken = errors.New("account: phone already registered")
	// ErrIPInUse is returned by CommitSession when another account holds the IP as its live session IP.
	ErrIPInUse = errors.New("account: ip in use by another account")
	// ErrStaleRefreshHash is returned by RotateRefreshHash when the stored hash no longer matches.
	ErrStaleRefreshHash = errors.New("account: refresh token hash changed")
	// ErrTOTPStepUsed is returned by MarkTOTPStep when a code for that time step (or a later one)
	// was already accepted, or the account is gone.
	ErrTOTPStepUsed = errors.New("account: totp step already used")
)

// SessionUpdate is the set of fields written when a session is established.
type SessionUpdate struct {
	RefreshTokenHash string
	IP               string
	SessionID        string
}

// Repository defines persistence for accounts. Every method is atomic on its own.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.Account, error)
	GetByPhone(ctx context.Context, phone string) (*domain.Account, error)
	// GetByCurrentIP returns the account whose live session IP is ip, or nil.
	GetByCurrentIP(ctx context.Context, ip string) (*domain.Account, error)
	Create(ctx context.Context, a *domain.Account) error
	// CommitSession writes the session fields only if no other account holds u.IP.
	CommitSession(ctx context.Context, accountID string, u SessionUpdate) error
	// RotateRefreshHash replaces the refresh hash only if it still equals expectedHash.
	RotateRefreshHash(ctx context.Context, accountID, expectedHash, newHash string) error
	// EnableTOTP stores secret, sets the two-factor flag and forgets the last accepted step.
	EnableTOTP(ctx context.Context, accountID, secret string) error
	// MarkTOTPStep records step as the last accepted TOTP step only if it is newer than the stored one.
	MarkTOTPStep(ctx context.Context, accountID string, step int64) error
	// ClearSession clears the refresh hash, current IP and session id.
	ClearSession(ctx context.Context, accountID string) error
	// SetRoles replaces the account's roles.
	SetRoles(ctx context.Context, accountID string, roles []domain.Role) error
}
