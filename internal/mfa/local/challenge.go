// Package local implements an OTP channel that generates and checks codes itself and only uses
// an SMS gateway for delivery.
package local

import (
	"context"
	"time"
)

// Challenge is the pending OTP for one phone.
type Challenge struct {
	Phone     string
	CodeHash  string // SHA-256 hex of the code
	Attempts  int
	ExpiresAt time.Time
}

// ChallengeStore persists at most one pending challenge per phone.
type ChallengeStore interface {
	// Put replaces any pending challenge for c.Phone; it expires after ttl.
	Put(ctx context.Context, c Challenge, ttl time.Duration) error
	// Get returns the pending challenge, or nil when there is none or it expired.
	Get(ctx context.Context, phone string) (*Challenge, error)
	// IncrementAttempts reserves one verification attempt and returns the new count. It returns 0
	// when there is no live challenge and never creates one.
	IncrementAttempts(ctx context.Context, phone string) (int, error)
	// Delete removes the challenge and reports whether one existed.
	Delete(ctx context.Context, phone string) (bool, error)
}
