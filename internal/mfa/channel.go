// Package mfa holds the phone OTP channel abstraction, the TOTP engine and OTP helpers.
package mfa

import (
	"context"
	"errors"
)

// ErrProvider marks a failure of the external OTP provider (transport error, non-2xx reply,
// timeout or open circuit). Callers surface it as an external service error.
var ErrProvider = errors.New("otp provider error")

// Channel sends one-time codes to a phone and checks submitted codes.
type Channel interface {
	// Send dispatches a fresh code to phone (E.164).
	Send(ctx context.Context, phone string) error
	// Verify reports whether code matches the pending challenge for phone.
	// A wrong, expired or missing challenge is (false, nil), not an error.
	Verify(ctx context.Context, phone, code string) (bool, error)
}
