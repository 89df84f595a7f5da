package service

import (
	"trend-reversal/backend/internal/account/domain"
	"trend-reversal/backend/internal/security"
)

// Messages returned to callers on success.
const (
	MsgOTPSent         = "OTP sent successfully"
	MsgTwoFactorActive = "User already exists and 2FA is enabled"
	MsgLoggedIn        = "User logged in successfully"
	MsgLoggedOut       = "Logged out successfully"
)

// OTPRequestResult is the reply to RequestOTP. RequiresTOTP is set instead of sending an OTP when
// the account has two-factor enabled.
type OTPRequestResult struct {
	Message      string
	RequiresTOTP bool
	AccountID    string
}

// SignInOutcome is either *PendingTOTP or *Authenticated.
type SignInOutcome interface {
	signInOutcome()
}

// PendingTOTP means the caller must complete VerifyTOTP for AccountID to get tokens.
type PendingTOTP struct {
	AccountID string
}

// Authenticated carries a freshly issued token pair and the caller's public account.
type Authenticated struct {
	Message   string
	Tokens    *security.TokenPair
	Account   domain.PublicAccount
	SessionID string
}

func (*PendingTOTP) signInOutcome()   {}
func (*Authenticated) signInOutcome() {}
