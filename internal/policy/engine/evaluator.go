// Package engine decides whether an authenticated caller may act on an account.
package engine

import "context"

// Actions checked against the access policy.
const (
	ActionTOTPGenerate = "totp.generate"
	ActionLogout       = "auth.logout"
	ActionReadAccount  = "account.read"
)

// AccessRequest is the policy input: who is calling, what they want to do, and to which account.
type AccessRequest struct {
	Action       string
	SubjectID    string
	SubjectRoles []string
	TargetID     string
}

// Evaluator evaluates account access policies.
type Evaluator interface {
	Authorize(ctx context.Context, req AccessRequest) (bool, error)
}
