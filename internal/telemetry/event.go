// Package telemetry carries auth lifecycle events to OTel logs and Kafka.
package telemetry

import (
	"context"
	"errors"
	"time"
)

// Event types.
const (
	EventOTPRequested     = "otp_requested"
	EventLogin            = "login"
	EventLoginPendingTOTP = "login_pending_totp"
	EventLoginFailure     = "login_failure"
	EventLoginConflict    = "login_conflict"
	EventTOTPEnrolled     = "totp_enrolled"
	EventTOTPVerified     = "totp_verified"
	EventTokenRefreshed   = "token_refreshed"
	EventLogout           = "logout"
)

// SourceAuth is the source recorded on events emitted by the auth service.
const SourceAuth = "auth-service"

// AuthEvent is the JSON record written to the auth events topic.
type AuthEvent struct {
	AccountID string            `json:"accountId,omitempty"`
	SessionID string            `json:"sessionId,omitempty"`
	EventType string            `json:"eventType"`
	Source    string            `json:"source"`
	ClientIP  string            `json:"clientIp,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// EventEmitter emits auth events. Best-effort; callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, event *AuthEvent) error
}

// MultiEmitter fans one event out to several emitters and joins their errors.
type MultiEmitter []EventEmitter

func (m MultiEmitter) Emit(ctx context.Context, event *AuthEvent) error {
	var errs []error
	for _, e := range m {
		if e == nil {
			continue
		}
		if err := e.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
