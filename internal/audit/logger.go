// Package audit records auth events in the audit_logs table.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"trend-reversal/backend/internal/audit/domain"
	auditrepo "trend-reversal/backend/internal/audit/repository"
	"trend-reversal/backend/internal/logger"
)

// Actions recorded by the auth flows.
const (
	ActionOTPRequested     = "otp_requested"
	ActionLogin            = "login"
	ActionLoginPendingTOTP = "login_pending_totp"
	ActionLoginFailure     = "login_failure"
	ActionLoginConflict    = "login_conflict"
	ActionTOTPEnrolled     = "totp_enrolled"
	ActionTOTPVerified     = "totp_verified"
	ActionTokenRefreshed   = "token_refreshed"
	ActionLogout           = "logout"
)

// AuditLogger writes a single audit event. LogEvent is best-effort: failures are logged and do
// not affect the caller.
type AuditLogger interface {
	LogEvent(ctx context.Context, accountID, action, ip string, metadata map[string]string)
}

// Logger implements AuditLogger using the audit repository.
type Logger struct {
	repo auditrepo.Repository
	log  *zap.Logger
	nowF func() time.Time
}

// NewLogger returns an AuditLogger that persists to repo. log may be nil.
func NewLogger(repo auditrepo.Repository, log *zap.Logger) *Logger {
	return &Logger{repo: repo, log: logger.OrNop(log), nowF: func() time.Time { return time.Now().UTC() }}
}

// LogEvent writes one audit log entry. An empty ip is recorded as "unknown".
func (l *Logger) LogEvent(ctx context.Context, accountID, action, ip string, metadata map[string]string) {
	if l == nil || l.repo == nil {
		return
	}
	if ip == "" {
		ip = "unknown"
	}
	var meta string
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			l.log.Warn("audit: encode metadata", zap.String("action", action), zap.Error(err))
		} else {
			meta = string(raw)
		}
	}
	entry := &domain.AuditLog{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Action:    action,
		IP:        ip,
		Metadata:  meta,
		CreatedAt: l.nowF(),
	}
	if err := l.repo.Create(ctx, entry); err != nil {
		l.log.Warn("audit: failed to log event", zap.String("action", action), zap.Error(err))
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) LogEvent(context.Context, string, string, string, map[string]string) {}
