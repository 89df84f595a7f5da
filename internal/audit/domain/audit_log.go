package domain

import "time"

// AuditLog is one recorded auth event.
type AuditLog struct {
	ID        string
	AccountID string // empty when the event has no resolved account
	Action    string
	IP        string
	Metadata  string // JSON object, or empty
	CreatedAt time.Time
}
