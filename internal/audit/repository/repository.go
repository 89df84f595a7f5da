package repository

import (
	"context"

	"trend-reversal/backend/internal/audit/domain"
)

// Repository defines persistence for audit logs.
type Repository interface {
	Create(ctx context.Context, a *domain.AuditLog) error
	// ListByAccount returns the newest entries first.
	ListByAccount(ctx context.Context, accountID string, limit uint64) ([]*domain.AuditLog, error)
}
