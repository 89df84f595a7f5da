package repository

import (
	"context"
	"database/sql"
	"fmt"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"trend-reversal/backend/internal/audit/domain"
)

const auditTable = "audit_logs"

var auditColumns = []string{"id", "account_id", "action", "ip", "metadata", "created_at"}

type pgDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresRepository writes audit logs to the audit_logs table.
type PostgresRepository struct {
	db      pgDB
	builder squirrel.StatementBuilderType
}

// NewPostgresRepository returns an audit log repository that uses db for persistence.
func NewPostgresRepository(db pgDB) *PostgresRepository {
	return &PostgresRepository{
		db:      db,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// Create persists a. The audit log must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, a *domain.AuditLog) error {
	query, args, err := r.builder.Insert(auditTable).
		Columns(auditColumns...).
		Values(a.ID, nullable(a.AccountID), a.Action, a.IP, nullable(a.Metadata), a.CreatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert audit log: %w", err)
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListByAccount(ctx context.Context, accountID string, limit uint64) ([]*domain.AuditLog, error) {
	if limit == 0 {
		limit = 50
	}
	query, args, err := r.builder.Select(auditColumns...).
		From(auditTable).
		Where(squirrel.Eq{"account_id": accountID}).
		OrderBy("created_at DESC").
		Limit(limit).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list audit logs: %w", err)
	}
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	defer rows.Close()

	var out []*domain.AuditLog
	for rows.Next() {
		var (
			a        domain.AuditLog
			account  sql.NullString
			metadata sql.NullString
		)
		if err := rows.Scan(&a.ID, &account, &a.Action, &a.IP, &metadata, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		a.AccountID = account.String
		a.Metadata = metadata.String
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit logs: %w", err)
	}
	return out, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
