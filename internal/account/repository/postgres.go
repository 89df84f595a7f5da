package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"trend-reversal/backend/internal/account/domain"
)

const (
	accountsTable = "accounts"

	uniqueViolation     = "23505"
	phoneConstraint     = "accounts_phone_key"
	currentIPConstraint = "accounts_current_ip_key"
)

var accountColumns = []string{
	"id",
	"phone",
	"roles",
	"two_factor_enabled",
	"totp_secret",
	"refresh_token_hash",
	"current_ip",
	"current_session_id",
	"created_at",
	"updated_at",
}

// pgDB is satisfied by *pgxpool.Pool and by pgxmock pools in tests.
type pgDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresRepository stores accounts in the accounts table.
type PostgresRepository struct {
	db      pgDB
	builder squirrel.StatementBuilderType
	now     func() time.Time
}

// NewPostgresRepository returns an account repository backed by db (normally a *pgxpool.Pool).
func NewPostgresRepository(db pgDB) *PostgresRepository {
	return &PostgresRepository{
		db:      db,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// GetByID returns the account for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Account, error) {
	return r.getOne(ctx, squirrel.Eq{"id": id})
}

// GetByPhone returns the account for phone, or nil if not found.
func (r *PostgresRepository) GetByPhone(ctx context.Context, phone string) (*domain.Account, error) {
	return r.getOne(ctx, squirrel.Eq{"phone": phone})
}

// GetByCurrentIP returns the account holding ip as its live session IP, or nil.
func (r *PostgresRepository) GetByCurrentIP(ctx context.Context, ip string) (*domain.Account, error) {
	return r.getOne(ctx, squirrel.Eq{"current_ip": ip})
}

func (r *PostgresRepository) getOne(ctx context.Context, where squirrel.Eq) (*domain.Account, error) {
	stmt, args, err := r.builder.Select(accountColumns...).From(accountsTable).Where(where).Limit(1).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select account sql: %w", err)
	}
	a, err := scanAccount(r.db.QueryRow(ctx, stmt, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select account: %w", err)
	}
	return a, nil
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var (
		a         domain.Account
		roles     []string
		secret    sql.NullString
		hash      sql.NullString
		ip        sql.NullString
		sessionID sql.NullString
	)
	if err := row.Scan(
		&a.ID,
		&a.Phone,
		&roles,
		&a.TwoFactorEnabled,
		&secret,
		&hash,
		&ip,
		&sessionID,
		&a.CreatedAt,
		&a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	parsed, err := domain.ParseRoles(roles)
	if err != nil {
		return nil, err
	}
	a.Roles = parsed
	a.TOTPSecret = secret.String
	a.RefreshTokenHash = hash.String
	a.CurrentIP = ip.String
	a.CurrentSessionID = sessionID.String
	return &a, nil
}

// Create inserts a. The account must have ID set. Returns ErrPhoneTaken if the phone is registered.
func (r *PostgresRepository) Create(ctx context.Context, a *domain.Account) error {
	if err := a.Validate(); err != nil {
		return err
	}
	now := r.now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	stmt, args, err := r.builder.Insert(accountsTable).
		Columns("id", "phone", "roles", "two_factor_enabled", "totp_secret", "created_at", "updated_at").
		Values(a.ID, a.Phone, domain.RoleNames(a.Roles), a.TwoFactorEnabled, nullable(a.TOTPSecret), a.CreatedAt, a.UpdatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert account sql: %w", err)
	}
	if _, err := r.db.Exec(ctx, stmt, args...); err != nil {
		if isUniqueViolation(err, phoneConstraint) {
			return ErrPhoneTaken
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

// CommitSession runs the IP holder check and the session write in one transaction.
// The partial unique index on current_ip covers the window where two transactions both see no holder.
func (r *PostgresRepository) CommitSession(ctx context.Context, accountID string, u SessionUpdate) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin commit session: %w", err)
	}
	if err := r.commitSession(ctx, tx, accountID, u); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err, currentIPConstraint) {
			return ErrIPInUse
		}
		return fmt.Errorf("commit session: %w", err)
	}
	return nil
}

func (r *PostgresRepository) commitSession(ctx context.Context, tx pgx.Tx, accountID string, u SessionUpdate) error {
	stmt, args, err := r.builder.Select("id").From(accountsTable).
		Where(squirrel.And{squirrel.Eq{"current_ip": u.IP}, squirrel.NotEq{"id": accountID}}).
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return fmt.Errorf("build ip holder sql: %w", err)
	}
	var holder string
	switch err := tx.QueryRow(ctx, stmt, args...).Scan(&holder); {
	case err == nil:
		return ErrIPInUse
	case !errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("select ip holder: %w", err)
	}

	stmt, args, err = r.builder.Update(accountsTable).
		Set("refresh_token_hash", u.RefreshTokenHash).
		Set("current_ip", u.IP).
		Set("current_session_id", u.SessionID).
		Set("updated_at", r.now()).
		Where(squirrel.Eq{"id": accountID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build commit session sql: %w", err)
	}
	tag, err := tx.Exec(ctx, stmt, args...)
	if err != nil {
		if isUniqueViolation(err, currentIPConstraint) {
			return ErrIPInUse
		}
		return fmt.Errorf("update session fields: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RotateRefreshHash swaps the refresh hash from expectedHash to newHash.
// Returns ErrStaleRefreshHash when the stored hash moved on (or the account is gone).
func (r *PostgresRepository) RotateRefreshHash(ctx context.Context, accountID, expectedHash, newHash string) error {
	stmt, args, err := r.builder.Update(accountsTable).
		Set("refresh_token_hash", newHash).
		Set("updated_at", r.now()).
		Where(squirrel.And{squirrel.Eq{"id": accountID}, squirrel.Eq{"refresh_token_hash": expectedHash}}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build rotate refresh sql: %w", err)
	}
	tag, err := r.db.Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("rotate refresh hash: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleRefreshHash
	}
	return nil
}

// EnableTOTP stores secret and turns on the two-factor flag in one statement. The replay marker
// is reset because it belonged to the previous secret.
func (r *PostgresRepository) EnableTOTP(ctx context.Context, accountID, secret string) error {
	return r.update(ctx, accountID, "enable totp", map[string]any{
		"totp_secret":        secret,
		"two_factor_enabled": true,
		"totp_last_step":     int64(0),
	})
}

// MarkTOTPStep advances totp_last_step to step in one conditional update, so of two requests
// carrying the same code only one gets through.
func (r *PostgresRepository) MarkTOTPStep(ctx context.Context, accountID string, step int64) error {
	stmt, args, err := r.builder.Update(accountsTable).
		Set("totp_last_step", step).
		Set("updated_at", r.now()).
		Where(squirrel.And{squirrel.Eq{"id": accountID}, squirrel.Lt{"totp_last_step": step}}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build mark totp step sql: %w", err)
	}
	tag, err := r.db.Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("mark totp step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTOTPStepUsed
	}
	return nil
}

// ClearSession nulls the refresh hash and session fields. Clearing an already clear account succeeds.
func (r *PostgresRepository) ClearSession(ctx context.Context, accountID string) error {
	return r.update(ctx, accountID, "clear session", map[string]any{
		"refresh_token_hash": nil,
		"current_ip":         nil,
		"current_session_id": nil,
	})
}

// SetRoles replaces the account's roles. roles must be non-empty.
func (r *PostgresRepository) SetRoles(ctx context.Context, accountID string, roles []domain.Role) error {
	if len(roles) == 0 {
		return errors.New("account: at least one role is required")
	}
	return r.update(ctx, accountID, "set roles", map[string]any{
		"roles": domain.RoleNames(roles),
	})
}

func (r *PostgresRepository) update(ctx context.Context, accountID, op string, fields map[string]any) error {
	fields["updated_at"] = r.now()
	stmt, args, err := r.builder.Update(accountsTable).
		SetMap(fields).
		Where(squirrel.Eq{"id": accountID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build %s sql: %w", op, err)
	}
	tag, err := r.db.Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == constraint
}
