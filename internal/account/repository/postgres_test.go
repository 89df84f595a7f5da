package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v2"

	"trend-reversal/backend/internal/account/domain"
)

func newMockRepo(t *testing.T) (*PostgresRepository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	t.Cleanup(mock.Close)
	return NewPostgresRepository(mock), mock
}

func TestPostgresRepository_GetByPhone(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now().UTC()

	rows := pgxmock.NewRows(accountColumns).AddRow(
		"acc-1", "+919999999999", []string{"USER", "ADMIN"}, true, "JBSWY3DPEHPK3PXP", nil, "10.0.0.1", "sess-1", now, now,
	)
	mock.ExpectQuery(`SELECT .* FROM accounts WHERE phone`).WithArgs("+919999999999").WillReturnRows(rows)

	a, err := repo.GetByPhone(context.Background(), "+919999999999")
	if err != nil {
		t.Fatalf("GetByPhone: %v", err)
	}
	if a == nil {
		t.Fatal("GetByPhone returned nil account")
	}
	if a.ID != "acc-1" {
		t.Errorf("ID = %q, want acc-1", a.ID)
	}
	if !a.HasRole(domain.RoleAdmin) {
		t.Errorf("Roles = %v, want ADMIN included", a.Roles)
	}
	if !a.TwoFactorEnabled || a.TOTPSecret != "JBSWY3DPEHPK3PXP" {
		t.Errorf("TOTP fields = (%v, %q)", a.TwoFactorEnabled, a.TOTPSecret)
	}
	if a.RefreshTokenHash != "" {
		t.Errorf("RefreshTokenHash = %q, want empty for NULL", a.RefreshTokenHash)
	}
	if a.CurrentIP != "10.0.0.1" || a.CurrentSessionID != "sess-1" {
		t.Errorf("session fields = (%q, %q)", a.CurrentIP, a.CurrentSessionID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresRepository_GetByID_NotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery(`SELECT .* FROM accounts WHERE id`).WithArgs("missing").WillReturnError(pgx.ErrNoRows)

	a, err := repo.GetByID(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if a != nil {
		t.Errorf("GetByID = %+v, want nil", a)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresRepository_GetByCurrentIP_DBError(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery(`SELECT .* FROM accounts WHERE current_ip`).WithArgs("10.0.0.1").WillReturnError(errors.New("connection reset"))

	if _, err := repo.GetByCurrentIP(context.Background(), "10.0.0.1"); err == nil {
		t.Fatal("GetByCurrentIP: expected error")
	}
}

func TestPostgresRepository_Create(t *testing.T) {
	repo, mock := newMockRepo(t)
	a := &domain.Account{ID: "acc-1", Phone: "+919999999999"}

	mock.ExpectExec(`INSERT INTO accounts`).
		WithArgs("acc-1", "+919999999999", pgxmock.AnyArg(), false, nil, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	if err := repo.Create(context.Background(), a); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(a.Roles) != 1 || a.Roles[0] != domain.RoleUser {
		t.Errorf("Roles = %v, want default USER", a.Roles)
	}
	if a.CreatedAt.IsZero() || a.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresRepository_Create_PhoneTaken(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec(`INSERT INTO accounts`).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "accounts_phone_key"})

	err := repo.Create(context.Background(), &domain.Account{ID: "acc-2", Phone: "+919999999999"})
	if !errors.Is(err, ErrPhoneTaken) {
		t.Errorf("Create err = %v, want ErrPhoneTaken", err)
	}
}

func TestPostgresRepository_CommitSession(t *testing.T) {
	repo, mock := newMockRepo(t)
	u := SessionUpdate{RefreshTokenHash: "hash", IP: "10.0.0.1", SessionID: "sess-1"}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM accounts WHERE .* FOR UPDATE`).
		WithArgs("10.0.0.1", "acc-1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec(`UPDATE accounts SET refresh_token_hash`).
		WithArgs("hash", "10.0.0.1", "sess-1", pgxmock.AnyArg(), "acc-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	if err := repo.CommitSession(context.Background(), "acc-1", u); err != nil {
		t.Fatalf("CommitSession: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresRepository_CommitSession_IPHeldByOther(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM accounts WHERE .* FOR UPDATE`).
		WithArgs("10.0.0.1", "acc-1").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("acc-2"))
	mock.ExpectRollback()

	err := repo.CommitSession(context.Background(), "acc-1", SessionUpdate{RefreshTokenHash: "hash", IP: "10.0.0.1", SessionID: "sess-1"})
	if !errors.Is(err, ErrIPInUse) {
		t.Fatalf("CommitSession err = %v, want ErrIPInUse", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresRepository_CommitSession_UniqueIndexRace(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM accounts WHERE .* FOR UPDATE`).
		WithArgs("10.0.0.1", "acc-1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec(`UPDATE accounts SET refresh_token_hash`).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "accounts_current_ip_key"})
	mock.ExpectRollback()

	err := repo.CommitSession(context.Background(), "acc-1", SessionUpdate{RefreshTokenHash: "hash", IP: "10.0.0.1", SessionID: "sess-1"})
	if !errors.Is(err, ErrIPInUse) {
		t.Fatalf("CommitSession err = %v, want ErrIPInUse", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresRepository_RotateRefreshHash_Stale(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec(`UPDATE accounts SET refresh_token_hash`).
		WithArgs("new-hash", pgxmock.AnyArg(), "acc-1", "old-hash").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := repo.RotateRefreshHash(context.Background(), "acc-1", "old-hash", "new-hash")
	if !errors.Is(err, ErrStaleRefreshHash) {
		t.Errorf("RotateRefreshHash err = %v, want ErrStaleRefreshHash", err)
	}
}

func TestPostgresRepository_EnableTOTP(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec(`UPDATE accounts SET totp_last_step`).
		WithArgs(int64(0), "SECRET", true, pgxmock.AnyArg(), "acc-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	if err := repo.EnableTOTP(context.Background(), "acc-1", "SECRET"); err != nil {
		t.Fatalf("EnableTOTP: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresRepository_MarkTOTPStep(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec(`UPDATE accounts SET totp_last_step = \$1, updated_at = \$2 WHERE \(id = \$3 AND totp_last_step < \$4\)`).
		WithArgs(int64(100), pgxmock.AnyArg(), "acc-1", int64(100)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE accounts SET totp_last_step`).
		WithArgs(int64(100), pgxmock.AnyArg(), "acc-1", int64(100)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	if err := repo.MarkTOTPStep(context.Background(), "acc-1", 100); err != nil {
		t.Fatalf("MarkTOTPStep: %v", err)
	}
	if err := repo.MarkTOTPStep(context.Background(), "acc-1", 100); !errors.Is(err, ErrTOTPStepUsed) {
		t.Errorf("MarkTOTPStep replay err = %v, want ErrTOTPStepUsed", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresRepository_ClearSession(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec(`UPDATE accounts SET current_ip`).
		WithArgs(nil, nil, nil, pgxmock.AnyArg(), "acc-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE accounts SET current_ip`).
		WithArgs(nil, nil, nil, pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	if err := repo.ClearSession(context.Background(), "acc-1"); err != nil {
		t.Fatalf("ClearSession: %v", err)
	}
	if err := repo.ClearSession(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ClearSession(missing) err = %v, want ErrNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresRepository_SetRoles(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec(`UPDATE accounts SET roles`).
		WithArgs([]string{"USER", "ADMIN"}, pgxmock.AnyArg(), "acc-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	if err := repo.SetRoles(context.Background(), "acc-1", []domain.Role{domain.RoleUser, domain.RoleAdmin}); err != nil {
		t.Fatalf("SetRoles: %v", err)
	}
	if err := repo.SetRoles(context.Background(), "acc-1", nil); err == nil {
		t.Error("SetRoles with no roles: expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
