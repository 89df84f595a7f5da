// seed creates or promotes an ADMIN account for SEED_ADMIN_PHONE. Idempotent: an existing
// account keeps its id and gains the ADMIN role.
package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"trend-reversal/backend/internal/account/domain"
	"trend-reversal/backend/internal/account/repository"
	"trend-reversal/backend/internal/auth/service"
	"trend-reversal/backend/internal/config"
	"trend-reversal/backend/internal/db"
	"trend-reversal/backend/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	zl, err := logger.New(cfg.Env)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	phone, err := service.NormalizePhone(os.Getenv("SEED_ADMIN_PHONE"), cfg.PhoneDefaultRegion)
	if err != nil {
		zl.Fatal("SEED_ADMIN_PHONE", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	pool, err := db.Open(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: 2})
	if err != nil {
		zl.Fatal("db", zap.Error(err))
	}
	defer pool.Close()

	acct, created, err := seedAdmin(ctx, repository.NewPostgresRepository(pool), phone)
	if err != nil {
		zl.Fatal("seed admin", zap.Error(err))
	}
	zl.Info("admin account ready",
		zap.String("account_id", acct.ID),
		zap.String("phone", logger.MaskPhone(phone)),
		zap.Bool("created", created))
}

// adminStore is the repository surface seedAdmin needs.
type adminStore interface {
	GetByPhone(ctx context.Context, phone string) (*domain.Account, error)
	Create(ctx context.Context, a *domain.Account) error
	SetRoles(ctx context.Context, accountID string, roles []domain.Role) error
}

// seedAdmin creates an ADMIN account for phone, or adds ADMIN to the existing one.
func seedAdmin(ctx context.Context, store adminStore, phone string) (*domain.Account, bool, error) {
	acct, err := store.GetByPhone(ctx, phone)
	if err != nil {
		return nil, false, err
	}
	if acct == nil {
		acct = &domain.Account{ID: uuid.NewString(), Phone: phone, Roles: []domain.Role{domain.RoleUser, domain.RoleAdmin}}
		if err := store.Create(ctx, acct); err != nil {
			return nil, false, err
		}
		return acct, true, nil
	}
	if acct.HasRole(domain.RoleAdmin) {
		return acct, false, nil
	}
	acct.Roles = append(acct.Roles, domain.RoleAdmin)
	if err := store.SetRoles(ctx, acct.ID, acct.Roles); err != nil {
		return nil, false, err
	}
	return acct, false, nil
}
