// Package session enforces that a network address holds at most one live account session.
package session

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"trend-reversal/backend/internal/account/domain"
	"trend-reversal/backend/internal/account/repository"
	"trend-reversal/backend/internal/apperr"
	"trend-reversal/backend/internal/logger"
)

// MsgIPInUse is returned to callers whose IP is held by another account.
const MsgIPInUse = "IP in use"

// Store is the subset of the account repository the guard needs.
type Store interface {
	GetByCurrentIP(ctx context.Context, ip string) (*domain.Account, error)
	CommitSession(ctx context.Context, accountID string, u repository.SessionUpdate) error
}

// Guard checks and records the live session IP of accounts.
type Guard struct {
	store Store
	log   *zap.Logger
}

// NewGuard returns a Guard backed by store. log may be nil.
func NewGuard(store Store, log *zap.Logger) *Guard {
	return &Guard{store: store, log: logger.OrNop(log)}
}

// Check fails with a Conflict error when another account currently holds ip.
// It is advisory; Commit repeats the check atomically.
func (g *Guard) Check(ctx context.Context, accountID, ip string) error {
	if ip == "" {
		return apperr.InvalidInput("client IP is required")
	}
	holder, err := g.store.GetByCurrentIP(ctx, ip)
	if err != nil {
		return apperr.Internal(err)
	}
	if holder != nil && holder.ID != accountID {
		g.log.Info("session ip held by another account",
			zap.String("account_id", accountID),
			zap.String("ip", logger.MaskIP(ip)))
		return apperr.Conflict(MsgIPInUse)
	}
	return nil
}

// Commit records ip, sessionID and refreshHash on the account in one atomic store call. It fails
// with Conflict if another account took ip in the meantime.
func (g *Guard) Commit(ctx context.Context, accountID, ip, sessionID, refreshHash string) error {
	if ip == "" {
		return apperr.InvalidInput("client IP is required")
	}
	err := g.store.CommitSession(ctx, accountID, repository.SessionUpdate{
		RefreshTokenHash: refreshHash,
		IP:               ip,
		SessionID:        sessionID,
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrIPInUse):
		g.log.Info("session commit lost ip race",
			zap.String("account_id", accountID),
			zap.String("ip", logger.MaskIP(ip)))
		return apperr.Conflict(MsgIPInUse)
	case errors.Is(err, repository.ErrNotFound):
		return apperr.Wrap(apperr.KindUnauthenticated, "account not found", err)
	default:
		return apperr.Internal(err)
	}
}
