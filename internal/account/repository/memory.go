package repository

import (
	"context"
	"errors"
	"sync"
	"time"

	"trend-reversal/backend/internal/account/domain"
)

// MemoryRepository keeps accounts in process memory for tests and the seed tool's checks. One
// mutex covers every method, so CommitSession's check and write are atomic.
type MemoryRepository struct {
	mu        sync.Mutex
	byID      map[string]*domain.Account
	totpSteps map[string]int64
	now       func() time.Time
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:      make(map[string]*domain.Account),
		totpSteps: make(map[string]int64),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryRepository) GetByID(_ context.Context, id string) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return clone(r.byID[id]), nil
}

func (r *MemoryRepository) GetByPhone(_ context.Context, phone string) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.byID {
		if a.Phone == phone {
			return clone(a), nil
		}
	}
	return nil, nil
}

func (r *MemoryRepository) GetByCurrentIP(_ context.Context, ip string) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return clone(r.holderOf(ip, "")), nil
}

func (r *MemoryRepository) holderOf(ip, exceptID string) *domain.Account {
	if ip == "" {
		return nil
	}
	for _, a := range r.byID {
		if a.CurrentIP == ip && a.ID != exceptID {
			return a
		}
	}
	return nil
}

func (r *MemoryRepository) Create(_ context.Context, a *domain.Account) error {
	if err := a.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.byID {
		if existing.Phone == a.Phone {
			return ErrPhoneTaken
		}
	}
	now := r.now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	r.byID[a.ID] = clone(a)
	return nil
}

func (r *MemoryRepository) CommitSession(_ context.Context, accountID string, u SessionUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byID[accountID]
	if !ok {
		return ErrNotFound
	}
	if r.holderOf(u.IP, accountID) != nil {
		return ErrIPInUse
	}
	a.RefreshTokenHash = u.RefreshTokenHash
	a.CurrentIP = u.IP
	a.CurrentSessionID = u.SessionID
	a.UpdatedAt = r.now()
	return nil
}

func (r *MemoryRepository) RotateRefreshHash(_ context.Context, accountID, expectedHash, newHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byID[accountID]
	if !ok || a.RefreshTokenHash != expectedHash {
		return ErrStaleRefreshHash
	}
	a.RefreshTokenHash = newHash
	a.UpdatedAt = r.now()
	return nil
}

func (r *MemoryRepository) EnableTOTP(_ context.Context, accountID, secret string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byID[accountID]
	if !ok {
		return ErrNotFound
	}
	a.TOTPSecret = secret
	a.TwoFactorEnabled = true
	a.UpdatedAt = r.now()
	delete(r.totpSteps, accountID)
	return nil
}

func (r *MemoryRepository) MarkTOTPStep(_ context.Context, accountID string, step int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[accountID]; !ok || step <= r.totpSteps[accountID] {
		return ErrTOTPStepUsed
	}
	r.totpSteps[accountID] = step
	return nil
}

func (r *MemoryRepository) ClearSession(_ context.Context, accountID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byID[accountID]
	if !ok {
		return ErrNotFound
	}
	a.RefreshTokenHash = ""
	a.CurrentIP = ""
	a.CurrentSessionID = ""
	a.UpdatedAt = r.now()
	return nil
}

func (r *MemoryRepository) SetRoles(_ context.Context, accountID string, roles []domain.Role) error {
	if len(roles) == 0 {
		return errors.New("account: at least one role is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byID[accountID]
	if !ok {
		return ErrNotFound
	}
	a.Roles = append([]domain.Role(nil), roles...)
	a.UpdatedAt = r.now()
	return nil
}

func clone(a *domain.Account) *domain.Account {
	if a == nil {
		return nil
	}
	c := *a
	c.Roles = append([]domain.Role(nil), a.Roles...)
	return &c
}
