package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"trend-reversal/backend/internal/account/domain"
)

func TestMemoryRepository_CreateAndLookup(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	if err := repo.Create(ctx, &domain.Account{ID: "acc-1", Phone: "+919999999999"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := repo.Create(ctx, &domain.Account{ID: "acc-2", Phone: "+919999999999"}); !errors.Is(err, ErrPhoneTaken) {
		t.Errorf("duplicate Create err = %v, want ErrPhoneTaken", err)
	}
	a, _ := repo.GetByPhone(ctx, "+919999999999")
	if a == nil || a.ID != "acc-1" {
		t.Fatalf("GetByPhone = %+v", a)
	}
	if missing, _ := repo.GetByID(ctx, "nope"); missing != nil {
		t.Errorf("GetByID(nope) = %+v, want nil", missing)
	}

	// Returned accounts are copies.
	a.Phone = "mutated"
	again, _ := repo.GetByID(ctx, "acc-1")
	if again.Phone != "+919999999999" {
		t.Errorf("stored phone mutated through returned pointer: %q", again.Phone)
	}
}

func TestMemoryRepository_CommitSession_IPExclusive(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	_ = repo.Create(ctx, &domain.Account{ID: "acc-1", Phone: "+911111111111"})
	_ = repo.Create(ctx, &domain.Account{ID: "acc-2", Phone: "+912222222222"})

	if err := repo.CommitSession(ctx, "acc-1", SessionUpdate{RefreshTokenHash: "h1", IP: "10.0.0.1", SessionID: "s1"}); err != nil {
		t.Fatalf("CommitSession acc-1: %v", err)
	}
	if err := repo.CommitSession(ctx, "acc-1", SessionUpdate{RefreshTokenHash: "h2", IP: "10.0.0.1", SessionID: "s2"}); err != nil {
		t.Errorf("same account re-commit: %v", err)
	}
	if err := repo.CommitSession(ctx, "acc-2", SessionUpdate{RefreshTokenHash: "h3", IP: "10.0.0.1", SessionID: "s3"}); !errors.Is(err, ErrIPInUse) {
		t.Errorf("other account commit err = %v, want ErrIPInUse", err)
	}
	holder, _ := repo.GetByCurrentIP(ctx, "10.0.0.1")
	if holder == nil || holder.ID != "acc-1" || holder.CurrentSessionID != "s2" {
		t.Errorf("holder = %+v", holder)
	}

	if err := repo.ClearSession(ctx, "acc-1"); err != nil {
		t.Fatalf("ClearSession: %v", err)
	}
	if err := repo.CommitSession(ctx, "acc-2", SessionUpdate{RefreshTokenHash: "h3", IP: "10.0.0.1", SessionID: "s3"}); err != nil {
		t.Errorf("commit after logout: %v", err)
	}
}

func TestMemoryRepository_CommitSession_Concurrent(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	const n = 20
	for i := 0; i < n; i++ {
		_ = repo.Create(ctx, &domain.Account{ID: fmt.Sprintf("acc-%d", i), Phone: fmt.Sprintf("+9199999000%02d", i)})
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := repo.CommitSession(ctx, fmt.Sprintf("acc-%d", i), SessionUpdate{RefreshTokenHash: "h", IP: "203.0.113.7", SessionID: fmt.Sprint(i)})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, ErrIPInUse) {
				t.Errorf("CommitSession: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("wins = %d, want exactly 1", wins)
	}
}

func TestMemoryRepository_RotateRefreshHash(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	_ = repo.Create(ctx, &domain.Account{ID: "acc-1", Phone: "+911111111111"})
	_ = repo.CommitSession(ctx, "acc-1", SessionUpdate{RefreshTokenHash: "h1", IP: "10.0.0.1", SessionID: "s1"})

	if err := repo.RotateRefreshHash(ctx, "acc-1", "h1", "h2"); err != nil {
		t.Fatalf("RotateRefreshHash: %v", err)
	}
	if err := repo.RotateRefreshHash(ctx, "acc-1", "h1", "h3"); !errors.Is(err, ErrStaleRefreshHash) {
		t.Errorf("second rotate from h1 err = %v, want ErrStaleRefreshHash", err)
	}
	if err := repo.EnableTOTP(ctx, "missing", "S"); !errors.Is(err, ErrNotFound) {
		t.Errorf("EnableTOTP(missing) err = %v, want ErrNotFound", err)
	}
}

func TestMemoryRepository_SetRoles(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	_ = repo.Create(ctx, &domain.Account{ID: "acc-1", Phone: "+919999999999"})

	if err := repo.SetRoles(ctx, "acc-1", []domain.Role{domain.RoleUser, domain.RoleAdmin}); err != nil {
		t.Fatalf("SetRoles: %v", err)
	}
	a, _ := repo.GetByID(ctx, "acc-1")
	if !a.HasRole(domain.RoleAdmin) {
		t.Errorf("Roles = %v, want ADMIN", a.Roles)
	}
	if err := repo.SetRoles(ctx, "missing", []domain.Role{domain.RoleUser}); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetRoles(missing) err = %v, want ErrNotFound", err)
	}
	if err := repo.SetRoles(ctx, "acc-1", nil); err == nil {
		t.Error("SetRoles with no roles: expected error")
	}
}

func TestMemoryRepository_MarkTOTPStep(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	_ = repo.Create(ctx, &domain.Account{ID: "acc-1", Phone: "+919999999999"})

	if err := repo.MarkTOTPStep(ctx, "acc-1", 100); err != nil {
		t.Fatalf("MarkTOTPStep: %v", err)
	}
	for _, step := range []int64{100, 99} {
		if err := repo.MarkTOTPStep(ctx, "acc-1", step); !errors.Is(err, ErrTOTPStepUsed) {
			t.Errorf("MarkTOTPStep(%d) err = %v, want ErrTOTPStepUsed", step, err)
		}
	}
	if err := repo.MarkTOTPStep(ctx, "acc-1", 101); err != nil {
		t.Errorf("MarkTOTPStep(101): %v", err)
	}
	if err := repo.MarkTOTPStep(ctx, "missing", 1); !errors.Is(err, ErrTOTPStepUsed) {
		t.Errorf("MarkTOTPStep(missing) err = %v, want ErrTOTPStepUsed", err)
	}

	_ = repo.EnableTOTP(ctx, "acc-1", "SECRET")
	if err := repo.MarkTOTPStep(ctx, "acc-1", 100); err != nil {
		t.Errorf("MarkTOTPStep after re-enroll: %v", err)
	}
}
