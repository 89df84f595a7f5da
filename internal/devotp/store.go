// Package devotp keeps the last plain OTP sent to each phone so GET /dev/otp can return it.
// It is only wired when OTP_RETURN_TO_CLIENT is enabled outside production.
package devotp

import (
	"context"
	"sync"
	"time"
)

// Store holds plain OTPs by E.164 phone for dev-only retrieval.
type Store interface {
	// Put stores otp for phone until expiresAt, replacing any earlier code.
	Put(ctx context.Context, phone, otp string, expiresAt time.Time)
	// Get returns the otp for phone if present and not expired.
	Get(ctx context.Context, phone string) (otp string, ok bool)
}

type entry struct {
	otp       string
	expiresAt time.Time
}

// MemoryStore is an in-memory Store implementation.
type MemoryStore struct {
	mu   sync.RWMutex
	m    map[string]entry
	nowF func() time.Time
}

// NewMemoryStore returns a new in-memory dev OTP store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		m:    make(map[string]entry),
		nowF: func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Put(_ context.Context, phone, otp string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[phone] = entry{otp: otp, expiresAt: expiresAt}
}

func (s *MemoryStore) Get(_ context.Context, phone string) (string, bool) {
	s.mu.RLock()
	e, ok := s.m[phone]
	s.mu.RUnlock()
	if !ok {
		return "", false
	}
	if !e.expiresAt.After(s.nowF()) {
		s.mu.Lock()
		delete(s.m, phone)
		s.mu.Unlock()
		return "", false
	}
	return e.otp, true
}

// Forget drops the code for phone once it has been used.
func (s *MemoryStore) Forget(phone string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, phone)
}
