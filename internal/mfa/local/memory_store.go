package local

import (
	"context"
	"sync"
	"time"
)

// MemoryChallengeStore is a process-local ChallengeStore for development without Redis.
type MemoryChallengeStore struct {
	mu   sync.Mutex
	m    map[string]Challenge
	nowF func() time.Time
}

// NewMemoryChallengeStore returns an empty store.
func NewMemoryChallengeStore() *MemoryChallengeStore {
	return &MemoryChallengeStore{m: make(map[string]Challenge), nowF: time.Now}
}

func (s *MemoryChallengeStore) Put(_ context.Context, c Challenge, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.Attempts = 0
	c.ExpiresAt = s.nowF().Add(ttl)
	s.m[c.Phone] = c
	return nil
}

func (s *MemoryChallengeStore) Get(_ context.Context, phone string) (*Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.m[phone]
	if !ok {
		return nil, nil
	}
	if !c.ExpiresAt.After(s.nowF()) {
		delete(s.m, phone)
		return nil, nil
	}
	return &c, nil
}

func (s *MemoryChallengeStore) IncrementAttempts(_ context.Context, phone string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.m[phone]
	if !ok {
		return 0, nil
	}
	if !c.ExpiresAt.After(s.nowF()) {
		delete(s.m, phone)
		return 0, nil
	}
	c.Attempts++
	s.m[phone] = c
	return c.Attempts, nil
}

func (s *MemoryChallengeStore) Delete(_ context.Context, phone string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.m[phone]
	delete(s.m, phone)
	return ok, nil
}
