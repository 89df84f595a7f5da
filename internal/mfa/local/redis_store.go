package local

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "otp:signin"

	fieldCodeHash  = "code_hash"
	fieldAttempts  = "attempts"
	fieldExpiresAt = "expires_at"
)

// incrementAttempts bumps the attempt counter of an existing challenge only, so an expired key is
// not recreated without a TTL.
var incrementAttempts = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
return redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
`)

// RedisChallengeStore keeps challenges in Redis hashes with a key TTL.
type RedisChallengeStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisChallengeStore returns a store using client. An empty prefix uses "otp:signin".
func NewRedisChallengeStore(client redis.UniversalClient, prefix string) *RedisChallengeStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisChallengeStore{client: client, prefix: prefix}
}

func (s *RedisChallengeStore) key(phone string) string {
	return s.prefix + ":" + phone
}

func (s *RedisChallengeStore) Put(ctx context.Context, c Challenge, ttl time.Duration) error {
	if c.Phone == "" || c.CodeHash == "" {
		return errors.New("phone and code hash are required")
	}
	if ttl <= 0 {
		return errors.New("ttl must be positive")
	}
	key := s.key(c.Phone)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, map[string]any{
		fieldCodeHash:  c.CodeHash,
		fieldAttempts:  "0",
		fieldExpiresAt: strconv.FormatInt(c.ExpiresAt.Unix(), 10),
	})
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis store otp challenge: %w", err)
	}
	return nil
}

func (s *RedisChallengeStore) Get(ctx context.Context, phone string) (*Challenge, error) {
	values, err := s.client.HGetAll(ctx, s.key(phone)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall otp challenge: %w", err)
	}
	if len(values) == 0 || values[fieldCodeHash] == "" {
		return nil, nil
	}
	c := &Challenge{Phone: phone, CodeHash: values[fieldCodeHash]}
	if raw := values[fieldAttempts]; raw != "" {
		if n, convErr := strconv.Atoi(raw); convErr == nil {
			c.Attempts = n
		}
	}
	if raw := values[fieldExpiresAt]; raw != "" {
		if sec, convErr := strconv.ParseInt(raw, 10, 64); convErr == nil {
			c.ExpiresAt = time.Unix(sec, 0).UTC()
		}
	}
	return c, nil
}

func (s *RedisChallengeStore) IncrementAttempts(ctx context.Context, phone string) (int, error) {
	n, err := incrementAttempts.Run(ctx, s.client, []string{s.key(phone)}, fieldAttempts).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis increment otp attempts: %w", err)
	}
	return int(n), nil
}

func (s *RedisChallengeStore) Delete(ctx context.Context, phone string) (bool, error) {
	n, err := s.client.Del(ctx, s.key(phone)).Result()
	if err != nil {
		return false, fmt.Errorf("redis delete otp challenge: %w", err)
	}
	return n > 0, nil
}
