package local

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"trend-reversal/backend/internal/devotp"
	"trend-reversal/backend/internal/logger"
	"trend-reversal/backend/internal/mfa"
)

// Sender delivers a generated code by SMS.
type Sender interface {
	SendOTP(ctx context.Context, phone, otp string) error
}

// Options configures a Channel.
type Options struct {
	TTL         time.Duration
	MaxAttempts int
	// DevStore, when set, receives every generated code so it can be read back in development.
	DevStore devotp.Store
	// SkipDelivery stores the challenge without calling the Sender (dev OTP mode without a gateway).
	SkipDelivery bool
	Logger       *zap.Logger
}

// Channel is an mfa.Channel that keeps hashed challenges in a ChallengeStore.
type Channel struct {
	store  ChallengeStore
	sender Sender
	opts   Options
	log    *zap.Logger
	nowF   func() time.Time
	genF   func() (string, error)
	equalF func(code, hash string) bool
}

var _ mfa.Channel = (*Channel)(nil)

// NewChannel returns a Channel. sender may be nil only when opts.SkipDelivery is set.
func NewChannel(store ChallengeStore, sender Sender, opts Options) (*Channel, error) {
	if store == nil {
		return nil, errors.New("local otp channel: challenge store is required")
	}
	if sender == nil && !opts.SkipDelivery {
		return nil, errors.New("local otp channel: sender is required")
	}
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	return &Channel{
		store:  store,
		sender: sender,
		opts:   opts,
		log:    logger.OrNop(opts.Logger),
		nowF:   time.Now,
		genF:   mfa.GenerateOTP,
		equalF: mfa.OTPEqual,
	}, nil
}

// Send generates a fresh code, replaces any pending challenge and delivers the code.
// The challenge is removed again when delivery fails so a stale code cannot be used.
func (c *Channel) Send(ctx context.Context, phone string) error {
	code, err := c.genF()
	if err != nil {
		return fmt.Errorf("generate otp: %w", err)
	}
	expiresAt := c.nowF().Add(c.opts.TTL)
	ch := Challenge{Phone: phone, CodeHash: mfa.HashOTP(code), ExpiresAt: expiresAt}
	if err := c.store.Put(ctx, ch, c.opts.TTL); err != nil {
		return err
	}
	if c.opts.DevStore != nil {
		c.opts.DevStore.Put(ctx, phone, code, expiresAt)
	}
	if c.opts.SkipDelivery {
		c.log.Debug("otp delivery skipped", zap.String("phone", logger.MaskPhone(phone)))
		return nil
	}
	if err := c.sender.SendOTP(ctx, phone, code); err != nil {
		if _, delErr := c.store.Delete(ctx, phone); delErr != nil {
			c.log.Warn("otp challenge cleanup failed", zap.String("phone", logger.MaskPhone(phone)), zap.Error(delErr))
		}
		return fmt.Errorf("%w: %v", mfa.ErrProvider, err)
	}
	return nil
}

// Verify checks code against the pending challenge. Every call first reserves an attempt, so
// concurrent guesses share the MaxAttempts budget. A match consumes the challenge, and the last
// allowed miss drops it.
func (c *Channel) Verify(ctx context.Context, phone, code string) (bool, error) {
	if !mfa.IsOTPFormat(code) {
		return false, nil
	}
	n, err := c.store.IncrementAttempts(ctx, phone)
	if err != nil {
		return false, err
	}
	if n == 0 || n > c.opts.MaxAttempts {
		return false, nil
	}
	ch, err := c.store.Get(ctx, phone)
	if err != nil {
		return false, err
	}
	if ch == nil {
		return false, nil
	}
	if !ch.ExpiresAt.IsZero() && !ch.ExpiresAt.After(c.nowF()) {
		_, _ = c.store.Delete(ctx, phone)
		return false, nil
	}
	if !c.equalF(code, ch.CodeHash) {
		if n == c.opts.MaxAttempts {
			_, _ = c.store.Delete(ctx, phone)
		}
		return false, nil
	}
	// Only the caller that removes the challenge wins; a concurrent duplicate sees it gone.
	return c.store.Delete(ctx, phone)
}
