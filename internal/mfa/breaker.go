package mfa

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerOptions configures BreakerChannel.
type BreakerOptions struct {
	Name string
	// CallTimeout bounds each Send/Verify call.
	CallTimeout time.Duration
	// OpenFor is how long the breaker stays open before letting a probe through.
	OpenFor time.Duration
	// MinRequests and FailureRatio decide when the breaker trips.
	MinRequests  uint32
	FailureRatio float64
	Logger       *zap.Logger
}

// BreakerChannel wraps a Channel with a per-call timeout and a circuit breaker.
// Every failure it returns wraps ErrProvider.
type BreakerChannel struct {
	next    Channel
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
}

// NewBreakerChannel wraps next. Zero options get defaults: 10s timeout, open 30s, trip at 60% of >= 5 calls.
func NewBreakerChannel(next Channel, opts BreakerOptions) *BreakerChannel {
	if opts.Name == "" {
		opts.Name = "otp-channel"
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	if opts.OpenFor <= 0 {
		opts.OpenFor = 30 * time.Second
	}
	if opts.MinRequests == 0 {
		opts.MinRequests = 5
	}
	if opts.FailureRatio <= 0 {
		opts.FailureRatio = 0.6
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        opts.Name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     opts.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= opts.MinRequests && failureRatio >= opts.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("otp channel breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &BreakerChannel{next: next, cb: cb, timeout: opts.CallTimeout}
}

// Send calls the wrapped channel's Send under the breaker.
func (b *BreakerChannel) Send(ctx context.Context, phone string) error {
	_, err := b.execute(ctx, func(ctx context.Context) (bool, error) {
		return true, b.next.Send(ctx, phone)
	})
	return err
}

// Verify calls the wrapped channel's Verify under the breaker. A mismatch is not a failure.
func (b *BreakerChannel) Verify(ctx context.Context, phone, code string) (bool, error) {
	return b.execute(ctx, func(ctx context.Context) (bool, error) {
		return b.next.Verify(ctx, phone, code)
	})
}

// State returns the breaker state, for health reporting.
func (b *BreakerChannel) State() gobreaker.State {
	return b.cb.State()
}

func (b *BreakerChannel) execute(ctx context.Context, call func(context.Context) (bool, error)) (bool, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, b.timeout)
		defer cancel()
		return call(callCtx)
	})
	if err != nil {
		if errors.Is(err, ErrProvider) {
			return false, err
		}
		return false, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	ok, _ := res.(bool)
	return ok, nil
}
