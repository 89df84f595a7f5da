// Package health runs the readiness checks behind /healthz, /readyz and grpc.health.v1.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"trend-reversal/backend/internal/logger"
	"trend-reversal/backend/internal/server/respond"
)

const defaultCheckTimeout = 2 * time.Second

// Pinger is a dependency that can report whether it is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type namedCheck struct {
	name string
	p    Pinger
}

// Checker pings the registered dependencies. It is ready only when every check passes.
type Checker struct {
	mu      sync.RWMutex
	checks  []namedCheck
	timeout time.Duration
	log     *zap.Logger
}

// NewChecker returns a Checker whose pings each get timeout (2s when zero).
func NewChecker(timeout time.Duration, log *zap.Logger) *Checker {
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	return &Checker{timeout: timeout, log: logger.OrNop(log)}
}

// Add registers p under name. Nil pingers are skipped.
func (c *Checker) Add(name string, p Pinger) *Checker {
	if p == nil {
		return c
	}
	c.mu.Lock()
	c.checks = append(c.checks, namedCheck{name: name, p: p})
	c.mu.Unlock()
	return c
}

// Result is the outcome of one readiness pass.
type Result struct {
	Ready  bool              `json:"ready"`
	Checks map[string]string `json:"checks"`
}

// Check pings every dependency concurrently.
func (c *Checker) Check(ctx context.Context) Result {
	c.mu.RLock()
	checks := append([]namedCheck(nil), c.checks...)
	c.mu.RUnlock()

	res := Result{Ready: true, Checks: make(map[string]string, len(checks))}
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, chk := range checks {
		wg.Add(1)
		go func(chk namedCheck) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			err := chk.p.Ping(pctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Ready = false
				res.Checks[chk.name] = "unavailable"
				c.log.Warn("readiness check failed", zap.String("check", chk.name), zap.Error(err))
				return
			}
			res.Checks[chk.name] = "ok"
		}(chk)
	}
	wg.Wait()
	return res
}

// Liveness always answers 200 while the process serves HTTP.
func (c *Checker) Liveness(w http.ResponseWriter, _ *http.Request) {
	respond.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readiness answers 200 when every check passes and 503 otherwise.
func (c *Checker) Readiness(w http.ResponseWriter, r *http.Request) {
	res := c.Check(r.Context())
	status := http.StatusOK
	if !res.Ready {
		status = http.StatusServiceUnavailable
	}
	respond.JSON(w, status, res)
}

// Sync runs one check pass and publishes the result on hs for service and for the server as a whole.
func (c *Checker) Sync(ctx context.Context, hs *health.Server, service string) bool {
	res := c.Check(ctx)
	status := healthpb.HealthCheckResponse_SERVING
	if !res.Ready {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	hs.SetServingStatus("", status)
	if service != "" {
		hs.SetServingStatus(service, status)
	}
	return res.Ready
}

// Watch calls Sync every interval until ctx is done.
func (c *Checker) Watch(ctx context.Context, hs *health.Server, service string, interval time.Duration) {
	c.Sync(ctx, hs, service)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Sync(ctx, hs, service)
		}
	}
}
