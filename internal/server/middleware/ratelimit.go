package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"trend-reversal/backend/internal/apperr"
	"trend-reversal/backend/internal/server/respond"
)

const defaultLimiterCacheSize = 10000

// RateLimiter keeps a token bucket per client IP. The least recently seen IPs are evicted once
// the cache is full.
type RateLimiter struct {
	mu       sync.Mutex
	limiters *lru.Cache[string, *rate.Limiter]
	limit    rate.Limit
	burst    int
	exempt   map[string]bool
	log      *zap.Logger
}

// NewRateLimiter returns a limiter allowing rps requests per second with burst per IP.
// Requests to exemptPaths are never limited.
func NewRateLimiter(rps float64, burst, cacheSize int, log *zap.Logger, exemptPaths ...string) (*RateLimiter, error) {
	if cacheSize <= 0 {
		cacheSize = defaultLimiterCacheSize
	}
	if burst <= 0 {
		burst = 1
	}
	cache, err := lru.New[string, *rate.Limiter](cacheSize)
	if err != nil {
		return nil, err
	}
	exempt := make(map[string]bool, len(exemptPaths))
	for _, p := range exemptPaths {
		exempt[p] = true
	}
	return &RateLimiter{limiters: cache, limit: rate.Limit(rps), burst: burst, exempt: exempt, log: log}, nil
}

func (l *RateLimiter) limiterFor(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters.Get(ip); ok {
		return lim
	}
	lim := rate.NewLimiter(l.limit, l.burst)
	l.limiters.Add(ip, lim)
	return lim
}

// Middleware rejects requests over the limit with 429 and a Retry-After header.
// It must run after ClientIP.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.exempt[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		ip := ClientIPFrom(r.Context())
		if ip == "" {
			ip = "unknown"
		}
		res := l.limiterFor(ip).Reserve()
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(delay)))
			respond.Error(w, l.log, apperr.New(apperr.KindRateLimited, "too many requests"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func retryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
