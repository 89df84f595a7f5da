package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func newLimited(t *testing.T, burst, cacheSize int) http.Handler {
	t.Helper()
	l, err := NewRateLimiter(0.001, burst, cacheSize, nil, "/healthz")
	if err != nil {
		t.Fatalf("NewRateLimiter: %v", err)
	}
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	return ClientIP(false)(l.Middleware(ok))
}

func hit(h http.Handler, path, remote string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, path, nil)
	r.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func TestRateLimiter_PerIP(t *testing.T) {
	h := newLimited(t, 2, 100)

	for i := 0; i < 2; i++ {
		if rec := hit(h, "/api/v1/auth/send-otp", "203.0.113.1:1"); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, rec.Code)
		}
	}
	rec := hit(h, "/api/v1/auth/send-otp", "203.0.113.1:2")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
	if rec := hit(h, "/api/v1/auth/send-otp", "203.0.113.2:1"); rec.Code != http.StatusOK {
		t.Errorf("other IP status = %d, want 200", rec.Code)
	}
}

func TestRateLimiter_ExemptPath(t *testing.T) {
	h := newLimited(t, 1, 100)
	for i := 0; i < 5; i++ {
		if rec := hit(h, "/healthz", "203.0.113.1:1"); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, rec.Code)
		}
	}
}

func TestRateLimiter_EvictsLeastRecentIP(t *testing.T) {
	h := newLimited(t, 1, 1)

	hit(h, "/x", "203.0.113.1:1")
	hit(h, "/x", "203.0.113.2:1")
	// 203.0.113.1 was evicted, so it starts with a fresh bucket.
	if rec := hit(h, "/x", "203.0.113.1:1"); rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 after eviction", rec.Code)
	}
}
