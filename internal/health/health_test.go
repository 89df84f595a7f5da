package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func okPing(context.Context) error { return nil }

func TestChecker_AllHealthy(t *testing.T) {
	c := NewChecker(0, nil).Add("postgres", PingFunc(okPing)).Add("redis", PingFunc(okPing)).Add("skipped", nil)

	res := c.Check(context.Background())

	if !res.Ready {
		t.Fatal("Ready = false, want true")
	}
	if len(res.Checks) != 2 || res.Checks["postgres"] != "ok" || res.Checks["redis"] != "ok" {
		t.Errorf("Checks = %v", res.Checks)
	}
}

func TestChecker_FailingAndSlowChecks(t *testing.T) {
	slow := PingFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	c := NewChecker(20*time.Millisecond, nil).
		Add("postgres", PingFunc(okPing)).
		Add("redis", PingFunc(func(context.Context) error { return errors.New("connection refused") })).
		Add("policy", slow)

	res := c.Check(context.Background())

	if res.Ready {
		t.Fatal("Ready = true, want false")
	}
	if res.Checks["redis"] != "unavailable" || res.Checks["policy"] != "unavailable" || res.Checks["postgres"] != "ok" {
		t.Errorf("Checks = %v", res.Checks)
	}
}

func TestReadiness_HTTP(t *testing.T) {
	healthy := NewChecker(0, nil).Add("postgres", PingFunc(okPing))
	rec := httptest.NewRecorder()
	healthy.Readiness(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}

	down := NewChecker(0, nil).Add("postgres", PingFunc(func(context.Context) error { return errors.New("down") }))
	rec = httptest.NewRecorder()
	down.Readiness(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	var res Result
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Ready || res.Checks["postgres"] != "unavailable" {
		t.Errorf("body = %+v", res)
	}
}

func TestLiveness(t *testing.T) {
	down := NewChecker(0, nil).Add("postgres", PingFunc(func(context.Context) error { return errors.New("down") }))
	rec := httptest.NewRecorder()
	down.Liveness(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestSync_GRPCStatus(t *testing.T) {
	hs := health.NewServer()
	var fail bool
	c := NewChecker(0, nil).Add("redis", PingFunc(func(context.Context) error {
		if fail {
			return errors.New("down")
		}
		return nil
	}))
	ctx := context.Background()

	if !c.Sync(ctx, hs, "trend-reversal.auth") {
		t.Fatal("Sync = false, want true")
	}
	resp, err := hs.Check(ctx, &healthpb.HealthCheckRequest{Service: "trend-reversal.auth"})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status = %v, want SERVING", resp.Status)
	}

	fail = true
	c.Sync(ctx, hs, "trend-reversal.auth")
	resp, _ = hs.Check(ctx, &healthpb.HealthCheckRequest{})
	if resp.Status != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("overall status = %v, want NOT_SERVING", resp.Status)
	}
}
