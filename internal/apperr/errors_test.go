package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOf(t *testing.T) {
	cause := errors.New("driver: connection reset")
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"plain error", cause, KindInternal},
		{"conflict", Conflict("IP in use"), KindConflict},
		{"wrapped", fmt.Errorf("sign in: %w", Unauthenticated("invalid OTP")), KindUnauthenticated},
		{"external", External("otp provider unavailable", cause), KindExternalService},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestInternal_HidesCause(t *testing.T) {
	cause := errors.New("pq: relation accounts does not exist")
	err := Internal(cause)
	if got := PublicMessage(err); got != "internal error" {
		t.Errorf("PublicMessage() = %q, want %q", got, "internal error")
	}
	if !errors.Is(err, cause) {
		t.Error("Internal error should unwrap to its cause")
	}
	if got := PublicMessage(cause); got != "internal error" {
		t.Errorf("PublicMessage(untyped) = %q, want %q", got, "internal error")
	}
	if got := PublicMessage(Conflict("IP in use")); got != "IP in use" {
		t.Errorf("PublicMessage(conflict) = %q, want %q", got, "IP in use")
	}
}

func TestIs(t *testing.T) {
	if Is(nil, KindInternal) {
		t.Error("Is(nil) = true, want false")
	}
	if !Is(NotFound("account not found"), KindNotFound) {
		t.Error("Is(NotFound, KindNotFound) = false")
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := map[Kind]int{
		KindInvalidInput:    http.StatusBadRequest,
		KindUnauthenticated: http.StatusUnauthorized,
		KindForbidden:       http.StatusForbidden,
		KindConflict:        http.StatusConflict,
		KindNotFound:        http.StatusNotFound,
		KindExternalService: http.StatusBadGateway,
		KindRateLimited:     http.StatusTooManyRequests,
		KindInternal:        http.StatusInternalServerError,
		Kind("bogus"):       http.StatusInternalServerError,
	}
	for kind, want := range tests {
		if got := HTTPStatus(kind); got != want {
			t.Errorf("HTTPStatus(%q) = %d, want %d", kind, got, want)
		}
	}
}
