package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trend-reversal/backend/internal/account/domain"
	"trend-reversal/backend/internal/apperr"
	"trend-reversal/backend/internal/auth/service"
	"trend-reversal/backend/internal/devotp"
	"trend-reversal/backend/internal/mfa"
	"trend-reversal/backend/internal/policy/engine"
	"trend-reversal/backend/internal/security"
	"trend-reversal/backend/internal/server/middleware"
)

type stubService struct {
	requestOTP func(phone string) (*service.OTPRequestResult, error)
	signIn     func(in service.SignInInput) (service.SignInOutcome, error)
	verifyTOTP func(accountID, code, ip string) (*service.Authenticated, error)
	enroll     func(accountID string) (*mfa.Enrollment, error)
	refresh    func(token string) (*security.TokenPair, error)
	logout     func(accountID string) error
	account    func(id string) (*domain.Account, error)
}

func (s *stubService) RequestOTP(_ context.Context, phone string) (*service.OTPRequestResult, error) {
	return s.requestOTP(phone)
}
func (s *stubService) SignIn(_ context.Context, in service.SignInInput) (service.SignInOutcome, error) {
	return s.signIn(in)
}
func (s *stubService) VerifyTOTP(_ context.Context, accountID, code, ip string) (*service.Authenticated, error) {
	return s.verifyTOTP(accountID, code, ip)
}
func (s *stubService) EnrollTOTP(_ context.Context, accountID string) (*mfa.Enrollment, error) {
	return s.enroll(accountID)
}
func (s *stubService) Refresh(_ context.Context, token string) (*security.TokenPair, error) {
	return s.refresh(token)
}
func (s *stubService) Logout(_ context.Context, accountID string) error { return s.logout(accountID) }
func (s *stubService) Account(_ context.Context, id string) (*domain.Account, error) {
	return s.account(id)
}

// selfOrAdmin mirrors the default access policy.
type selfOrAdmin struct{}

func (selfOrAdmin) Authorize(_ context.Context, req engine.AccessRequest) (bool, error) {
	if req.SubjectID == req.TargetID {
		return true, nil
	}
	for _, r := range req.SubjectRoles {
		if r == "ADMIN" {
			return true, nil
		}
	}
	return false, nil
}

var testPair = &security.TokenPair{
	AccessToken:      "access",
	RefreshToken:     "refresh",
	AccessExpiresAt:  time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC),
	RefreshExpiresAt: time.Date(2026, 1, 8, 0, 0, 0, 0, time.UTC),
}

// fakeAuth authenticates every request as caller, or rejects when caller is nil.
func fakeAuth(caller *middleware.Identity) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if caller == nil {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(middleware.WithIdentity(r.Context(), *caller)))
		})
	}
}

func newRouter(svc AuthService, caller *middleware.Identity, opts Options) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.ClientIP(false))
	New(svc, selfOrAdmin{}, opts).Register(r.PathPrefix("/api/v1").Subrouter(), fakeAuth(caller))
	return r
}

func do(t *testing.T, r http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "203.0.113.10:4444"
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func TestSendOTP(t *testing.T) {
	svc := &stubService{requestOTP: func(phone string) (*service.OTPRequestResult, error) {
		assert.Equal(t, "+919999999999", phone)
		return &service.OTPRequestResult{Message: service.MsgOTPSent}, nil
	}}
	rec, body := do(t, newRouter(svc, nil, Options{}), http.MethodPost, "/api/v1/auth/send-otp", `{"phone":"+919999999999"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"message": "OTP sent successfully"}, body)
}

func TestSendOTP_TwoFactor(t *testing.T) {
	svc := &stubService{requestOTP: func(string) (*service.OTPRequestResult, error) {
		return &service.OTPRequestResult{Message: service.MsgTwoFactorActive, RequiresTOTP: true, AccountID: "acc-1"}, nil
	}}
	_, body := do(t, newRouter(svc, nil, Options{}), http.MethodPost, "/api/v1/auth/send-otp", `{"phone":"+919999999999"}`)

	assert.Equal(t, true, body["requiresTotp"])
	assert.Equal(t, "acc-1", body["accountId"])
}

func TestSendOTP_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantKind   string
	}{
		{"malformed json", `{"phone":`, nil, http.StatusBadRequest, "INVALID_INPUT"},
		{"invalid phone", `{"phone":"x"}`, apperr.InvalidInput("invalid phone number"), http.StatusBadRequest, "INVALID_INPUT"},
		{"provider down", `{"phone":"+919999999999"}`, apperr.External("failed to send OTP", nil), http.StatusBadGateway, "EXTERNAL_SERVICE_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{requestOTP: func(string) (*service.OTPRequestResult, error) { return nil, tt.err }}
			rec, body := do(t, newRouter(svc, nil, Options{}), http.MethodPost, "/api/v1/auth/send-otp", tt.body)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantKind, body["error"])
			assert.EqualValues(t, tt.wantStatus, body["code"])
			assert.NotEmpty(t, body["message"])
		})
	}
}

func TestSignIn_Authenticated(t *testing.T) {
	svc := &stubService{signIn: func(in service.SignInInput) (service.SignInOutcome, error) {
		assert.Equal(t, service.SignInInput{Phone: "+919999999999", OTP: "123456", ClientIP: "203.0.113.10"}, in)
		return &service.Authenticated{
			Message: service.MsgLoggedIn,
			Tokens:  testPair,
			Account: domain.PublicAccount{ID: "acc-1", Phone: "+919999999999", Roles: []string{"USER"}},
		}, nil
	}}
	rec, body := do(t, newRouter(svc, nil, Options{}), http.MethodPost, "/api/v1/auth/sign-in", `{"phone":"+919999999999","otp":"123456"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "User logged in successfully", body["message"])
	assert.Equal(t, map[string]any{"id": "acc-1", "phone": "+919999999999", "roles": []any{"USER"}}, body["user"])
	assert.Equal(t, map[string]any{
		"accessToken":      "access",
		"refreshToken":     "refresh",
		"accessExpiresAt":  "2026-01-01T01:00:00Z",
		"refreshExpiresAt": "2026-01-08T00:00:00Z",
	}, body["tokens"])
}

func TestSignIn_PendingTOTP(t *testing.T) {
	svc := &stubService{signIn: func(service.SignInInput) (service.SignInOutcome, error) {
		return &service.PendingTOTP{AccountID: "acc-1"}, nil
	}}
	_, body := do(t, newRouter(svc, nil, Options{}), http.MethodPost, "/api/v1/auth/sign-in", `{"phone":"+919999999999"}`)

	assert.Equal(t, map[string]any{"requiresTotp": true, "accountId": "acc-1"}, body)
}

func TestSignIn_Conflict(t *testing.T) {
	svc := &stubService{signIn: func(service.SignInInput) (service.SignInOutcome, error) {
		return nil, apperr.Conflict("IP in use")
	}}
	rec, body := do(t, newRouter(svc, nil, Options{}), http.MethodPost, "/api/v1/auth/sign-in", `{"phone":"+919999999999","otp":"123456"}`)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, map[string]any{"error": "CONFLICT", "code": float64(409), "message": "IP in use"}, body)
}

func TestVerifyTOTP_PassesClientIP(t *testing.T) {
	svc := &stubService{verifyTOTP: func(accountID, code, ip string) (*service.Authenticated, error) {
		assert.Equal(t, []string{"acc-1", "654321", "203.0.113.10"}, []string{accountID, code, ip})
		return &service.Authenticated{Message: service.MsgLoggedIn, Tokens: testPair}, nil
	}}
	rec, body := do(t, newRouter(svc, nil, Options{}), http.MethodPost, "/api/v1/auth/totp/verify", `{"accountId":"acc-1","code":"654321"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body, "tokens")
}

func TestRefresh(t *testing.T) {
	svc := &stubService{refresh: func(token string) (*security.TokenPair, error) {
		if token != "good" {
			return nil, apperr.Unauthenticated("invalid refresh token")
		}
		return testPair, nil
	}}
	r := newRouter(svc, nil, Options{})

	rec, body := do(t, r, http.MethodPost, "/api/v1/auth/refresh-token", `{"refreshToken":"good"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body, "tokens")

	rec, body = do(t, r, http.MethodPost, "/api/v1/auth/refresh-token", `{"refreshToken":"reused"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid refresh token", body["message"])

	rec, _ = do(t, r, http.MethodPost, "/api/v1/auth/refresh-token", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGenerateTOTP_DefaultsToCaller(t *testing.T) {
	svc := &stubService{enroll: func(accountID string) (*mfa.Enrollment, error) {
		assert.Equal(t, "acc-1", accountID)
		return &mfa.Enrollment{Secret: "SECRET", URI: "otpauth://totp/Trend%20Reversal?secret=SECRET"}, nil
	}}
	caller := &middleware.Identity{AccountID: "acc-1", SessionID: "s", Roles: []string{"USER"}}
	rec, body := do(t, newRouter(svc, caller, Options{}), http.MethodPost, "/api/v1/auth/totp/generate", ``)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"secret": "SECRET", "qr": "otpauth://totp/Trend%20Reversal?secret=SECRET"}, body)
}

func TestProtectedRoutes_Policy(t *testing.T) {
	var loggedOut []string
	svc := &stubService{
		logout: func(id string) error {
			loggedOut = append(loggedOut, id)
			return nil
		},
		enroll: func(string) (*mfa.Enrollment, error) { return &mfa.Enrollment{}, nil },
	}
	user := &middleware.Identity{AccountID: "acc-1", Roles: []string{"USER"}}
	admin := &middleware.Identity{AccountID: "admin-1", Roles: []string{"ADMIN"}}

	rec, body := do(t, newRouter(svc, user, Options{}), http.MethodPost, "/api/v1/auth/logout", `{"accountId":"acc-2"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "FORBIDDEN", body["error"])

	rec, _ = do(t, newRouter(svc, user, Options{}), http.MethodPost, "/api/v1/auth/totp/generate", `{"accountId":"acc-2"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, body = do(t, newRouter(svc, admin, Options{}), http.MethodPost, "/api/v1/auth/logout", `{"accountId":"acc-2"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"message": "Logged out successfully"}, body)

	rec, _ = do(t, newRouter(svc, user, Options{}), http.MethodPost, "/api/v1/auth/logout", ``)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"acc-2", "acc-1"}, loggedOut)

	rec, _ = do(t, newRouter(svc, nil, Options{}), http.MethodPost, "/api/v1/auth/logout", ``)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMe(t *testing.T) {
	svc := &stubService{account: func(id string) (*domain.Account, error) {
		return &domain.Account{ID: id, Phone: "+919999999999", Roles: []domain.Role{domain.RoleUser}, TOTPSecret: "hidden"}, nil
	}}
	caller := &middleware.Identity{AccountID: "acc-1", Roles: []string{"USER"}}
	rec, body := do(t, newRouter(svc, caller, Options{}), http.MethodGet, "/api/v1/auth/me", ``)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"user": map[string]any{"id": "acc-1", "phone": "+919999999999", "roles": []any{"USER"}}}, body)
}

func TestDevOTP(t *testing.T) {
	store := devotp.NewMemoryStore()
	store.Put(context.Background(), "+919999999999", "424242", time.Now().Add(time.Minute))
	r := newRouter(&stubService{}, nil, Options{DevOTP: store, PhoneRegion: "IN"})

	rec, body := do(t, r, http.MethodGet, "/api/v1/dev/otp?phone=9999999999", ``)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"phone": "+919999999999", "otp": "424242"}, body)

	rec, _ = do(t, r, http.MethodGet, "/api/v1/dev/otp?phone=%2B919888888888", ``)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDevOTP_NotMountedWithoutStore(t *testing.T) {
	rec, _ := do(t, newRouter(&stubService{}, nil, Options{}), http.MethodGet, "/api/v1/dev/otp?phone=9999999999", ``)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
