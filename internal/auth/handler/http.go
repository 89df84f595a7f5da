// Package handler exposes the auth service over JSON HTTP routes.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"trend-reversal/backend/internal/account/domain"
	"trend-reversal/backend/internal/apperr"
	"trend-reversal/backend/internal/auth/service"
	"trend-reversal/backend/internal/devotp"
	"trend-reversal/backend/internal/logger"
	"trend-reversal/backend/internal/mfa"
	"trend-reversal/backend/internal/policy/engine"
	"trend-reversal/backend/internal/security"
	"trend-reversal/backend/internal/server/middleware"
	"trend-reversal/backend/internal/server/respond"
)

const maxBodyBytes = 64 << 10

// AuthService is the service surface the handlers call.
type AuthService interface {
	RequestOTP(ctx context.Context, phone string) (*service.OTPRequestResult, error)
	SignIn(ctx context.Context, in service.SignInInput) (service.SignInOutcome, error)
	VerifyTOTP(ctx context.Context, accountID, code, clientIP string) (*service.Authenticated, error)
	EnrollTOTP(ctx context.Context, accountID string) (*mfa.Enrollment, error)
	Refresh(ctx context.Context, refreshToken string) (*security.TokenPair, error)
	Logout(ctx context.Context, accountID string) error
	Account(ctx context.Context, id string) (*domain.Account, error)
}

// Options configures optional handler behaviour.
type Options struct {
	// DevOTP enables GET /dev/otp. Leave nil outside development.
	DevOTP devotp.Store
	// PhoneRegion is used to normalize the phone query of /dev/otp.
	PhoneRegion string
	Logger      *zap.Logger
}

// Handler serves the auth routes.
type Handler struct {
	svc    AuthService
	policy engine.Evaluator
	dev    devotp.Store
	region string
	log    *zap.Logger
}

// New returns a Handler. policy decides which accounts a caller may act on.
func New(svc AuthService, policy engine.Evaluator, opts Options) *Handler {
	return &Handler{
		svc:    svc,
		policy: policy,
		dev:    opts.DevOTP,
		region: opts.PhoneRegion,
		log:    logger.OrNop(opts.Logger),
	}
}

// Register mounts the routes on r. requireAuth guards the routes that need a bearer token.
func (h *Handler) Register(r *mux.Router, requireAuth mux.MiddlewareFunc) {
	r.HandleFunc("/auth/send-otp", h.sendOTP).Methods(http.MethodPost)
	r.HandleFunc("/auth/sign-in", h.signIn).Methods(http.MethodPost)
	r.HandleFunc("/auth/totp/verify", h.verifyTOTP).Methods(http.MethodPost)
	r.HandleFunc("/auth/refresh-token", h.refresh).Methods(http.MethodPost)

	protected := r.NewRoute().Subrouter()
	protected.Use(requireAuth)
	protected.HandleFunc("/auth/totp/generate", h.generateTOTP).Methods(http.MethodPost)
	protected.HandleFunc("/auth/logout", h.logout).Methods(http.MethodPost)
	protected.HandleFunc("/auth/me", h.me).Methods(http.MethodGet)

	if h.dev != nil {
		r.HandleFunc("/dev/otp", h.devOTP).Methods(http.MethodGet)
	}
}

type phoneRequest struct {
	Phone string `json:"phone"`
}

type signInRequest struct {
	Phone string `json:"phone"`
	OTP   string `json:"otp"`
}

type accountRequest struct {
	AccountID string `json:"accountId"`
}

type verifyTOTPRequest struct {
	AccountID string `json:"accountId"`
	Code      string `json:"code"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type sendOTPResponse struct {
	Message      string `json:"message,omitempty"`
	RequiresTOTP bool   `json:"requiresTotp,omitempty"`
	AccountID    string `json:"accountId,omitempty"`
}

type pendingResponse struct {
	RequiresTOTP bool   `json:"requiresTotp"`
	AccountID    string `json:"accountId"`
}

type tokensJSON struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}

type loginResponse struct {
	Message string               `json:"message"`
	User    domain.PublicAccount `json:"user"`
	Tokens  tokensJSON           `json:"tokens"`
}

type refreshResponse struct {
	Tokens tokensJSON `json:"tokens"`
}

type enrollResponse struct {
	Secret string `json:"secret"`
	QR     string `json:"qr"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type meResponse struct {
	User domain.PublicAccount `json:"user"`
}

type devOTPResponse struct {
	Phone string `json:"phone"`
	OTP   string `json:"otp"`
}

func toTokensJSON(p *security.TokenPair) tokensJSON {
	return tokensJSON{
		AccessToken:      p.AccessToken,
		RefreshToken:     p.RefreshToken,
		AccessExpiresAt:  p.AccessExpiresAt,
		RefreshExpiresAt: p.RefreshExpiresAt,
	}
}

func toLoginResponse(a *service.Authenticated) loginResponse {
	return loginResponse{Message: a.Message, User: a.Account, Tokens: toTokensJSON(a.Tokens)}
}

func (h *Handler) sendOTP(w http.ResponseWriter, r *http.Request) {
	var req phoneRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.RequestOTP(r.Context(), req.Phone)
	if err != nil {
		h.fail(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, sendOTPResponse{Message: res.Message, RequiresTOTP: res.RequiresTOTP, AccountID: res.AccountID})
}

func (h *Handler) signIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.svc.SignIn(r.Context(), service.SignInInput{
		Phone:    req.Phone,
		OTP:      req.OTP,
		ClientIP: middleware.ClientIPFrom(r.Context()),
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	switch o := out.(type) {
	case *service.PendingTOTP:
		respond.JSON(w, http.StatusOK, pendingResponse{RequiresTOTP: true, AccountID: o.AccountID})
	case *service.Authenticated:
		respond.JSON(w, http.StatusOK, toLoginResponse(o))
	default:
		h.fail(w, apperr.Internal(errors.New("unexpected sign-in outcome")))
	}
}

func (h *Handler) verifyTOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyTOTPRequest
	if !h.decode(w, r, &req) {
		return
	}
	auth, err := h.svc.VerifyTOTP(r.Context(), req.AccountID, req.Code, middleware.ClientIPFrom(r.Context()))
	if err != nil {
		h.fail(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, toLoginResponse(auth))
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		h.fail(w, apperr.InvalidInput("refreshToken is required"))
		return
	}
	pair, err := h.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.fail(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, refreshResponse{Tokens: toTokensJSON(pair)})
}

func (h *Handler) generateTOTP(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if !h.decode(w, r, &req) {
		return
	}
	target, ok := h.authorize(w, r, engine.ActionTOTPGenerate, req.AccountID)
	if !ok {
		return
	}
	enrollment, err := h.svc.EnrollTOTP(r.Context(), target)
	if err != nil {
		h.fail(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, enrollResponse{Secret: enrollment.Secret, QR: enrollment.URI})
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if !h.decode(w, r, &req) {
		return
	}
	target, ok := h.authorize(w, r, engine.ActionLogout, req.AccountID)
	if !ok {
		return
	}
	if err := h.svc.Logout(r.Context(), target); err != nil {
		h.fail(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, messageResponse{Message: service.MsgLoggedOut})
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	target, ok := h.authorize(w, r, engine.ActionReadAccount, "")
	if !ok {
		return
	}
	acct, err := h.svc.Account(r.Context(), target)
	if err != nil {
		h.fail(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, meResponse{User: acct.Public()})
}

func (h *Handler) devOTP(w http.ResponseWriter, r *http.Request) {
	phone, err := service.NormalizePhone(r.URL.Query().Get("phone"), h.region)
	if err != nil {
		h.fail(w, err)
		return
	}
	otp, ok := h.dev.Get(r.Context(), phone)
	if !ok {
		h.fail(w, apperr.NotFound("no OTP for phone"))
		return
	}
	respond.JSON(w, http.StatusOK, devOTPResponse{Phone: phone, OTP: otp})
}

// authorize resolves the target account (the caller when target is empty) and asks the access
// policy whether the caller may perform action on it.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, action, target string) (string, bool) {
	id, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		h.fail(w, apperr.Unauthenticated("missing or invalid authorization"))
		return "", false
	}
	if target == "" {
		target = id.AccountID
	}
	allowed, err := h.policy.Authorize(r.Context(), engine.AccessRequest{
		Action:       action,
		SubjectID:    id.AccountID,
		SubjectRoles: id.Roles,
		TargetID:     target,
	})
	if err != nil {
		h.fail(w, apperr.Internal(err))
		return "", false
	}
	if !allowed {
		h.log.Warn("access denied",
			zap.String("action", action),
			zap.String("account_id", id.AccountID),
			zap.String("target_id", target))
		h.fail(w, apperr.Forbidden("access denied"))
		return "", false
	}
	return target, true
}

// decode reads a JSON body into v. An empty body leaves v zero.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		h.fail(w, apperr.InvalidInput("invalid request body"))
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	respond.Error(w, h.log, err)
}
