// Package service implements the phone OTP, TOTP and token lifecycle of the auth API.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"trend-reversal/backend/internal/account/domain"
	"trend-reversal/backend/internal/account/repository"
	"trend-reversal/backend/internal/apperr"
	"trend-reversal/backend/internal/audit"
	"trend-reversal/backend/internal/logger"
	"trend-reversal/backend/internal/mfa"
	"trend-reversal/backend/internal/security"
	"trend-reversal/backend/internal/telemetry"
)

const (
	msgInvalidOTP          = "invalid OTP"
	msgInvalidTOTP         = "invalid TOTP code"
	msgTOTPNotEnabled      = "TOTP not enabled"
	msgInvalidRefreshToken = "invalid refresh token"
	msgAccountNotFound     = "account not found"
	msgUnknownAccount      = "user not found"
	msgOTPDeliveryFailed   = "failed to send OTP"
	msgOTPCheckFailed      = "failed to verify OTP"

	defaultPhoneRegion = "IN"
)

// AccountStore is the account repository surface the service needs.
type AccountStore interface {
	GetByID(ctx context.Context, id string) (*domain.Account, error)
	GetByPhone(ctx context.Context, phone string) (*domain.Account, error)
	Create(ctx context.Context, a *domain.Account) error
	RotateRefreshHash(ctx context.Context, accountID, expectedHash, newHash string) error
	EnableTOTP(ctx context.Context, accountID, secret string) error
	MarkTOTPStep(ctx context.Context, accountID string, step int64) error
	ClearSession(ctx context.Context, accountID string) error
}

// SessionGuard enforces one live session IP per account across accounts.
type SessionGuard interface {
	Check(ctx context.Context, accountID, ip string) error
	Commit(ctx context.Context, accountID, ip, sessionID, refreshHash string) error
}

// TOTPEngine generates TOTP secrets and verifies codes, reporting the time step a code matched.
type TOTPEngine interface {
	Generate(accountName string) (*mfa.Enrollment, error)
	VerifyStep(secret, code string) (int64, bool)
}

// Deps are the collaborators of AuthService. Accounts, Guard, OTP, TOTP, Tokens and Hasher are
// required; the rest default to no-ops.
type Deps struct {
	Accounts    AccountStore
	Guard       SessionGuard
	OTP         mfa.Channel
	TOTP        TOTPEngine
	Tokens      *security.TokenProvider
	Hasher      *security.RefreshHasher
	Audit       audit.AuditLogger
	Events      telemetry.EventEmitter
	Metrics     *Metrics
	Logger      *zap.Logger
	Tracer      trace.Tracer
	PhoneRegion string
}

// AuthService coordinates OTP sign-in, the TOTP second factor, token refresh and logout.
type AuthService struct {
	accounts AccountStore
	guard    SessionGuard
	otp      mfa.Channel
	totp     TOTPEngine
	tokens   *security.TokenProvider
	hasher   *security.RefreshHasher
	audit    audit.AuditLogger
	events   telemetry.EventEmitter
	metrics  *Metrics
	log      *zap.Logger
	tracer   trace.Tracer
	region   string
	newID    func() string
}

// NewAuthService validates d and returns an AuthService.
func NewAuthService(d Deps) (*AuthService, error) {
	switch {
	case d.Accounts == nil:
		return nil, errors.New("auth service: account store is required")
	case d.Guard == nil:
		return nil, errors.New("auth service: session guard is required")
	case d.OTP == nil:
		return nil, errors.New("auth service: otp channel is required")
	case d.TOTP == nil:
		return nil, errors.New("auth service: totp engine is required")
	case d.Tokens == nil:
		return nil, errors.New("auth service: token provider is required")
	case d.Hasher == nil:
		return nil, errors.New("auth service: refresh hasher is required")
	}
	s := &AuthService{
		accounts: d.Accounts,
		guard:    d.Guard,
		otp:      d.OTP,
		totp:     d.TOTP,
		tokens:   d.Tokens,
		hasher:   d.Hasher,
		audit:    d.Audit,
		events:   d.Events,
		metrics:  d.Metrics,
		log:      logger.OrNop(d.Logger),
		tracer:   d.Tracer,
		region:   d.PhoneRegion,
		newID:    uuid.NewString,
	}
	if s.audit == nil {
		s.audit = audit.Nop{}
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer("trend-reversal/auth")
	}
	if s.region == "" {
		s.region = defaultPhoneRegion
	}
	return s, nil
}

// RequestOTP creates the account for an unseen phone and sends it an OTP. Accounts with two-factor
// enabled get RequiresTOTP instead and no OTP is sent.
func (s *AuthService) RequestOTP(ctx context.Context, rawPhone string) (res *OTPRequestResult, err error) {
	ctx, span := s.tracer.Start(ctx, "auth.RequestOTP")
	defer func() { s.finish(span, "request_otp", err) }()

	phone, err := NormalizePhone(rawPhone, s.region)
	if err != nil {
		return nil, err
	}
	acct, err := s.findOrCreate(ctx, phone)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("account.id", acct.ID))

	if acct.TwoFactorEnabled {
		return &OTPRequestResult{Message: MsgTwoFactorActive, RequiresTOTP: true, AccountID: acct.ID}, nil
	}
	if err := s.otp.Send(ctx, phone); err != nil {
		return nil, s.channelError(msgOTPDeliveryFailed, err)
	}
	s.audit.LogEvent(ctx, acct.ID, audit.ActionOTPRequested, "", nil)
	s.emit(&telemetry.AuthEvent{AccountID: acct.ID, EventType: telemetry.EventOTPRequested})
	return &OTPRequestResult{Message: MsgOTPSent}, nil
}

func (s *AuthService) findOrCreate(ctx context.Context, phone string) (*domain.Account, error) {
	acct, err := s.accounts.GetByPhone(ctx, phone)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if acct != nil {
		return acct, nil
	}
	acct = &domain.Account{ID: s.newID(), Phone: phone, Roles: []domain.Role{domain.RoleUser}}
	err = s.accounts.Create(ctx, acct)
	switch {
	case err == nil:
		s.log.Info("account created", zap.String("account_id", acct.ID), zap.String("phone", logger.MaskPhone(phone)))
		return acct, nil
	case errors.Is(err, repository.ErrPhoneTaken):
		// Lost a concurrent create for the same phone; use the winner's row.
		existing, getErr := s.accounts.GetByPhone(ctx, phone)
		if getErr != nil {
			return nil, apperr.Internal(getErr)
		}
		if existing == nil {
			return nil, apperr.Internal(fmt.Errorf("account for phone vanished after create conflict: %w", err))
		}
		return existing, nil
	default:
		return nil, apperr.Internal(err)
	}
}

// SignInInput is the sign-in request. ClientIP is the caller's network address.
type SignInInput struct {
	Phone    string
	OTP      string
	ClientIP string
}

// SignIn checks the Session Guard, then either returns *PendingTOTP for two-factor accounts or
// verifies the OTP and returns *Authenticated with a fresh token pair.
func (s *AuthService) SignIn(ctx context.Context, in SignInInput) (out SignInOutcome, err error) {
	ctx, span := s.tracer.Start(ctx, "auth.SignIn")
	defer func() { s.finish(span, "sign_in", err) }()

	if in.ClientIP == "" {
		return nil, apperr.InvalidInput("client IP is required")
	}
	phone, err := NormalizePhone(in.Phone, s.region)
	if err != nil {
		return nil, err
	}
	acct, err := s.accounts.GetByPhone(ctx, phone)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if acct == nil {
		s.audit.LogEvent(ctx, "", audit.ActionLoginFailure, in.ClientIP, map[string]string{"reason": "unknown_account"})
		return nil, apperr.Unauthenticated(msgUnknownAccount)
	}
	span.SetAttributes(attribute.String("account.id", acct.ID))

	if err := s.guard.Check(ctx, acct.ID, in.ClientIP); err != nil {
		s.recordConflict(ctx, acct.ID, in.ClientIP, err)
		return nil, err
	}
	if acct.TwoFactorEnabled {
		s.audit.LogEvent(ctx, acct.ID, audit.ActionLoginPendingTOTP, in.ClientIP, nil)
		s.emit(&telemetry.AuthEvent{AccountID: acct.ID, EventType: telemetry.EventLoginPendingTOTP, ClientIP: in.ClientIP})
		return &PendingTOTP{AccountID: acct.ID}, nil
	}
	if !mfa.IsOTPFormat(in.OTP) {
		s.recordFailure(ctx, acct.ID, in.ClientIP, "malformed_otp")
		return nil, apperr.Unauthenticated(msgInvalidOTP)
	}
	ok, err := s.otp.Verify(ctx, phone, in.OTP)
	if err != nil {
		return nil, s.channelError(msgOTPCheckFailed, err)
	}
	if !ok {
		s.recordFailure(ctx, acct.ID, in.ClientIP, "otp_mismatch")
		return nil, apperr.Unauthenticated(msgInvalidOTP)
	}
	auth, err := s.establish(ctx, acct, in.ClientIP)
	if err != nil {
		s.recordConflict(ctx, acct.ID, in.ClientIP, err)
		return nil, err
	}
	s.audit.LogEvent(ctx, acct.ID, audit.ActionLogin, in.ClientIP, map[string]string{"session_id": auth.SessionID})
	s.emit(&telemetry.AuthEvent{AccountID: acct.ID, SessionID: auth.SessionID, EventType: telemetry.EventLogin, ClientIP: in.ClientIP})
	return auth, nil
}

// VerifyTOTP completes a two-factor sign-in. The Session Guard is checked again because this
// call can be made without a preceding SignIn. A code is not accepted twice.
func (s *AuthService) VerifyTOTP(ctx context.Context, accountID, code, clientIP string) (out *Authenticated, err error) {
	ctx, span := s.tracer.Start(ctx, "auth.VerifyTOTP", trace.WithAttributes(attribute.String("account.id", accountID)))
	defer func() { s.finish(span, "verify_totp", err) }()

	if clientIP == "" {
		return nil, apperr.InvalidInput("client IP is required")
	}
	if accountID == "" {
		return nil, apperr.InvalidInput("accountId is required")
	}
	acct, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if acct == nil || acct.TOTPSecret == "" {
		return nil, apperr.Unauthenticated(msgTOTPNotEnabled)
	}
	step, ok := s.totp.VerifyStep(acct.TOTPSecret, code)
	if !mfa.IsOTPFormat(code) || !ok {
		s.recordFailure(ctx, acct.ID, clientIP, "totp_mismatch")
		return nil, apperr.Unauthenticated(msgInvalidTOTP)
	}
	if err := s.guard.Check(ctx, acct.ID, clientIP); err != nil {
		s.recordConflict(ctx, acct.ID, clientIP, err)
		return nil, err
	}
	// Each time step is accepted once per account.
	if err := s.accounts.MarkTOTPStep(ctx, acct.ID, step); err != nil {
		if errors.Is(err, repository.ErrTOTPStepUsed) {
			s.recordFailure(ctx, acct.ID, clientIP, "totp_replay")
			return nil, apperr.Unauthenticated(msgInvalidTOTP)
		}
		return nil, apperr.Internal(err)
	}
	auth, err := s.establish(ctx, acct, clientIP)
	if err != nil {
		s.recordConflict(ctx, acct.ID, clientIP, err)
		return nil, err
	}
	s.audit.LogEvent(ctx, acct.ID, audit.ActionTOTPVerified, clientIP, map[string]string{"session_id": auth.SessionID})
	s.emit(&telemetry.AuthEvent{AccountID: acct.ID, SessionID: auth.SessionID, EventType: telemetry.EventTOTPVerified, ClientIP: clientIP})
	return auth, nil
}

// establish issues a token pair bound to a new session id and commits the session atomically.
// Nothing is persisted if the commit fails.
func (s *AuthService) establish(ctx context.Context, acct *domain.Account, ip string) (*Authenticated, error) {
	sid := s.newID()
	pair, err := s.tokens.IssuePair(security.Subject{
		AccountID:      acct.ID,
		Identification: acct.Phone,
		Roles:          domain.RoleNames(acct.Roles),
		SessionID:      sid,
	})
	if err != nil {
		return nil, apperr.Internal(err)
	}
	hash, err := s.hasher.Hash(pair.RefreshToken)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if err := s.guard.Commit(ctx, acct.ID, ip, sid, hash); err != nil {
		return nil, err
	}
	return &Authenticated{
		Message:   MsgLoggedIn,
		Tokens:    pair,
		Account:   acct.Public(),
		SessionID: sid,
	}, nil
}

// EnrollTOTP generates a new secret for the account and turns two-factor on. Any previously
// enrolled authenticator stops working.
func (s *AuthService) EnrollTOTP(ctx context.Context, accountID string) (out *mfa.Enrollment, err error) {
	ctx, span := s.tracer.Start(ctx, "auth.EnrollTOTP", trace.WithAttributes(attribute.String("account.id", accountID)))
	defer func() { s.finish(span, "enroll_totp", err) }()

	acct, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if acct == nil {
		return nil, apperr.NotFound(msgAccountNotFound)
	}
	enrollment, err := s.totp.Generate(acct.Phone)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if err := s.accounts.EnableTOTP(ctx, acct.ID, enrollment.Secret); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.NotFound(msgAccountNotFound)
		}
		return nil, apperr.Internal(err)
	}
	s.log.Info("totp enrolled", zap.String("account_id", acct.ID), zap.Bool("replaced", acct.TOTPSecret != ""))
	s.audit.LogEvent(ctx, acct.ID, audit.ActionTOTPEnrolled, "", nil)
	s.emit(&telemetry.AuthEvent{AccountID: acct.ID, EventType: telemetry.EventTOTPEnrolled})
	return enrollment, nil
}

// Refresh exchanges a refresh token for a new pair and rotates the stored hash. Every rejection
// looks the same to the caller.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (out *security.TokenPair, err error) {
	ctx, span := s.tracer.Start(ctx, "auth.Refresh")
	defer func() { s.finish(span, "refresh", err) }()

	invalid := apperr.Unauthenticated(msgInvalidRefreshToken)
	claims, err := s.tokens.ValidateRefresh(refreshToken)
	if err != nil {
		return nil, invalid
	}
	acct, err := s.accounts.GetByID(ctx, claims.Subject)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if acct == nil || acct.RefreshTokenHash == "" || !s.hasher.Verify(refreshToken, acct.RefreshTokenHash) {
		s.log.Debug("refresh rejected", zap.String("account_id", claims.Subject))
		return nil, invalid
	}
	pair, err := s.tokens.IssuePair(security.Subject{
		AccountID:      acct.ID,
		Identification: acct.Phone,
		Roles:          domain.RoleNames(acct.Roles),
		SessionID:      acct.CurrentSessionID,
	})
	if err != nil {
		return nil, apperr.Internal(err)
	}
	hash, err := s.hasher.Hash(pair.RefreshToken)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if err := s.accounts.RotateRefreshHash(ctx, acct.ID, acct.RefreshTokenHash, hash); err != nil {
		if errors.Is(err, repository.ErrStaleRefreshHash) {
			return nil, invalid
		}
		return nil, apperr.Internal(err)
	}
	s.audit.LogEvent(ctx, acct.ID, audit.ActionTokenRefreshed, "", nil)
	s.emit(&telemetry.AuthEvent{AccountID: acct.ID, SessionID: acct.CurrentSessionID, EventType: telemetry.EventTokenRefreshed})
	return pair, nil
}

// Logout clears the stored refresh hash, current IP and session id. It succeeds for accounts
// that are already logged out.
func (s *AuthService) Logout(ctx context.Context, accountID string) (err error) {
	ctx, span := s.tracer.Start(ctx, "auth.Logout", trace.WithAttributes(attribute.String("account.id", accountID)))
	defer func() { s.finish(span, "logout", err) }()

	if accountID == "" {
		return apperr.InvalidInput("accountId is required")
	}
	if err := s.accounts.ClearSession(ctx, accountID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperr.NotFound(msgAccountNotFound)
		}
		return apperr.Internal(err)
	}
	s.audit.LogEvent(ctx, accountID, audit.ActionLogout, "", nil)
	s.emit(&telemetry.AuthEvent{AccountID: accountID, EventType: telemetry.EventLogout})
	return nil
}

// Account returns the account with id, or a NotFound error.
func (s *AuthService) Account(ctx context.Context, id string) (*domain.Account, error) {
	acct, err := s.accounts.GetByID(ctx, id)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if acct == nil {
		return nil, apperr.NotFound(msgAccountNotFound)
	}
	return acct, nil
}

func (s *AuthService) channelError(msg string, err error) error {
	if errors.Is(err, mfa.ErrProvider) {
		return apperr.External(msg, err)
	}
	return apperr.Internal(err)
}

func (s *AuthService) recordFailure(ctx context.Context, accountID, ip, reason string) {
	s.audit.LogEvent(ctx, accountID, audit.ActionLoginFailure, ip, map[string]string{"reason": reason})
	s.emit(&telemetry.AuthEvent{
		AccountID: accountID,
		EventType: telemetry.EventLoginFailure,
		ClientIP:  ip,
		Metadata:  map[string]string{"reason": reason},
	})
}

func (s *AuthService) recordConflict(ctx context.Context, accountID, ip string, err error) {
	if !apperr.Is(err, apperr.KindConflict) {
		return
	}
	s.audit.LogEvent(ctx, accountID, audit.ActionLoginConflict, ip, nil)
	s.emit(&telemetry.AuthEvent{AccountID: accountID, EventType: telemetry.EventLoginConflict, ClientIP: ip})
}

func (s *AuthService) emit(ev *telemetry.AuthEvent) {
	if s.events == nil {
		return
	}
	ev.Source = telemetry.SourceAuth
	telemetry.EmitAsync(s.events, ev, s.log)
}

// finish ends span, counts the outcome and logs unexpected failures with their cause.
func (s *AuthService) finish(span trace.Span, op string, err error) {
	s.metrics.observe(op, err)
	if err != nil {
		kind := apperr.KindOf(err)
		span.SetAttributes(attribute.String("auth.error_kind", string(kind)))
		if kind == apperr.KindInternal || kind == apperr.KindExternalService {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(kind))
			s.log.Error("auth operation failed", zap.String("operation", op), zap.Error(err))
		}
	}
	span.End()
}
