package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"

	accountrepo "trend-reversal/backend/internal/account/repository"
	"trend-reversal/backend/internal/audit"
	auditrepo "trend-reversal/backend/internal/audit/repository"
	"trend-reversal/backend/internal/auth/handler"
	"trend-reversal/backend/internal/auth/service"
	"trend-reversal/backend/internal/config"
	"trend-reversal/backend/internal/db"
	"trend-reversal/backend/internal/devotp"
	"trend-reversal/backend/internal/health"
	"trend-reversal/backend/internal/logger"
	"trend-reversal/backend/internal/mfa"
	"trend-reversal/backend/internal/mfa/local"
	"trend-reversal/backend/internal/mfa/sms"
	"trend-reversal/backend/internal/mfa/twilio"
	"trend-reversal/backend/internal/policy/engine"
	"trend-reversal/backend/internal/security"
	"trend-reversal/backend/internal/server/middleware"
	"trend-reversal/backend/internal/session"
	"trend-reversal/backend/internal/telemetry"
	telemetryotel "trend-reversal/backend/internal/telemetry/otel"
	"trend-reversal/backend/internal/telemetry/producer"
)

const (
	serviceName         = "trend-reversal-auth"
	healthWatchInterval = 10 * time.Second
	shutdownTimeout     = 10 * time.Second
)

// App is the assembled server process: the HTTP API, the gRPC health server and the resources
// they hold.
type App struct {
	HTTP *http.Server
	GRPC *grpc.Server

	grpcAddr   string
	checker    *health.Checker
	grpcHealth *grpchealth.Server
	log        *zap.Logger
	drainWait  time.Duration
	closers    []func(context.Context) error
}

// Build connects to Postgres, Redis and the telemetry backends described by cfg and wires the
// auth service behind the HTTP router. Resources opened before a failure are released.
func Build(ctx context.Context, cfg *config.Config, log *zap.Logger) (_ *App, err error) {
	log = logger.OrNop(log)
	app := &App{grpcAddr: cfg.GRPCAddr, log: log}
	defer func() {
		if err != nil {
			app.release(context.Background())
		}
	}()

	providers, err := telemetryotel.NewProviders(ctx, telemetryotel.Options{
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: serviceName,
		Insecure:    cfg.OTelInsecure,
		Logger:      log,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	providers.SetGlobal()
	app.closers = append(app.closers, providers.Shutdown)

	pool, err := db.Open(ctx, cfg.DatabaseURL, db.PoolOptions{})
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, func(context.Context) error {
		pool.Close()
		return nil
	})

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis: parse REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opts)
		app.closers = append(app.closers, func(context.Context) error { return rdb.Close() })
	}

	var devStore devotp.Store
	if cfg.OTPReturnToClient {
		devStore = devotp.NewMemoryStore()
		log.Warn("dev OTP retrieval enabled; codes are readable at /api/v1/dev/otp")
	}
	otpChannel, err := newOTPChannel(cfg, rdb, devStore, log)
	if err != nil {
		return nil, err
	}

	tokens, err := security.NewTokenProvider(security.TokenConfig{
		AccessSecret:  []byte(cfg.JWTAccessSecret),
		RefreshSecret: []byte(cfg.JWTRefreshSecret),
		Issuer:        cfg.JWTIssuer,
		Audience:      cfg.JWTAudience,
		AccessTTL:     cfg.AccessTTL(),
		RefreshTTL:    cfg.RefreshTTL(),
	})
	if err != nil {
		return nil, err
	}

	authMetrics, err := service.NewMetrics(service.MetricsOptions{Registerer: prometheus.DefaultRegisterer})
	if err != nil {
		return nil, err
	}
	httpMetrics, err := middleware.NewHTTPMetrics(prometheus.DefaultRegisterer, "")
	if err != nil {
		return nil, err
	}

	events := telemetry.MultiEmitter{telemetryotel.NewEventEmitter(providers.LoggerProvider)}
	if kp := producer.NewKafkaProducer(cfg.KafkaBrokersList(), cfg.AuthEventsTopic); kp != nil {
		events = append(events, kp)
		app.closers = append(app.closers, func(context.Context) error { return kp.Close() })
	}
	app.drainWait = telemetry.ShutdownDrainDuration

	accounts := accountrepo.NewPostgresRepository(pool)
	svc, err := service.NewAuthService(service.Deps{
		Accounts:    accounts,
		Guard:       session.NewGuard(accounts, log),
		OTP:         otpChannel,
		TOTP:        mfa.NewTOTP(cfg.TOTPIssuer),
		Tokens:      tokens,
		Hasher:      security.NewRefreshHasher(security.NewHasher(cfg.BcryptCost)),
		Audit:       audit.NewLogger(auditrepo.NewPostgresRepository(pool), log),
		Events:      events,
		Metrics:     authMetrics,
		Logger:      log,
		PhoneRegion: cfg.PhoneDefaultRegion,
	})
	if err != nil {
		return nil, err
	}

	policy, err := engine.NewOPAEvaluator(ctx, engine.DefaultRegoPolicy)
	if err != nil {
		return nil, err
	}

	app.checker = health.NewChecker(0, log).
		Add("postgres", pool).
		Add("policy", health.PingFunc(policy.HealthCheck))
	if rdb != nil {
		app.checker.Add("redis", health.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }))
	}

	limiter, err := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 0, log, "/healthz", "/readyz", "/metrics")
	if err != nil {
		return nil, err
	}

	router := NewRouter(RouterDeps{
		Auth:           handler.New(svc, policy, handler.Options{DevOTP: devStore, PhoneRegion: cfg.PhoneDefaultRegion, Logger: log}),
		Health:         app.checker,
		Tokens:         tokens,
		Sessions:       svc,
		Limiter:        limiter,
		Metrics:        httpMetrics,
		CORSOrigins:    cfg.CORSOrigins(),
		TrustProxy:     cfg.TrustProxyHeaders,
		RequestTimeout: cfg.RequestTimeout(),
		Logger:         log,
	})
	app.HTTP = NewHTTPServer(cfg.HTTPAddr, router, cfg.RequestTimeout())
	app.grpcHealth = grpchealth.NewServer()
	app.GRPC = NewGRPCServer(app.grpcHealth)
	return app, nil
}

// newOTPChannel picks Twilio Verify when it is configured and otherwise the local channel, which
// generates codes itself and sends them through SMS Local. Either is wrapped in the breaker.
func newOTPChannel(cfg *config.Config, rdb *redis.Client, dev devotp.Store, log *zap.Logger) (mfa.Channel, error) {
	timeout := cfg.ExternalCallTimeout()
	var ch mfa.Channel
	if cfg.OTPProvider == config.OTPProviderTwilio && cfg.TwilioAccountSID != "" {
		if dev != nil {
			log.Warn("OTP_RETURN_TO_CLIENT has no effect with Twilio Verify, which generates the codes")
		}
		ch = twilio.NewVerifyClient(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioVerifyServiceSID, cfg.TwilioBaseURL, timeout)
	} else {
		var store local.ChallengeStore = local.NewMemoryChallengeStore()
		if rdb != nil {
			store = local.NewRedisChallengeStore(rdb, "")
		} else {
			log.Warn("REDIS_URL not set; OTP challenges are kept in process memory")
		}
		var sender local.Sender
		if cfg.SMSLocalAPIKey != "" {
			sender = sms.NewSMSLocalClient(cfg.SMSLocalAPIKey, cfg.SMSLocalBaseURL, cfg.SMSLocalSender, timeout)
		}
		lc, err := local.NewChannel(store, sender, local.Options{
			TTL:          cfg.OTPTimeToLive(),
			MaxAttempts:  cfg.OTPMaxAttempts,
			DevStore:     dev,
			SkipDelivery: sender == nil && dev != nil,
			Logger:       log,
		})
		if err != nil {
			return nil, fmt.Errorf("otp channel: %w", err)
		}
		ch = lc
	}
	return mfa.NewBreakerChannel(ch, mfa.BreakerOptions{Name: "otp-" + cfg.OTPProvider, CallTimeout: timeout, Logger: log}), nil
}

// Run serves HTTP and gRPC until ctx is done or a server fails, then shuts both down and releases
// the resources opened by Build.
func (a *App) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", a.grpcAddr)
	if err != nil {
		a.release(context.Background())
		return fmt.Errorf("grpc listen: %w", err)
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go a.checker.Watch(watchCtx, a.grpcHealth, HealthServiceName, healthWatchInterval)

	errc := make(chan error, 2)
	go func() {
		a.log.Info("gRPC server listening", zap.String("addr", a.grpcAddr))
		if err := a.GRPC.Serve(lis); err != nil {
			errc <- fmt.Errorf("grpc serve: %w", err)
		}
	}()
	go func() {
		a.log.Info("HTTP server listening", zap.String("addr", a.HTTP.Addr))
		if err := a.HTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http serve: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("shutting down")
	case runErr = <-errc:
		a.log.Error("server failed", zap.Error(runErr))
	}
	stopWatch()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.grpcHealth.Shutdown()
	if err := a.HTTP.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("http shutdown", zap.Error(err))
	}
	a.GRPC.GracefulStop()
	if a.drainWait > 0 {
		time.Sleep(a.drainWait)
	}
	a.release(shutdownCtx)
	return runErr
}

// release closes resources in reverse order of acquisition.
func (a *App) release(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.log.Warn("release resource", zap.Error(err))
		}
	}
	a.closers = nil
}
