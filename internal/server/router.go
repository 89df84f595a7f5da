// Package server assembles the HTTP router, the gRPC health server and the application graph.
package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"trend-reversal/backend/internal/auth/handler"
	"trend-reversal/backend/internal/health"
	"trend-reversal/backend/internal/logger"
	"trend-reversal/backend/internal/server/middleware"
)

// APIPrefix is the path prefix of the auth API.
const APIPrefix = "/api/v1"

// RouterDeps are the parts NewRouter mounts. Auth, Health, Tokens and Sessions are required.
type RouterDeps struct {
	Auth     *handler.Handler
	Health   *health.Checker
	Tokens   middleware.AccessValidator
	Sessions middleware.SessionLookup
	// Limiter is optional; nil disables rate limiting.
	Limiter *middleware.RateLimiter
	// Metrics is optional; nil disables HTTP metrics.
	Metrics *middleware.HTTPMetrics
	// Gatherer backs /metrics (prometheus.DefaultGatherer when nil).
	Gatherer       prometheus.Gatherer
	CORSOrigins    []string
	TrustProxy     bool
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// NewRouter returns the HTTP handler: CORS and tracing around a mux router carrying the
// middleware chain, the health and metrics endpoints and the auth routes.
func NewRouter(d RouterDeps) http.Handler {
	log := logger.OrNop(d.Logger)
	gatherer := d.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := mux.NewRouter()
	r.Use(middleware.ClientIP(d.TrustProxy))
	r.Use(middleware.RequestLog(log))
	if d.Metrics != nil {
		r.Use(d.Metrics.Middleware)
	}
	if d.Limiter != nil {
		r.Use(d.Limiter.Middleware)
	}
	r.Use(middleware.Timeout(d.RequestTimeout))

	r.HandleFunc("/healthz", d.Health.Liveness).Methods(http.MethodGet)
	r.HandleFunc("/readyz", d.Health.Readiness).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := r.PathPrefix(APIPrefix).Subrouter()
	d.Auth.Register(api, middleware.RequireAuth(d.Tokens, d.Sessions, log))

	c := cors.New(cors.Options{
		AllowedOrigins:   d.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return otelhttp.NewHandler(c.Handler(r), "http.server",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("%s %s", r.Method, r.URL.Path)
		}),
		otelhttp.WithPropagators(otel.GetTextMapPropagator()),
	)
}

// NewHTTPServer wraps h in an http.Server with conservative timeouts.
func NewHTTPServer(addr string, h http.Handler, requestTimeout time.Duration) *http.Server {
	if requestTimeout <= 0 {
		requestTimeout = 15 * time.Second
	}
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       requestTimeout,
		WriteTimeout:      requestTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
