// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// OTP provider names accepted in OTP_PROVIDER.
const (
	OTPProviderTwilio   = "twilio"
	OTPProviderSMSLocal = "smslocal"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
	// HTTPAddr is the address the HTTP API listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// GRPCAddr is the address the gRPC health server listens on (e.g. :9090).
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// DatabaseURL is the Postgres DSN. When empty the server keeps accounts in memory (development only).
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// RedisURL is the Redis URL for OTP challenges (e.g. redis://localhost:6379/0). Empty uses an in-memory store.
	RedisURL string `mapstructure:"REDIS_URL"`

	// JWTAccessSecret signs access tokens (HS256). Must differ from JWTRefreshSecret.
	JWTAccessSecret string `mapstructure:"JWT_ACCESS_SECRET"`
	// JWTRefreshSecret signs refresh tokens (HS256).
	JWTRefreshSecret string `mapstructure:"JWT_REFRESH_SECRET"`
	// JWTIssuer is the iss claim.
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTAudience is the aud claim.
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`
	// JWTAccessTTL is the access token lifetime (e.g. "1h"). Must not exceed JWTRefreshTTL.
	JWTAccessTTL string `mapstructure:"JWT_ACCESS_TTL"`
	// JWTRefreshTTL is the refresh token lifetime (e.g. "168h").
	JWTRefreshTTL string `mapstructure:"JWT_REFRESH_TTL"`
	// BcryptCost is the bcrypt cost factor (4–31); default 10.
	BcryptCost int `mapstructure:"BCRYPT_COST"`

	// OTPProvider selects the phone OTP channel: "twilio" (Twilio Verify) or "smslocal" (local challenge + SMS Local).
	OTPProvider string `mapstructure:"OTP_PROVIDER"`
	// OTPTTL is how long a locally generated OTP stays valid (smslocal provider only).
	OTPTTL string `mapstructure:"OTP_TTL"`
	// OTPMaxAttempts is the number of wrong codes allowed before a local challenge is discarded.
	OTPMaxAttempts int `mapstructure:"OTP_MAX_ATTEMPTS"`
	// OTPReturnToClient when true skips SMS and stores the OTP for GET /dev/otp. Must not be true when Env is production.
	OTPReturnToClient bool `mapstructure:"OTP_RETURN_TO_CLIENT"`

	TwilioAccountSID       string `mapstructure:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken        string `mapstructure:"TWILIO_AUTH_TOKEN"`
	TwilioVerifyServiceSID string `mapstructure:"TWILIO_VERIFY_SERVICE_SID"`
	// TwilioBaseURL is the Twilio Verify API base URL (default https://verify.twilio.com).
	TwilioBaseURL string `mapstructure:"TWILIO_BASE_URL"`

	// SMSLocalAPIKey is the API key for SMS Local.
	SMSLocalAPIKey string `mapstructure:"SMS_LOCAL_API_KEY"`
	// SMSLocalSender is the optional sender ID for SMS Local.
	SMSLocalSender string `mapstructure:"SMS_LOCAL_SENDER"`
	// SMSLocalBaseURL is the SMS Local API base URL.
	SMSLocalBaseURL string `mapstructure:"SMS_LOCAL_BASE_URL"`

	// TOTPIssuer is shown by authenticator apps next to the account.
	TOTPIssuer string `mapstructure:"TOTP_ISSUER"`
	// PhoneDefaultRegion is the ISO region used to parse numbers without a country code.
	PhoneDefaultRegion string `mapstructure:"PHONE_DEFAULT_REGION"`

	// ExternalCallTimeout bounds a single OTP provider call.
	ExternalCallTimeoutRaw string `mapstructure:"EXTERNAL_CALL_TIMEOUT"`
	// RequestTimeoutRaw bounds a single HTTP request, store calls included.
	RequestTimeoutRaw string `mapstructure:"REQUEST_TIMEOUT"`

	// KafkaBrokers is a comma-separated list of Kafka broker addresses. When set, auth events go to Kafka.
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// AuthEventsTopic is the Kafka topic for auth events.
	AuthEventsTopic string `mapstructure:"AUTH_EVENTS_TOPIC"`
	// KafkaGroupID is the consumer group ID for the event worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
	// LokiURL is where the worker pushes auth events (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`

	// OTelEndpoint is the OTLP gRPC collector endpoint; empty disables export.
	OTelEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTelInsecure forces a plaintext connection to the collector.
	OTelInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`

	// TrustProxyHeaders makes the client IP come from X-Forwarded-For / X-Real-IP.
	TrustProxyHeaders bool `mapstructure:"TRUST_PROXY_HEADERS"`
	// CORSAllowedOrigins is a comma-separated origin list.
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	// RateLimitRPS and RateLimitBurst configure the per-IP limiter on auth routes.
	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("APP_ENV", "")
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("GRPC_ADDR", ":9090")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("JWT_ACCESS_SECRET", "")
	v.SetDefault("JWT_REFRESH_SECRET", "")
	v.SetDefault("JWT_ISSUER", "trend-reversal")
	v.SetDefault("JWT_AUDIENCE", "trend-reversal-api")
	v.SetDefault("JWT_ACCESS_TTL", "1h")
	v.SetDefault("JWT_REFRESH_TTL", "168h") // 7d
	v.SetDefault("BCRYPT_COST", 10)
	v.SetDefault("OTP_PROVIDER", OTPProviderTwilio)
	v.SetDefault("OTP_TTL", "5m")
	v.SetDefault("OTP_MAX_ATTEMPTS", 5)
	v.SetDefault("OTP_RETURN_TO_CLIENT", false)
	v.SetDefault("TWILIO_ACCOUNT_SID", "")
	v.SetDefault("TWILIO_AUTH_TOKEN", "")
	v.SetDefault("TWILIO_VERIFY_SERVICE_SID", "")
	v.SetDefault("TWILIO_BASE_URL", "https://verify.twilio.com")
	v.SetDefault("SMS_LOCAL_API_KEY", "")
	v.SetDefault("SMS_LOCAL_SENDER", "")
	v.SetDefault("SMS_LOCAL_BASE_URL", "https://app.smslocal.in/api/smsapi")
	v.SetDefault("TOTP_ISSUER", "Trend Reversal")
	v.SetDefault("PHONE_DEFAULT_REGION", "IN")
	v.SetDefault("EXTERNAL_CALL_TIMEOUT", "10s")
	v.SetDefault("REQUEST_TIMEOUT", "15s")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("AUTH_EVENTS_TOPIC", "auth.events")
	v.SetDefault("KAFKA_GROUP_ID", "trend-reversal-auth-events")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("TRUST_PROXY_HEADERS", false)
	v.SetDefault("CORS_ALLOWED_ORIGINS", "")
	v.SetDefault("RATE_LIMIT_RPS", 5)
	v.SetDefault("RATE_LIMIT_BURST", 10)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.HTTPAddr == "" {
		return errors.New("config: HTTP_ADDR must be set")
	}
	if c.JWTAccessSecret == "" || c.JWTRefreshSecret == "" {
		return errors.New("config: JWT_ACCESS_SECRET and JWT_REFRESH_SECRET must be set")
	}
	if c.JWTAccessSecret == c.JWTRefreshSecret {
		return errors.New("config: JWT_ACCESS_SECRET and JWT_REFRESH_SECRET must differ")
	}
	access, err := parsePositive("JWT_ACCESS_TTL", c.JWTAccessTTL)
	if err != nil {
		return err
	}
	refresh, err := parsePositive("JWT_REFRESH_TTL", c.JWTRefreshTTL)
	if err != nil {
		return err
	}
	if access > refresh {
		return fmt.Errorf("config: JWT_ACCESS_TTL (%s) must not exceed JWT_REFRESH_TTL (%s)", access, refresh)
	}
	for key, raw := range map[string]string{
		"OTP_TTL":               c.OTPTTL,
		"EXTERNAL_CALL_TIMEOUT": c.ExternalCallTimeoutRaw,
		"REQUEST_TIMEOUT":       c.RequestTimeoutRaw,
	} {
		if _, err := parsePositive(key, raw); err != nil {
			return err
		}
	}

	if c.BcryptCost == 0 {
		c.BcryptCost = 10
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return errors.New("config: BCRYPT_COST must be between 4 and 31")
	}
	if c.OTPMaxAttempts <= 0 {
		c.OTPMaxAttempts = 5
	}

	if c.OTPReturnToClient && c.Env == "production" {
		return errors.New("config: OTP_RETURN_TO_CLIENT must not be true when APP_ENV=production")
	}
	switch c.OTPProvider {
	case OTPProviderTwilio:
		if !c.OTPReturnToClient && (c.TwilioAccountSID == "" || c.TwilioAuthToken == "" || c.TwilioVerifyServiceSID == "") {
			return errors.New("config: OTP_PROVIDER=twilio requires TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_VERIFY_SERVICE_SID")
		}
	case OTPProviderSMSLocal:
		if !c.OTPReturnToClient && c.SMSLocalAPIKey == "" {
			return errors.New("config: OTP_PROVIDER=smslocal requires SMS_LOCAL_API_KEY unless OTP_RETURN_TO_CLIENT is true")
		}
	default:
		return fmt.Errorf("config: unknown OTP_PROVIDER %q", c.OTPProvider)
	}
	return nil
}

func parsePositive(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config: %s must be positive", key)
	}
	return d, nil
}

// IsDevelopment reports whether APP_ENV is development (or unset).
func (c *Config) IsDevelopment() bool {
	return c.Env == "" || c.Env == "development"
}

// AccessTTL parses JWTAccessTTL as a time.Duration. Returns 1h if unset or invalid.
func (c *Config) AccessTTL() time.Duration {
	return durationOr(c.JWTAccessTTL, time.Hour)
}

// RefreshTTL parses JWTRefreshTTL as a time.Duration. Returns 168h if unset or invalid.
func (c *Config) RefreshTTL() time.Duration {
	return durationOr(c.JWTRefreshTTL, 168*time.Hour)
}

// OTPTimeToLive parses OTPTTL. Returns 5m if unset or invalid.
func (c *Config) OTPTimeToLive() time.Duration {
	return durationOr(c.OTPTTL, 5*time.Minute)
}

// ExternalCallTimeout parses ExternalCallTimeoutRaw. Returns 10s if unset or invalid.
func (c *Config) ExternalCallTimeout() time.Duration {
	return durationOr(c.ExternalCallTimeoutRaw, 10*time.Second)
}

// RequestTimeout parses RequestTimeoutRaw. Returns 15s if unset or invalid.
func (c *Config) RequestTimeout() time.Duration {
	return durationOr(c.RequestTimeoutRaw, 15*time.Second)
}

func durationOr(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if event publishing is enabled (non-empty list) and to create the producer.
func (c *Config) KafkaBrokersList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.KafkaBrokers)
}

// CORSOrigins returns the allowed CORS origins.
func (c *Config) CORSOrigins() []string {
	if c == nil {
		return nil
	}
	return splitList(c.CORSAllowedOrigins)
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
