package mfa

import (
	"crypto/subtle"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	// DefaultTOTPIssuer is shown by authenticator apps next to the account.
	DefaultTOTPIssuer = "Trend Reversal"
	// TOTPSecretSize is the secret size in bytes (160 bits).
	TOTPSecretSize = 20
	totpPeriod     = 30
	totpSkew       = 1
)

// Enrollment is a freshly generated TOTP secret and its provisioning URI.
type Enrollment struct {
	Secret string // base32
	URI    string // otpauth://totp/<issuer>?secret=<secret>&issuer=<issuer>
}

// TOTP generates and verifies RFC 6238 codes: SHA1, 6 digits, 30 second steps, one step of skew.
type TOTP struct {
	issuer string
	now    func() time.Time
}

// NewTOTP returns a TOTP engine for issuer (DefaultTOTPIssuer when empty).
func NewTOTP(issuer string) *TOTP {
	if strings.TrimSpace(issuer) == "" {
		issuer = DefaultTOTPIssuer
	}
	return &TOTP{issuer: issuer, now: time.Now}
}

// WithClock overrides the engine clock, used in tests.
func (t *TOTP) WithClock(now func() time.Time) *TOTP {
	if now != nil {
		t.now = now
	}
	return t
}

// Generate creates a new random secret for accountName.
func (t *TOTP) Generate(accountName string) (*Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      t.issuer,
		AccountName: accountName,
		Period:      totpPeriod,
		SecretSize:  TOTPSecretSize,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp secret: %w", err)
	}
	secret := key.Secret()
	return &Enrollment{Secret: secret, URI: t.provisioningURI(secret)}, nil
}

func (t *TOTP) provisioningURI(secret string) string {
	q := url.Values{}
	q.Set("secret", secret)
	q.Set("issuer", t.issuer)
	return "otpauth://totp/" + url.PathEscape(t.issuer) + "?" + q.Encode()
}

// Verify reports whether code is valid for secret at the current time, within one step either side.
func (t *TOTP) Verify(secret, code string) bool {
	_, ok := t.VerifyStep(secret, code)
	return ok
}

// VerifyStep is Verify that also returns the time step (Unix time / 30s) the code belongs to, so
// callers can refuse a step that was already used.
func (t *TOTP) VerifyStep(secret, code string) (int64, bool) {
	code = strings.TrimSpace(code)
	if secret == "" || !IsOTPFormat(code) {
		return 0, false
	}
	current := t.now().UTC().Unix() / totpPeriod
	for step := current - totpSkew; step <= current+totpSkew; step++ {
		want, err := totp.GenerateCodeCustom(secret, time.Unix(step*totpPeriod, 0).UTC(), validateOpts())
		if err != nil {
			return 0, false
		}
		if subtle.ConstantTimeCompare([]byte(want), []byte(code)) == 1 {
			return step, true
		}
	}
	return 0, false
}

// CodeAt returns the code for secret at instant at. Used by tests and the seed command.
func CodeAt(secret string, at time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, at.UTC(), validateOpts())
}

func validateOpts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}
