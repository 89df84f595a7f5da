// Package twilio is a small client for the Twilio Verify v2 API. Twilio owns code generation,
// expiry and attempt counting; this package only starts and checks verifications.
package twilio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"trend-reversal/backend/internal/mfa"
)

const (
	defaultBaseURL = "https://verify.twilio.com"
	defaultTimeout = 10 * time.Second
	maxErrorBody   = 512

	statusApproved = "approved"
)

// VerifyClient implements mfa.Channel on top of a Twilio Verify service.
type VerifyClient struct {
	AccountSID string
	AuthToken  string
	ServiceSID string
	BaseURL    string
	HTTPClient *http.Client
}

var _ mfa.Channel = (*VerifyClient)(nil)

// NewVerifyClient returns a client for the given service. An empty baseURL uses the public endpoint.
func NewVerifyClient(accountSID, authToken, serviceSID, baseURL string, timeout time.Duration) *VerifyClient {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &VerifyClient{
		AccountSID: accountSID,
		AuthToken:  authToken,
		ServiceSID: serviceSID,
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

type verificationResponse struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

// Send starts an SMS verification for phone.
func (c *VerifyClient) Send(ctx context.Context, phone string) error {
	form := url.Values{"To": {phone}, "Channel": {"sms"}}
	status, body, err := c.post(ctx, "Verifications", form)
	if err != nil {
		return err
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return fmt.Errorf("twilio: start verification status=%d body=%s", status, body)
	}
	return nil
}

// Verify checks code for phone. Twilio answers 404 once a verification is approved, expired
// or out of attempts, which is reported as a plain mismatch.
func (c *VerifyClient) Verify(ctx context.Context, phone, code string) (bool, error) {
	if !mfa.IsOTPFormat(code) {
		return false, nil
	}
	form := url.Values{"To": {phone}, "Code": {code}}
	status, body, err := c.post(ctx, "VerificationCheck", form)
	if err != nil {
		return false, err
	}
	switch {
	case status == http.StatusNotFound:
		return false, nil
	case status != http.StatusOK && status != http.StatusCreated:
		return false, fmt.Errorf("twilio: verification check status=%d body=%s", status, body)
	}
	var vr verificationResponse
	if err := json.Unmarshal(body, &vr); err != nil {
		return false, fmt.Errorf("twilio: decode verification check: %w", err)
	}
	return vr.Status == statusApproved, nil
}

func (c *VerifyClient) post(ctx context.Context, resource string, form url.Values) (int, []byte, error) {
	if c.AccountSID == "" || c.AuthToken == "" || c.ServiceSID == "" {
		return 0, nil, fmt.Errorf("twilio: credentials not configured")
	}
	endpoint := fmt.Sprintf("%s/v2/Services/%s/%s", c.BaseURL, url.PathEscape(c.ServiceSID), resource)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, err
	}
	req.SetBasicAuth(c.AccountSID, c.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("twilio: request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return 0, nil, fmt.Errorf("twilio: read response: %w", err)
	}
	if resp.StatusCode >= 300 && len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return resp.StatusCode, body, nil
}
