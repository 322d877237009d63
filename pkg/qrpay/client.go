package qrpay

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/quickmartlabs/quickmart-backend/pkg/config"
	pkgerrors "github.com/quickmartlabs/quickmart-backend/pkg/errors"
	"github.com/quickmartlabs/quickmart-backend/pkg/logger"
)

// Status is the gateway-side state of a QR charge.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusDeclined  Status = "declined"
	StatusExpired   Status = "expired"
)

var (
	errBaseURLRequired       = errors.New("qrpay base url is required")
	errMerchantIDRequired    = errors.New("qrpay merchant id is required")
	errWebhookSecretRequired = errors.New("qrpay webhook secret is required")
	errLoggerRequired        = errors.New("qrpay logger is required")
)

// ChargeStatus is the gateway's view of a charge, keyed by correlation id.
type ChargeStatus struct {
	CorrelationID string     `json:"correlation_id"`
	Status        Status     `json:"status"`
	Reference     string     `json:"reference,omitempty"`
	PaidAt        *time.Time `json:"paid_at,omitempty"`
}

// Client talks to the QR payment gateway with centralized auth, logging, and error mapping.
type Client struct {
	httpClient    *http.Client
	baseURL       string
	apiKey        string
	merchantID    string
	merchantName  string
	webhookSecret string
	logger        *logger.Logger
}

// NewClient initializes the gateway wrapper and validates the credentials.
func NewClient(ctx context.Context, cfg config.QRPayConfig, logg *logger.Logger) (*Client, error) {
	if logg == nil {
		return nil, errLoggerRequired
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errBaseURLRequired
	}

	merchantID := strings.TrimSpace(cfg.MerchantID)
	if merchantID == "" {
		return nil, errMerchantIDRequired
	}

	webhookSecret := strings.TrimSpace(cfg.WebhookSecret)
	if webhookSecret == "" {
		return nil, errWebhookSecretRequired
	}

	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	c := &Client{
		httpClient:    &http.Client{Timeout: timeout},
		baseURL:       baseURL,
		apiKey:        strings.TrimSpace(cfg.APIKey),
		merchantID:    merchantID,
		merchantName:  strings.TrimSpace(cfg.MerchantName),
		webhookSecret: webhookSecret,
		logger:        logg,
	}

	logg.Info(ctx, "qrpay client initialized")
	return c, nil
}

// MerchantID returns the configured merchant account id.
func (c *Client) MerchantID() string {
	if c == nil {
		return ""
	}
	return c.merchantID
}

// MerchantName returns the display name encoded into QR payloads.
func (c *Client) MerchantName() string {
	if c == nil {
		return ""
	}
	return c.merchantName
}

// SigningSecret returns the webhook signing secret.
func (c *Client) SigningSecret() string {
	if c == nil {
		return ""
	}
	return c.webhookSecret
}

// QueryStatus asks the gateway for the current state of a charge.
func (c *Client) QueryStatus(ctx context.Context, correlationID string) (*ChargeStatus, error) {
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "correlation id is required")
	}

	url := fmt.Sprintf("%s/v1/charges/%s", c.baseURL, correlationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build status request")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "query charge status")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read status response")
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, fmt.Sprintf("charge %s not found", correlationID))
	case resp.StatusCode >= 400:
		return nil, pkgerrors.New(pkgerrors.CodeDependency,
			fmt.Sprintf("gateway returned %d querying charge %s", resp.StatusCode, correlationID))
	}

	var status ChargeStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode status response")
	}
	if status.CorrelationID == "" {
		status.CorrelationID = correlationID
	}
	return &status, nil
}

// VerifySignature checks a webhook payload against its HMAC-SHA256 signature header.
func (c *Client) VerifySignature(payload []byte, header string) bool {
	if c == nil || header == "" || c.webhookSecret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(c.webhookSecret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(header))
}

// Sign computes the HMAC-SHA256 hex signature for a payload. Used by tests and tooling.
func (c *Client) Sign(payload []byte) string {
	if c == nil || c.webhookSecret == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(c.webhookSecret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
