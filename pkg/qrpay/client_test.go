package qrpay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickmartlabs/quickmart-backend/pkg/config"
	pkgerrors "github.com/quickmartlabs/quickmart-backend/pkg/errors"
	"github.com/quickmartlabs/quickmart-backend/pkg/logger"
)

func testClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	logg := logger.New(logger.Options{ServiceName: "qrpay-test", Level: zerolog.ErrorLevel})

	c, err := NewClient(context.Background(), config.QRPayConfig{
		BaseURL:       baseURL,
		APIKey:        "key-123",
		MerchantID:    "merchant-42",
		MerchantName:  "QuickMart",
		WebhookSecret: "whsec_test",
		HTTPTimeout:   5 * time.Second,
	}, logg)
	require.NoError(t, err)
	return c
}

func TestNewClientValidatesConfig(t *testing.T) {
	logg := logger.New(logger.Options{ServiceName: "qrpay-test", Level: zerolog.ErrorLevel})

	_, err := NewClient(context.Background(), config.QRPayConfig{
		MerchantID:    "m",
		WebhookSecret: "s",
	}, logg)
	assert.ErrorIs(t, err, errBaseURLRequired)

	_, err = NewClient(context.Background(), config.QRPayConfig{
		BaseURL:       "https://gw.example.com",
		WebhookSecret: "s",
	}, logg)
	assert.ErrorIs(t, err, errMerchantIDRequired)

	_, err = NewClient(context.Background(), config.QRPayConfig{
		BaseURL:    "https://gw.example.com",
		MerchantID: "m",
	}, logg)
	assert.ErrorIs(t, err, errWebhookSecretRequired)
}

func TestQueryStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key-123", r.Header.Get("X-Api-Key"))
		assert.Equal(t, "/v1/charges/corr-1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"correlation_id":"corr-1","status":"succeeded","reference":"gw-777"}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	status, err := c.QueryStatus(context.Background(), "corr-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, status.Status)
	assert.Equal(t, "gw-777", status.Reference)
}

func TestQueryStatusNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	_, err := c.QueryStatus(context.Background(), "missing")
	require.Error(t, err)

	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeNotFound, typed.Code())
}

func TestQueryStatusGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	_, err := c.QueryStatus(context.Background(), "corr-1")
	require.Error(t, err)

	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeDependency, typed.Code())
}

func TestVerifySignature(t *testing.T) {
	c := testClient(t, "https://gw.example.com")
	payload := []byte(`{"correlation_id":"corr-1","status":"succeeded"}`)

	sig := c.Sign(payload)
	assert.True(t, c.VerifySignature(payload, sig))
	assert.False(t, c.VerifySignature(payload, "deadbeef"))
	assert.False(t, c.VerifySignature([]byte("tampered"), sig))
	assert.False(t, c.VerifySignature(payload, ""))
}

func TestBuildPayload(t *testing.T) {
	c := testClient(t, "https://gw.example.com")

	payload, err := c.BuildPayload(PayloadParams{
		CorrelationID: "corr-1",
		Amount:        decimal.RequireFromString("25.50"),
	})
	require.NoError(t, err)

	assert.Contains(t, payload, "merchant-42")
	assert.Contains(t, payload, "corr-1")
	assert.Contains(t, payload, "25.50")
	require.NoError(t, ValidatePayload(payload))
}

func TestBuildPayloadRejectsBadInput(t *testing.T) {
	c := testClient(t, "https://gw.example.com")

	_, err := c.BuildPayload(PayloadParams{Amount: decimal.RequireFromString("1.00")})
	assert.ErrorIs(t, err, errCorrelationMissing)

	_, err = c.BuildPayload(PayloadParams{CorrelationID: "corr-1", Amount: decimal.Zero})
	assert.ErrorIs(t, err, errAmountNotPositive)
}

func TestValidatePayloadDetectsTamper(t *testing.T) {
	c := testClient(t, "https://gw.example.com")

	payload, err := c.BuildPayload(PayloadParams{
		CorrelationID: "corr-9",
		Amount:        decimal.RequireFromString("3.00"),
	})
	require.NoError(t, err)

	tampered := []byte(payload)
	tampered[10] ^= 0x01
	assert.Error(t, ValidatePayload(string(tampered)))
}
