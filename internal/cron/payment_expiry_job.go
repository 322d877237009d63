package cron

import (
	"context"
	"fmt"

	"github.com/quickmartlabs/quickmart-backend/pkg/logger"
)

// The sweep is a safety net behind lazy expiry on the poll path, so batches
// stay small.
const expiryBatchSize = 100

type sessionExpirer interface {
	ExpireDueSessions(ctx context.Context, limit int) (int, error)
}

// PaymentExpiryJobParams configure the payment session sweep.
type PaymentExpiryJobParams struct {
	Logger   *logger.Logger
	Payments sessionExpirer
}

// NewPaymentExpiryJob builds the cron job that expires abandoned payment
// sessions and returns their stock.
func NewPaymentExpiryJob(params PaymentExpiryJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Payments == nil {
		return nil, fmt.Errorf("payments service required")
	}
	return &paymentExpiryJob{
		logg:     params.Logger,
		payments: params.Payments,
	}, nil
}

type paymentExpiryJob struct {
	logg     *logger.Logger
	payments sessionExpirer
}

func (j *paymentExpiryJob) Name() string { return "payment-session-expiry" }

func (j *paymentExpiryJob) Run(ctx context.Context) error {
	expired, err := j.payments.ExpireDueSessions(ctx, expiryBatchSize)
	if err != nil {
		return fmt.Errorf("expire payment sessions: %w", err)
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{"count": expired})
	j.logg.Info(logCtx, "payment session expiry loop complete")
	return nil
}
