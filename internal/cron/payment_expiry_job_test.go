package cron

import (
	"context"
	"errors"
	"testing"

	"github.com/quickmartlabs/quickmart-backend/pkg/logger"
)

type stubExpirer struct {
	expired int
	limit   int
	err     error
}

func (s *stubExpirer) ExpireDueSessions(ctx context.Context, limit int) (int, error) {
	s.limit = limit
	if s.err != nil {
		return 0, s.err
	}
	return s.expired, nil
}

func TestPaymentExpiryJobRun(t *testing.T) {
	logg := logger.New(logger.Options{ServiceName: "cron-test"})
	expirer := &stubExpirer{expired: 3}
	job, err := NewPaymentExpiryJob(PaymentExpiryJobParams{Logger: logg, Payments: expirer})
	if err != nil {
		t.Fatalf("construct job: %v", err)
	}
	if job.Name() != "payment-session-expiry" {
		t.Fatalf("unexpected job name %q", job.Name())
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run job: %v", err)
	}
	if expirer.limit != expiryBatchSize {
		t.Fatalf("expected batch size %d, got %d", expiryBatchSize, expirer.limit)
	}
}

func TestPaymentExpiryJobPropagatesErrors(t *testing.T) {
	logg := logger.New(logger.Options{ServiceName: "cron-test"})
	expirer := &stubExpirer{err: errors.New("db down")}
	job, err := NewPaymentExpiryJob(PaymentExpiryJobParams{Logger: logg, Payments: expirer})
	if err != nil {
		t.Fatalf("construct job: %v", err)
	}
	if err := job.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestNewPaymentExpiryJobValidation(t *testing.T) {
	logg := logger.New(logger.Options{ServiceName: "cron-test"})
	if _, err := NewPaymentExpiryJob(PaymentExpiryJobParams{Payments: &stubExpirer{}}); err == nil {
		t.Fatal("expected error without logger")
	}
	if _, err := NewPaymentExpiryJob(PaymentExpiryJobParams{Logger: logg}); err == nil {
		t.Fatal("expected error without payments service")
	}
}
