package orders

import (
	"context"
	"fmt"
	"time"
)

// NumberGenerator produces unique human-readable order numbers.
type NumberGenerator interface {
	Next(ctx context.Context) (string, error)
}

type dailyCounter interface {
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	CounterKey(name string) string
}

type redisNumberGenerator struct {
	counter dailyCounter
	now     func() time.Time
}

// NewNumberGenerator builds a generator backed by a per-day Redis counter.
// Numbers look like QM-20260831-0042; the counter key expires after two days
// so stale days do not accumulate.
func NewNumberGenerator(counter dailyCounter) (NumberGenerator, error) {
	if counter == nil {
		return nil, fmt.Errorf("counter required")
	}
	return &redisNumberGenerator{counter: counter, now: time.Now}, nil
}

func (g *redisNumberGenerator) Next(ctx context.Context) (string, error) {
	day := g.now().UTC().Format("20060102")
	seq, err := g.counter.IncrWithTTL(ctx, g.counter.CounterKey("orders:"+day), 48*time.Hour)
	if err != nil {
		return "", fmt.Errorf("increment order counter: %w", err)
	}
	return fmt.Sprintf("QM-%s-%04d", day, seq), nil
}
