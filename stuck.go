package outbus

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RecoverStuckEvents finds rows that stayed claimed (publishing) past the
// stuck timeout, which happens when a drainer crashed between claim and
// outcome, and returns them to the retryable pool. The reset does not count
// as a failed attempt.
func (r *Relay) RecoverStuckEvents(ctx context.Context, opts ...StuckOption) error {
	options := &stuckOptions{
		batchSize:    defaultBatchSize,
		stuckTimeout: defaultStuckTimeout,
	}
	for _, opt := range opts {
		opt(options)
	}

	start := time.Now()
	defer func() {
		r.metrics.RecordDuration("stuck.recovery_duration", time.Since(start), nil)
	}()

	events, err := r.store.FetchStuckEvents(ctx, options.batchSize, options.stuckTimeout)
	if err != nil {
		return fmt.Errorf("failed to fetch stuck events: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	ids := make([]int64, len(events))
	for i, event := range events {
		ids[i] = event.ID
	}

	if err := r.store.ResetStuckEvents(ctx, ids, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to reset stuck events: %w", err)
	}

	r.logger.Warn("Recovered stuck events", zap.Int("count", len(ids)))
	r.metrics.IncrementCounter("stuck.recovered", nil)
	r.metrics.RecordGauge("stuck.batch_size", float64(len(ids)), nil)
	return nil
}
