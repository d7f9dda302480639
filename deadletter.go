package outbus

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// MoveToDeadLetters quarantines rows that exhausted their publish attempts:
// each is copied into the dead-letter table and removed from the outbox so
// the drain scan stays small. Alerting belongs on the deadletter.moved
// counter; re-submission after a fix is a manual operation.
func (r *Relay) MoveToDeadLetters(ctx context.Context, opts ...DeadLetterOption) error {
	options := &deadLetterOptions{
		batchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		opt(options)
	}

	start := time.Now()
	defer func() {
		r.metrics.RecordDuration("deadletter.duration", time.Since(start), nil)
	}()

	events, err := r.store.FetchDeadLetterCandidates(ctx, options.batchSize)
	if err != nil {
		return fmt.Errorf("failed to fetch dead-letter candidates: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	r.logger.Info("Found events to move to dead-letter table", zap.Int("count", len(events)))

	moved := 0
	for _, event := range events {
		select {
		case <-ctx.Done():
			r.logger.Warn("Context cancelled during dead-letter processing", zap.Error(ctx.Err()))
			return ctx.Err()
		default:
		}

		if err := r.store.MoveToDeadLetter(ctx, event); err != nil {
			r.logger.Error("Failed to move event to dead-letter table",
				zap.Int64("id", event.ID),
				zap.String("event_id", event.EventID),
				zap.Error(err))
			r.metrics.IncrementCounter("deadletter.move_failed", nil)
			continue
		}
		moved++
		r.metrics.IncrementCounter("deadletter.moved", map[string]string{"event_type": event.EventType})
	}

	r.logger.Info("Finished moving events to dead-letter table", zap.Int("moved", moved))
	return nil
}
