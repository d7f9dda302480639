package outbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/outbus/outbus/storage"
)

// ErrDrainInProgress is returned when Drain is called while another drain
// pass is still running in this process.
var ErrDrainInProgress = errors.New("drain already in progress")

// Drain runs one pass over the outbox: claim due rows, publish each through
// the configured publisher, and record the outcome. Rows that fail to
// publish stay retryable with a backoff-scheduled next attempt until they
// exhaust maxAttempts, after which the dead-letter service quarantines them.
//
// At most one drain runs per relay at a time; concurrent calls return
// ErrDrainInProgress. Cross-instance concurrency is handled by the store's
// claim semantics.
func (r *Relay) Drain(ctx context.Context, opts ...DrainOption) (DrainResult, error) {
	options := &drainOptions{
		batchSize:       defaultBatchSize,
		maxAttempts:     defaultMaxAttempts,
		publishTimeout:  defaultPublishTimeout,
		backoffStrategy: DefaultBackoffStrategy(),
	}
	for _, opt := range opts {
		opt(options)
	}

	if !r.drainMu.TryLock() {
		return DrainResult{}, ErrDrainInProgress
	}
	defer r.drainMu.Unlock()

	start := time.Now()
	defer func() {
		r.metrics.RecordDuration("drain.duration", time.Since(start), nil)
	}()

	events, err := r.store.ClaimEvents(ctx, options.batchSize)
	if err != nil {
		return DrainResult{}, fmt.Errorf("failed to claim events: %w", err)
	}
	if len(events) == 0 {
		return DrainResult{}, nil
	}

	r.logger.Debug("Claimed events for publishing", zap.Int("count", len(events)))
	r.metrics.RecordGauge("drain.batch_size", float64(len(events)), nil)

	var result DrainResult
	for i, event := range events {
		select {
		case <-ctx.Done():
			// Unclaim what we did not get to; the next pass re-claims it
			// without burning a retry attempt.
			r.unclaim(events[i:])
			return result, ctx.Err()
		default:
		}

		if r.publishOne(ctx, event, options) {
			result.Published++
		} else {
			result.Failed++
		}
	}

	r.logger.Info("Drain pass completed",
		zap.Int("published", result.Published),
		zap.Int("failed", result.Failed))
	return result, nil
}

func (r *Relay) publishOne(ctx context.Context, event storage.EventRecord, options *drainOptions) bool {
	fields := []zap.Field{
		zap.Int64("id", event.ID),
		zap.String("event_id", event.EventID),
		zap.String("event_type", event.EventType),
		zap.String("routing_key", event.RoutingKey),
	}

	pubCtx, cancel := context.WithTimeout(ctx, options.publishTimeout)
	err := r.publisher.Publish(pubCtx, event)
	cancel()

	if err != nil {
		r.metrics.IncrementCounter("drain.publish_failed", map[string]string{"event_type": event.EventType})
		r.logger.Error("Failed to publish event", append(fields, zap.Error(err))...)
		r.recordFailure(ctx, event, err, options)
		return false
	}

	if err := r.store.MarkPublished(ctx, event.ID); err != nil {
		// Published but not marked; stuck recovery resets the claim and the
		// event goes out again. Consumers dedupe on event_id.
		r.metrics.IncrementCounter("drain.mark_published_failed", map[string]string{"event_type": event.EventType})
		r.logger.Error("Failed to mark event as published", append(fields, zap.Error(err))...)
		return false
	}

	r.metrics.IncrementCounter("drain.publish_success", map[string]string{"event_type": event.EventType})
	r.logger.Info("Event published", fields...)
	return true
}

func (r *Relay) recordFailure(ctx context.Context, event storage.EventRecord, pubErr error, options *drainOptions) {
	attempt := event.RetryCount + 1

	if options.maxAttempts > 0 && attempt >= options.maxAttempts {
		r.logger.Error("Event exhausted publish attempts, handing over to dead-letter service",
			zap.Int64("id", event.ID),
			zap.String("event_id", event.EventID),
			zap.Int("attempts", attempt),
			zap.Error(pubErr))
		if err := r.store.MarkExhausted(ctx, event.ID, pubErr.Error()); err != nil {
			r.logger.Error("Failed to mark event as exhausted", zap.Int64("id", event.ID), zap.Error(err))
		}
		return
	}

	nextAttemptAt := options.backoffStrategy.NextAttemptAt(attempt)
	r.logger.Info("Event scheduled for retry",
		zap.Int64("id", event.ID),
		zap.String("event_id", event.EventID),
		zap.Int("attempt", attempt),
		zap.Time("next_attempt_at", nextAttemptAt))
	if err := r.store.ScheduleRetry(ctx, event.ID, nextAttemptAt, pubErr.Error()); err != nil {
		r.logger.Error("Failed to schedule retry", zap.Int64("id", event.ID), zap.Error(err))
	}
}

// unclaim releases claimed-but-unattempted rows after a cancelled pass.
// Uses a background context: the drain context is already done.
func (r *Relay) unclaim(events []storage.EventRecord) {
	ids := make([]int64, len(events))
	for i, event := range events {
		ids[i] = event.ID
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.ResetStuckEvents(ctx, ids, time.Now().UTC()); err != nil {
		r.logger.Error("Failed to unclaim events after cancelled drain",
			zap.Int("count", len(ids)), zap.Error(err))
	}
}
