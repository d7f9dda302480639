package outbus

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Cleanup deletes published rows and dead letters that aged past their
// retention. Errors are logged, not returned: a failed cleanup never stops
// the worker, the next tick simply tries again.
func (r *Relay) Cleanup(ctx context.Context, opts ...CleanupOption) error {
	options := &cleanupOptions{
		publishedRetention:  defaultPublishedRetention,
		deadLetterRetention: defaultDeadLetterRetention,
	}
	for _, opt := range opts {
		opt(options)
	}

	start := time.Now()
	defer func() {
		r.metrics.RecordDuration("cleanup.duration", time.Since(start), nil)
	}()

	deleted, err := r.store.DeletePublishedEvents(ctx, options.publishedRetention)
	if err != nil {
		r.logger.Error("Failed to clean up published events", zap.Error(err))
		r.metrics.IncrementCounter("cleanup.published.failed", nil)
	} else if deleted > 0 {
		r.logger.Info("Cleaned up published events", zap.Int64("count", deleted))
		r.metrics.RecordGauge("cleanup.published.deleted", float64(deleted), nil)
	}

	deleted, err = r.store.DeleteDeadLetters(ctx, options.deadLetterRetention)
	if err != nil {
		r.logger.Error("Failed to clean up dead letters", zap.Error(err))
		r.metrics.IncrementCounter("cleanup.deadletter.failed", nil)
	} else if deleted > 0 {
		r.logger.Info("Cleaned up dead letters", zap.Int64("count", deleted))
		r.metrics.RecordGauge("cleanup.deadletter.deleted", float64(deleted), nil)
	}

	r.metrics.IncrementCounter("cleanup.executed", nil)
	return nil
}
