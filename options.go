package outbus

import (
	"database/sql"
	"time"

	trmsql "github.com/avito-tech/go-transaction-manager/drivers/sql/v2"
	"github.com/avito-tech/go-transaction-manager/trm/v2"
	"go.uber.org/zap"
)

const (
	defaultBatchSize           = 100
	defaultMaxAttempts         = 10
	defaultPublishTimeout      = 5 * time.Second
	defaultRetryBaseDelay      = 1 * time.Minute
	defaultRetryMaxDelay       = 30 * time.Minute
	defaultStuckTimeout        = 10 * time.Minute
	defaultPublishedRetention  = 24 * time.Hour
	defaultDeadLetterRetention = 7 * 24 * time.Hour

	// DefaultDrainInterval is the scheduled safety-net cadence; nudges from
	// SaveAndPublish usually beat it.
	DefaultDrainInterval = 10 * time.Second
)

//
// Relay options
//

type RelayOption func(*Relay)

func WithLogger(logger *zap.Logger) RelayOption {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithMetrics(metrics MetricsCollector) RelayOption {
	return func(r *Relay) {
		if metrics != nil {
			r.metrics = metrics
		}
	}
}

func WithPublisher(publisher Publisher) RelayOption {
	return func(r *Relay) {
		r.publisher = publisher
	}
}

// WithProducer sets the service name stamped into every envelope.
func WithProducer(name string) RelayOption {
	return func(r *Relay) {
		if name != "" {
			r.producer = name
		}
	}
}

// WithTransactionManager enables Save and SaveAndPublish. The manager must be
// built over the same db handle (e.g. manager.Must(trmsql.NewDefaultFactory(db))).
func WithTransactionManager(m trm.Manager, db *sql.DB) RelayOption {
	return func(r *Relay) {
		r.trManager = m
		r.db = db
	}
}

// WithCtxGetter overrides the context getter used to resolve the transaction
// from context. Only needed when the manager was built with a custom one.
func WithCtxGetter(getter *trmsql.CtxGetter) RelayOption {
	return func(r *Relay) {
		if getter != nil {
			r.ctxGetter = getter
		}
	}
}

//
// Drain options
//

type drainOptions struct {
	batchSize       int
	maxAttempts     int
	publishTimeout  time.Duration
	backoffStrategy BackoffStrategy
}

type DrainOption func(*drainOptions)

func WithDrainBatchSize(size int) DrainOption {
	return func(o *drainOptions) {
		if size > 0 {
			o.batchSize = size
		}
	}
}

// WithDrainMaxAttempts bounds publish attempts before quarantine.
// Zero means retry forever.
func WithDrainMaxAttempts(attempts int) DrainOption {
	return func(o *drainOptions) {
		o.maxAttempts = attempts
	}
}

func WithDrainPublishTimeout(timeout time.Duration) DrainOption {
	return func(o *drainOptions) {
		if timeout > 0 {
			o.publishTimeout = timeout
		}
	}
}

func WithDrainBackoffStrategy(strategy BackoffStrategy) DrainOption {
	return func(o *drainOptions) {
		if strategy != nil {
			o.backoffStrategy = strategy
		}
	}
}

//
// Dead-letter options
//

type deadLetterOptions struct {
	batchSize int
}

type DeadLetterOption func(*deadLetterOptions)

func WithDeadLetterBatchSize(size int) DeadLetterOption {
	return func(o *deadLetterOptions) {
		if size > 0 {
			o.batchSize = size
		}
	}
}

//
// Stuck-recovery options
//

type stuckOptions struct {
	batchSize    int
	stuckTimeout time.Duration
}

type StuckOption func(*stuckOptions)

func WithStuckBatchSize(size int) StuckOption {
	return func(o *stuckOptions) {
		if size > 0 {
			o.batchSize = size
		}
	}
}

func WithStuckTimeout(timeout time.Duration) StuckOption {
	return func(o *stuckOptions) {
		if timeout > 0 {
			o.stuckTimeout = timeout
		}
	}
}

//
// Cleanup options
//

type cleanupOptions struct {
	publishedRetention  time.Duration
	deadLetterRetention time.Duration
}

type CleanupOption func(*cleanupOptions)

func WithPublishedRetention(retention time.Duration) CleanupOption {
	return func(o *cleanupOptions) {
		if retention > 0 {
			o.publishedRetention = retention
		}
	}
}

func WithDeadLetterRetention(retention time.Duration) CleanupOption {
	return func(o *cleanupOptions) {
		if retention > 0 {
			o.deadLetterRetention = retention
		}
	}
}
