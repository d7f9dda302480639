package outbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	trmsql "github.com/avito-tech/go-transaction-manager/drivers/sql/v2"
	"github.com/avito-tech/go-transaction-manager/trm/v2"
	"go.uber.org/zap"

	"github.com/outbus/outbus/storage"
)

var (
	// ErrEventAlreadyExists is returned when recording an event whose event_id
	// was already recorded.
	ErrEventAlreadyExists = storage.ErrEventAlreadyExists

	// ErrNoTransactionManager is returned by SaveAndPublish when the relay was
	// built without WithTransactionManager.
	ErrNoTransactionManager = errors.New("relay has no transaction manager configured")

	ErrEmptyEventType = errors.New("event type is required")
)

// Relay is the per-service entry point of the delivery layer. It holds the
// shared dependencies (store, publisher, logger, metrics) and exposes the
// producer API plus the background services the workers run: Drain,
// RecoverStuckEvents, MoveToDeadLetters and Cleanup.
type Relay struct {
	store     storage.Store
	publisher Publisher
	logger    *zap.Logger
	metrics   MetricsCollector
	producer  string

	db        *sql.DB
	trManager trm.Manager
	ctxGetter *trmsql.CtxGetter

	// drainMu enforces a single in-flight drain per process so the claim
	// logic never races with itself.
	drainMu sync.Mutex
	nudge   chan struct{}
}

// NewRelay creates a relay around the given store. Producer identity, logger,
// metrics, publisher and transaction manager are supplied via options.
func NewRelay(store storage.Store, opts ...RelayOption) (*Relay, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}

	r := &Relay{
		store:     store,
		logger:    zap.NewNop(),
		metrics:   NewNopMetricsCollector(),
		producer:  "outbus",
		ctxGetter: trmsql.DefaultCtxGetter,
		nudge:     make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.publisher == nil {
		r.publisher = NewNopPublisher()
	}
	r.logger = r.logger.With(zap.String("component", "relay"))

	return r, nil
}

// Record inserts one pending outbox row using the caller-supplied transaction
// handle. It shares the caller's atomicity boundary: it never commits,
// never rolls back, and never touches the broker. If the insert fails the
// caller must roll back the enclosing transaction.
func (r *Relay) Record(ctx context.Context, tx storage.DBTX, event Event) error {
	record, err := r.buildRecord(event)
	if err != nil {
		return err
	}
	if err := r.store.CreateEvent(ctx, tx, record); err != nil {
		return fmt.Errorf("failed to record event %s: %w", record.EventID, err)
	}
	r.metrics.IncrementCounter("relay.recorded", map[string]string{"event_type": event.EventType})
	return nil
}

// Save records the event inside the transaction carried by ctx (as managed by
// the transaction manager), falling back to the raw connection when ctx
// carries none. Requires WithTransactionManager.
func (r *Relay) Save(ctx context.Context, event Event) error {
	if r.db == nil {
		return ErrNoTransactionManager
	}
	tr := r.ctxGetter.DefaultTrOrDB(ctx, r.db)
	return r.Record(ctx, tr, event)
}

// SaveAndPublish is the fire-and-forget producer API: it records the event in
// its own committed transaction and nudges the drain worker afterwards. The
// nudge is a latency optimization only; the scheduled drain pass is the
// safety net, so a missed nudge loses nothing. Errors surface only when the
// local transaction itself fails.
//
// To bundle the event with domain mutations, call Save from inside your own
// manager.Do callback instead and invoke Nudge after it returns.
func (r *Relay) SaveAndPublish(ctx context.Context, event Event) error {
	if r.trManager == nil {
		return ErrNoTransactionManager
	}
	err := r.trManager.Do(ctx, func(ctx context.Context) error {
		return r.Save(ctx, event)
	})
	if err != nil {
		return err
	}
	r.Nudge()
	return nil
}

// Nudge wakes the drain worker without blocking. Safe to call from any
// goroutine; redundant nudges collapse into one.
func (r *Relay) Nudge() {
	select {
	case r.nudge <- struct{}{}:
	default:
	}
}

func (r *Relay) buildRecord(event Event) (*storage.EventRecord, error) {
	if event.EventType == "" {
		return nil, ErrEmptyEventType
	}
	if err := ValidateRoutingKey(event.RoutingKey); err != nil {
		return nil, err
	}

	env, err := NewEnvelope(event, r.producer)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	return &storage.EventRecord{
		EventID:    env.EventID,
		EventType:  env.EventType,
		RoutingKey: event.RoutingKey,
		Payload:    payload,
	}, nil
}

// NewDrainWorker builds the ticker worker that runs the relay's drain pass.
// Besides the fixed interval it reacts to post-commit nudges, so freshly
// committed events usually go out well before the next tick.
func NewDrainWorker(relay *Relay, interval time.Duration, logger *zap.Logger, opts ...DrainOption) *BaseWorker {
	return NewBaseWorker("outbox_drainer", interval, logger, func(ctx context.Context) error {
		_, err := relay.Drain(ctx, opts...)
		if errors.Is(err, ErrDrainInProgress) {
			return nil
		}
		return err
	}, WithWake(relay.nudge))
}
