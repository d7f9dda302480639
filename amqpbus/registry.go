package amqpbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/outbus/outbus"
)

var ErrAlreadyStarted = errors.New("registry is already started")

const defaultResubscribeDelay = 2 * time.Second

// Handler processes one decoded event. Returning an error triggers the
// registry's ack policy; returning nil acks the delivery.
type Handler func(ctx context.Context, env outbus.Envelope) error

// AckPolicy decides what happens to a delivery whose handler failed.
type AckPolicy int

const (
	// AckPolicyRequeueOnce requeues a failed delivery the first time and
	// drops it (with a log line) when it fails again after redelivery.
	// Keeps one transient error from poisoning the queue into a hot loop.
	AckPolicyRequeueOnce AckPolicy = iota

	// AckPolicyDropOnError drops every failed delivery immediately.
	AckPolicyDropOnError
)

type subscription struct {
	queue   string
	keys    []string
	handler Handler
}

// Registry owns the consumer side of the bus: explicit Register calls bind
// queues to routing keys, then a single Start spins up one consume loop per
// subscription. Handler failures and panics are isolated per delivery, so a
// broken handler never takes down sibling subscriptions.
type Registry struct {
	bus     *Bus
	logger  *zap.Logger
	metrics outbus.MetricsCollector
	policy  AckPolicy
	resub   time.Duration

	mu      sync.Mutex
	subs    []subscription
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type RegistryOption func(*Registry)

func WithRegistryLogger(logger *zap.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithRegistryMetrics(metrics outbus.MetricsCollector) RegistryOption {
	return func(r *Registry) {
		if metrics != nil {
			r.metrics = metrics
		}
	}
}

func WithAckPolicy(policy AckPolicy) RegistryOption {
	return func(r *Registry) {
		r.policy = policy
	}
}

func WithResubscribeDelay(delay time.Duration) RegistryOption {
	return func(r *Registry) {
		if delay > 0 {
			r.resub = delay
		}
	}
}

func NewRegistry(bus *Bus, opts ...RegistryOption) *Registry {
	r := &Registry{
		bus:     bus,
		logger:  zap.NewNop(),
		metrics: outbus.NewNopMetricsCollector(),
		policy:  AckPolicyRequeueOnce,
		resub:   defaultResubscribeDelay,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("component", "registry"))
	return r
}

// Register adds a queue subscription. Registering the same queue again
// replaces its keys and handler instead of stacking a second consumer.
// Must be called before Start.
func (r *Registry) Register(queue string, routingKeys []string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := append([]string(nil), routingKeys...)
	for i := range r.subs {
		if r.subs[i].queue == queue {
			r.subs[i].keys = keys
			r.subs[i].handler = handler
			return
		}
	}
	r.subs = append(r.subs, subscription{queue: queue, keys: keys, handler: handler})
}

// Start launches one consume loop per registered subscription and returns.
// The loops run until ctx is cancelled or Stop is called.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	r.started = true
	ctx, r.cancel = context.WithCancel(ctx)
	subs := append([]subscription(nil), r.subs...)
	r.mu.Unlock()

	for _, sub := range subs {
		r.wg.Add(1)
		go r.consume(ctx, sub)
	}
	return nil
}

func (r *Registry) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	r.wg.Wait()
}

// consume keeps one subscription alive: it subscribes, pumps deliveries and
// resubscribes whenever the broker drops the channel. Queue declaration is
// idempotent, so each pass is safe.
func (r *Registry) consume(ctx context.Context, sub subscription) {
	defer r.wg.Done()
	logger := r.logger.With(zap.String("queue", sub.queue))

	for {
		deliveries, err := r.bus.Subscribe(sub.queue, sub.keys)
		if err != nil {
			logger.Warn("Failed to subscribe, will retry", zap.Error(err))
			if !r.sleep(ctx) {
				return
			}
			continue
		}
		logger.Info("Subscribed", zap.Strings("routing_keys", sub.keys))

		if !r.pump(ctx, sub, deliveries, logger) {
			return
		}
		logger.Warn("Delivery channel closed, resubscribing")
		if !r.sleep(ctx) {
			return
		}
	}
}

// pump returns true when the delivery channel closed and the caller should
// resubscribe, false when ctx ended the loop.
func (r *Registry) pump(ctx context.Context, sub subscription, deliveries <-chan amqp.Delivery, logger *zap.Logger) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case d, ok := <-deliveries:
			if !ok {
				return true
			}
			r.dispatch(ctx, sub, d, logger)
		}
	}
}

func (r *Registry) dispatch(ctx context.Context, sub subscription, d amqp.Delivery, logger *zap.Logger) {
	env, err := outbus.ParseEnvelope(d.Body)
	if err != nil {
		logger.Error("Discarding undecodable message",
			zap.String("routing_key", d.RoutingKey),
			zap.Error(err),
		)
		r.metrics.IncrementCounter("registry.decode_failed", map[string]string{"queue": sub.queue})
		_ = d.Nack(false, false)
		return
	}

	if err := r.invoke(ctx, sub.handler, env); err != nil {
		logger.Error("Handler failed",
			zap.String("event_id", env.EventID),
			zap.String("event_type", env.EventType),
			zap.Bool("redelivered", d.Redelivered),
			zap.Error(err),
		)
		r.metrics.IncrementCounter("registry.handler_failed", map[string]string{"queue": sub.queue})
		r.reject(d, env, logger)
		return
	}

	_ = d.Ack(false)
	r.metrics.IncrementCounter("registry.handled", map[string]string{"queue": sub.queue})
}

func (r *Registry) reject(d amqp.Delivery, env outbus.Envelope, logger *zap.Logger) {
	if r.policy == AckPolicyDropOnError {
		_ = d.Nack(false, false)
		return
	}
	if d.Redelivered {
		logger.Warn("Dropping message after repeated handler failure",
			zap.String("event_id", env.EventID),
			zap.String("event_type", env.EventType),
		)
		r.metrics.IncrementCounter("registry.dropped", map[string]string{"routing_key": d.RoutingKey})
		_ = d.Nack(false, false)
		return
	}
	_ = d.Nack(false, true)
}

// invoke runs the handler behind a recover so a panicking handler only
// loses its own delivery.
func (r *Registry) invoke(ctx context.Context, handler Handler, env outbus.Envelope) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panicked: %v", rec)
		}
	}()
	return handler(ctx, env)
}

func (r *Registry) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(r.resub):
		return true
	}
}
