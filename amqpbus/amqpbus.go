// Package amqpbus is the topic-exchange bus client: one broker connection
// per process with backoff reconnect, publish with a bounded timeout, and
// durable queue subscriptions consumed through the Registry.
package amqpbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/outbus/outbus"
	"github.com/outbus/outbus/storage"
)

var (
	// ErrNotConnected is returned by Publish and Subscribe while the broker
	// connection is down. Callers fail fast and retry on their own schedule;
	// nothing blocks waiting for a reconnect.
	ErrNotConnected = errors.New("bus is not connected")

	ErrClosed = errors.New("bus is closed")
)

const (
	defaultExchange        = "events"
	defaultPublishTimeout  = 5 * time.Second
	defaultPrefetch        = 20
	defaultReconnectDelay  = 1 * time.Second
	defaultReconnectCap    = 30 * time.Second
	contentTypeJSON        = "application/json"
)

// Channel is the subset of *amqp.Channel the bus uses. It exists so tests
// can run against a fake without a broker.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type connection interface {
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Bus maintains the per-process broker connection and the topic exchange.
// It implements outbus.Publisher, so a Relay publishes through it directly.
type Bus struct {
	url            string
	exchange       string
	logger         *zap.Logger
	metrics        outbus.MetricsCollector
	publishTimeout time.Duration
	prefetch       int
	reconnectDelay time.Duration
	reconnectCap   time.Duration

	dial func() (connection, Channel, error)

	mu        sync.RWMutex
	conn      connection
	ch        Channel
	connected bool

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type BusOption func(*Bus)

func WithExchange(name string) BusOption {
	return func(b *Bus) {
		if name != "" {
			b.exchange = name
		}
	}
}

func WithLogger(logger *zap.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

func WithMetrics(metrics outbus.MetricsCollector) BusOption {
	return func(b *Bus) {
		if metrics != nil {
			b.metrics = metrics
		}
	}
}

func WithPublishTimeout(timeout time.Duration) BusOption {
	return func(b *Bus) {
		if timeout > 0 {
			b.publishTimeout = timeout
		}
	}
}

// WithPrefetch bounds unacknowledged deliveries per consumer channel.
func WithPrefetch(count int) BusOption {
	return func(b *Bus) {
		if count > 0 {
			b.prefetch = count
		}
	}
}

func WithReconnectBackoff(initial, cap time.Duration) BusOption {
	return func(b *Bus) {
		if initial > 0 {
			b.reconnectDelay = initial
		}
		if cap > 0 {
			b.reconnectCap = cap
		}
	}
}

// Dial connects to the broker, declares the topic exchange and starts the
// reconnect monitor.
func Dial(url string, opts ...BusOption) (*Bus, error) {
	b := &Bus{
		url:            url,
		exchange:       defaultExchange,
		logger:         zap.NewNop(),
		metrics:        outbus.NewNopMetricsCollector(),
		publishTimeout: defaultPublishTimeout,
		prefetch:       defaultPrefetch,
		reconnectDelay: defaultReconnectDelay,
		reconnectCap:   defaultReconnectCap,
		closed:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(zap.String("component", "amqpbus"))
	if b.dial == nil {
		b.dial = b.dialAMQP
	}

	if err := b.connect(); err != nil {
		return nil, err
	}

	b.wg.Add(1)
	go b.monitor()

	return b, nil
}

func (b *Bus) dialAMQP() (connection, Channel, error) {
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return conn, ch, nil
}

func (b *Bus) connect() error {
	conn, ch, err := b.dial()
	if err != nil {
		return err
	}
	// Declaring is idempotent: the broker no-ops when the exchange already
	// exists with the same attributes.
	if err := ch.ExchangeDeclare(b.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare exchange %s: %w", b.exchange, err)
	}

	b.mu.Lock()
	b.conn = conn
	b.ch = ch
	b.connected = true
	b.mu.Unlock()

	b.logger.Info("Connected to broker", zap.String("exchange", b.exchange))
	return nil
}

// monitor watches for dropped connections and reconnects with capped
// exponential backoff until Close.
func (b *Bus) monitor() {
	defer b.wg.Done()
	for {
		b.mu.RLock()
		conn := b.conn
		b.mu.RUnlock()
		if conn == nil {
			return
		}

		notify := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-b.closed:
			return
		case amqpErr := <-notify:
			b.mu.Lock()
			b.connected = false
			b.mu.Unlock()
			b.metrics.IncrementCounter("bus.connection_lost", nil)
			if amqpErr != nil {
				b.logger.Warn("Broker connection lost", zap.Error(amqpErr))
			}
			if !b.reconnect() {
				return
			}
		}
	}
}

func (b *Bus) reconnect() bool {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.reconnectDelay
	bo.MaxInterval = b.reconnectCap
	bo.MaxElapsedTime = 0

	for {
		select {
		case <-b.closed:
			return false
		case <-time.After(bo.NextBackOff()):
		}

		if err := b.connect(); err != nil {
			b.logger.Warn("Reconnect attempt failed", zap.Error(err))
			b.metrics.IncrementCounter("bus.reconnect_failed", nil)
			continue
		}
		b.metrics.IncrementCounter("bus.reconnected", nil)
		return true
	}
}

// Publish sends one outbox row to the topic exchange under its routing key.
// It fails fast while disconnected so the drainer marks the row failed and
// moves on instead of stalling the whole pass.
func (b *Bus) Publish(ctx context.Context, event storage.EventRecord) error {
	b.mu.RLock()
	ch, connected := b.ch, b.connected
	b.mu.RUnlock()

	if !connected {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, b.publishTimeout)
	defer cancel()

	err := ch.PublishWithContext(ctx, b.exchange, event.RoutingKey, false, false, amqp.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		MessageId:    event.EventID,
		Type:         event.EventType,
		Timestamp:    time.Now().UTC(),
		Body:         event.Payload,
	})
	if err != nil {
		b.metrics.IncrementCounter("bus.publish_failed", map[string]string{"routing_key": event.RoutingKey})
		return fmt.Errorf("failed to publish %s to %s: %w", event.EventID, event.RoutingKey, err)
	}

	b.metrics.IncrementCounter("bus.published", map[string]string{"routing_key": event.RoutingKey})
	return nil
}

// Subscribe declares a durable queue, binds it to the exchange for every
// routing key and starts a manually-acked consumer. Declaration and binding
// are idempotent, so resubscribing after a reconnect is safe.
func (b *Bus) Subscribe(queue string, routingKeys []string) (<-chan amqp.Delivery, error) {
	b.mu.RLock()
	ch, connected := b.ch, b.connected
	b.mu.RUnlock()

	if !connected {
		return nil, ErrNotConnected
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	for _, key := range routingKeys {
		if err := ch.QueueBind(queue, key, b.exchange, false, nil); err != nil {
			return nil, fmt.Errorf("failed to bind %s to %s: %w", queue, key, err)
		}
	}
	if err := ch.Qos(b.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set qos on %s: %w", queue, err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume from %s: %w", queue, err)
	}
	return deliveries, nil
}

// Close shuts the bus down. In-flight consumer messages that were not acked
// are redelivered by the broker.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() {
		close(b.closed)
	})

	b.mu.Lock()
	ch, conn := b.ch, b.conn
	b.ch, b.conn = nil, nil
	b.connected = false
	b.mu.Unlock()

	var errs []error
	if ch != nil {
		if err := ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.wg.Wait()
	return errors.Join(errs...)
}
