package amqpbus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outbus/outbus"
)

type ackEvent struct {
	kind    string // "ack", "nack"
	requeue bool
}

type fakeAcknowledger struct {
	events chan ackEvent
}

func newFakeAcknowledger() *fakeAcknowledger {
	return &fakeAcknowledger{events: make(chan ackEvent, 4)}
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.events <- ackEvent{kind: "ack"}
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.events <- ackEvent{kind: "nack", requeue: requeue}
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	a.events <- ackEvent{kind: "reject", requeue: requeue}
	return nil
}

func (a *fakeAcknowledger) next(t *testing.T) ackEvent {
	t.Helper()
	select {
	case event := <-a.events:
		return event
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ack/nack")
		return ackEvent{}
	}
}

func envelopeBody(t *testing.T, eventType string) []byte {
	t.Helper()
	env, err := outbus.NewEnvelope(outbus.Event{
		EventType:  eventType,
		RoutingKey: eventType,
		Payload:    map[string]string{"name": "Ann"},
	}, "test")
	require.NoError(t, err)
	body, err := json.Marshal(env)
	require.NoError(t, err)
	return body
}

func delivery(t *testing.T, ack *fakeAcknowledger, redelivered bool) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: ack,
		Body:         envelopeBody(t, "lead.created"),
		RoutingKey:   "lead.created",
		Redelivered:  redelivered,
	}
}

func startRegistry(t *testing.T, ch *fakeChannel, opts ...RegistryOption) *Registry {
	t.Helper()
	bus, _ := newTestBus(t, ch)
	registry := NewRegistry(bus, opts...)
	t.Cleanup(registry.Stop)
	return registry
}

func TestRegistryDispatch(t *testing.T) {
	t.Run("acks after a successful handler", func(t *testing.T) {
		ch := newFakeChannel()
		registry := startRegistry(t, ch)

		handled := make(chan outbus.Envelope, 1)
		registry.Register("crm-leads", []string{"lead.*"}, func(ctx context.Context, env outbus.Envelope) error {
			handled <- env
			return nil
		})
		require.NoError(t, registry.Start(context.Background()))

		ack := newFakeAcknowledger()
		ch.deliveries <- delivery(t, ack, false)

		env := <-handled
		assert.Equal(t, "lead.created", env.EventType)

		var payload map[string]string
		require.NoError(t, env.DecodePayload(&payload))
		assert.Equal(t, "Ann", payload["name"])

		assert.Equal(t, ackEvent{kind: "ack"}, ack.next(t))
	})

	t.Run("requeues the first failure and drops the second", func(t *testing.T) {
		ch := newFakeChannel()
		registry := startRegistry(t, ch)

		registry.Register("crm-leads", []string{"lead.*"}, func(ctx context.Context, env outbus.Envelope) error {
			return errors.New("handler broken")
		})
		require.NoError(t, registry.Start(context.Background()))

		ack := newFakeAcknowledger()
		ch.deliveries <- delivery(t, ack, false)
		assert.Equal(t, ackEvent{kind: "nack", requeue: true}, ack.next(t))

		ch.deliveries <- delivery(t, ack, true)
		assert.Equal(t, ackEvent{kind: "nack", requeue: false}, ack.next(t))
	})

	t.Run("drop policy never requeues", func(t *testing.T) {
		ch := newFakeChannel()
		registry := startRegistry(t, ch, WithAckPolicy(AckPolicyDropOnError))

		registry.Register("crm-leads", []string{"lead.*"}, func(ctx context.Context, env outbus.Envelope) error {
			return errors.New("handler broken")
		})
		require.NoError(t, registry.Start(context.Background()))

		ack := newFakeAcknowledger()
		ch.deliveries <- delivery(t, ack, false)
		assert.Equal(t, ackEvent{kind: "nack", requeue: false}, ack.next(t))
	})

	t.Run("a panicking handler only loses its delivery", func(t *testing.T) {
		ch := newFakeChannel()
		registry := startRegistry(t, ch)

		var calls int
		var mu sync.Mutex
		registry.Register("crm-leads", []string{"lead.*"}, func(ctx context.Context, env outbus.Envelope) error {
			mu.Lock()
			calls++
			n := calls
			mu.Unlock()
			if n == 1 {
				panic("boom")
			}
			return nil
		})
		require.NoError(t, registry.Start(context.Background()))

		ack := newFakeAcknowledger()
		ch.deliveries <- delivery(t, ack, false)
		assert.Equal(t, ackEvent{kind: "nack", requeue: true}, ack.next(t))

		// The loop survived the panic and keeps consuming.
		ch.deliveries <- delivery(t, ack, false)
		assert.Equal(t, ackEvent{kind: "ack"}, ack.next(t))
	})

	t.Run("drops undecodable messages", func(t *testing.T) {
		ch := newFakeChannel()
		registry := startRegistry(t, ch)

		registry.Register("crm-leads", []string{"lead.*"}, func(ctx context.Context, env outbus.Envelope) error {
			t.Error("handler must not run for undecodable bodies")
			return nil
		})
		require.NoError(t, registry.Start(context.Background()))

		ack := newFakeAcknowledger()
		ch.deliveries <- amqp.Delivery{Acknowledger: ack, Body: []byte("not json"), RoutingKey: "lead.created"}
		assert.Equal(t, ackEvent{kind: "nack", requeue: false}, ack.next(t))
	})
}

func TestRegistryResubscribesOnClosedChannel(t *testing.T) {
	ch := newFakeChannel()
	bus, _ := newTestBus(t, ch)
	registry := NewRegistry(bus, WithResubscribeDelay(time.Millisecond))
	t.Cleanup(registry.Stop)

	registry.Register("crm-leads", []string{"lead.*"}, func(ctx context.Context, env outbus.Envelope) error {
		return nil
	})
	require.NoError(t, registry.Start(context.Background()))

	assert.Eventually(t, func() bool {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		return ch.consumes == 1
	}, time.Second, time.Millisecond)

	// Swap in a fresh delivery channel and close the old one; the consume
	// loop must come back for the new one.
	ch.mu.Lock()
	old := ch.deliveries
	ch.deliveries = make(chan amqp.Delivery, 16)
	ch.mu.Unlock()
	close(old)

	assert.Eventually(t, func() bool {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		return ch.consumes >= 2
	}, time.Second, time.Millisecond)
}

func TestRegistryLifecycle(t *testing.T) {
	t.Run("start twice", func(t *testing.T) {
		ch := newFakeChannel()
		registry := startRegistry(t, ch)
		require.NoError(t, registry.Start(context.Background()))
		assert.ErrorIs(t, registry.Start(context.Background()), ErrAlreadyStarted)
	})

	t.Run("register replaces an existing queue subscription", func(t *testing.T) {
		ch := newFakeChannel()
		registry := startRegistry(t, ch)

		registry.Register("crm-leads", []string{"lead.*"}, func(ctx context.Context, env outbus.Envelope) error {
			t.Error("replaced handler must not run")
			return nil
		})
		handled := make(chan struct{}, 1)
		registry.Register("crm-leads", []string{"lead.created"}, func(ctx context.Context, env outbus.Envelope) error {
			handled <- struct{}{}
			return nil
		})
		require.NoError(t, registry.Start(context.Background()))

		ack := newFakeAcknowledger()
		ch.deliveries <- delivery(t, ack, false)
		assert.Equal(t, ackEvent{kind: "ack"}, ack.next(t))
		<-handled

		ch.mu.Lock()
		defer ch.mu.Unlock()
		assert.Equal(t, []string{"lead.created"}, ch.bindings["crm-leads"])
	})

	t.Run("stop before start is a no-op", func(t *testing.T) {
		ch := newFakeChannel()
		bus, _ := newTestBus(t, ch)
		registry := NewRegistry(bus)
		registry.Stop()
	})
}
