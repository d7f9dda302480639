package outbus

import (
	"context"

	"github.com/outbus/outbus/storage"
)

// Publisher sends a claimed outbox row to the broker. Publish is synchronous
// from the drainer's point of view: it must return an error on any outcome
// that did not durably hand the message to the broker, and it must respect
// ctx so a broker hiccup degrades to a retry instead of stalling the drain.
type Publisher interface {
	Publish(ctx context.Context, event storage.EventRecord) error
	Close() error
}

// NopPublisher discards everything. Useful for tests and for services that
// only consume.
type NopPublisher struct{}

func NewNopPublisher() *NopPublisher {
	return &NopPublisher{}
}

func (p *NopPublisher) Publish(context.Context, storage.EventRecord) error {
	return nil
}

func (p *NopPublisher) Close() error {
	return nil
}
