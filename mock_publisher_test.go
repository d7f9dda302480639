package outbus

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/outbus/outbus/storage"
)

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, event storage.EventRecord) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockPublisher) Close() error {
	args := m.Called()
	return args.Error(0)
}
