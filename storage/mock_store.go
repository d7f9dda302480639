package storage

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockStore is a mock implementation of the Store interface for testing.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) CreateEvent(ctx context.Context, tx DBTX, event *EventRecord) error {
	args := m.Called(ctx, tx, event)
	return args.Error(0)
}

func (m *MockStore) ClaimEvents(ctx context.Context, batchSize int) ([]EventRecord, error) {
	args := m.Called(ctx, batchSize)
	return args.Get(0).([]EventRecord), args.Error(1)
}

func (m *MockStore) MarkPublished(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockStore) ScheduleRetry(ctx context.Context, id int64, nextAttemptAt time.Time, lastError string) error {
	args := m.Called(ctx, id, nextAttemptAt, lastError)
	return args.Error(0)
}

func (m *MockStore) MarkExhausted(ctx context.Context, id int64, lastError string) error {
	args := m.Called(ctx, id, lastError)
	return args.Error(0)
}

func (m *MockStore) FetchStuckEvents(ctx context.Context, batchSize int, stuckTimeout time.Duration) ([]EventRecord, error) {
	args := m.Called(ctx, batchSize, stuckTimeout)
	return args.Get(0).([]EventRecord), args.Error(1)
}

func (m *MockStore) ResetStuckEvents(ctx context.Context, ids []int64, nextAttemptAt time.Time) error {
	args := m.Called(ctx, ids, nextAttemptAt)
	return args.Error(0)
}

func (m *MockStore) FetchDeadLetterCandidates(ctx context.Context, batchSize int) ([]EventRecord, error) {
	args := m.Called(ctx, batchSize)
	return args.Get(0).([]EventRecord), args.Error(1)
}

func (m *MockStore) MoveToDeadLetter(ctx context.Context, event EventRecord) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockStore) DeletePublishedEvents(ctx context.Context, retention time.Duration) (int64, error) {
	args := m.Called(ctx, retention)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) DeleteDeadLetters(ctx context.Context, retention time.Duration) (int64, error) {
	args := m.Called(ctx, retention)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) EnsureTables(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
