package outbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/outbus/outbus/storage"
)

func newTestRelay(t *testing.T, store storage.Store, publisher Publisher) *Relay {
	t.Helper()
	relay, err := NewRelay(store, WithPublisher(publisher))
	require.NoError(t, err)
	return relay
}

func claimedEvent(id int64, retryCount int) storage.EventRecord {
	return storage.EventRecord{
		ID:         id,
		EventID:    "event-" + string(rune('a'+id)),
		EventType:  "lead.created",
		RoutingKey: "lead.created",
		Payload:    []byte(`{"event_id":"x"}`),
		Status:     storage.StatusPublishing,
		RetryCount: retryCount,
	}
}

func TestDrain(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes claimed events", func(t *testing.T) {
		mockStore := new(storage.MockStore)
		mockPublisher := new(MockPublisher)
		relay := newTestRelay(t, mockStore, mockPublisher)

		events := []storage.EventRecord{claimedEvent(1, 0), claimedEvent(2, 0)}
		mockStore.On("ClaimEvents", ctx, defaultBatchSize).Return(events, nil).Once()
		mockPublisher.On("Publish", mock.Anything, events[0]).Return(nil).Once()
		mockPublisher.On("Publish", mock.Anything, events[1]).Return(nil).Once()
		mockStore.On("MarkPublished", ctx, int64(1)).Return(nil).Once()
		mockStore.On("MarkPublished", ctx, int64(2)).Return(nil).Once()

		result, err := relay.Drain(ctx)

		assert.NoError(t, err)
		assert.Equal(t, DrainResult{Published: 2}, result)
		mockStore.AssertExpectations(t)
		mockPublisher.AssertExpectations(t)
	})

	t.Run("empty outbox is a no-op", func(t *testing.T) {
		mockStore := new(storage.MockStore)
		relay := newTestRelay(t, mockStore, new(MockPublisher))

		mockStore.On("ClaimEvents", ctx, defaultBatchSize).Return([]storage.EventRecord{}, nil).Once()

		result, err := relay.Drain(ctx)

		assert.NoError(t, err)
		assert.Equal(t, DrainResult{}, result)
		mockStore.AssertExpectations(t)
	})

	t.Run("claim error", func(t *testing.T) {
		mockStore := new(storage.MockStore)
		relay := newTestRelay(t, mockStore, new(MockPublisher))

		mockStore.On("ClaimEvents", ctx, defaultBatchSize).
			Return([]storage.EventRecord(nil), errors.New("db down")).Once()

		_, err := relay.Drain(ctx)

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to claim events")
	})

	t.Run("publish failure schedules a retry", func(t *testing.T) {
		mockStore := new(storage.MockStore)
		mockPublisher := new(MockPublisher)
		relay := newTestRelay(t, mockStore, mockPublisher)

		event := claimedEvent(1, 2)
		mockStore.On("ClaimEvents", ctx, defaultBatchSize).Return([]storage.EventRecord{event}, nil).Once()
		mockPublisher.On("Publish", mock.Anything, event).Return(errors.New("broker down")).Once()
		mockStore.On("ScheduleRetry", ctx, int64(1), mock.MatchedBy(func(next time.Time) bool {
			return next.After(time.Now())
		}), "broker down").Return(nil).Once()

		result, err := relay.Drain(ctx)

		assert.NoError(t, err)
		assert.Equal(t, DrainResult{Failed: 1}, result)
		mockStore.AssertExpectations(t)
	})

	t.Run("exhausted event is marked for dead-lettering", func(t *testing.T) {
		mockStore := new(storage.MockStore)
		mockPublisher := new(MockPublisher)
		relay := newTestRelay(t, mockStore, mockPublisher)

		event := claimedEvent(1, 2)
		mockStore.On("ClaimEvents", ctx, defaultBatchSize).Return([]storage.EventRecord{event}, nil).Once()
		mockPublisher.On("Publish", mock.Anything, event).Return(errors.New("broker down")).Once()
		mockStore.On("MarkExhausted", ctx, int64(1), "broker down").Return(nil).Once()

		result, err := relay.Drain(ctx, WithDrainMaxAttempts(3))

		assert.NoError(t, err)
		assert.Equal(t, DrainResult{Failed: 1}, result)
		mockStore.AssertExpectations(t)
	})

	t.Run("zero max attempts retries forever", func(t *testing.T) {
		mockStore := new(storage.MockStore)
		mockPublisher := new(MockPublisher)
		relay := newTestRelay(t, mockStore, mockPublisher)

		event := claimedEvent(1, 500)
		mockStore.On("ClaimEvents", ctx, defaultBatchSize).Return([]storage.EventRecord{event}, nil).Once()
		mockPublisher.On("Publish", mock.Anything, event).Return(errors.New("broker down")).Once()
		mockStore.On("ScheduleRetry", ctx, int64(1), mock.Anything, "broker down").Return(nil).Once()

		_, err := relay.Drain(ctx, WithDrainMaxAttempts(0))

		assert.NoError(t, err)
		mockStore.AssertNotCalled(t, "MarkExhausted", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("mark published failure counts as failed", func(t *testing.T) {
		mockStore := new(storage.MockStore)
		mockPublisher := new(MockPublisher)
		relay := newTestRelay(t, mockStore, mockPublisher)

		event := claimedEvent(1, 0)
		mockStore.On("ClaimEvents", ctx, defaultBatchSize).Return([]storage.EventRecord{event}, nil).Once()
		mockPublisher.On("Publish", mock.Anything, event).Return(nil).Once()
		mockStore.On("MarkPublished", ctx, int64(1)).Return(errors.New("db down")).Once()

		result, err := relay.Drain(ctx)

		assert.NoError(t, err)
		assert.Equal(t, DrainResult{Failed: 1}, result)
		mockStore.AssertExpectations(t)
	})

	t.Run("cancelled context unclaims the remainder", func(t *testing.T) {
		mockStore := new(storage.MockStore)
		mockPublisher := new(MockPublisher)
		relay := newTestRelay(t, mockStore, mockPublisher)

		cancelCtx, cancel := context.WithCancel(ctx)
		events := []storage.EventRecord{claimedEvent(1, 0), claimedEvent(2, 0)}
		mockStore.On("ClaimEvents", cancelCtx, defaultBatchSize).Return(events, nil).Once()
		mockPublisher.On("Publish", mock.Anything, events[0]).Run(func(mock.Arguments) {
			cancel()
		}).Return(nil).Once()
		mockStore.On("MarkPublished", cancelCtx, int64(1)).Return(nil).Once()
		mockStore.On("ResetStuckEvents", mock.Anything, []int64{2}, mock.Anything).Return(nil).Once()

		result, err := relay.Drain(cancelCtx)

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, DrainResult{Published: 1}, result)
		mockStore.AssertExpectations(t)
	})

	t.Run("concurrent drain returns ErrDrainInProgress", func(t *testing.T) {
		mockStore := new(storage.MockStore)
		mockPublisher := new(MockPublisher)
		relay := newTestRelay(t, mockStore, mockPublisher)

		firstClaimed := make(chan struct{})
		release := make(chan struct{})
		event := claimedEvent(1, 0)

		mockStore.On("ClaimEvents", mock.Anything, defaultBatchSize).
			Run(func(mock.Arguments) {
				close(firstClaimed)
				<-release
			}).
			Return([]storage.EventRecord{event}, nil).Once()
		mockPublisher.On("Publish", mock.Anything, event).Return(nil).Once()
		mockStore.On("MarkPublished", mock.Anything, int64(1)).Return(nil).Once()

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := relay.Drain(context.Background())
			assert.NoError(t, err)
		}()

		<-firstClaimed
		_, err := relay.Drain(context.Background())
		assert.ErrorIs(t, err, ErrDrainInProgress)

		close(release)
		wg.Wait()
		mockStore.AssertExpectations(t)
	})
}
