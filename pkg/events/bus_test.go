package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPublishAndWaitDeliversToAllHandlers(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var calls int64
	for i := 0; i < 3; i++ {
		bus.Subscribe(EventSettlementCompleted, func(ctx context.Context, event Event) error {
			atomic.AddInt64(&calls, 1)
			return nil
		})
	}

	event := NewEvent(EventSettlementCompleted, "alice", map[string]interface{}{"credits": int64(10)})
	require.NoError(t, bus.PublishAndWait(context.Background(), event))
	assert.Equal(t, int64(3), atomic.LoadInt64(&calls))
}

func TestPublishAndWaitReturnsHandlerError(t *testing.T) {
	bus := NewBus(zap.NewNop())

	handlerErr := errors.New("sink unavailable")
	bus.Subscribe(EventSettlementFailed, func(ctx context.Context, event Event) error {
		return handlerErr
	})

	err := bus.PublishAndWait(context.Background(), NewEvent(EventSettlementFailed, "bob", nil))
	assert.ErrorIs(t, err, handlerErr)
}

func TestPublishIsAsyncAndRecoversPanics(t *testing.T) {
	bus := NewBus(zap.NewNop())

	done := make(chan struct{})
	bus.Subscribe(EventAdmissionRejected, func(ctx context.Context, event Event) error {
		panic("handler bug")
	})
	bus.Subscribe(EventAdmissionRejected, func(ctx context.Context, event Event) error {
		close(done)
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), NewEvent(EventAdmissionRejected, "carol", nil)))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second handler never ran; panic in the first must not block delivery")
	}
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	bus := NewBus(zap.NewNop())
	assert.NoError(t, bus.Publish(context.Background(), NewEvent(EventAccountCreated, "dave", nil)))
}

func TestUnsubscribeRemovesHandlers(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var calls int64
	bus.Subscribe(EventCreditGranted, func(ctx context.Context, event Event) error {
		atomic.AddInt64(&calls, 1)
		return nil
	})
	bus.Unsubscribe(EventCreditGranted)

	require.NoError(t, bus.PublishAndWait(context.Background(), NewEvent(EventCreditGranted, "erin", nil)))
	assert.Zero(t, atomic.LoadInt64(&calls))
}

func TestNewEventPopulatesIdentity(t *testing.T) {
	event := NewEvent(EventSettlementCompleted, "frank", map[string]interface{}{"credits": int64(5)})

	assert.NotEmpty(t, event.ID)
	assert.Equal(t, EventSettlementCompleted, event.Type)
	assert.Equal(t, "frank", event.UserID)
	assert.WithinDuration(t, time.Now().UTC(), event.Timestamp, time.Minute)
}
