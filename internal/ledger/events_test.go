package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/creditflow/metergate/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func subscribeOne(bus *events.Bus, eventType events.EventType) chan events.Event {
	received := make(chan events.Event, 4)
	bus.Subscribe(eventType, func(ctx context.Context, event events.Event) error {
		received <- event
		return nil
	})
	return received
}

func TestAccountCreationPublishesEvent(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	received := subscribeOne(bus, events.EventAccountCreated)

	m := NewMemory()
	m.SetEventBus(bus)

	_, err := m.GetBalance(context.Background(), "alice")
	require.NoError(t, err)

	select {
	case event := <-received:
		assert.Equal(t, "alice", event.UserID)
		assert.Equal(t, int64(DefaultGrant), event.Payload["grant"])
	case <-time.After(time.Second):
		t.Fatal("account creation never published an event")
	}

	// A second contact must not re-announce the account.
	_, err = m.GetBalance(context.Background(), "alice")
	require.NoError(t, err)

	select {
	case <-received:
		t.Fatal("existing account published a creation event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCreditPublishesGrantEvent(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	received := subscribeOne(bus, events.EventCreditGranted)

	m := NewMemory()
	m.SetEventBus(bus)

	balance, err := m.Credit(context.Background(), "bob", 250)
	require.NoError(t, err)
	require.Equal(t, int64(DefaultGrant+250), balance)

	select {
	case event := <-received:
		assert.Equal(t, "bob", event.UserID)
		assert.Equal(t, int64(250), event.Payload["amount"])
		assert.Equal(t, balance, event.Payload["balance"])
	case <-time.After(time.Second):
		t.Fatal("credit never published a grant event")
	}
}

func TestLedgerWithoutBusStaysSilent(t *testing.T) {
	m := NewMemory()

	_, err := m.GetBalance(context.Background(), "carol")
	assert.NoError(t, err)
	_, err = m.Credit(context.Background(), "carol", 10)
	assert.NoError(t, err)
}
