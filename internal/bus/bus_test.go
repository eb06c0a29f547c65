package bus

import (
	"testing"
	"time"

	"github.com/eddiefleurent/tradecore/internal/models"
	"github.com/stretchr/testify/require"
)

func newFullBus(t *testing.T, capacity int) *Bus {
	t.Helper()
	b := New(nil, Config{Capacity: capacity, PublishWait: 20 * time.Millisecond, DrainTimeout: 50 * time.Millisecond})
	b.Start()
	for i := 0; i < capacity; i++ {
		require.NoError(t, b.Publish(Event{Kind: KindBar, Bar: &models.BarEvent{Symbol: "AAPL"}}))
	}
	return b
}

func TestBus_NonCriticalEventDroppedOnOverflow(t *testing.T) {
	b := newFullBus(t, 1)

	err := b.Publish(Event{Kind: KindBar, Bar: &models.BarEvent{Symbol: "MSFT"}})
	require.NoError(t, err)
	require.Equal(t, int64(1), b.DroppedCount())
}

func TestBus_CriticalEventErrorsOnOverflow(t *testing.T) {
	b := newFullBus(t, 1)

	err := b.Publish(Event{Kind: KindExitSignal, Exit: &models.ExitSignalEvent{Symbol: "AAPL"}})
	require.Error(t, err)
	require.Equal(t, int64(0), b.DroppedCount())
}

func TestBus_SubscribeFIFO(t *testing.T) {
	b := New(nil, Config{Capacity: 4, PublishWait: time.Second})
	b.Start()

	require.NoError(t, b.Publish(Event{Kind: KindBar, Bar: &models.BarEvent{Symbol: "A"}}))
	require.NoError(t, b.Publish(Event{Kind: KindBar, Bar: &models.BarEvent{Symbol: "B"}}))

	first := <-b.Subscribe()
	second := <-b.Subscribe()

	require.Equal(t, "A", first.Bar.Symbol)
	require.Equal(t, "B", second.Bar.Symbol)
}

func TestBus_StopIsIdempotent(t *testing.T) {
	b := New(nil, Config{Capacity: 2, DrainTimeout: 10 * time.Millisecond})
	b.Start()
	b.Stop()
	b.Stop() // must not panic or block
}
