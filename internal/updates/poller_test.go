package updates

import (
	"sync"
	"testing"
	"time"

	"github.com/eddiefleurent/tradecore/internal/broker"
	"github.com/eddiefleurent/tradecore/internal/models"
	"github.com/eddiefleurent/tradecore/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	poller  *Poller
	store   *store.MockStore
	broker  *broker.MockBroker
	mu      sync.Mutex
	updates []models.OrderUpdateEvent
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  store.NewMockStore(),
		broker: broker.NewMockBroker(),
	}
	f.poller = NewPoller(DefaultConfig, f.broker, f.store, nil, nil)
	f.poller.OnUpdate(func(u models.OrderUpdateEvent) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.updates = append(f.updates, u)
	})
	return f
}

// seedOrder installs a submitted intent and the broker's view of it.
func (f *fixture) seedOrder(t *testing.T, filledQty, brokerCum string, brokerStatus string) {
	t.Helper()
	ctx := t.Context()
	_, err := f.store.SaveOrderIntent(ctx, models.OrderIntent{
		ClientOrderID: "abc123",
		Symbol:        "AAPL",
		Side:          models.SideBuy,
		Qty:           d("100"),
		Strategy:      "sma_crossover",
	})
	require.NoError(t, err)

	status := models.StatusSubmitted
	brokerID := "bo-1"
	require.NoError(t, f.store.UpdateOrderIntent(ctx, "abc123", &status, nil, &brokerID, nil))
	if filledQty != "" {
		fq := d(filledQty)
		require.NoError(t, f.store.UpdateOrderIntent(ctx, "abc123", nil, &fq, nil, nil))
	}

	avg := d("101.5")
	f.broker.Orders["bo-1"] = broker.Order{
		ID:             "bo-1",
		ClientOrderID:  "abc123",
		Symbol:         "AAPL",
		Side:           "buy",
		Qty:            d("100"),
		Status:         brokerStatus,
		FilledQty:      d(brokerCum),
		FilledAvgPrice: &avg,
	}
}

func TestPollOnce_PartialFillDelta(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "10", "25", "partially_filled")

	f.poller.PollOnce(t.Context())

	require.Len(t, f.store.Fills, 1)
	fill := f.store.Fills[0]
	require.True(t, fill.DeltaQty.Equal(d("15")), "delta got %s", fill.DeltaQty)
	require.True(t, fill.CumQty.Equal(d("25")))
	require.Equal(t, "CUM:25", fill.FillDedupeKey)

	require.Len(t, f.updates, 1)
	require.True(t, f.updates[0].DeltaQty.Equal(d("15")))

	intent, err := f.store.GetOrderIntent(t.Context(), "abc123")
	require.NoError(t, err)
	require.True(t, intent.FilledQty.Equal(d("25")))
	require.Equal(t, models.StatusPartiallyFilled, intent.Status)
}

func TestPollOnce_RepeatedCumIsConvergent(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "10", "25", "partially_filled")

	f.poller.PollOnce(t.Context())
	f.poller.PollOnce(t.Context())

	// The intent's filled_qty advanced to 25 after the first poll, so the
	// second poll sees delta zero with an unchanged status and is silent.
	require.Len(t, f.store.Fills, 1)
	require.Len(t, f.updates, 1)
}

func TestPollOnce_DedupeConflictPublishesZeroDelta(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "10", "25", "partially_filled")

	// Pre-insert the fill the poller is about to derive, simulating a
	// crash after insert but before the intent update.
	_, err := f.store.InsertFillIdempotent(t.Context(), models.Fill{
		BrokerOrderID: "bo-1",
		ClientOrderID: "abc123",
		Symbol:        "AAPL",
		Side:          models.SideBuy,
		DeltaQty:      d("15"),
		CumQty:        d("25"),
		TimestampUTC:  time.Now().UTC(),
		FillDedupeKey: "CUM:25",
	})
	require.NoError(t, err)

	f.poller.PollOnce(t.Context())

	require.Len(t, f.store.Fills, 1, "no duplicate fill row")
	require.Len(t, f.updates, 1)
	require.True(t, f.updates[0].DeltaQty.IsZero(), "dedupe conflict publishes a zero delta")
}

func TestPollOnce_RegressionIgnored(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "30", "25", "partially_filled")

	f.poller.PollOnce(t.Context())

	require.Empty(t, f.store.Fills)
	require.Empty(t, f.updates)

	intent, err := f.store.GetOrderIntent(t.Context(), "abc123")
	require.NoError(t, err)
	require.True(t, intent.FilledQty.Equal(d("30")), "local state never regresses")
}

func TestPollOnce_StatusOnlyChangeUpdatesIntent(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "", "0", "accepted")

	f.poller.PollOnce(t.Context())

	require.Empty(t, f.store.Fills)
	require.Empty(t, f.updates)

	intent, err := f.store.GetOrderIntent(t.Context(), "abc123")
	require.NoError(t, err)
	require.Equal(t, models.StatusAccepted, intent.Status)
}

func TestPollOnce_MonotonicAcrossSequence(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "", "10", "partially_filled")

	ctx := t.Context()
	f.poller.PollOnce(ctx)

	// Advance the broker to full fill.
	o := f.broker.Orders["bo-1"]
	o.FilledQty = d("100")
	o.Status = "filled"
	f.broker.Orders["bo-1"] = o
	f.poller.PollOnce(ctx)

	// A stale replay must change nothing.
	o.FilledQty = d("10")
	o.Status = "partially_filled"
	f.broker.Orders["bo-1"] = o
	f.poller.PollOnce(ctx)

	intent, err := f.store.GetOrderIntent(ctx, "abc123")
	require.NoError(t, err)
	require.True(t, intent.FilledQty.Equal(d("100")))
	require.Len(t, f.store.Fills, 2)
}
