package position

import (
	"testing"

	"github.com/eddiefleurent/tradecore/internal/broker"
	"github.com/eddiefleurent/tradecore/internal/models"
	"github.com/eddiefleurent/tradecore/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTracker(t *testing.T, cfg Config) (*Tracker, *store.MockStore, *broker.MockBroker) {
	t.Helper()
	mockStore := store.NewMockStore()
	mockBroker := broker.NewMockBroker()
	return NewTracker(cfg, mockStore, mockBroker, nil), mockStore, mockBroker
}

func TestTrailingStop_LongActivationAndRatchet(t *testing.T) {
	tr, _, _ := newTracker(t, Config{
		TrailingEnabled:       true,
		TrailingActivationPct: 0.01,
		TrailingTrailPct:      0.005,
	})
	ctx := t.Context()
	require.NoError(t, tr.StartTracking(ctx, "AAPL", d("100"), d("10"), models.PosLong, nil))

	// 1.5% gain activates the stop at 101.5 * 0.995.
	require.NoError(t, tr.UpdateCurrentPrice(ctx, "AAPL", d("101.5")))
	p, ok := tr.Get("AAPL")
	require.True(t, ok)
	require.True(t, p.TrailingStopActivated)
	require.NotNil(t, p.TrailingStopPrice)
	require.True(t, p.TrailingStopPrice.Equal(d("100.9925")), "got %s", p.TrailingStopPrice)

	// Higher price ratchets the stop up.
	require.NoError(t, tr.UpdateCurrentPrice(ctx, "AAPL", d("102.0")))
	p, _ = tr.Get("AAPL")
	require.True(t, p.TrailingStopPrice.Equal(d("101.49")), "got %s", p.TrailingStopPrice)

	// A pullback must never lower the stop.
	require.NoError(t, tr.UpdateCurrentPrice(ctx, "AAPL", d("101.5")))
	p, _ = tr.Get("AAPL")
	require.True(t, p.TrailingStopPrice.Equal(d("101.49")), "got %s", p.TrailingStopPrice)
	require.True(t, p.ExtremePrice.Equal(d("102")), "extreme must not regress, got %s", p.ExtremePrice)
}

func TestTrailingStop_ShortMovesDownOnly(t *testing.T) {
	tr, _, _ := newTracker(t, Config{
		TrailingEnabled:       true,
		TrailingActivationPct: 0.01,
		TrailingTrailPct:      0.01,
	})
	ctx := t.Context()
	require.NoError(t, tr.StartTracking(ctx, "TSLA", d("200"), d("5"), models.PosShort, nil))

	require.NoError(t, tr.UpdateCurrentPrice(ctx, "TSLA", d("196")))
	p, _ := tr.Get("TSLA")
	require.True(t, p.TrailingStopActivated)
	require.True(t, p.TrailingStopPrice.Equal(d("197.96")), "got %s", p.TrailingStopPrice)

	require.NoError(t, tr.UpdateCurrentPrice(ctx, "TSLA", d("190")))
	p, _ = tr.Get("TSLA")
	require.True(t, p.TrailingStopPrice.Equal(d("191.9")), "got %s", p.TrailingStopPrice)

	// A bounce must not raise the stop.
	require.NoError(t, tr.UpdateCurrentPrice(ctx, "TSLA", d("195")))
	p, _ = tr.Get("TSLA")
	require.True(t, p.TrailingStopPrice.Equal(d("191.9")), "got %s", p.TrailingStopPrice)
	require.True(t, p.ExtremePrice.Equal(d("190")))
}

func TestCalculatePnl(t *testing.T) {
	tr, _, _ := newTracker(t, Config{})
	ctx := t.Context()
	require.NoError(t, tr.StartTracking(ctx, "AAPL", d("100"), d("10"), models.PosLong, nil))

	amount, pct := tr.CalculatePnl("AAPL", d("110"))
	require.InDelta(t, 100.0, amount, 1e-9)
	require.InDelta(t, 0.10, pct, 1e-9)

	require.NoError(t, tr.StartTracking(ctx, "TSLA", d("200"), d("5"), models.PosShort, nil))
	amount, pct = tr.CalculatePnl("TSLA", d("190"))
	require.InDelta(t, 50.0, amount, 1e-9)
	require.InDelta(t, 0.05, pct, 1e-9)

	amount, pct = tr.CalculatePnl("UNKNOWN", d("5"))
	require.Zero(t, amount)
	require.Zero(t, pct)
}

func TestCalculatePnl_ZeroEntryPriceGuard(t *testing.T) {
	tr, _, _ := newTracker(t, Config{})
	require.NoError(t, tr.StartTracking(t.Context(), "AAPL", decimal.Zero, d("10"), models.PosLong, nil))

	amount, pct := tr.CalculatePnl("AAPL", d("110"))
	require.Zero(t, amount)
	require.Zero(t, pct)
}

func TestPersistenceRoundTrip(t *testing.T) {
	mockStore := store.NewMockStore()
	mockBroker := broker.NewMockBroker()
	cfg := Config{TrailingEnabled: true, TrailingActivationPct: 0.01, TrailingTrailPct: 0.005}

	tr := NewTracker(cfg, mockStore, mockBroker, nil)
	ctx := t.Context()
	atrVal := 2.5
	require.NoError(t, tr.StartTracking(ctx, "AAPL", d("100"), d("10"), models.PosLong, &atrVal))
	require.NoError(t, tr.UpdateCurrentPrice(ctx, "AAPL", d("102")))

	reloaded := NewTracker(cfg, mockStore, mockBroker, nil)
	require.NoError(t, reloaded.LoadPersisted(ctx))

	want, _ := tr.Get("AAPL")
	got, ok := reloaded.Get("AAPL")
	require.True(t, ok)
	require.Equal(t, want.Side, got.Side)
	require.True(t, want.Qty.Equal(got.Qty))
	require.True(t, want.EntryPrice.Equal(got.EntryPrice))
	require.True(t, want.ExtremePrice.Equal(got.ExtremePrice))
	require.Equal(t, want.TrailingStopActivated, got.TrailingStopActivated)
	require.True(t, want.TrailingStopPrice.Equal(*got.TrailingStopPrice))
	require.Equal(t, *want.ATR, *got.ATR)
}

func TestSyncWithBroker(t *testing.T) {
	tr, _, mockBroker := newTracker(t, Config{})
	ctx := t.Context()

	// Tracked locally but absent at broker: must be dropped.
	require.NoError(t, tr.StartTracking(ctx, "GONE", d("100"), d("1"), models.PosLong, nil))
	// Tracked on both sides with a quantity drift beyond tolerance.
	require.NoError(t, tr.StartTracking(ctx, "AAPL", d("100"), d("10"), models.PosLong, nil))

	mockBroker.Positions = []broker.PositionItem{
		{Symbol: "AAPL", Qty: d("12"), AvgEntryPrice: d("100"), CurrentPrice: d("101")},
		{Symbol: "MSFT", Qty: d("-3"), AvgEntryPrice: d("300"), CurrentPrice: d("295")},
	}

	mismatches, err := tr.SyncWithBroker(ctx)
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	require.Equal(t, "AAPL", mismatches[0].Symbol)

	_, gone := tr.Get("GONE")
	require.False(t, gone)

	adopted, ok := tr.Get("MSFT")
	require.True(t, ok)
	require.Equal(t, models.PosShort, adopted.Side)
	require.True(t, adopted.Qty.Equal(d("3")))
}
