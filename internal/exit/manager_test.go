package exit

import (
	"errors"
	"sync"
	"testing"

	"github.com/eddiefleurent/tradecore/internal/broker"
	"github.com/eddiefleurent/tradecore/internal/bus"
	"github.com/eddiefleurent/tradecore/internal/config"
	"github.com/eddiefleurent/tradecore/internal/models"
	"github.com/eddiefleurent/tradecore/internal/position"
	"github.com/eddiefleurent/tradecore/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []bus.Event
	err    error
}

func (c *capturePublisher) Publish(ev bus.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, ev)
	return nil
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	manager *Manager
	tracker *position.Tracker
	store   *store.MockStore
	broker  *broker.MockBroker
	bus     *capturePublisher
}

func newFixture(t *testing.T, cfg config.ExitConfig) *fixture {
	t.Helper()
	f := &fixture{
		store:  store.NewMockStore(),
		broker: broker.NewMockBroker(),
		bus:    &capturePublisher{},
	}
	f.tracker = position.NewTracker(position.Config{
		TrailingEnabled:       cfg.TrailingEnabled,
		TrailingActivationPct: cfg.TrailingActivationPct,
		TrailingTrailPct:      cfg.TrailingTrailPct,
	}, f.store, f.broker, nil)
	f.manager = NewManager(cfg, f.tracker, f.broker, f.store, f.bus, nil, nil)
	return f
}

func baseConfig() config.ExitConfig {
	return config.ExitConfig{
		CheckIntervalSeconds: 30,
		StopLossPct:          0.02,
		ProfitTargetPct:      0.05,
		ATRMultStop:          1.5,
		ATRMultTarget:        3.0,
	}
}

func trackLong(t *testing.T, f *fixture, symbol, entry, qty string, atr *float64) {
	t.Helper()
	require.NoError(t, f.tracker.StartTracking(t.Context(), symbol, d(entry), d(qty), models.PosLong, atr))
}

func TestEvaluate_StopLossAtExactThreshold(t *testing.T) {
	f := newFixture(t, baseConfig())
	trackLong(t, f, "AAPL", "100", "10", nil)

	p, _ := f.tracker.Get("AAPL")
	sig := f.manager.Evaluate(p, d("98")) // exactly -2%
	require.NotNil(t, sig)
	require.Equal(t, models.ExitStopLoss, sig.Reason)
	require.Equal(t, models.SideSell, sig.Side)
}

func TestEvaluate_ProfitTargetAtExactThreshold(t *testing.T) {
	f := newFixture(t, baseConfig())
	trackLong(t, f, "AAPL", "100", "10", nil)

	p, _ := f.tracker.Get("AAPL")
	sig := f.manager.Evaluate(p, d("105")) // exactly +5%
	require.NotNil(t, sig)
	require.Equal(t, models.ExitProfitTarget, sig.Reason)
}

func TestEvaluate_NoExitInsideBand(t *testing.T) {
	f := newFixture(t, baseConfig())
	trackLong(t, f, "AAPL", "100", "10", nil)

	p, _ := f.tracker.Get("AAPL")
	require.Nil(t, f.manager.Evaluate(p, d("101")))
}

func TestEvaluate_StopLossBeatsProfitTarget(t *testing.T) {
	// Degenerate thresholds where both rules fire at once: the stop loss
	// must win.
	cfg := baseConfig()
	cfg.StopLossPct = -0.01 // any pnl <= +1% "hits" the stop
	cfg.ProfitTargetPct = 0.001
	f := newFixture(t, cfg)
	trackLong(t, f, "AAPL", "100", "10", nil)

	p, _ := f.tracker.Get("AAPL")
	sig := f.manager.Evaluate(p, d("100.5"))
	require.NotNil(t, sig)
	require.Equal(t, models.ExitStopLoss, sig.Reason)
}

func TestEvaluate_ATRStopHit(t *testing.T) {
	f := newFixture(t, baseConfig())
	atr := 2.0
	trackLong(t, f, "AAPL", "100", "10", &atr)

	// ATR stop = 100 - 2*1.5 = 97; 96 is through it.
	p, _ := f.tracker.Get("AAPL")
	sig := f.manager.Evaluate(p, d("96"))
	require.NotNil(t, sig)
	require.Equal(t, models.ExitStopLoss, sig.Reason)
}

func TestEvaluate_ATRReplacesPercentStop(t *testing.T) {
	cfg := baseConfig()
	cfg.StopLossPct = 0.01 // would fire at 98 without ATR
	f := newFixture(t, cfg)
	atr := 2.0
	trackLong(t, f, "AAPL", "100", "10", &atr)

	// -2% would trip the percentage stop, but the ATR stop at 97 is not
	// crossed, and ATR has precedence.
	p, _ := f.tracker.Get("AAPL")
	require.Nil(t, f.manager.Evaluate(p, d("98")))
}

func TestEvaluate_TrailingStopPriority(t *testing.T) {
	cfg := baseConfig()
	cfg.TrailingEnabled = true
	cfg.TrailingActivationPct = 0.01
	cfg.TrailingTrailPct = 0.005
	f := newFixture(t, cfg)
	trackLong(t, f, "AAPL", "100", "10", nil)

	ctx := t.Context()
	require.NoError(t, f.tracker.UpdateCurrentPrice(ctx, "AAPL", d("101.5")))
	require.NoError(t, f.tracker.UpdateCurrentPrice(ctx, "AAPL", d("102")))

	// 101.4 is below the ratcheted stop of 101.49 but well above the loss
	// stop and below the profit target.
	p, _ := f.tracker.Get("AAPL")
	sig := f.manager.Evaluate(p, d("101.4"))
	require.NotNil(t, sig)
	require.Equal(t, models.ExitTrailingStop, sig.Reason)
}

func TestEvaluate_ShortSide(t *testing.T) {
	f := newFixture(t, baseConfig())
	require.NoError(t, f.tracker.StartTracking(t.Context(), "TSLA", d("200"), d("5"), models.PosShort, nil))

	p, _ := f.tracker.Get("TSLA")
	sig := f.manager.Evaluate(p, d("204")) // -2% on a short
	require.NotNil(t, sig)
	require.Equal(t, models.ExitStopLoss, sig.Reason)
	require.Equal(t, models.SideBuy, sig.Side)
}

func TestTick_PublishFailureLeavesPositionRetryable(t *testing.T) {
	f := newFixture(t, baseConfig())
	trackLong(t, f, "AAPL", "100", "10", nil)

	last := d("90")
	f.broker.Snapshots["AAPL"] = broker.Snapshot{Symbol: "AAPL", LastPrice: &last}
	f.bus.err = errors.New("bus full")

	f.manager.Tick(t.Context())

	p, ok := f.tracker.Get("AAPL")
	require.True(t, ok)
	require.False(t, p.PendingExit, "a failed publish must leave the position retryable")

	// Next tick with a working bus publishes and flags it.
	f.bus.err = nil
	f.manager.Tick(t.Context())
	p, _ = f.tracker.Get("AAPL")
	require.True(t, p.PendingExit)
	require.Len(t, f.bus.events, 1)
	require.Equal(t, bus.KindExitSignal, f.bus.events[0].Kind)
}

func TestTick_PendingExitIsSkipped(t *testing.T) {
	f := newFixture(t, baseConfig())
	trackLong(t, f, "AAPL", "100", "10", nil)
	require.NoError(t, f.tracker.SetPendingExit(t.Context(), "AAPL", true))

	last := d("90")
	f.broker.Snapshots["AAPL"] = broker.Snapshot{Symbol: "AAPL", LastPrice: &last}

	f.manager.Tick(t.Context())
	require.Empty(t, f.bus.events)
}

func TestTick_MarketClosedSkipsSilently(t *testing.T) {
	f := newFixture(t, baseConfig())
	trackLong(t, f, "AAPL", "100", "10", nil)
	f.broker.Clock.IsOpen = false

	last := d("90")
	f.broker.Snapshots["AAPL"] = broker.Snapshot{Symbol: "AAPL", LastPrice: &last}

	f.manager.Tick(t.Context())
	require.Empty(t, f.bus.events)
}

func TestTick_CircuitBreakerClosesAll(t *testing.T) {
	cfg := baseConfig()
	cfg.ExitOnCircuitBreaker = true
	f := newFixture(t, cfg)
	trackLong(t, f, "AAPL", "100", "10", nil)
	require.NoError(t, f.tracker.StartTracking(t.Context(), "TSLA", d("200"), d("5"), models.PosShort, nil))

	require.NoError(t, f.store.SetState(t.Context(), "circuit_breaker_state", string(models.CircuitTripped)))

	f.manager.Tick(t.Context())
	require.Len(t, f.bus.events, 2)
	for _, ev := range f.bus.events {
		require.Equal(t, bus.KindExitSignal, ev.Kind)
		require.Equal(t, models.ExitCircuitBreak, ev.Exit.Reason)
	}
}
