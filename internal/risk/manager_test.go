package risk

import (
	"errors"
	"testing"
	"time"

	"github.com/eddiefleurent/tradecore/internal/broker"
	"github.com/eddiefleurent/tradecore/internal/config"
	"github.com/eddiefleurent/tradecore/internal/engerr"
	"github.com/eddiefleurent/tradecore/internal/models"
	"github.com/eddiefleurent/tradecore/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type fixedCounter int

func (f fixedCounter) Count() int { return int(f) }

func nyTime(hour, minute, second int) time.Time {
	return time.Date(2026, 7, 29, hour, minute, second, 0, newYork) // a Wednesday
}

func TestSessionFor_Boundaries(t *testing.T) {
	cases := []struct {
		at       time.Time
		isCrypto bool
		want     Session
	}{
		{nyTime(9, 30, 0), false, SessionRegular},
		{nyTime(9, 29, 59), false, SessionExtended},
		{nyTime(15, 59, 59), false, SessionRegular},
		{nyTime(16, 0, 0), false, SessionExtended},
		{nyTime(12, 0, 0), false, SessionRegular},
		{nyTime(12, 0, 0), true, SessionExtended},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, SessionFor(tc.at, tc.isCrypto), "at %v crypto=%v", tc.at, tc.isCrypto)
	}
}

func defaultRiskConfig() config.RiskConfig {
	limits := config.RiskLimits{
		MaxDailyLossPct:        0.03,
		MaxTradesPerDay:        10,
		MaxConcurrentPositions: 5,
	}
	return config.RiskConfig{
		RegularHours:  limits,
		ExtendedHours: limits,
		MinConfidence: 0.5,
	}
}

func newManager(t *testing.T, cfg config.RiskConfig, positions int) (*Manager, *store.MockStore, *broker.MockBroker) {
	t.Helper()
	mockStore := store.NewMockStore()
	mockBroker := broker.NewMockBroker()
	mockBroker.Clock = broker.Clock{IsOpen: true, Timestamp: nyTime(12, 0, 0)}
	mockBroker.Account = broker.Account{Equity: decimal.NewFromInt(100000)}
	m := NewManager(cfg, "", []string{"BTC/USD"}, mockStore, mockBroker, fixedCounter(positions), nil)
	return m, mockStore, mockBroker
}

func signal(confidence float64) models.SignalEvent {
	return models.SignalEvent{
		Symbol:    "AAPL",
		Type:      models.SignalBuy,
		Timestamp: time.Now().UTC(),
		Metadata:  models.SignalMetadata{Confidence: confidence, Regime: models.RegimeTrending},
	}
}

func TestCheckSignal_KillSwitchBeatsConfidenceFilter(t *testing.T) {
	m, mockStore, _ := newManager(t, defaultRiskConfig(), 0)
	require.NoError(t, mockStore.SetKillSwitch(t.Context(), true))

	// Low confidence would be a soft skip, but the kill switch must win
	// with a hard refusal.
	ok, err := m.CheckSignal(t.Context(), signal(0.3), nil)
	require.False(t, ok)
	require.Error(t, err)
	require.True(t, engerr.Is(err, engerr.KindRisk))
	require.Contains(t, err.Error(), "kill-switch")
}

func TestCheckSignal_CircuitBreakerRefuses(t *testing.T) {
	m, mockStore, _ := newManager(t, defaultRiskConfig(), 0)
	require.NoError(t, mockStore.SetState(t.Context(), "circuit_breaker_state", string(models.CircuitTripped)))

	_, err := m.CheckSignal(t.Context(), signal(0.9), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "circuit breaker")
}

func TestCheckSignal_MarketClosedRefuses(t *testing.T) {
	m, _, mockBroker := newManager(t, defaultRiskConfig(), 0)
	mockBroker.Clock.IsOpen = false

	_, err := m.CheckSignal(t.Context(), signal(0.9), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "market closed")
}

func TestCheckSignal_ClockFailureRefuses(t *testing.T) {
	m, _, mockBroker := newManager(t, defaultRiskConfig(), 0)
	mockBroker.ClockErr = errors.New("boom")

	_, err := m.CheckSignal(t.Context(), signal(0.9), nil)
	require.Error(t, err)
}

func TestCheckSignal_DailyLossLimit(t *testing.T) {
	m, mockStore, _ := newManager(t, defaultRiskConfig(), 0)
	// Equity 100k, limit 3% -> refuse below -3000.
	require.NoError(t, mockStore.SaveDailyPnl(t.Context(), -3500))

	_, err := m.CheckSignal(t.Context(), signal(0.9), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "daily loss")
}

func TestCheckSignal_TradeCountLimit(t *testing.T) {
	m, mockStore, _ := newManager(t, defaultRiskConfig(), 0)
	require.NoError(t, mockStore.SaveDailyTradeCount(t.Context(), 10))

	_, err := m.CheckSignal(t.Context(), signal(0.9), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "trade limit")
}

func TestCheckSignal_ConcurrentPositionLimit(t *testing.T) {
	m, _, _ := newManager(t, defaultRiskConfig(), 5)

	_, err := m.CheckSignal(t.Context(), signal(0.9), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "position limit")
}

func TestCheckSignal_LowConfidenceIsSoftSkip(t *testing.T) {
	m, _, _ := newManager(t, defaultRiskConfig(), 0)

	ok, err := m.CheckSignal(t.Context(), signal(0.3), nil)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCheckSignal_SpreadFilter(t *testing.T) {
	cfg := defaultRiskConfig()
	cfg.MaxSpreadPct = 0.001
	m, _, mockBroker := newManager(t, cfg, 0)

	bid, ask := decimal.NewFromFloat(100.00), decimal.NewFromFloat(100.50)
	mockBroker.Snapshots["AAPL"] = broker.Snapshot{Symbol: "AAPL", Bid: &bid, Ask: &ask}

	ok, err := m.CheckSignal(t.Context(), signal(0.9), nil)
	require.NoError(t, err)
	require.False(t, ok, "0.5%% spread must be skipped at a 0.1%% cap")

	tight := decimal.NewFromFloat(100.01)
	mockBroker.Snapshots["AAPL"] = broker.Snapshot{Symbol: "AAPL", Bid: &bid, Ask: &tight}
	ok, err = m.CheckSignal(t.Context(), signal(0.9), nil)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCheckSignal_ConfidenceDecidedBeforeSpreadFetch(t *testing.T) {
	cfg := defaultRiskConfig()
	cfg.MaxSpreadPct = 0.001
	m, _, mockBroker := newManager(t, cfg, 0)
	// Were the spread filter consulted first, this would be a hard refusal.
	mockBroker.SnapshotErr = errors.New("boom")

	ok, err := m.CheckSignal(t.Context(), signal(0.3), nil)
	require.NoError(t, err, "a confidence skip must be decided before any snapshot fetch")
	require.False(t, ok)
}

func TestCheckSignal_SpreadFetchFailureRefusesHard(t *testing.T) {
	cfg := defaultRiskConfig()
	cfg.MaxSpreadPct = 0.001
	m, _, mockBroker := newManager(t, cfg, 0)
	mockBroker.SnapshotErr = errors.New("boom")

	_, err := m.CheckSignal(t.Context(), signal(0.9), nil)
	require.Error(t, err, "a configured filter must not be silently bypassed")
	require.True(t, engerr.Is(err, engerr.KindRisk))
}

func TestCheckSignal_SpreadInvalidQuoteRefusesHard(t *testing.T) {
	cfg := defaultRiskConfig()
	cfg.MaxSpreadPct = 0.001
	m, _, mockBroker := newManager(t, cfg, 0)

	ask := decimal.NewFromFloat(100.01)
	mockBroker.Snapshots["AAPL"] = broker.Snapshot{Symbol: "AAPL", Ask: &ask} // no bid

	_, err := m.CheckSignal(t.Context(), signal(0.9), nil)
	require.Error(t, err, "a quote without a usable bid must refuse, not skip")
	require.True(t, engerr.Is(err, engerr.KindRisk))
}

func TestCheckSignal_BarTradeCountFilter(t *testing.T) {
	cfg := defaultRiskConfig()
	cfg.MinBarTrades = 100
	m, _, _ := newManager(t, cfg, 0)

	thin := int64(5)
	bar := models.BarEvent{Symbol: "AAPL", TradeCount: &thin}
	ok, err := m.CheckSignal(t.Context(), signal(0.9), &bar)
	require.NoError(t, err)
	require.False(t, ok)

	busy := int64(500)
	bar.TradeCount = &busy
	ok, err = m.CheckSignal(t.Context(), signal(0.9), &bar)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCheckSignal_TimeOfDayWindows(t *testing.T) {
	cfg := defaultRiskConfig()
	cfg.AvoidFirstMinutes = 15
	cfg.AvoidLastMinutes = 15
	m, _, mockBroker := newManager(t, cfg, 0)

	mockBroker.Clock.Timestamp = nyTime(9, 35, 0)
	ok, err := m.CheckSignal(t.Context(), signal(0.9), nil)
	require.NoError(t, err)
	require.False(t, ok, "09:35 is inside the opening window")

	mockBroker.Clock.Timestamp = nyTime(15, 50, 0)
	ok, err = m.CheckSignal(t.Context(), signal(0.9), nil)
	require.NoError(t, err)
	require.False(t, ok, "15:50 is inside the closing window")

	mockBroker.Clock.Timestamp = nyTime(12, 0, 0)
	ok, err = m.CheckSignal(t.Context(), signal(0.9), nil)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCheckExitOrder_BypassesBreakerButNotKillSwitch(t *testing.T) {
	m, mockStore, _ := newManager(t, defaultRiskConfig(), 0)

	// Tripped breaker must not block exits.
	require.NoError(t, mockStore.SetState(t.Context(), "circuit_breaker_state", string(models.CircuitTripped)))
	require.NoError(t, m.CheckExitOrder(t.Context(), "AAPL"))

	// The kill switch still does.
	require.NoError(t, mockStore.SetKillSwitch(t.Context(), true))
	require.Error(t, m.CheckExitOrder(t.Context(), "AAPL"))
}
