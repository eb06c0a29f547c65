package strategy

import (
	"testing"
	"time"

	"github.com/eddiefleurent/tradecore/internal/models"
	"github.com/eddiefleurent/tradecore/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// flatBars builds n identical bars at price, one minute apart.
func flatBars(n int, price float64) []models.BarEvent {
	base := time.Date(2026, 7, 29, 14, 0, 0, 0, time.UTC)
	out := make([]models.BarEvent, n)
	p := decimal.NewFromFloat(price)
	for i := range out {
		out[i] = models.BarEvent{
			Symbol:    "AAPL",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Open:      p, High: p.Add(decimal.NewFromFloat(0.5)), Low: p.Sub(decimal.NewFromFloat(0.5)),
			Close: p, Volume: decimal.NewFromInt(1000),
		}
	}
	return out
}

// withFinalCloses overrides the closing prices of the last len(closes)
// bars.
func withFinalCloses(bars []models.BarEvent, closes ...float64) []models.BarEvent {
	out := make([]models.BarEvent, len(bars))
	copy(out, bars)
	start := len(out) - len(closes)
	for i, c := range closes {
		d := decimal.NewFromFloat(c)
		out[start+i].Close = d
		out[start+i].High = d.Add(decimal.NewFromFloat(0.5))
		out[start+i].Low = d.Sub(decimal.NewFromFloat(0.5))
	}
	return out
}

func newStrategy(t *testing.T) (*Strategy, *store.MockStore) {
	t.Helper()
	mock := store.NewMockStore()
	return New(Config{}, mock, nil), mock
}

func TestRequiredHistory(t *testing.T) {
	s, _ := newStrategy(t)
	require.Equal(t, 51, s.RequiredHistory())
}

func TestOnBar_InsufficientHistoryIsSilent(t *testing.T) {
	s, _ := newStrategy(t)
	signals, err := s.OnBar(t.Context(), "AAPL", flatBars(20, 100))
	require.NoError(t, err)
	require.Empty(t, signals)
}

func TestOnBar_BullishCrossoverEmitsBuy(t *testing.T) {
	s, _ := newStrategy(t)

	// A sharp jump on the final bar pushes the fast SMA above the slow
	// one for the short pairs.
	bars := withFinalCloses(flatBars(60, 100), 100, 100, 100, 100, 120)
	signals, err := s.OnBar(t.Context(), "AAPL", bars)
	require.NoError(t, err)
	require.NotEmpty(t, signals)
	for _, sig := range signals {
		require.Equal(t, models.SignalBuy, sig.Type)
		require.Equal(t, bars[len(bars)-1].Timestamp, sig.Timestamp)
		require.NotNil(t, sig.Metadata.ATR)
	}
}

func TestOnBar_RepeatDirectionSuppressed(t *testing.T) {
	s, _ := newStrategy(t)

	bars := withFinalCloses(flatBars(60, 100), 100, 100, 100, 100, 120)
	first, err := s.OnBar(t.Context(), "AAPL", bars)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	// Same series again: every pair's memory now records BUY, so nothing
	// new may be emitted.
	second, err := s.OnBar(t.Context(), "AAPL", bars)
	require.NoError(t, err)
	require.Empty(t, second)
}

func TestOnBar_BearishAfterBullishEmitsSell(t *testing.T) {
	s, _ := newStrategy(t)

	up := withFinalCloses(flatBars(60, 100), 100, 100, 100, 100, 120)
	_, err := s.OnBar(t.Context(), "AAPL", up)
	require.NoError(t, err)

	down := withFinalCloses(flatBars(60, 120), 120, 120, 120, 120, 80)
	signals, err := s.OnBar(t.Context(), "AAPL", down)
	require.NoError(t, err)
	require.NotEmpty(t, signals)
	for _, sig := range signals {
		require.Equal(t, models.SignalSell, sig.Type)
	}
}

func TestPairConfidence(t *testing.T) {
	cases := []struct {
		slow   int
		regime models.Regime
		want   float64
	}{
		{50, models.RegimeTrending, 0.9},
		{50, models.RegimeRanging, 0.4},
		{30, models.RegimeTrending, 0.7},
		{30, models.RegimeRanging, 0.4},
		{15, models.RegimeTrending, 0.6},
		{15, models.RegimeRanging, 0.3},
		{15, models.RegimeUnknown, 0.3},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, pairConfidence(tc.slow, tc.regime))
	}
}

func TestClassifyRegime_FlatSeriesIsRanging(t *testing.T) {
	got := classifyRegime(flatBars(60, 100), 50, 14)
	require.Equal(t, models.RegimeRanging, got.regime)
	require.Equal(t, "none", got.direction)
}

func TestClassifyRegime_StrongMoveIsTrending(t *testing.T) {
	bars := withFinalCloses(flatBars(60, 100), 130)
	got := classifyRegime(bars, 50, 14)
	require.Equal(t, models.RegimeTrending, got.regime)
	require.Equal(t, "up", got.direction)
	require.Equal(t, 0.9, got.confidence)
}

func TestHistory_AppendDedupesAndBounds(t *testing.T) {
	h := NewHistory(3)
	bars := flatBars(5, 100)

	for _, b := range bars {
		h.Append(b)
	}
	require.Equal(t, 3, h.Len("AAPL"))

	// Re-appending the newest timestamp is ignored.
	h.Append(bars[4])
	require.Equal(t, 3, h.Len("AAPL"))

	// An older timestamp is ignored too.
	h.Append(bars[0])
	require.Equal(t, 3, h.Len("AAPL"))

	got := h.Bars("AAPL")
	require.Equal(t, bars[2].Timestamp, got[0].Timestamp)
	require.Equal(t, bars[4].Timestamp, got[2].Timestamp)
	require.True(t, h.HasSufficientHistory("AAPL", 3))
	require.False(t, h.HasSufficientHistory("AAPL", 4))
}
