package ingest

import (
	"errors"
	"testing"
	"time"

	"github.com/eddiefleurent/tradecore/internal/broker"
	"github.com/eddiefleurent/tradecore/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestBatches(t *testing.T) {
	symbols := []string{"A", "B", "C", "D", "E"}

	got, err := batches(symbols, 2)
	require.NoError(t, err)
	require.Equal(t, [][]string{{"A", "B"}, {"C", "D"}, {"E"}}, got)

	got, err = batches(symbols, 0)
	require.NoError(t, err)
	require.Empty(t, got)

	_, err = batches(symbols, -1)
	require.Error(t, err)

	got, err = batches(nil, 3)
	require.NoError(t, err)
	require.Empty(t, got)
}

func barAt(ts time.Time, close float64) broker.Bar {
	c := decimal.NewFromFloat(close)
	return broker.Bar{
		Timestamp: ts,
		Open:      c, High: c, Low: c, Close: c,
		Volume: decimal.NewFromInt(100),
	}
}

func newPoller(t *testing.T, mockBroker *broker.MockBroker, equities, crypto []string) (*Poller, *[]models.BarEvent) {
	t.Helper()
	p := NewPoller(Config{EquitySymbols: equities, CryptoSymbols: crypto}, mockBroker, nil)
	var published []models.BarEvent
	p.OnBar(func(bar models.BarEvent) { published = append(published, bar) })
	return p, &published
}

func TestPollOnce_DedupesByLatestTimestamp(t *testing.T) {
	mockBroker := broker.NewMockBroker()
	ts := time.Date(2026, 7, 29, 14, 0, 0, 0, time.UTC)
	mockBroker.Bars["AAPL"] = []broker.Bar{barAt(ts, 100), barAt(ts.Add(time.Minute), 101)}

	p, published := newPoller(t, mockBroker, []string{"AAPL"}, nil)

	require.NoError(t, p.PollOnce(t.Context()))
	require.Len(t, *published, 1)
	require.Equal(t, ts.Add(time.Minute), (*published)[0].Timestamp)
	require.Equal(t, "AAPL", (*published)[0].Symbol)

	// Unchanged latest bar: nothing new.
	require.NoError(t, p.PollOnce(t.Context()))
	require.Len(t, *published, 1)

	// A newer bar appears: published.
	mockBroker.Bars["AAPL"] = append(mockBroker.Bars["AAPL"], barAt(ts.Add(2*time.Minute), 102))
	require.NoError(t, p.PollOnce(t.Context()))
	require.Len(t, *published, 2)
}

func TestPollOnce_MissingSymbolIsNotFatal(t *testing.T) {
	mockBroker := broker.NewMockBroker()
	ts := time.Date(2026, 7, 29, 14, 0, 0, 0, time.UTC)
	mockBroker.Bars["AAPL"] = []broker.Bar{barAt(ts, 100)}

	p, published := newPoller(t, mockBroker, []string{"AAPL", "NOBARS"}, nil)

	require.NoError(t, p.PollOnce(t.Context()))
	require.Len(t, *published, 1)
}

func TestValidateFeed_SubscriptionRejectionFallsBack(t *testing.T) {
	mockBroker := broker.NewMockBroker()
	ts := time.Date(2026, 7, 29, 14, 0, 0, 0, time.UTC)
	calls := 0
	mockBroker.BarsFn = func(symbols []string, feed broker.Feed) (map[string][]broker.Bar, error) {
		calls++
		if feed == broker.FeedPremium {
			return nil, errors.New("subscription does not permit querying recent SIP data")
		}
		out := make(map[string][]broker.Bar)
		for _, s := range symbols {
			out[s] = []broker.Bar{barAt(ts, 100)}
		}
		return out, nil
	}

	p, published := newPoller(t, mockBroker, []string{"AAPL", "MSFT", "GOOG"}, nil)

	require.NoError(t, p.PollOnce(t.Context()))
	require.Equal(t, broker.FeedFree, p.Feed())
	require.Len(t, *published, 3)

	// The free feed caps batches at two symbols: three symbols need two
	// batch requests after the one probe call.
	require.Equal(t, 3, calls)
}

func TestValidateFeed_OtherErrorsSurface(t *testing.T) {
	mockBroker := broker.NewMockBroker()
	mockBroker.BarsErr = errors.New("boom")

	p, _ := newPoller(t, mockBroker, []string{"AAPL"}, nil)
	require.Error(t, p.PollOnce(t.Context()))
}

func TestUntilNextMinute(t *testing.T) {
	now := time.Date(2026, 7, 29, 14, 0, 20, 0, time.UTC)
	require.Equal(t, 40*time.Second, untilNextMinute(now))

	// Near the boundary the wait rolls to the following minute.
	edge := time.Date(2026, 7, 29, 14, 0, 59, int(500*time.Millisecond), time.UTC)
	require.Equal(t, 60500*time.Millisecond, untilNextMinute(edge))
}
