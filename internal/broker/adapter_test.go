package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/eddiefleurent/tradecore/internal/engerr"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// flakyBroker wraps MockBroker and fails GetClock a scripted number of
// times before succeeding, for retry-policy assertions.
type flakyBroker struct {
	*MockBroker
	clockFailures int
	clockErr      error
	clockCalls    int
}

func (f *flakyBroker) GetClock(ctx context.Context) (*Clock, error) {
	f.clockCalls++
	if f.clockCalls <= f.clockFailures {
		return nil, f.clockErr
	}
	return f.MockBroker.GetClock(ctx)
}

func fastConfig() AdapterConfig {
	cfg := DefaultAdapterConfig
	cfg.InitialBackoff = time.Millisecond
	return cfg
}

func TestAdapter_ReadRetriesTransient(t *testing.T) {
	inner := &flakyBroker{
		MockBroker:    NewMockBroker(),
		clockFailures: 2,
		clockErr:      errors.New("connection refused"),
	}
	a := NewAdapter(inner, nil, fastConfig())

	clock, err := a.GetClock(t.Context())
	require.NoError(t, err)
	require.True(t, clock.IsOpen)
	require.Equal(t, 3, inner.clockCalls, "two transient failures then success")
}

func TestAdapter_ReadExhaustsRetries(t *testing.T) {
	inner := &flakyBroker{
		MockBroker:    NewMockBroker(),
		clockFailures: 10,
		clockErr:      errors.New("i/o timeout"),
	}
	a := NewAdapter(inner, nil, fastConfig())

	_, err := a.GetClock(t.Context())
	require.Error(t, err)
	require.True(t, engerr.Is(err, engerr.KindTransient))
	require.Equal(t, 4, inner.clockCalls, "initial attempt plus three retries")
}

func TestAdapter_FatalNeverRetried(t *testing.T) {
	inner := &flakyBroker{
		MockBroker:    NewMockBroker(),
		clockFailures: 10,
		clockErr:      errors.New("403 forbidden"),
	}
	a := NewAdapter(inner, nil, fastConfig())

	_, err := a.GetClock(t.Context())
	require.Error(t, err)
	require.True(t, engerr.Is(err, engerr.KindFatal))
	require.Equal(t, 1, inner.clockCalls, "a fatal error must not be retried")
}

func TestAdapter_ClockCachedWithinTTL(t *testing.T) {
	inner := NewMockBroker()
	a := NewAdapter(inner, nil, fastConfig())

	_, err := a.GetClock(t.Context())
	require.NoError(t, err)
	_, err = a.GetClock(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, inner.ClockCalls, "second read within the TTL must hit the cache")
}

func TestAdapter_SubmitInvalidatesPositionsCache(t *testing.T) {
	inner := NewMockBroker()
	inner.Positions = []PositionItem{{Symbol: "AAPL", Qty: decimal.NewFromInt(10)}}
	a := NewAdapter(inner, nil, fastConfig())

	ctx := t.Context()
	first, err := a.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// A broker-side change is invisible while the cache entry lives...
	inner.Positions = nil
	cached, err := a.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, cached, 1)

	// ...but a write invalidates it.
	_, err = a.SubmitOrder(ctx, "AAPL", "sell", decimal.NewFromInt(10), "abc123", OrderTypeMarket, nil, TIFDay)
	require.NoError(t, err)

	fresh, err := a.GetPositions(ctx)
	require.NoError(t, err)
	require.Empty(t, fresh)
}

func TestAdapter_SubmitNeverRetries(t *testing.T) {
	inner := NewMockBroker()
	inner.SubmitErr = errors.New("504 gateway timeout")
	a := NewAdapter(inner, nil, fastConfig())

	_, err := a.SubmitOrder(t.Context(), "AAPL", "buy", decimal.NewFromInt(1), "abc123",
		OrderTypeMarket, nil, TIFDay)
	require.Error(t, err)
	require.Equal(t, 1, inner.SubmitCount, "writes take exactly one attempt")
}

func TestErrorClassification(t *testing.T) {
	require.True(t, IsFatal(errors.New("request unauthorized")))
	require.True(t, IsFatal(errors.New("invalid order parameters")))
	require.True(t, IsTransient(errors.New("dial tcp: connection reset by peer")))
	require.True(t, IsTransient(errors.New("429 rate limit exceeded")))
	require.False(t, IsTransient(errors.New("auth token expired")), "fatal wins when both match")
	require.False(t, IsFatal(nil))
	require.False(t, IsTransient(nil))
}
