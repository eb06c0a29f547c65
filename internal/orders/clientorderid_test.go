package orders

import (
	"regexp"
	"testing"
	"time"

	"github.com/eddiefleurent/tradecore/internal/models"
	"github.com/stretchr/testify/require"
)

func TestClientOrderID_Deterministic(t *testing.T) {
	ts := time.Date(2026, 7, 29, 14, 30, 0, 0, time.UTC)

	first := ClientOrderID("sma_crossover", "AAPL", "1Min", ts, models.SideBuy)
	second := ClientOrderID("sma_crossover", "AAPL", "1Min", ts, models.SideBuy)
	require.Equal(t, first, second)
	require.Regexp(t, regexp.MustCompile(`^[0-9a-f]{16}$`), first)
}

func TestClientOrderID_SideNormalization(t *testing.T) {
	ts := time.Date(2026, 7, 29, 14, 30, 0, 0, time.UTC)

	lower := ClientOrderID("s", "AAPL", "1Min", ts, models.Side("buy"))
	upper := ClientOrderID("s", "AAPL", "1Min", ts, models.Side("BUY"))
	padded := ClientOrderID("s", "AAPL", "1Min", ts, models.Side("  Buy "))
	require.Equal(t, lower, upper, "casing must never produce a second id")
	require.Equal(t, lower, padded)
}

func TestClientOrderID_VariesByInput(t *testing.T) {
	ts := time.Date(2026, 7, 29, 14, 30, 0, 0, time.UTC)
	base := ClientOrderID("s", "AAPL", "1Min", ts, models.SideBuy)

	require.NotEqual(t, base, ClientOrderID("s", "MSFT", "1Min", ts, models.SideBuy))
	require.NotEqual(t, base, ClientOrderID("s", "AAPL", "5Min", ts, models.SideBuy))
	require.NotEqual(t, base, ClientOrderID("s", "AAPL", "1Min", ts.Add(time.Minute), models.SideBuy))
	require.NotEqual(t, base, ClientOrderID("s", "AAPL", "1Min", ts, models.SideSell))
	require.NotEqual(t, base, ClientOrderID("other", "AAPL", "1Min", ts, models.SideBuy))
}

func TestClientOrderID_TimezoneIndependent(t *testing.T) {
	utc := time.Date(2026, 7, 29, 14, 30, 0, 0, time.UTC)
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	require.Equal(t,
		ClientOrderID("s", "AAPL", "1Min", utc, models.SideBuy),
		ClientOrderID("s", "AAPL", "1Min", utc.In(ny), models.SideBuy))
}
