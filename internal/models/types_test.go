package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestSideNormalize(t *testing.T) {
	require.Equal(t, SideBuy, Side("BUY").Normalize())
	require.Equal(t, SideBuy, Side("  Buy ").Normalize())
	require.Equal(t, SideSell, Side("sell").Normalize())
}

func TestOrderStatusIsTerminal(t *testing.T) {
	for _, s := range []OrderStatus{StatusFilled, StatusCanceled, StatusExpired, StatusRejected} {
		require.True(t, s.IsTerminal(), "%s must be absorbing", s)
	}
	for _, s := range []OrderStatus{StatusNew, StatusSubmitted, StatusAccepted, StatusPartiallyFilled,
		StatusPendingNew, StatusPendingCancel, StatusDryRun} {
		require.False(t, s.IsTerminal(), "%s must not be absorbing", s)
	}
}

func TestDedupeKey(t *testing.T) {
	cum := decimal.RequireFromString("25")

	id := "fill-7"
	require.Equal(t, "fill-7", DedupeKey(&id, cum), "a broker fill id wins")

	empty := ""
	require.Equal(t, "CUM:25", DedupeKey(&empty, cum), "an empty fill id falls back to the synthetic key")
	require.Equal(t, "CUM:25", DedupeKey(nil, cum))

	// Two updates reporting the same cum without fill ids coalesce; two
	// distinct broker fill ids at the same cum stay distinct.
	other := "fill-8"
	require.NotEqual(t, DedupeKey(&id, cum), DedupeKey(&other, cum))
}
