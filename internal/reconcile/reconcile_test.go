package reconcile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/eddiefleurent/tradecore/internal/broker"
	"github.com/eddiefleurent/tradecore/internal/engerr"
	"github.com/eddiefleurent/tradecore/internal/models"
	"github.com/eddiefleurent/tradecore/internal/position"
	"github.com/eddiefleurent/tradecore/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newStartup(t *testing.T) (*Startup, *store.MockStore, *broker.MockBroker, string) {
	t.Helper()
	mockStore := store.NewMockStore()
	mockBroker := broker.NewMockBroker()
	reportPath := filepath.Join(t.TempDir(), "reconciliation_error.json")
	return NewStartup(mockBroker, mockStore, reportPath, nil), mockStore, mockBroker, reportPath
}

func TestStartup_CleanPassSnapshotsPositions(t *testing.T) {
	s, mockStore, mockBroker, reportPath := newStartup(t)
	mockBroker.Positions = []broker.PositionItem{
		{Symbol: "AAPL", Qty: d("10"), AvgEntryPrice: d("100")},
	}
	// The position is known locally, so this is clean.
	require.NoError(t, mockStore.UpsertPosition(t.Context(), models.Position{
		Symbol: "AAPL", Side: models.PosLong, Qty: d("10"), EntryPrice: d("100"),
	}))

	require.NoError(t, s.Run(t.Context()))

	snap, err := mockStore.LatestPositionsSnapshot(t.Context())
	require.NoError(t, err)
	require.Len(t, snap, 1)
	require.Equal(t, "AAPL", snap[0].Symbol)

	_, statErr := os.Stat(reportPath)
	require.True(t, os.IsNotExist(statErr), "no error report on a clean pass")

	require.Len(t, mockStore.Reports, 1)
	require.Equal(t, "clean", mockStore.Reports[0].Status)
}

func TestStartup_RefusesOnOrphanOrder(t *testing.T) {
	s, mockStore, mockBroker, reportPath := newStartup(t)
	mockBroker.OpenOrders = []broker.Order{
		{ID: "bo-9", ClientOrderID: "mystery", Symbol: "AAPL", Status: "accepted"},
	}

	err := s.Run(t.Context())
	require.Error(t, err)
	require.True(t, engerr.Is(err, engerr.KindReconciliation))

	data, readErr := os.ReadFile(reportPath)
	require.NoError(t, readErr, "the error report must be written")
	var report models.ReconciliationReport
	require.NoError(t, json.Unmarshal(data, &report))
	require.Len(t, report.Discrepancies, 1)
	require.Equal(t, KindOrderNotInStore, report.Discrepancies[0].Kind)

	snap, err2 := mockStore.LatestPositionsSnapshot(t.Context())
	require.NoError(t, err2)
	require.Empty(t, snap, "no snapshot may be taken on a refused startup")
}

func TestStartup_AdoptsBrokerTerminalSilently(t *testing.T) {
	s, mockStore, mockBroker, _ := newStartup(t)
	ctx := t.Context()

	_, err := mockStore.SaveOrderIntent(ctx, models.OrderIntent{
		ClientOrderID: "abc123", Symbol: "AAPL", Side: models.SideBuy, Qty: d("10"),
	})
	require.NoError(t, err)
	status := models.StatusSubmitted
	brokerID := "bo-1"
	require.NoError(t, mockStore.UpdateOrderIntent(ctx, "abc123", &status, nil, &brokerID, nil))

	avg := d("101")
	mockBroker.Orders["bo-1"] = broker.Order{
		ID: "bo-1", ClientOrderID: "abc123", Symbol: "AAPL",
		Status: "filled", FilledQty: d("10"), FilledAvgPrice: &avg,
	}

	require.NoError(t, s.Run(ctx))

	intent, err := mockStore.GetOrderIntent(ctx, "abc123")
	require.NoError(t, err)
	require.Equal(t, models.StatusFilled, intent.Status)
	require.True(t, intent.FilledQty.Equal(d("10")))

	require.Len(t, mockStore.Reports, 1)
	require.Equal(t, "repaired", mockStore.Reports[0].Status)
}

func TestStartup_RefusesOnLocalTerminalBrokerOpen(t *testing.T) {
	s, mockStore, mockBroker, _ := newStartup(t)
	ctx := t.Context()

	_, err := mockStore.SaveOrderIntent(ctx, models.OrderIntent{
		ClientOrderID: "abc123", Symbol: "AAPL", Side: models.SideBuy, Qty: d("10"),
	})
	require.NoError(t, err)
	status := models.StatusCanceled
	brokerID := "bo-1"
	require.NoError(t, mockStore.UpdateOrderIntent(ctx, "abc123", &status, nil, &brokerID, nil))

	mockBroker.OpenOrders = []broker.Order{
		{ID: "bo-1", ClientOrderID: "abc123", Symbol: "AAPL", Status: "accepted"},
	}

	err = s.Run(ctx)
	require.Error(t, err)
}

func TestStartup_RefusesOnUnknownBrokerPosition(t *testing.T) {
	s, _, mockBroker, _ := newStartup(t)
	mockBroker.Positions = []broker.PositionItem{
		{Symbol: "TSLA", Qty: d("5"), AvgEntryPrice: d("200")},
	}

	err := s.Run(t.Context())
	require.Error(t, err)
}

type runtimeFixture struct {
	runtime *Runtime
	store   *store.MockStore
	broker  *broker.MockBroker
	tracker *position.Tracker
}

func newRuntimeFixture(t *testing.T) *runtimeFixture {
	t.Helper()
	f := &runtimeFixture{
		store:  store.NewMockStore(),
		broker: broker.NewMockBroker(),
	}
	f.tracker = position.NewTracker(position.Config{}, f.store, f.broker, nil)
	f.runtime = NewRuntime(60*time.Second, f.broker, f.store, f.tracker, nil, nil)
	return f
}

func TestRuntime_StuckPendingExitRepaired(t *testing.T) {
	f := newRuntimeFixture(t)
	ctx := t.Context()

	// Tracked with pending_exit but no broker position and no working
	// exit order anywhere.
	require.NoError(t, f.tracker.StartTracking(ctx, "AAPL", d("100"), d("10"), models.PosLong, nil))
	require.NoError(t, f.tracker.SetPendingExit(ctx, "AAPL", true))

	f.runtime.Tick(ctx)

	require.Len(t, f.store.Reports, 1)
	report := f.store.Reports[0]
	require.Equal(t, "repaired", report.Status)
	require.Len(t, report.Repairs, 1)
	require.Equal(t, RepairStuckPendingExit, report.Repairs[0].Kind)

	p, _ := f.tracker.Get("AAPL")
	require.False(t, p.PendingExit)

	// A locally-tracked position missing at the broker is a repair, not a
	// discrepancy; trading stays live.
	halted, err := f.store.GetTradingHalted(ctx)
	require.NoError(t, err)
	require.False(t, halted)
}

func TestRuntime_DiscrepancyHaltsAndCleanTickClears(t *testing.T) {
	f := newRuntimeFixture(t)
	ctx := t.Context()

	f.broker.Positions = []broker.PositionItem{
		{Symbol: "MSFT", Qty: d("5"), AvgEntryPrice: d("300")},
	}

	f.runtime.Tick(ctx)
	halted, err := f.store.GetTradingHalted(ctx)
	require.NoError(t, err)
	require.True(t, halted, "an unknown broker position halts trading")

	// Operator resolves it out of band.
	f.broker.Positions = nil
	f.runtime.Tick(ctx)
	halted, err = f.store.GetTradingHalted(ctx)
	require.NoError(t, err)
	require.False(t, halted, "a clean tick auto-recovers")
}

func TestRuntime_QuantityMismatchIsDiscrepancy(t *testing.T) {
	f := newRuntimeFixture(t)
	ctx := t.Context()

	require.NoError(t, f.tracker.StartTracking(ctx, "AAPL", d("100"), d("10"), models.PosLong, nil))
	f.broker.Positions = []broker.PositionItem{
		{Symbol: "AAPL", Qty: d("12"), AvgEntryPrice: d("100")},
	}

	f.runtime.Tick(ctx)

	require.NotEmpty(t, f.store.Reports)
	report := f.store.Reports[len(f.store.Reports)-1]
	require.Equal(t, "discrepancies", report.Status)
	require.Equal(t, KindPositionQtyMismatch, report.Discrepancies[0].Kind)
}

func TestRuntime_ConsecutiveFailuresDegradeHealth(t *testing.T) {
	f := newRuntimeFixture(t)
	ctx := t.Context()
	f.broker.OpenOrdersErr = os.ErrDeadlineExceeded

	for i := 0; i < DegradedAfterFailures; i++ {
		f.runtime.Tick(ctx)
	}
	health, err := f.store.GetBrokerHealth(ctx)
	require.NoError(t, err)
	require.Equal(t, models.BrokerDegraded, health)

	f.broker.OpenOrdersErr = nil
	f.runtime.Tick(ctx)
	health, err = f.store.GetBrokerHealth(ctx)
	require.NoError(t, err)
	require.Equal(t, models.BrokerHealthy, health)

	failures, err := f.store.GetReconcilerFailures(ctx)
	require.NoError(t, err)
	require.Zero(t, failures)
}
