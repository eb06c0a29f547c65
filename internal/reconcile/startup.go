package reconcile

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/eddiefleurent/tradecore/internal/broker"
	"github.com/eddiefleurent/tradecore/internal/engerr"
	"github.com/eddiefleurent/tradecore/internal/models"
	"github.com/eddiefleurent/tradecore/internal/store"
	"github.com/sirupsen/logrus"
)

// DefaultErrorReportPath is where a failed startup reconciliation leaves
// its report for the operator.
const DefaultErrorReportPath = "data/reconciliation_error.json"

// QtyTolerance is the position-quantity comparison tolerance.
const QtyTolerance = 1e-4

// Startup performs the one-shot pre-trade reconciliation.
type Startup struct {
	broker     broker.Broker
	storage    store.Interface
	reportPath string
	logger     *logrus.Entry
}

// NewStartup constructs a startup reconciler. reportPath defaults to
// DefaultErrorReportPath.
func NewStartup(brk broker.Broker, storage store.Interface, reportPath string, logger *logrus.Entry) *Startup {
	if reportPath == "" {
		reportPath = DefaultErrorReportPath
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	return &Startup{
		broker:     brk,
		storage:    storage,
		reportPath: reportPath,
		logger:     logger.WithField("component", "reconcile_startup"),
	}
}

// Run compares broker state against the store and refuses to let startup
// continue when any discrepancy is found; on a clean pass it snapshots the
// broker's positions.
func (s *Startup) Run(ctx context.Context) error {
	report := newReport("startup")

	brokerOpen, err := s.broker.GetOpenOrders(ctx)
	if err != nil {
		return engerr.Reconciliation("startup: open orders fetch failed", err)
	}
	brokerPositions, err := s.broker.GetPositions(ctx)
	if err != nil {
		return engerr.Reconciliation("startup: positions fetch failed", err)
	}
	localOpen, err := s.storage.GetOpenOrderIntents(ctx)
	if err != nil {
		return engerr.Reconciliation("startup: local intents load failed", err)
	}
	localPositions, err := s.storage.LoadPositions(ctx)
	if err != nil {
		return engerr.Reconciliation("startup: local positions load failed", err)
	}

	if err := compareOrders(ctx, s.broker, localOpen, brokerOpen, report, s.adoptTerminal,
		s.storage.GetOrderIntent); err != nil {
		return engerr.Reconciliation("startup: order comparison failed", err)
	}

	local := make([]localPosition, 0, len(localPositions))
	for _, p := range localPositions {
		qty, _ := p.Qty.Float64()
		local = append(local, localPosition{Symbol: p.Symbol, Qty: qty})
	}
	comparePositions(brokerPositions, local, QtyTolerance, report)

	finalize(report)
	if err := s.storage.SaveReconciliationReport(ctx, *report); err != nil {
		s.logger.WithError(err).Warn("report persistence failed")
	}

	if len(report.Discrepancies) > 0 {
		s.writeErrorReport(report)
		return engerr.New(engerr.KindReconciliation,
			"startup reconciliation found unresolved discrepancies, refusing to start")
	}

	s.snapshotPositions(ctx, brokerPositions)
	s.logger.WithField("repairs", len(report.Repairs)).Info("startup reconciliation clean")
	return nil
}

// adoptTerminal updates a local intent to the broker's terminal view.
func (s *Startup) adoptTerminal(ctx context.Context, intent models.OrderIntent, brokerOrder *broker.Order) error {
	status := models.OrderStatus(brokerOrder.Status)
	filled := brokerOrder.FilledQty
	return s.storage.UpdateOrderIntent(ctx, intent.ClientOrderID, &status, &filled, nil,
		brokerOrder.FilledAvgPrice)
}

// writeErrorReport leaves the full report on disk for the operator. A write
// failure is logged but does not mask the reconciliation error.
func (s *Startup) writeErrorReport(report *models.ReconciliationReport) {
	if err := os.MkdirAll(filepath.Dir(s.reportPath), 0o750); err != nil {
		s.logger.WithError(err).Error("report directory creation failed")
		return
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		s.logger.WithError(err).Error("report serialization failed")
		return
	}
	if err := os.WriteFile(s.reportPath, data, 0o600); err != nil {
		s.logger.WithError(err).Error("report write failed")
		return
	}
	s.logger.WithField("path", s.reportPath).Error("reconciliation report written")
}

// snapshotPositions records the broker's positions on clean completion.
func (s *Startup) snapshotPositions(ctx context.Context, positions []broker.PositionItem) {
	rows := make([]models.PositionSnapshotRow, 0, len(positions))
	for _, p := range positions {
		side := models.PosLong
		qty := p.Qty
		if p.Qty.IsNegative() {
			side = models.PosShort
			qty = p.Qty.Neg()
		}
		rows = append(rows, models.PositionSnapshotRow{
			Symbol:     p.Symbol,
			Side:       side,
			Qty:        qty.String(),
			EntryPrice: p.AvgEntryPrice.String(),
		})
	}
	if err := s.storage.SavePositionsSnapshot(ctx, time.Now().UTC(), rows); err != nil {
		s.logger.WithError(err).Warn("positions snapshot failed")
	}
}
