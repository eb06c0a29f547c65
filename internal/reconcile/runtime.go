package reconcile

import (
	"context"
	"time"

	"github.com/eddiefleurent/tradecore/internal/broker"
	"github.com/eddiefleurent/tradecore/internal/models"
	"github.com/eddiefleurent/tradecore/internal/notify"
	"github.com/eddiefleurent/tradecore/internal/position"
	"github.com/eddiefleurent/tradecore/internal/store"
	"github.com/sirupsen/logrus"
)

// DegradedAfterFailures is the consecutive broker-failure count at which
// the reconciler drops to warning-only mode.
const DegradedAfterFailures = 3

// Runtime is the periodic reconciler.
type Runtime struct {
	interval time.Duration
	broker   broker.Broker
	storage  store.Interface
	tracker  *position.Tracker
	notifier notify.Notifier
	logger   *logrus.Entry

	consecutiveFailures int
}

// NewRuntime constructs a runtime reconciler. An interval below 30s falls
// back to the 120s default; one above 300s is capped at 300s.
func NewRuntime(interval time.Duration, brk broker.Broker, storage store.Interface,
	tracker *position.Tracker, notifier notify.Notifier, logger *logrus.Entry) *Runtime {
	if interval < 30*time.Second {
		interval = 120 * time.Second
	}
	if interval > 300*time.Second {
		interval = 300 * time.Second
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	return &Runtime{
		interval: interval,
		broker:   brk,
		storage:  storage,
		tracker:  tracker,
		notifier: notifier,
		logger:   logger.WithField("component", "reconcile_runtime"),
	}
}

// Run ticks until ctx is canceled.
func (r *Runtime) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs one reconciliation pass.
func (r *Runtime) Tick(ctx context.Context) {
	report := newReport("runtime")

	brokerOpen, err := r.broker.GetOpenOrders(ctx)
	if err != nil {
		r.recordFailure(ctx, err)
		return
	}
	brokerPositions, err := r.broker.GetPositions(ctx)
	if err != nil {
		r.recordFailure(ctx, err)
		return
	}
	localOpen, err := r.storage.GetOpenOrderIntents(ctx)
	if err != nil {
		r.logger.WithError(err).Warn("local intents load failed")
		return
	}

	r.recordSuccess(ctx)

	if err := compareOrders(ctx, r.broker, localOpen, brokerOpen, report, r.adoptTerminal,
		r.storage.GetOrderIntent); err != nil {
		r.recordFailure(ctx, err)
		return
	}

	// The live tracker, not the startup snapshot, is the local side of the
	// position comparison; a fresh snapshot is taken below so the audit
	// trail follows along.
	tracked := r.tracker.All()
	local := make([]localPosition, 0, len(tracked))
	for _, p := range tracked {
		qty, _ := p.Qty.Float64()
		local = append(local, localPosition{Symbol: p.Symbol, Qty: qty})
	}
	comparePositions(brokerPositions, local, QtyTolerance, report)

	r.repairStuckExits(ctx, tracked, brokerPositions, brokerOpen, localOpen, report)

	finalize(report)
	if err := r.storage.SaveReconciliationReport(ctx, *report); err != nil {
		r.logger.WithError(err).Warn("report persistence failed")
	}

	if len(report.Discrepancies) > 0 {
		r.haltTrading(ctx, report)
		return
	}

	r.clearHaltIfSet(ctx)
	r.refreshSnapshot(ctx, brokerPositions)
}

func (r *Runtime) adoptTerminal(ctx context.Context, intent models.OrderIntent, brokerOrder *broker.Order) error {
	status := models.OrderStatus(brokerOrder.Status)
	filled := brokerOrder.FilledQty
	return r.storage.UpdateOrderIntent(ctx, intent.ClientOrderID, &status, &filled, nil,
		brokerOrder.FilledAvgPrice)
}

// repairStuckExits clears pending_exit flags whose exit order can no
// longer arrive: the position is gone from the broker, or no working exit
// order exists on either side.
func (r *Runtime) repairStuckExits(ctx context.Context, tracked []models.Position,
	brokerPositions []broker.PositionItem, brokerOpen []broker.Order,
	localOpen []models.OrderIntent, report *models.ReconciliationReport) {

	atBroker := make(map[string]bool, len(brokerPositions))
	for _, bp := range brokerPositions {
		atBroker[bp.Symbol] = true
	}
	// An exit order has the closing side: sell works off a long, buy covers
	// a short. Same-side working orders do not keep a pending_exit alive.
	workingExit := make(map[string]bool)
	for _, o := range brokerOpen {
		workingExit[o.Symbol+"\x00"+o.Side] = true
	}
	for _, intent := range localOpen {
		if intent.BrokerOrderID != nil && *intent.BrokerOrderID != "" {
			workingExit[intent.Symbol+"\x00"+string(intent.Side)] = true
		}
	}

	for _, p := range tracked {
		if !p.PendingExit {
			continue
		}
		closingSide := "sell"
		if p.Side == models.PosShort {
			closingSide = "buy"
		}
		stuck := !atBroker[p.Symbol] || !workingExit[p.Symbol+"\x00"+closingSide]
		if !stuck {
			continue
		}
		if err := r.tracker.SetPendingExit(ctx, p.Symbol, false); err != nil {
			r.logger.WithError(err).WithField("symbol", p.Symbol).Warn("pending_exit repair failed")
			continue
		}
		report.Repairs = append(report.Repairs, models.ReconciliationRepair{
			Kind:   RepairStuckPendingExit,
			Detail: "no working exit order, flag cleared",
			Symbol: p.Symbol,
		})
		r.logger.WithField("symbol", p.Symbol).Warn("stuck pending_exit cleared")
	}
}

func (r *Runtime) haltTrading(ctx context.Context, report *models.ReconciliationReport) {
	if err := r.storage.SetTradingHalted(ctx, true); err != nil {
		r.logger.WithError(err).Error("trading halt persistence failed")
	}
	r.logger.WithField("discrepancies", len(report.Discrepancies)).Error("reconciliation discrepancies, trading halted")
	if err := r.notifier.Notify(ctx, notify.LevelCritical, "trading halted",
		"runtime reconciliation found discrepancies against the broker"); err != nil {
		r.logger.WithError(err).Warn("alert delivery failed")
	}
}

// clearHaltIfSet auto-recovers after a clean check.
func (r *Runtime) clearHaltIfSet(ctx context.Context) {
	halted, err := r.storage.GetTradingHalted(ctx)
	if err != nil || !halted {
		return
	}
	if err := r.storage.SetTradingHalted(ctx, false); err != nil {
		r.logger.WithError(err).Error("trading halt clear failed")
		return
	}
	r.logger.Info("clean reconciliation, trading halt cleared")
	if err := r.notifier.Notify(ctx, notify.LevelInfo, "trading resumed",
		"reconciliation is clean again"); err != nil {
		r.logger.WithError(err).Warn("alert delivery failed")
	}
}

func (r *Runtime) refreshSnapshot(ctx context.Context, positions []broker.PositionItem) {
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
	if err := r.storage.SavePositionsSnapshot(ctx, time.Now().UTC(), rows); err != nil {
		r.logger.WithError(err).Warn("positions snapshot refresh failed")
	}
}

func (r *Runtime) recordFailure(ctx context.Context, err error) {
	r.consecutiveFailures++
	r.logger.WithError(err).WithField("consecutive", r.consecutiveFailures).Warn("reconciliation broker call failed")

	if r.consecutiveFailures >= DegradedAfterFailures {
		if sErr := r.storage.SetBrokerHealth(ctx, models.BrokerDegraded); sErr != nil {
			r.logger.WithError(sErr).Warn("broker health persistence failed")
		}
	}
	if sErr := r.storage.RecordReconcilerCheck(ctx, time.Now().UTC(), r.consecutiveFailures); sErr != nil {
		r.logger.WithError(sErr).Warn("reconciler check persistence failed")
	}
}

func (r *Runtime) recordSuccess(ctx context.Context) {
	if r.consecutiveFailures >= DegradedAfterFailures {
		if err := r.storage.SetBrokerHealth(ctx, models.BrokerHealthy); err != nil {
			r.logger.WithError(err).Warn("broker health persistence failed")
		}
	}
	r.consecutiveFailures = 0
	if err := r.storage.RecordReconcilerCheck(ctx, time.Now().UTC(), 0); err != nil {
		r.logger.WithError(err).Warn("reconciler check persistence failed")
	}
}
