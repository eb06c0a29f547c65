// Package reconcile compares local state against the broker's. At startup
// it refuses to let the engine trade over an unresolved divergence; at
// runtime it repairs stuck pending-exit flags, halts trading while a
// discrepancy stands, and degrades to warning-only when the broker API
// itself is failing.
package reconcile

import (
	"context"
	"encoding/json"
	"time"

	"github.com/eddiefleurent/tradecore/internal/broker"
	"github.com/eddiefleurent/tradecore/internal/models"
	"github.com/google/uuid"
)

// Discrepancy kinds.
const (
	KindOrderNotInStore     = "order_not_in_sqlite"
	KindLocalTerminalDrift  = "order_status_mismatch"
	KindPositionQtyMismatch = "position_mismatch"
	KindPositionUnknown     = "position_not_in_sqlite"
)

// Repair kinds.
const (
	RepairStuckPendingExit = "stuck_pending_exit_cleared"
	RepairTerminalAdopted  = "broker_terminal_adopted"
)

// localPosition is the slice of a tracked position reconciliation compares.
type localPosition struct {
	Symbol string
	Qty    float64
}

// newReport stamps a fresh report shell.
func newReport(kind string) *models.ReconciliationReport {
	return &models.ReconciliationReport{
		ID:           uuid.NewString(),
		Kind:         kind,
		StartedAtUTC: time.Now().UTC(),
	}
}

// finalize computes status, duration, and the JSON payload.
func finalize(report *models.ReconciliationReport) {
	report.DurationMS = time.Since(report.StartedAtUTC).Milliseconds()
	switch {
	case len(report.Discrepancies) > 0:
		report.Status = "discrepancies"
	case len(report.Repairs) > 0:
		report.Status = "repaired"
	default:
		report.Status = "clean"
	}
	payload, err := json.Marshal(struct {
		Discrepancies []models.ReconciliationDiscrepancy `json:"discrepancies"`
		Repairs       []models.ReconciliationRepair      `json:"repairs"`
	}{report.Discrepancies, report.Repairs})
	if err == nil {
		report.PayloadJSON = string(payload)
	}
}

// compareOrders applies the order rules shared by startup and runtime:
// broker-terminal transitions are adopted silently, local-terminal rows the
// broker still works are discrepancies, and broker open orders with no
// local intent are orphans.
func compareOrders(ctx context.Context, brk broker.Broker, localOpen []models.OrderIntent,
	brokerOpen []broker.Order, report *models.ReconciliationReport,
	adopt func(ctx context.Context, intent models.OrderIntent, brokerOrder *broker.Order) error,
	lookupLocal func(ctx context.Context, clientOrderID string) (*models.OrderIntent, error)) error {

	brokerByClientID := make(map[string]broker.Order, len(brokerOpen))
	for _, o := range brokerOpen {
		brokerByClientID[o.ClientOrderID] = o
	}

	for _, intent := range localOpen {
		if _, working := brokerByClientID[intent.ClientOrderID]; working {
			continue
		}
		if intent.BrokerOrderID == nil || *intent.BrokerOrderID == "" {
			// Never submitted (dry-run or pre-submit crash); nothing at
			// the broker to compare.
			continue
		}
		brokerOrder, err := brk.GetOrder(ctx, *intent.BrokerOrderID)
		if err != nil {
			return err
		}
		if models.OrderStatus(brokerOrder.Status).IsTerminal() {
			// Broker is authoritative for terminal transitions.
			if err := adopt(ctx, intent, brokerOrder); err != nil {
				return err
			}
			report.Repairs = append(report.Repairs, models.ReconciliationRepair{
				Kind:   RepairTerminalAdopted,
				Detail: "local " + string(intent.Status) + " -> broker " + brokerOrder.Status,
				Symbol: intent.Symbol,
			})
		}
	}

	for _, o := range brokerOpen {
		local, err := lookupLocal(ctx, o.ClientOrderID)
		if err != nil {
			return err
		}
		switch {
		case local == nil:
			report.Discrepancies = append(report.Discrepancies, models.ReconciliationDiscrepancy{
				Kind:    KindOrderNotInStore,
				Detail:  "broker open order has no local intent",
				Symbol:  o.Symbol,
				OrderID: o.ID,
			})
		case local.Status.IsTerminal():
			report.Discrepancies = append(report.Discrepancies, models.ReconciliationDiscrepancy{
				Kind:    KindLocalTerminalDrift,
				Detail:  "local status " + string(local.Status) + " but broker still working",
				Symbol:  o.Symbol,
				OrderID: o.ID,
			})
		}
	}
	return nil
}

// comparePositions flags quantity mismatches and broker positions unknown
// locally. tolerance is the absolute quantity difference treated as equal.
func comparePositions(brokerPositions []broker.PositionItem, local []localPosition,
	tolerance float64, report *models.ReconciliationReport) {
	localBySymbol := make(map[string]localPosition, len(local))
	for _, lp := range local {
		localBySymbol[lp.Symbol] = lp
	}

	for _, bp := range brokerPositions {
		qty, _ := bp.Qty.Abs().Float64()
		lp, known := localBySymbol[bp.Symbol]
		if !known {
			report.Discrepancies = append(report.Discrepancies, models.ReconciliationDiscrepancy{
				Kind:   KindPositionUnknown,
				Detail: "broker position not tracked locally",
				Symbol: bp.Symbol,
			})
			continue
		}
		diff := lp.Qty - qty
		if diff < 0 {
			diff = -diff
		}
		if diff > tolerance {
			report.Discrepancies = append(report.Discrepancies, models.ReconciliationDiscrepancy{
				Kind:   KindPositionQtyMismatch,
				Detail: "local and broker quantities differ beyond tolerance",
				Symbol: bp.Symbol,
			})
		}
	}
}
