// Package position tracks open positions in memory, persisting each change
// so trailing-stop state survives a restart by value. The in-memory map is
// primary; the broker remains authoritative for existence and quantity,
// enforced by SyncWithBroker at startup and by the runtime reconciler.
package position

import (
	"context"
	"sync"
	"time"

	"github.com/eddiefleurent/tradecore/internal/broker"
	"github.com/eddiefleurent/tradecore/internal/models"
	"github.com/eddiefleurent/tradecore/internal/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// QtyMismatchTolerance is the absolute quantity difference below which the
// local and broker views are considered equal.
var QtyMismatchTolerance = decimal.RequireFromString("0.0001")

// Config holds trailing-stop parameters.
type Config struct {
	TrailingEnabled       bool
	TrailingActivationPct float64
	TrailingTrailPct      float64
}

// Mismatch describes one local/broker quantity disagreement found by
// SyncWithBroker.
type Mismatch struct {
	Symbol    string
	LocalQty  decimal.Decimal
	BrokerQty decimal.Decimal
}

// Tracker is the per-symbol position tracker.
type Tracker struct {
	mu        sync.Mutex
	positions map[string]*models.Position

	cfg     Config
	storage store.Interface
	broker  broker.Broker
	logger  *logrus.Entry
}

// NewTracker constructs a Tracker.
func NewTracker(cfg Config, storage store.Interface, brk broker.Broker, logger *logrus.Entry) *Tracker {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	return &Tracker{
		positions: make(map[string]*models.Position),
		cfg:       cfg,
		storage:   storage,
		broker:    brk,
		logger:    logger.WithField("component", "position_tracker"),
	}
}

// LoadPersisted restores all persisted position rows into memory. Called
// once at startup, before SyncWithBroker.
func (t *Tracker) LoadPersisted(ctx context.Context) error {
	rows, err := t.storage.LoadPositions(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range rows {
		p := rows[i]
		t.positions[p.Symbol] = &p
	}
	if len(rows) > 0 {
		t.logger.WithField("count", len(rows)).Info("restored persisted positions")
	}
	return nil
}

// StartTracking creates a tracked position from an opening fill. Any
// existing entry for the symbol is replaced.
func (t *Tracker) StartTracking(ctx context.Context, symbol string, fillPrice, qty decimal.Decimal,
	side models.PositionSide, atrVal *float64) error {
	p := &models.Position{
		Symbol:       symbol,
		Side:         side,
		Qty:          qty,
		EntryPrice:   fillPrice,
		EntryTime:    time.Now().UTC(),
		ExtremePrice: fillPrice,
		ATR:          atrVal,
		UpdatedAt:    time.Now().UTC(),
	}
	t.mu.Lock()
	t.positions[symbol] = p
	cp := *p
	t.mu.Unlock()

	t.logger.WithFields(logrus.Fields{
		"symbol": symbol, "side": side, "qty": qty.String(), "entry": fillPrice.String(),
	}).Info("tracking position")
	return t.storage.UpsertPosition(ctx, cp)
}

// StopTracking removes the position from memory and storage. Stopping an
// untracked symbol is a no-op.
func (t *Tracker) StopTracking(ctx context.Context, symbol string) error {
	t.mu.Lock()
	_, tracked := t.positions[symbol]
	delete(t.positions, symbol)
	t.mu.Unlock()

	if tracked {
		t.logger.WithField("symbol", symbol).Info("stopped tracking position")
	}
	return t.storage.DeletePosition(ctx, symbol)
}

// Get returns a copy of the tracked position for symbol.
func (t *Tracker) Get(symbol string) (models.Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.positions[symbol]
	if !ok {
		return models.Position{}, false
	}
	return *p, true
}

// All returns copies of every tracked position.
func (t *Tracker) All() []models.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.Position, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, *p)
	}
	return out
}

// Count returns the number of tracked positions.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.positions)
}

// SetPendingExit flips the pending_exit flag and persists the position.
func (t *Tracker) SetPendingExit(ctx context.Context, symbol string, pending bool) error {
	t.mu.Lock()
	p, ok := t.positions[symbol]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	p.PendingExit = pending
	p.UpdatedAt = time.Now().UTC()
	cp := *p
	t.mu.Unlock()
	return t.storage.UpsertPosition(ctx, cp)
}

// UpdateCurrentPrice moves extreme_price in the favourable direction only
// and runs trailing-stop activation and movement. The trailing stop, once
// activated, ratchets: up only for longs, down only for shorts.
func (t *Tracker) UpdateCurrentPrice(ctx context.Context, symbol string, current decimal.Decimal) error {
	t.mu.Lock()
	p, ok := t.positions[symbol]
	if !ok {
		t.mu.Unlock()
		return nil
	}

	changed := false
	switch p.Side {
	case models.PosLong:
		if current.GreaterThan(p.ExtremePrice) {
			p.ExtremePrice = current
			changed = true
		}
		if t.cfg.TrailingEnabled && p.EntryPrice.IsPositive() {
			gain, _ := current.Sub(p.EntryPrice).Div(p.EntryPrice).Float64()
			if !p.TrailingStopActivated && gain >= t.cfg.TrailingActivationPct {
				p.TrailingStopActivated = true
				stop := current.Mul(decimal.NewFromFloat(1 - t.cfg.TrailingTrailPct))
				p.TrailingStopPrice = &stop
				changed = true
				t.logger.WithFields(logrus.Fields{
					"symbol": symbol, "stop": stop.String(),
				}).Info("trailing stop activated")
			} else if p.TrailingStopActivated {
				candidate := current.Mul(decimal.NewFromFloat(1 - t.cfg.TrailingTrailPct))
				if p.TrailingStopPrice == nil || candidate.GreaterThan(*p.TrailingStopPrice) {
					p.TrailingStopPrice = &candidate
					changed = true
				}
			}
		}
	case models.PosShort:
		if current.LessThan(p.ExtremePrice) {
			p.ExtremePrice = current
			changed = true
		}
		if t.cfg.TrailingEnabled && p.EntryPrice.IsPositive() {
			gain, _ := p.EntryPrice.Sub(current).Div(p.EntryPrice).Float64()
			if !p.TrailingStopActivated && gain >= t.cfg.TrailingActivationPct {
				p.TrailingStopActivated = true
				stop := current.Mul(decimal.NewFromFloat(1 + t.cfg.TrailingTrailPct))
				p.TrailingStopPrice = &stop
				changed = true
				t.logger.WithFields(logrus.Fields{
					"symbol": symbol, "stop": stop.String(),
				}).Info("trailing stop activated")
			} else if p.TrailingStopActivated {
				candidate := current.Mul(decimal.NewFromFloat(1 + t.cfg.TrailingTrailPct))
				if p.TrailingStopPrice == nil || candidate.LessThan(*p.TrailingStopPrice) {
					p.TrailingStopPrice = &candidate
					changed = true
				}
			}
		}
	default:
		t.mu.Unlock()
		t.logger.WithFields(logrus.Fields{"symbol": symbol, "side": p.Side}).Warn("unsupported position side")
		return nil
	}

	if changed {
		p.UpdatedAt = time.Now().UTC()
	}
	cp := *p
	t.mu.Unlock()

	if changed {
		return t.storage.UpsertPosition(ctx, cp)
	}
	return nil
}

// CalculatePnl returns the side-aware P&L amount and percentage for the
// tracked position at current price. An untracked symbol, a non-positive
// entry price, or an unsupported side all return (0, 0).
func (t *Tracker) CalculatePnl(symbol string, current decimal.Decimal) (amount, pct float64) {
	t.mu.Lock()
	p, ok := t.positions[symbol]
	if ok {
		cp := *p
		p = &cp
	}
	t.mu.Unlock()
	if !ok {
		return 0, 0
	}
	if !p.EntryPrice.IsPositive() {
		return 0, 0
	}

	var perShare decimal.Decimal
	switch p.Side {
	case models.PosLong:
		perShare = current.Sub(p.EntryPrice)
	case models.PosShort:
		perShare = p.EntryPrice.Sub(current)
	default:
		t.logger.WithFields(logrus.Fields{"symbol": symbol, "side": p.Side}).Warn("unsupported position side")
		return 0, 0
	}

	amount, _ = perShare.Mul(p.Qty).Float64()
	pct, _ = perShare.Div(p.EntryPrice).Float64()
	return amount, pct
}

// SyncWithBroker reconciles the in-memory map against broker positions:
// broker-only positions start tracking, local-only positions stop, and
// quantity differences beyond the tolerance are reported to the caller.
// Called once at startup after LoadPersisted.
func (t *Tracker) SyncWithBroker(ctx context.Context) ([]Mismatch, error) {
	brokerPositions, err := t.broker.GetPositions(ctx)
	if err != nil {
		return nil, err
	}

	atBroker := make(map[string]broker.PositionItem, len(brokerPositions))
	for _, bp := range brokerPositions {
		atBroker[bp.Symbol] = bp
	}

	var mismatches []Mismatch
	for _, bp := range brokerPositions {
		side := models.PosLong
		qty := bp.Qty
		if bp.Qty.IsNegative() {
			side = models.PosShort
			qty = bp.Qty.Neg()
		}

		local, tracked := t.Get(bp.Symbol)
		if !tracked {
			t.logger.WithField("symbol", bp.Symbol).Warn("broker position not tracked locally, adopting")
			if err := t.StartTracking(ctx, bp.Symbol, bp.AvgEntryPrice, qty, side, nil); err != nil {
				return nil, err
			}
			continue
		}
		if local.Qty.Sub(qty).Abs().GreaterThan(QtyMismatchTolerance) {
			mismatches = append(mismatches, Mismatch{Symbol: bp.Symbol, LocalQty: local.Qty, BrokerQty: qty})
		}
	}

	for _, local := range t.All() {
		if _, ok := atBroker[local.Symbol]; !ok {
			t.logger.WithField("symbol", local.Symbol).Warn("tracked position absent at broker, dropping")
			if err := t.StopTracking(ctx, local.Symbol); err != nil {
				return nil, err
			}
		}
	}
	return mismatches, nil
}
