// Package exit runs the periodic exit-evaluation loop: stop loss first,
// then trailing stop, then profit target, with ATR-derived thresholds
// replacing the fixed percentages whenever the position carries a usable
// ATR. An exit signal marks its position pending_exit only after the bus
// accepted it, so a failed publish leaves the position retryable on the
// next tick.
package exit

import (
	"context"
	"math"
	"time"

	"github.com/eddiefleurent/tradecore/internal/broker"
	"github.com/eddiefleurent/tradecore/internal/bus"
	"github.com/eddiefleurent/tradecore/internal/config"
	"github.com/eddiefleurent/tradecore/internal/metrics"
	"github.com/eddiefleurent/tradecore/internal/models"
	"github.com/eddiefleurent/tradecore/internal/position"
	"github.com/eddiefleurent/tradecore/internal/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Publisher is the slice of the event bus the exit manager needs.
type Publisher interface {
	Publish(ev bus.Event) error
}

// Manager evaluates exit conditions for every tracked position.
type Manager struct {
	cfg     config.ExitConfig
	tracker *position.Tracker
	broker  broker.Broker
	storage store.Interface
	bus     Publisher
	metrics *metrics.Metrics
	logger  *logrus.Entry
}

// NewManager constructs a Manager.
func NewManager(cfg config.ExitConfig, tracker *position.Tracker, brk broker.Broker,
	storage store.Interface, publisher Publisher, m *metrics.Metrics, logger *logrus.Entry) *Manager {
	if cfg.CheckIntervalSeconds <= 0 {
		cfg.CheckIntervalSeconds = 30
	}
	if m == nil {
		m = &metrics.Metrics{}
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	return &Manager{
		cfg:     cfg,
		tracker: tracker,
		broker:  brk,
		storage: storage,
		bus:     publisher,
		metrics: m,
		logger:  logger.WithField("component", "exit"),
	}
}

// Run ticks until ctx is canceled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(m.cfg.CheckIntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs one evaluation pass.
func (m *Manager) Tick(ctx context.Context) {
	if m.cfg.ExitOnCircuitBreaker {
		state, _, err := m.storage.GetCircuitBreaker(ctx)
		if err != nil {
			m.logger.WithError(err).Warn("circuit breaker lookup failed")
		} else if state == models.CircuitTripped {
			m.CloseAllPositions(ctx, models.ExitCircuitBreak)
			return
		}
	}

	clock, err := m.broker.GetClock(ctx)
	if err != nil {
		m.logger.WithError(err).Warn("clock fetch failed, skipping exit tick")
		return
	}
	if !clock.IsOpen {
		return
	}

	for _, p := range m.tracker.All() {
		if p.PendingExit {
			continue
		}
		m.evaluatePosition(ctx, p)
	}
}

func (m *Manager) evaluatePosition(ctx context.Context, p models.Position) {
	log := m.logger.WithField("symbol", p.Symbol)

	snap, err := m.broker.GetSnapshot(ctx, p.Symbol)
	if err != nil {
		log.WithError(err).Debug("snapshot fetch failed, skipping this tick")
		return
	}
	current := snapshotPrice(snap)
	if current == nil {
		log.Debug("snapshot has no usable price, skipping this tick")
		return
	}

	if err := m.tracker.UpdateCurrentPrice(ctx, p.Symbol, *current); err != nil {
		log.WithError(err).Warn("price update persistence failed")
	}
	// Re-read: UpdateCurrentPrice may have moved the extreme and the
	// trailing stop.
	p, ok := m.tracker.Get(p.Symbol)
	if !ok || p.PendingExit {
		return
	}

	sig := m.Evaluate(p, *current)
	if sig == nil {
		return
	}
	m.publishExit(ctx, *sig, log)
}

// publishExit pushes the signal onto the bus and flags the position only
// when the publish succeeded.
func (m *Manager) publishExit(ctx context.Context, sig models.ExitSignalEvent, log *logrus.Entry) {
	if err := m.bus.Publish(bus.Event{Kind: bus.KindExitSignal, Exit: &sig}); err != nil {
		log.WithError(err).Error("exit signal publish failed, will retry next tick")
		return
	}
	m.metrics.ExitsPublished.Add(1)
	if err := m.tracker.SetPendingExit(ctx, sig.Symbol, true); err != nil {
		log.WithError(err).Warn("pending_exit persistence failed")
	}
	log.WithFields(logrus.Fields{"reason": sig.Reason, "pnl_pct": sig.PnlPct}).Info("exit signal published")
}

// Evaluate applies the exit rules to p at current price and returns the
// exit signal to emit, or nil.
func (m *Manager) Evaluate(p models.Position, current decimal.Decimal) *models.ExitSignalEvent {
	pnlAmount, pnlPct := m.tracker.CalculatePnl(p.Symbol, current)

	entry := p.EntryPrice.InexactFloat64()
	cur := current.InexactFloat64()

	// ATR thresholds replace the fixed percentages for stop and target
	// when they compute to finite values. Trailing runs regardless.
	var atrStop, atrTarget float64
	useATR := false
	if p.ATR != nil && isFinitePositive(*p.ATR) {
		if p.Side == models.PosLong {
			atrStop = entry - *p.ATR*m.cfg.ATRMultStop
			atrTarget = entry + *p.ATR*m.cfg.ATRMultTarget
		} else {
			atrStop = entry + *p.ATR*m.cfg.ATRMultStop
			atrTarget = entry - *p.ATR*m.cfg.ATRMultTarget
		}
		useATR = isFinite(atrStop) && isFinite(atrTarget)
	}

	var reason models.ExitReason
	switch {
	case m.stopLossHit(p, cur, pnlPct, useATR, atrStop):
		reason = models.ExitStopLoss
	case m.trailingStopHit(p, current):
		reason = models.ExitTrailingStop
	case m.profitTargetHit(p, cur, pnlPct, useATR, atrTarget):
		reason = models.ExitProfitTarget
	default:
		return nil
	}

	return &models.ExitSignalEvent{
		Symbol:       p.Symbol,
		Side:         closingSide(p.Side),
		Qty:          p.Qty,
		Reason:       reason,
		EntryPrice:   p.EntryPrice,
		CurrentPrice: current,
		PnlPct:       pnlPct,
		PnlAmount:    pnlAmount,
		Timestamp:    time.Now().UTC(),
	}
}

func (m *Manager) stopLossHit(p models.Position, cur, pnlPct float64, useATR bool, atrStop float64) bool {
	if useATR {
		if p.Side == models.PosLong {
			return cur <= atrStop
		}
		return cur >= atrStop
	}
	return pnlPct <= -m.cfg.StopLossPct
}

func (m *Manager) trailingStopHit(p models.Position, current decimal.Decimal) bool {
	if !m.cfg.TrailingEnabled || !p.TrailingStopActivated || p.TrailingStopPrice == nil {
		return false
	}
	if p.Side == models.PosLong {
		return current.LessThanOrEqual(*p.TrailingStopPrice)
	}
	return current.GreaterThanOrEqual(*p.TrailingStopPrice)
}

func (m *Manager) profitTargetHit(p models.Position, cur, pnlPct float64, useATR bool, atrTarget float64) bool {
	if useATR {
		if p.Side == models.PosLong {
			return cur >= atrTarget
		}
		return cur <= atrTarget
	}
	return pnlPct >= m.cfg.ProfitTargetPct
}

// CloseAllPositions publishes one exit signal per tracked position that is
// not already pending exit. Tick calls it when the persisted circuit breaker
// is tripped; the engine's shutdown flattens positions through its own path.
func (m *Manager) CloseAllPositions(ctx context.Context, reason models.ExitReason) {
	for _, p := range m.tracker.All() {
		if p.PendingExit {
			continue
		}
		log := m.logger.WithField("symbol", p.Symbol)

		current := p.ExtremePrice
		if snap, err := m.broker.GetSnapshot(ctx, p.Symbol); err == nil {
			if price := snapshotPrice(snap); price != nil {
				current = *price
			}
		}

		pnlAmount, pnlPct := m.tracker.CalculatePnl(p.Symbol, current)
		m.publishExit(ctx, models.ExitSignalEvent{
			Symbol:       p.Symbol,
			Side:         closingSide(p.Side),
			Qty:          p.Qty,
			Reason:       reason,
			EntryPrice:   p.EntryPrice,
			CurrentPrice: current,
			PnlPct:       pnlPct,
			PnlAmount:    pnlAmount,
			Timestamp:    time.Now().UTC(),
		}, log)
	}
}

func closingSide(side models.PositionSide) models.Side {
	if side == models.PosShort {
		return models.SideBuy
	}
	return models.SideSell
}

// snapshotPrice picks the last trade price, falling back to the bid.
func snapshotPrice(snap *broker.Snapshot) *decimal.Decimal {
	if snap.LastPrice != nil && snap.LastPrice.IsPositive() {
		return snap.LastPrice
	}
	if snap.Bid != nil && snap.Bid.IsPositive() {
		return snap.Bid
	}
	return nil
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func isFinitePositive(f float64) bool {
	return isFinite(f) && f > 0
}
