// Package orders owns the order lifecycle: deterministic client order ids,
// duplicate suppression through the persisted intent row, the entry/exit
// direction decision, dry-run short-circuiting, and the persisted
// circuit-breaker coupling on submission failure.
package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/eddiefleurent/tradecore/internal/broker"
	"github.com/eddiefleurent/tradecore/internal/bus"
	"github.com/eddiefleurent/tradecore/internal/config"
	"github.com/eddiefleurent/tradecore/internal/metrics"
	"github.com/eddiefleurent/tradecore/internal/models"
	"github.com/eddiefleurent/tradecore/internal/notify"
	"github.com/eddiefleurent/tradecore/internal/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Publisher is the slice of the event bus the manager needs.
type Publisher interface {
	Publish(ev bus.Event) error
}

// intentDirection is the resolved meaning of a signal against current
// broker positions.
type intentDirection int

const (
	directionReject intentDirection = iota
	directionEnterLong
	directionEnterShort
	directionExitLong
	directionExitShort
)

// gated reports whether the direction consults the signal gate: only fresh
// entries do, exits and covers must never be blocked by cooldown.
func (d intentDirection) gated() bool {
	return d == directionEnterLong || d == directionEnterShort
}

// gateAction is the signal-gate action key: gates are keyed by the
// resolved direction, not by the raw signal type, so a BUY that covers a
// short never shares a gate row with a BUY that opens a long.
func (d intentDirection) gateAction() string {
	if d == directionEnterShort {
		return "ENTER_SHORT"
	}
	return "ENTER_LONG"
}

// Manager submits orders idempotently.
type Manager struct {
	cfg       config.OrdersConfig
	strategy  string
	timeframe string
	dryRun    bool

	broker   broker.Broker
	storage  store.Interface
	bus      Publisher
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   *logrus.Entry
}

// NewManager constructs a Manager. strategyName and timeframe feed the
// client-order-id derivation and the signal-gate namespace.
func NewManager(cfg config.OrdersConfig, strategyName, timeframe string, dryRun bool,
	brk broker.Broker, storage store.Interface, publisher Publisher, notifier notify.Notifier,
	m *metrics.Metrics, logger *logrus.Entry) *Manager {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if m == nil {
		m = &metrics.Metrics{}
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	if cfg.CircuitBreakerThreshold <= 0 {
		cfg.CircuitBreakerThreshold = 5
	}
	if cfg.Qty <= 0 {
		cfg.Qty = 1
	}
	return &Manager{
		cfg:       cfg,
		strategy:  strategyName,
		timeframe: timeframe,
		dryRun:    dryRun,
		broker:    brk,
		storage:   storage,
		bus:       publisher,
		notifier:  notifier,
		metrics:   m,
		logger:    logger.WithField("component", "orders"),
	}
}

// HandleSignal runs the submit protocol for a strategy signal. It returns
// false without error when the signal is suppressed (gate rejection,
// duplicate id, or a direction conflict such as BUY while already long).
func (m *Manager) HandleSignal(ctx context.Context, sig models.SignalEvent) (bool, error) {
	side := models.SideBuy
	if sig.Type == models.SignalSell {
		side = models.SideSell
	}
	clientOrderID := ClientOrderID(m.strategy, sig.Symbol, m.timeframe, sig.Timestamp, side)
	log := m.logger.WithFields(logrus.Fields{"symbol": sig.Symbol, "client_order_id": clientOrderID})

	direction, exitQty := m.resolveDirection(ctx, sig.Symbol, sig.Type)
	if direction == directionReject {
		log.Debug("signal rejected: no actionable direction")
		return false, nil
	}

	if direction.gated() {
		accepted, err := m.storage.GateTryAccept(ctx, m.strategy, sig.Symbol, direction.gateAction(),
			time.Now().UTC(), sig.Timestamp.UTC(), m.cfg.GateCooldown)
		if err != nil {
			return false, err
		}
		if !accepted {
			log.Debug("signal rejected by gate")
			return false, nil
		}
	}

	qty := decimal.NewFromFloat(m.cfg.Qty)
	if !direction.gated() && exitQty.IsPositive() {
		qty = exitQty
	}

	return m.submit(ctx, models.OrderIntent{
		ClientOrderID: clientOrderID,
		Symbol:        sig.Symbol,
		Side:          side,
		Qty:           qty,
		ATR:           sig.Metadata.ATR,
		Strategy:      m.strategy,
	}, log)
}

// HandleExit submits the closing order for an exit signal. Exit orders
// never consult the gate; their client order id is derived from the exit
// timestamp so retries of the same exit decision dedupe.
func (m *Manager) HandleExit(ctx context.Context, exit models.ExitSignalEvent) (bool, error) {
	clientOrderID := ClientOrderID(m.strategy, exit.Symbol, m.timeframe, exit.Timestamp, exit.Side)
	log := m.logger.WithFields(logrus.Fields{
		"symbol": exit.Symbol, "client_order_id": clientOrderID, "reason": exit.Reason,
	})
	return m.submit(ctx, models.OrderIntent{
		ClientOrderID: clientOrderID,
		Symbol:        exit.Symbol,
		Side:          exit.Side,
		Qty:           exit.Qty,
		Strategy:      m.strategy,
	}, log)
}

// resolveDirection decides what the signal means given the broker's view of
// the symbol. A failed positions fetch is treated conservatively: a SELL
// becomes an exit candidate (closing is always safe), a BUY is rejected
// because it could open an unintended position.
func (m *Manager) resolveDirection(ctx context.Context, symbol string, sigType models.SignalType) (intentDirection, decimal.Decimal) {
	positions, err := m.broker.GetPositions(ctx)
	if err != nil {
		m.logger.WithError(err).Warn("positions fetch failed, treating signal as exit candidate only")
		if sigType == models.SignalSell {
			return directionExitLong, decimal.Zero
		}
		return directionReject, decimal.Zero
	}

	var held *broker.PositionItem
	for i := range positions {
		if positions[i].Symbol == symbol {
			held = &positions[i]
			break
		}
	}

	switch {
	case sigType == models.SignalBuy && held == nil:
		return directionEnterLong, decimal.Zero
	case sigType == models.SignalBuy && held.Qty.IsPositive():
		return directionReject, decimal.Zero // already long
	case sigType == models.SignalBuy:
		return directionExitShort, held.Qty.Neg()
	case sigType == models.SignalSell && held == nil:
		return directionEnterShort, decimal.Zero
	case held.Qty.IsPositive():
		return directionExitLong, held.Qty
	default:
		return directionReject, decimal.Zero // already short
	}
}

// submit persists the intent, short-circuits dry-run, submits to the
// broker, and couples failures into the persisted circuit breaker.
func (m *Manager) submit(ctx context.Context, intent models.OrderIntent, log *logrus.Entry) (bool, error) {
	inserted, err := m.storage.SaveOrderIntent(ctx, intent)
	if err != nil {
		return false, err
	}
	if !inserted {
		m.metrics.OrdersDuplicate.Add(1)
		log.Info("duplicate client order id, submission suppressed")
		return false, nil
	}

	if m.dryRun {
		status := models.StatusDryRun
		if err := m.storage.UpdateOrderIntent(ctx, intent.ClientOrderID, &status, nil, nil, nil); err != nil {
			return false, err
		}
		log.Info("dry run: order not submitted")
		return true, nil
	}

	order, err := m.broker.SubmitOrder(ctx, intent.Symbol, string(intent.Side), intent.Qty,
		intent.ClientOrderID, broker.OrderTypeMarket, nil, broker.TIFDay)
	if err != nil {
		m.metrics.OrdersFailed.Add(1)
		count, tripped, cbErr := m.storage.IncrementCircuitBreaker(ctx, m.cfg.CircuitBreakerThreshold)
		if cbErr != nil {
			log.WithError(cbErr).Error("circuit breaker increment failed")
		} else if tripped {
			msg := fmt.Sprintf("circuit breaker tripped after %d consecutive order failures", count)
			log.Error(msg)
			if nErr := m.notifier.Notify(ctx, notify.LevelCritical, "circuit breaker tripped", msg); nErr != nil {
				log.WithError(nErr).Warn("alert delivery failed")
			}
		}
		return false, err
	}

	// The breaker counts consecutive failures, so any success clears the
	// counter. A tripped state is left for the operator.
	if cbErr := m.storage.ClearCircuitBreakerFailures(ctx); cbErr != nil {
		log.WithError(cbErr).Warn("circuit breaker counter reset failed")
	}

	status := models.StatusSubmitted
	if err := m.storage.UpdateOrderIntent(ctx, intent.ClientOrderID, &status, nil, &order.ID, nil); err != nil {
		return false, err
	}

	intent.Status = status
	intent.BrokerOrderID = &order.ID
	if err := m.bus.Publish(bus.Event{Kind: bus.KindOrderIntent, Intent: &models.OrderIntentEvent{
		Intent: intent, Timestamp: time.Now().UTC(),
	}}); err != nil {
		log.WithError(err).Warn("order intent publish failed")
	}

	m.metrics.OrdersSubmitted.Add(1)
	log.WithField("broker_order_id", order.ID).Info("order submitted")
	return true, nil
}
