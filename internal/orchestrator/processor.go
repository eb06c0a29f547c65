package orchestrator

import (
	"context"
	"fmt"

	"github.com/eddiefleurent/tradecore/internal/bus"
	"github.com/eddiefleurent/tradecore/internal/engerr"
	"github.com/eddiefleurent/tradecore/internal/models"
	"github.com/eddiefleurent/tradecore/internal/notify"
	"github.com/sirupsen/logrus"
)

// processEvents is the single bus consumer: the only place strategy, risk,
// and order-manager calls run in response to bar and exit events, which
// serializes the trading decision path.
func (e *Engine) processEvents(ctx context.Context) error {
	events := e.bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			e.handleEvent(ctx, ev)
		}
	}
}

func (e *Engine) handleEvent(ctx context.Context, ev bus.Event) {
	switch ev.Kind {
	case bus.KindBar:
		e.handleBar(ctx, *ev.Bar)
	case bus.KindSignal:
		e.handleSignal(ctx, *ev.Signal, nil)
	case bus.KindExitSignal:
		e.handleExitSignal(ctx, *ev.Exit)
	case bus.KindOrderUpdate:
		e.handleOrderUpdate(ctx, *ev.Update)
	case bus.KindOrderIntent:
		// Informational; submission already happened.
	default:
		e.logger.WithField("kind", ev.Kind).Warn("unknown event kind")
	}
}

func (e *Engine) handleBar(ctx context.Context, bar models.BarEvent) {
	e.metrics.BarsProcessed.Add(1)
	if err := e.storage.InsertBarIdempotent(ctx, bar); err != nil {
		e.logger.WithError(err).Warn("bar audit insert failed")
	}
	e.history.Append(bar)

	if !e.history.HasSufficientHistory(bar.Symbol, e.strategy.RequiredHistory()) {
		return
	}
	signals, err := e.strategy.OnBar(ctx, bar.Symbol, e.history.Bars(bar.Symbol))
	if err != nil {
		e.logger.WithError(err).WithField("symbol", bar.Symbol).Error("strategy evaluation failed")
		return
	}
	for _, sig := range signals {
		e.metrics.SignalsGenerated.Add(1)
		e.handleSignal(ctx, sig, &bar)
	}
}

func (e *Engine) handleSignal(ctx context.Context, sig models.SignalEvent, lastBar *models.BarEvent) {
	log := e.logger.WithFields(logrus.Fields{"symbol": sig.Symbol, "type": sig.Type})

	ok, err := e.risk.CheckSignal(ctx, sig, lastBar)
	if err != nil {
		e.metrics.SignalsRefused.Add(1)
		if engerr.Is(err, engerr.KindRisk) {
			log.WithError(err).Warn("signal refused by risk tier")
		} else {
			log.WithError(err).Error("risk check failed")
		}
		return
	}
	if !ok {
		e.metrics.SignalsSkipped.Add(1)
		return
	}

	if _, err := e.orders.HandleSignal(ctx, sig); err != nil {
		log.WithError(err).Error("order submission failed")
	}
}

func (e *Engine) handleExitSignal(ctx context.Context, exitSig models.ExitSignalEvent) {
	log := e.logger.WithFields(logrus.Fields{"symbol": exitSig.Symbol, "reason": exitSig.Reason})

	if err := e.risk.CheckExitOrder(ctx, exitSig.Symbol); err != nil {
		log.WithError(err).Warn("exit refused by safety tier, clearing pending flag for retry")
		if pErr := e.tracker.SetPendingExit(ctx, exitSig.Symbol, false); pErr != nil {
			log.WithError(pErr).Warn("pending_exit clear failed")
		}
		return
	}

	submitted, err := e.orders.HandleExit(ctx, exitSig)
	if err != nil {
		log.WithError(err).Error("exit submission failed, clearing pending flag for retry")
		if pErr := e.tracker.SetPendingExit(ctx, exitSig.Symbol, false); pErr != nil {
			log.WithError(pErr).Warn("pending_exit clear failed")
		}
		return
	}
	if submitted {
		// Profitable exits alert at info, losses at warning.
		level := notify.LevelInfo
		if exitSig.PnlPct < 0 {
			level = notify.LevelWarning
		}
		title := fmt.Sprintf("Exit: %s (%s)", exitSig.Symbol, exitSig.Reason)
		msg := fmt.Sprintf("P&L: %.1f%% ($%.2f)", exitSig.PnlPct*100, exitSig.PnlAmount)
		if err := e.notifier.Notify(ctx, level, title, msg); err != nil {
			log.WithError(err).Warn("alert delivery failed")
		}
	}
}

// handleOrderUpdate reacts to fills: records trades on terminal fills,
// starts tracking on entry fills, and finishes the position lifecycle on
// exit fills. The broker's position list decides entry versus exit, which
// keeps this handler correct even when a fill arrives for an order the
// tracker never saw.
func (e *Engine) handleOrderUpdate(ctx context.Context, update models.OrderUpdateEvent) {
	log := e.logger.WithFields(logrus.Fields{
		"symbol": update.Symbol, "client_order_id": update.ClientOrderID, "status": update.Status,
	})

	if update.Status.IsTerminal() && update.CumFilledQty.IsPositive() {
		price := update.CumAvgPrice
		if price != nil {
			if _, err := e.storage.InsertTradeIdempotent(ctx, update.BrokerOrderID, update.ClientOrderID,
				update.FillID, update.Symbol, update.Side, update.CumFilledQty, *price,
				update.Timestamp); err != nil {
				log.WithError(err).Warn("trade record failed")
			}
		}
	}

	if !update.DeltaQty.IsPositive() && !update.Status.IsTerminal() {
		return
	}
	if update.CumFilledQty.IsZero() {
		return
	}

	held, err := e.broker.GetPositions(ctx)
	if err != nil {
		log.WithError(err).Warn("positions fetch failed during fill handling")
		return
	}
	var brokerQty *models.Position
	for _, bp := range held {
		if bp.Symbol != update.Symbol {
			continue
		}
		side := models.PosLong
		qty := bp.Qty
		if bp.Qty.IsNegative() {
			side = models.PosShort
			qty = bp.Qty.Neg()
		}
		brokerQty = &models.Position{Symbol: bp.Symbol, Side: side, Qty: qty, EntryPrice: bp.AvgEntryPrice}
		break
	}

	_, tracked := e.tracker.Get(update.Symbol)
	switch {
	case brokerQty != nil && !tracked:
		// Entry fill: the broker now holds what we just bought/sold short.
		atr := e.lookupIntentATR(ctx, update.ClientOrderID)
		entryPrice := brokerQty.EntryPrice
		if update.CumAvgPrice != nil {
			entryPrice = *update.CumAvgPrice
		}
		if err := e.tracker.StartTracking(ctx, update.Symbol, entryPrice, brokerQty.Qty,
			brokerQty.Side, atr); err != nil {
			log.WithError(err).Error("position tracking start failed")
		}

	case brokerQty == nil && tracked && update.Status.IsTerminal():
		// Exit fill: position is flat at the broker.
		e.finishExit(ctx, update, log)
	}
}

// finishExit realizes P&L into the daily counters and removes the
// position.
func (e *Engine) finishExit(ctx context.Context, update models.OrderUpdateEvent, log *logrus.Entry) {
	if update.CumAvgPrice != nil {
		amount, _ := e.tracker.CalculatePnl(update.Symbol, *update.CumAvgPrice)
		pnl := 0.0
		if existing, err := e.storage.GetDailyPnl(ctx); err == nil && existing != nil {
			pnl = *existing
		}
		if err := e.storage.SaveDailyPnl(ctx, pnl+amount); err != nil {
			log.WithError(err).Warn("daily pnl update failed")
		}
	}
	count, err := e.storage.GetDailyTradeCount(ctx)
	if err == nil {
		if err := e.storage.SaveDailyTradeCount(ctx, count+1); err != nil {
			log.WithError(err).Warn("daily trade count update failed")
		}
	}
	if err := e.tracker.StopTracking(ctx, update.Symbol); err != nil {
		log.WithError(err).Error("position tracking stop failed")
	}
	log.Info("position closed")
}

// lookupIntentATR recovers the ATR captured at signal time so exits for
// this position can use ATR thresholds.
func (e *Engine) lookupIntentATR(ctx context.Context, clientOrderID string) *float64 {
	intent, err := e.storage.GetOrderIntent(ctx, clientOrderID)
	if err != nil || intent == nil {
		return nil
	}
	return intent.ATR
}
