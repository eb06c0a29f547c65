// Package risk implements the three-tier signal gate: safety checks that
// refuse hard, session-aware limit checks that refuse hard, and soft
// filters that skip quietly. The tier ordering is load-bearing: a
// kill-switch refusal must always win over a confidence skip, and a
// confidence skip must be decided before the spread filter spends a
// snapshot fetch.
package risk

import (
	"context"
	"os"

	"github.com/eddiefleurent/tradecore/internal/broker"
	"github.com/eddiefleurent/tradecore/internal/config"
	"github.com/eddiefleurent/tradecore/internal/engerr"
	"github.com/eddiefleurent/tradecore/internal/models"
	"github.com/eddiefleurent/tradecore/internal/store"
	"github.com/sirupsen/logrus"
)

// PositionCounter exposes the tracker's open-position count.
type PositionCounter interface {
	Count() int
}

// Manager runs the tiered checks for entry signals and the reduced safety
// check for exit orders.
type Manager struct {
	cfg            config.RiskConfig
	killSwitchFile string
	cryptoSymbols  map[string]bool

	storage   store.Interface
	broker    broker.Broker
	positions PositionCounter
	logger    *logrus.Entry
}

// NewManager constructs a Manager. cryptoSymbols lists the symbols that
// always trade under extended-hours limits.
func NewManager(cfg config.RiskConfig, killSwitchFile string, cryptoSymbols []string,
	storage store.Interface, brk broker.Broker, positions PositionCounter, logger *logrus.Entry) *Manager {
	crypto := make(map[string]bool, len(cryptoSymbols))
	for _, s := range cryptoSymbols {
		crypto[s] = true
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	return &Manager{
		cfg:            cfg,
		killSwitchFile: killSwitchFile,
		cryptoSymbols:  crypto,
		storage:        storage,
		broker:         brk,
		positions:      positions,
		logger:         logger.WithField("component", "risk"),
	}
}

// CheckSignal runs all three tiers against an entry signal. ok=false with a
// nil error is a soft skip; a non-nil error is a hard refusal that the
// event processor logs and counts.
func (m *Manager) CheckSignal(ctx context.Context, sig models.SignalEvent, lastBar *models.BarEvent) (bool, error) {
	clock, err := m.checkSafety(ctx, true)
	if err != nil {
		return false, err
	}

	if err := m.checkLimits(ctx, sig.Symbol, clock); err != nil {
		return false, err
	}

	return m.checkFilters(ctx, sig, lastBar, clock)
}

// CheckExitOrder runs only the safety tier, without the circuit-breaker
// rule: exits must be allowed to execute while the breaker is tripped,
// since tripping the breaker is itself an exit trigger.
func (m *Manager) CheckExitOrder(ctx context.Context, symbol string) error {
	_, err := m.checkSafety(ctx, false)
	return err
}

// checkSafety is tier one. It returns the broker clock so the later tiers
// can reuse the authoritative timestamp without a second fetch.
func (m *Manager) checkSafety(ctx context.Context, includeBreaker bool) (*broker.Clock, error) {
	killed, err := m.storage.GetKillSwitch(ctx)
	if err != nil {
		return nil, engerr.Risk("kill-switch lookup failed", err)
	}
	if !killed && m.killSwitchFile != "" {
		// The sentinel file is the operator's manual brake; re-stat it on
		// every signal rather than caching at startup.
		if _, statErr := os.Stat(m.killSwitchFile); statErr == nil {
			killed = true
		}
	}
	if killed {
		return nil, engerr.New(engerr.KindRisk, "kill-switch active")
	}

	if includeBreaker {
		state, _, err := m.storage.GetCircuitBreaker(ctx)
		if err != nil {
			return nil, engerr.Risk("circuit-breaker lookup failed", err)
		}
		if state == models.CircuitTripped {
			return nil, engerr.New(engerr.KindRisk, "circuit breaker tripped")
		}

		halted, err := m.storage.GetTradingHalted(ctx)
		if err != nil {
			return nil, engerr.Risk("trading-halted lookup failed", err)
		}
		if halted {
			return nil, engerr.New(engerr.KindRisk, "trading halted by reconciler")
		}
	}

	clock, err := m.broker.GetClock(ctx)
	if err != nil {
		return nil, engerr.Risk("market clock unavailable", err)
	}
	if !clock.IsOpen {
		return nil, engerr.New(engerr.KindRisk, "market closed")
	}
	return clock, nil
}

// checkLimits is tier two: session-aware daily loss, trade count, and
// concurrent position limits.
func (m *Manager) checkLimits(ctx context.Context, symbol string, clock *broker.Clock) error {
	limits := m.limitsFor(symbol, clock)

	account, err := m.broker.GetAccount(ctx)
	if err != nil {
		return engerr.Risk("account fetch failed", err)
	}
	equity, _ := account.Equity.Float64()

	pnl, err := m.storage.GetDailyPnl(ctx)
	if err != nil {
		return engerr.Risk("daily pnl lookup failed", err)
	}
	if pnl != nil && *pnl < -equity*limits.MaxDailyLossPct {
		return engerr.New(engerr.KindRisk, "daily loss limit reached")
	}

	trades, err := m.storage.GetDailyTradeCount(ctx)
	if err != nil {
		return engerr.Risk("daily trade count lookup failed", err)
	}
	if trades >= limits.MaxTradesPerDay {
		return engerr.New(engerr.KindRisk, "daily trade limit reached")
	}

	if m.positions.Count() >= limits.MaxConcurrentPositions {
		return engerr.New(engerr.KindRisk, "concurrent position limit reached")
	}
	return nil
}

// limitsFor selects the session limit set for symbol at the clock's
// authoritative timestamp.
func (m *Manager) limitsFor(symbol string, clock *broker.Clock) config.RiskLimits {
	if SessionFor(clock.Timestamp, m.cryptoSymbols[symbol]) == SessionRegular {
		return m.cfg.RegularHours
	}
	return m.cfg.ExtendedHours
}

// checkFilters is tier three: confidence, spread, bar liquidity, and
// time-of-day. All outcomes are soft skips except a failed snapshot fetch
// for a configured spread filter, which refuses hard because a required
// filter must not be silently bypassed.
func (m *Manager) checkFilters(ctx context.Context, sig models.SignalEvent, lastBar *models.BarEvent,
	clock *broker.Clock) (bool, error) {
	log := m.logger.WithFields(logrus.Fields{"symbol": sig.Symbol, "type": sig.Type})

	if sig.Metadata.Confidence < m.cfg.MinConfidence {
		log.WithField("confidence", sig.Metadata.Confidence).Debug("signal skipped: confidence below threshold")
		return false, nil
	}

	if m.cfg.MaxSpreadPct > 0 {
		snap, err := m.broker.GetSnapshot(ctx, sig.Symbol)
		if err != nil {
			return false, engerr.Risk("spread filter: snapshot fetch failed", err)
		}
		if snap.Bid == nil || snap.Ask == nil || !snap.Bid.IsPositive() {
			// A required filter must not be silently bypassed: a quote with
			// no usable bid/ask refuses hard, same as a failed fetch.
			return false, engerr.New(engerr.KindRisk, "spread filter: invalid quote data for "+sig.Symbol)
		}
		spread, _ := snap.Ask.Sub(*snap.Bid).Div(*snap.Bid).Float64()
		if spread > m.cfg.MaxSpreadPct {
			log.WithField("spread_pct", spread).Debug("signal skipped: spread too wide")
			return false, nil
		}
	}

	if m.cfg.MinBarTrades > 0 && lastBar != nil {
		if lastBar.TradeCount == nil || *lastBar.TradeCount < m.cfg.MinBarTrades {
			log.Debug("signal skipped: bar trade count below threshold")
			return false, nil
		}
	}

	if !m.cryptoSymbols[sig.Symbol] && (m.cfg.AvoidFirstMinutes > 0 || m.cfg.AvoidLastMinutes > 0) {
		if sinceOpen, untilClose, ok := minutesIntoRegularSession(clock.Timestamp); ok {
			if sinceOpen < m.cfg.AvoidFirstMinutes {
				log.Debug("signal skipped: within opening window")
				return false, nil
			}
			if untilClose < m.cfg.AvoidLastMinutes {
				log.Debug("signal skipped: within closing window")
				return false, nil
			}
		}
	}

	return true, nil
}
