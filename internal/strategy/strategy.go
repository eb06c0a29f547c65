// Package strategy implements the multi-period SMA crossover strategy with
// a regime-weighted confidence score. The strategy is stateless per call
// except for per-(symbol, period) crossover memory, which lives in the
// state store so a restart cannot re-emit the signal it already acted on.
package strategy

import (
	"context"
	"math"

	"github.com/eddiefleurent/tradecore/internal/models"
	"github.com/sirupsen/logrus"
)

// SignalMemory is the slice of the state store the strategy needs: the
// last-emitted crossover direction per (symbol, fast, slow).
type SignalMemory interface {
	GetLastSignal(ctx context.Context, symbol string, fast, slow int) (string, error)
	SetLastSignal(ctx context.Context, symbol string, fast, slow int, direction string) error
}

// Config holds the crossover pairs and regime parameters.
type Config struct {
	Name            string
	Timeframe       string
	Pairs           [][2]int
	RegimeSMAPeriod int
	RegimeATRPeriod int
}

// DefaultConfig is the three-pair crossover set the engine ships with.
var DefaultConfig = Config{
	Name:            "sma_crossover",
	Timeframe:       "1Min",
	Pairs:           [][2]int{{5, 15}, {10, 30}, {20, 50}},
	RegimeSMAPeriod: 50,
	RegimeATRPeriod: 14,
}

// confidenceTable maps (slow period, regime-is-trending) to the signal
// confidence the risk tier filters on.
var confidenceTable = map[int][2]float64{
	// slow period: {trending, ranging-or-unknown}
	50: {0.9, 0.4},
	30: {0.7, 0.4},
	15: {0.6, 0.3},
}

// Strategy evaluates bar history into crossover signals.
type Strategy struct {
	cfg    Config
	memory SignalMemory
	logger *logrus.Entry
}

// New constructs a Strategy. A zero-valued cfg falls back to DefaultConfig.
func New(cfg Config, memory SignalMemory, logger *logrus.Entry) *Strategy {
	if len(cfg.Pairs) == 0 {
		cfg.Pairs = DefaultConfig.Pairs
	}
	if cfg.Name == "" {
		cfg.Name = DefaultConfig.Name
	}
	if cfg.Timeframe == "" {
		cfg.Timeframe = DefaultConfig.Timeframe
	}
	if cfg.RegimeSMAPeriod <= 0 {
		cfg.RegimeSMAPeriod = DefaultConfig.RegimeSMAPeriod
	}
	if cfg.RegimeATRPeriod <= 0 {
		cfg.RegimeATRPeriod = DefaultConfig.RegimeATRPeriod
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	return &Strategy{cfg: cfg, memory: memory, logger: logger.WithField("component", "strategy")}
}

// Name returns the strategy's namespacing key, used in client-order-id
// derivation and signal-gate rows.
func (s *Strategy) Name() string { return s.cfg.Name }

// Timeframe returns the bar timeframe the strategy evaluates.
func (s *Strategy) Timeframe() string { return s.cfg.Timeframe }

// RequiredHistory returns the minimum bar count OnBar needs: one more than
// the slowest SMA period, so a crossover between the last two closed bars
// can be computed.
func (s *Strategy) RequiredHistory() int {
	maxPeriod := s.cfg.RegimeSMAPeriod
	for _, pair := range s.cfg.Pairs {
		if pair[1] > maxPeriod {
			maxPeriod = pair[1]
		}
	}
	return maxPeriod + 1
}

// OnBar evaluates all configured crossover pairs against bars (oldest
// first, the last element being the just-closed bar) and returns zero or
// more signals. A pair whose proposed direction matches its last recorded
// one is suppressed.
func (s *Strategy) OnBar(ctx context.Context, symbol string, bars []models.BarEvent) ([]models.SignalEvent, error) {
	if len(bars) < s.RequiredHistory() {
		return nil, nil
	}

	end := len(bars) - 1
	regime := classifyRegime(bars, s.cfg.RegimeSMAPeriod, s.cfg.RegimeATRPeriod)
	barATR := atr(bars, end, s.cfg.RegimeATRPeriod)

	var signals []models.SignalEvent
	for _, pair := range s.cfg.Pairs {
		fast, slow := pair[0], pair[1]

		fastPrev := sma(bars, end-1, fast)
		slowPrev := sma(bars, end-1, slow)
		fastCurr := sma(bars, end, fast)
		slowCurr := sma(bars, end, slow)
		if math.IsNaN(fastPrev) || math.IsNaN(slowPrev) || math.IsNaN(fastCurr) || math.IsNaN(slowCurr) {
			continue
		}

		var direction models.SignalType
		switch {
		case fastPrev <= slowPrev && fastCurr > slowCurr:
			direction = models.SignalBuy
		case fastPrev >= slowPrev && fastCurr < slowCurr:
			direction = models.SignalSell
		default:
			continue
		}

		last, err := s.memory.GetLastSignal(ctx, symbol, fast, slow)
		if err != nil {
			return nil, err
		}
		if last == string(direction) {
			s.logger.WithFields(logrus.Fields{
				"symbol": symbol, "pair": pair, "direction": direction,
			}).Debug("crossover suppressed: direction unchanged")
			continue
		}
		if err := s.memory.SetLastSignal(ctx, symbol, fast, slow, string(direction)); err != nil {
			return nil, err
		}

		meta := models.SignalMetadata{
			FastPeriod: fast,
			SlowPeriod: slow,
			Confidence: pairConfidence(slow, regime.regime),
			Regime:     regime.regime,
		}
		if !math.IsNaN(barATR) {
			a := barATR
			meta.ATR = &a
		}
		if regime.strength > 0 {
			st := regime.strength
			meta.RegimeStrength = &st
		}

		signals = append(signals, models.SignalEvent{
			Symbol:    symbol,
			Type:      direction,
			Timestamp: bars[end].Timestamp,
			Metadata:  meta,
		})
	}
	return signals, nil
}

// pairConfidence scores a crossover by slow period and regime: trending
// markets favor the slower pairs, ranging and ambiguous markets discount
// everything below the risk tier's threshold.
func pairConfidence(slow int, regime models.Regime) float64 {
	scores, ok := confidenceTable[slow]
	if !ok {
		return 0.5
	}
	if regime == models.RegimeTrending {
		return scores[0]
	}
	return scores[1]
}
