package strategy

import (
	"math"

	"github.com/eddiefleurent/tradecore/internal/models"
)

// sma returns the simple moving average of the last period closes ending at
// index end (inclusive). Returns NaN when there is not enough history.
func sma(bars []models.BarEvent, end, period int) float64 {
	if period <= 0 || end < period-1 || end >= len(bars) {
		return math.NaN()
	}
	sum := 0.0
	for i := end - period + 1; i <= end; i++ {
		sum += bars[i].Close.InexactFloat64()
	}
	return sum / float64(period)
}

// atr returns the average true range over the last period bars ending at
// index end (inclusive), as a plain mean of true ranges. Returns NaN when
// there is not enough history.
func atr(bars []models.BarEvent, end, period int) float64 {
	if period <= 0 || end < period || end >= len(bars) {
		return math.NaN()
	}
	sum := 0.0
	for i := end - period + 1; i <= end; i++ {
		high := bars[i].High.InexactFloat64()
		low := bars[i].Low.InexactFloat64()
		prevClose := bars[i-1].Close.InexactFloat64()
		tr := math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
		sum += tr
	}
	return sum / float64(period)
}

// regimeResult is the outcome of regime classification on the latest closed
// bar.
type regimeResult struct {
	regime     models.Regime
	direction  string // "up", "down", or "none"
	strength   float64
	confidence float64
}

// classifyRegime compares the latest close against its long SMA, scaled by
// ATR, to decide whether the market is trending, ranging, or ambiguous.
func classifyRegime(bars []models.BarEvent, smaPeriod, atrPeriod int) regimeResult {
	end := len(bars) - 1
	longSMA := sma(bars, end, smaPeriod)
	rangeATR := atr(bars, end, atrPeriod)
	if math.IsNaN(longSMA) || math.IsNaN(rangeATR) || rangeATR <= 0 {
		return regimeResult{regime: models.RegimeUnknown, direction: "none", confidence: 0.5}
	}

	distance := bars[end].Close.InexactFloat64() - longSMA
	strength := math.Abs(distance) / rangeATR

	direction := "none"
	if distance > 0 {
		direction = "up"
	} else if distance < 0 {
		direction = "down"
	}

	// Strength is reported normalized to [0, 1]; ranging markets report 0.
	normalized := math.Min(strength/2.0, 1.0)

	switch {
	case strength > 1.5:
		return regimeResult{regime: models.RegimeTrending, direction: direction, strength: normalized, confidence: 0.9}
	case strength > 0.8:
		return regimeResult{regime: models.RegimeTrending, direction: direction, strength: normalized, confidence: 0.6}
	case strength < 0.5:
		return regimeResult{regime: models.RegimeRanging, direction: "none", strength: 0, confidence: 0.8}
	default:
		return regimeResult{regime: models.RegimeUnknown, direction: "none", strength: normalized, confidence: 0.5}
	}
}
