package strategy

import (
	"sync"

	"github.com/eddiefleurent/tradecore/internal/models"
)

// History accumulates per-symbol bar history for the event processor,
// bounded to maxBars per symbol. Only the event processor appends, but the
// status endpoint reads sizes concurrently, so access is mutex-guarded.
type History struct {
	mu      sync.Mutex
	maxBars int
	bars    map[string][]models.BarEvent
}

// NewHistory constructs a History retaining up to maxBars bars per symbol.
func NewHistory(maxBars int) *History {
	if maxBars <= 0 {
		maxBars = 200
	}
	return &History{maxBars: maxBars, bars: make(map[string][]models.BarEvent)}
}

// Append adds bar to the symbol's history, discarding the oldest bar when
// the window is full. A bar whose timestamp equals the newest retained one
// is ignored, keeping the per-(symbol, timeframe) exactly-once rule even if
// an upstream dedupe is bypassed.
func (h *History) Append(bar models.BarEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	series := h.bars[bar.Symbol]
	if n := len(series); n > 0 && !bar.Timestamp.After(series[n-1].Timestamp) {
		return
	}
	series = append(series, bar)
	if len(series) > h.maxBars {
		series = series[len(series)-h.maxBars:]
	}
	h.bars[bar.Symbol] = series
}

// Len returns the number of bars retained for symbol.
func (h *History) Len(symbol string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.bars[symbol])
}

// HasSufficientHistory reports whether symbol has at least required bars.
func (h *History) HasSufficientHistory(symbol string, required int) bool {
	return h.Len(symbol) >= required
}

// Bars returns a copy of the symbol's history, oldest first.
func (h *History) Bars(symbol string) []models.BarEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	series := h.bars[symbol]
	out := make([]models.BarEvent, len(series))
	copy(out, series)
	return out
}

// Symbols returns the symbols with any retained history.
func (h *History) Symbols() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.bars))
	for s := range h.bars {
		out = append(out, s)
	}
	return out
}
