// Package ingest polls historical bars in per-asset-class batches and
// publishes a bar event whenever a symbol's latest bar timestamp advances.
// Polling is used instead of the streaming API because the target broker
// limits concurrent stream connections per account.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/eddiefleurent/tradecore/internal/broker"
	"github.com/eddiefleurent/tradecore/internal/models"
	"github.com/sirupsen/logrus"
)

// Handler receives each newly observed bar.
type Handler func(models.BarEvent)

// Config controls the polling loop.
type Config struct {
	EquitySymbols []string
	CryptoSymbols []string
	Timeframe     string

	BatchSize     int           // premium-feed equity batch size
	FreeBatchSize int           // free-feed cap, see batches()
	Window        time.Duration // how far back each request looks
	BarLimit      int
	RetryInterval time.Duration
}

// DefaultConfig carries the polling defaults.
var DefaultConfig = Config{
	Timeframe:     "1Min",
	BatchSize:     25,
	FreeBatchSize: 2,
	Window:        5 * time.Minute,
	BarLimit:      10,
	RetryInterval: 5 * time.Second,
}

// Poller fetches bars and dedupes by the latest bar timestamp per symbol.
type Poller struct {
	cfg     Config
	broker  broker.Broker
	logger  *logrus.Entry
	handler Handler

	feed          broker.Feed
	feedValidated bool
	lastBars      map[string]time.Time
}

// NewPoller constructs a Poller starting on the premium feed.
func NewPoller(cfg Config, brk broker.Broker, logger *logrus.Entry) *Poller {
	if cfg.Timeframe == "" {
		cfg.Timeframe = DefaultConfig.Timeframe
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig.BatchSize
	}
	if cfg.FreeBatchSize <= 0 {
		cfg.FreeBatchSize = DefaultConfig.FreeBatchSize
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig.Window
	}
	if cfg.BarLimit <= 0 {
		cfg.BarLimit = DefaultConfig.BarLimit
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultConfig.RetryInterval
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	return &Poller{
		cfg:      cfg,
		broker:   brk,
		logger:   logger.WithField("component", "ingest"),
		feed:     broker.FeedPremium,
		lastBars: make(map[string]time.Time),
	}
}

// OnBar registers the handler invoked for each new bar. Must be called
// before Run.
func (p *Poller) OnBar(h Handler) { p.handler = h }

// Feed returns the currently active equities feed.
func (p *Poller) Feed() broker.Feed { return p.feed }

// Run polls until ctx is canceled, aligning each cycle to the next minute
// boundary and retrying sooner after an error.
func (p *Poller) Run(ctx context.Context) error {
	for {
		err := p.PollOnce(ctx)

		var wait time.Duration
		if err != nil {
			p.logger.WithError(err).Warn("poll cycle failed")
			wait = p.cfg.RetryInterval
		} else {
			wait = untilNextMinute(time.Now().UTC())
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// PollOnce runs one poll cycle over both asset classes.
func (p *Poller) PollOnce(ctx context.Context) error {
	if err := p.validateFeed(ctx); err != nil {
		return err
	}

	end := time.Now().UTC()
	start := end.Add(-p.cfg.Window)

	equityBatch := p.cfg.BatchSize
	if p.feed == broker.FeedFree {
		// The free feed's multi-symbol bar responses drop symbols beyond
		// the second; cap batches until the upstream fix lands.
		equityBatch = p.cfg.FreeBatchSize
	}

	if err := p.pollClass(ctx, p.cfg.EquitySymbols, equityBatch, start, end, p.feed); err != nil {
		return err
	}
	// Crypto has its own endpoint with no feed selection and no known
	// batching defect.
	return p.pollClass(ctx, p.cfg.CryptoSymbols, p.cfg.BatchSize, start, end, "")
}

func (p *Poller) pollClass(ctx context.Context, symbols []string, batchSize int,
	start, end time.Time, feed broker.Feed) error {
	groups, err := batches(symbols, batchSize)
	if err != nil {
		return err
	}
	for _, group := range groups {
		result, err := p.broker.GetBars(ctx, group, p.cfg.Timeframe, start, end, p.cfg.BarLimit, feed)
		if err != nil {
			return fmt.Errorf("fetch bars for %v: %w", group, err)
		}
		for _, symbol := range group {
			bars, ok := result[symbol]
			if !ok || len(bars) == 0 {
				p.logger.WithField("symbol", symbol).Debug("no bars in response")
				continue
			}
			p.publishLatest(symbol, bars)
		}
	}
	return nil
}

// publishLatest emits the newest bar for symbol unless its timestamp is
// unchanged since the previous cycle.
func (p *Poller) publishLatest(symbol string, bars []broker.Bar) {
	latest := bars[len(bars)-1]
	if last, seen := p.lastBars[symbol]; seen && last.Equal(latest.Timestamp) {
		return
	}
	p.lastBars[symbol] = latest.Timestamp

	if p.handler == nil {
		return
	}
	p.handler(models.BarEvent{
		Symbol:     symbol,
		Timeframe:  p.cfg.Timeframe,
		Timestamp:  latest.Timestamp,
		Open:       latest.Open,
		High:       latest.High,
		Low:        latest.Low,
		Close:      latest.Close,
		Volume:     latest.Volume,
		TradeCount: latest.TradeCount,
		VWAP:       latest.VWAP,
	})
}

// validateFeed probes the premium feed once per session with a
// single-symbol request. A subscription rejection downgrades to the free
// feed for the rest of the session; any other error is surfaced.
func (p *Poller) validateFeed(ctx context.Context) error {
	if p.feedValidated || len(p.cfg.EquitySymbols) == 0 {
		p.feedValidated = true
		return nil
	}

	end := time.Now().UTC()
	probe := p.cfg.EquitySymbols[:1]
	_, err := p.broker.GetBars(ctx, probe, p.cfg.Timeframe, end.Add(-p.cfg.Window), end,
		1, broker.FeedPremium)
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "subscription") && strings.Contains(msg, "permit") {
			p.feed = broker.FeedFree
			p.feedValidated = true
			p.logger.Warn("premium feed not permitted by subscription, using free feed for this session")
			return nil
		}
		return err
	}
	p.feedValidated = true
	return nil
}

// batches splits symbols into groups of size. Size zero yields an empty
// sequence; negative size is an error.
func batches(symbols []string, size int) ([][]string, error) {
	if size < 0 {
		return nil, fmt.Errorf("batch size must be >= 0, got %d", size)
	}
	if size == 0 || len(symbols) == 0 {
		return nil, nil
	}
	var out [][]string
	for start := 0; start < len(symbols); start += size {
		end := start + size
		if end > len(symbols) {
			end = len(symbols)
		}
		out = append(out, symbols[start:end])
	}
	return out, nil
}

// untilNextMinute returns the wait to the next minute boundary, never less
// than one second so a cycle finishing at :59.99 does not double-fire.
func untilNextMinute(now time.Time) time.Duration {
	next := now.Truncate(time.Minute).Add(time.Minute)
	wait := next.Sub(now)
	if wait < time.Second {
		wait += time.Minute
	}
	return wait
}
