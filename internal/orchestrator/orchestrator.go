// Package orchestrator wires the engine together in four startup phases,
// runs the runtime task group, and performs the graceful shutdown
// sequence. Components never hold a reference back to the orchestrator:
// alerts flow through the injected notifier and events through the bus.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/eddiefleurent/tradecore/internal/alpaca"
	"github.com/eddiefleurent/tradecore/internal/broker"
	"github.com/eddiefleurent/tradecore/internal/bus"
	"github.com/eddiefleurent/tradecore/internal/config"
	"github.com/eddiefleurent/tradecore/internal/exit"
	"github.com/eddiefleurent/tradecore/internal/ingest"
	"github.com/eddiefleurent/tradecore/internal/metrics"
	"github.com/eddiefleurent/tradecore/internal/models"
	"github.com/eddiefleurent/tradecore/internal/notify"
	"github.com/eddiefleurent/tradecore/internal/orders"
	"github.com/eddiefleurent/tradecore/internal/position"
	"github.com/eddiefleurent/tradecore/internal/reconcile"
	"github.com/eddiefleurent/tradecore/internal/risk"
	"github.com/eddiefleurent/tradecore/internal/statusapi"
	"github.com/eddiefleurent/tradecore/internal/store"
	"github.com/eddiefleurent/tradecore/internal/strategy"
	"github.com/eddiefleurent/tradecore/internal/updates"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Engine owns the wired component graph.
type Engine struct {
	cfg      *config.Config
	logger   *logrus.Entry
	notifier notify.Notifier
	metrics  *metrics.Metrics

	// Phase 1.
	broker  broker.Broker
	storage *store.Store

	// Phase 2.
	bus          *bus.Bus
	ingestPoller *ingest.Poller
	orderPoller  *updates.Poller

	// Phase 3.
	symbols  resolvedSymbols
	strategy *strategy.Strategy
	history  *strategy.History
	risk     *risk.Manager
	orders   *orders.Manager
	tracker  *position.Tracker
	exits    *exit.Manager

	// Phase 4.
	reconciler *reconcile.Runtime

	shutdownOnce sync.Once
}

type resolvedSymbols struct {
	equities []string
	crypto   []string
	all      []string
}

// New constructs an Engine around a validated config. notifier may be nil.
func New(cfg *config.Config, notifier notify.Notifier, logger *logrus.Entry) *Engine {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	return &Engine{
		cfg:      cfg,
		notifier: notifier,
		metrics:  &metrics.Metrics{},
		logger:   logger.WithField("component", "orchestrator"),
	}
}

// Run executes all four phases and blocks until ctx is canceled or a
// critical task fails, then performs the graceful shutdown sequence.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.phase1Infrastructure(ctx); err != nil {
		return err
	}
	defer e.storage.Close()

	e.phase2DataLayer()

	if err := e.phase3TradingLogic(ctx); err != nil {
		return err
	}

	err := e.phase4Runtime(ctx)
	e.Shutdown()
	return err
}

// phase1Infrastructure connects the broker, opens the state store (schema
// migration runs inside), applies operational env flags, and runs startup
// reconciliation. Any failure aborts startup.
func (e *Engine) phase1Infrastructure(ctx context.Context) error {
	e.logger.Info("phase 1: infrastructure")

	baseURL := e.cfg.Broker.BaseURL
	if !e.cfg.Environment.Paper && baseURL == "https://paper-api.alpaca.markets" {
		baseURL = "https://api.alpaca.markets"
	}
	client := alpaca.NewClient(alpaca.Config{
		APIKey:         e.cfg.Broker.APIKey,
		SecretKey:      e.cfg.Broker.SecretKey,
		TradingBaseURL: baseURL,
		DataBaseURL:    e.cfg.Broker.DataURL,
		Timeout:        e.cfg.Broker.WriteTimeout,
	}, e.logger)
	e.broker = broker.NewAdapter(broker.NewCircuitBreakerBroker(client), e.logger, broker.AdapterConfig{
		ReadTimeout:  e.cfg.Broker.ReadTimeout,
		WriteTimeout: e.cfg.Broker.WriteTimeout,
	})

	if _, err := e.broker.GetClock(ctx); err != nil {
		return fmt.Errorf("broker connectivity check: %w", err)
	}

	st, err := store.Open(e.cfg.Storage.DatabasePath, e.logger)
	if err != nil {
		return err
	}
	e.storage = st

	if e.cfg.Environment.KillSwitch {
		if err := st.SetKillSwitch(ctx, true); err != nil {
			return err
		}
		e.logger.Warn("kill switch set from environment")
	}
	if v := os.Getenv("CIRCUIT_BREAKER_RESET"); v == "true" || v == "1" {
		if err := st.ResetCircuitBreaker(ctx); err != nil {
			return err
		}
		e.logger.Warn("circuit breaker reset from environment")
	}

	startup := reconcile.NewStartup(e.broker, st, "", e.logger)
	return startup.Run(ctx)
}

// phase2DataLayer creates the bus and the order-update poller without
// starting them; the bar poller is built in phase 3 once the symbol universe
// is resolved.
func (e *Engine) phase2DataLayer() {
	e.logger.Info("phase 2: data layer")
	e.bus = bus.New(e.logger)
	e.orderPoller = updates.NewPoller(updates.DefaultConfig, e.broker, e.storage, e.metrics, e.logger)
}

// phase3TradingLogic resolves and validates the symbol universe and
// instantiates the trading components.
func (e *Engine) phase3TradingLogic(ctx context.Context) error {
	e.logger.Info("phase 3: trading logic")

	if err := e.resolveSymbols(ctx); err != nil {
		return err
	}

	e.ingestPoller = ingest.NewPoller(ingest.Config{
		EquitySymbols: e.symbols.equities,
		CryptoSymbols: e.symbols.crypto,
		Timeframe:     e.cfg.Strategy.Timeframe,
	}, e.broker, e.logger)

	e.strategy = strategy.New(strategy.Config{
		Name:            e.cfg.Strategy.Name,
		Timeframe:       e.cfg.Strategy.Timeframe,
		Pairs:           e.cfg.Strategy.SMAPairs,
		RegimeSMAPeriod: e.cfg.Strategy.RegimeSMAPeriod,
		RegimeATRPeriod: e.cfg.Strategy.RegimeATRPeriod,
	}, e.storage, e.logger)
	e.history = strategy.NewHistory(4 * e.strategy.RequiredHistory())

	e.tracker = position.NewTracker(position.Config{
		TrailingEnabled:       e.cfg.Exit.TrailingEnabled,
		TrailingActivationPct: e.cfg.Exit.TrailingActivationPct,
		TrailingTrailPct:      e.cfg.Exit.TrailingTrailPct,
	}, e.storage, e.broker, e.logger)
	if err := e.tracker.LoadPersisted(ctx); err != nil {
		return err
	}
	mismatches, err := e.tracker.SyncWithBroker(ctx)
	if err != nil {
		return fmt.Errorf("position sync with broker: %w", err)
	}
	for _, mm := range mismatches {
		e.logger.WithFields(logrus.Fields{
			"symbol": mm.Symbol, "local": mm.LocalQty.String(), "broker": mm.BrokerQty.String(),
		}).Warn("position quantity mismatch against broker")
	}

	e.risk = risk.NewManager(e.cfg.Risk, e.cfg.Environment.KillSwitchFile, e.symbols.crypto,
		e.storage, e.broker, e.tracker, e.logger)

	e.orders = orders.NewManager(e.cfg.Orders, e.strategy.Name(), e.strategy.Timeframe(),
		e.cfg.Environment.DryRun, e.broker, e.storage, e.bus, e.notifier, e.metrics, e.logger)

	e.exits = exit.NewManager(e.cfg.Exit, e.tracker, e.broker, e.storage, e.bus, e.metrics, e.logger)

	e.reconciler = reconcile.NewRuntime(time.Duration(e.cfg.Reconcile.IntervalSeconds)*time.Second,
		e.broker, e.storage, e.tracker, e.notifier, e.logger)
	return nil
}

// resolveSymbols expands the configured universe (explicit lists plus an
// optional named watchlist) and validates every symbol as tradable.
func (e *Engine) resolveSymbols(ctx context.Context) error {
	equities := append([]string(nil), e.cfg.Symbols.Equities...)
	crypto := append([]string(nil), e.cfg.Symbols.Crypto...)

	if e.cfg.Symbols.Watchlist != "" {
		listed, err := e.broker.GetWatchlist(ctx, e.cfg.Symbols.Watchlist)
		if err != nil {
			return fmt.Errorf("resolve watchlist %q: %w", e.cfg.Symbols.Watchlist, err)
		}
		equities = append(equities, listed...)
	}

	seen := make(map[string]bool)
	check := func(symbols []string) ([]string, error) {
		var out []string
		for _, symbol := range symbols {
			if seen[symbol] {
				continue
			}
			seen[symbol] = true
			asset, err := e.broker.GetAsset(ctx, symbol)
			if err != nil {
				return nil, fmt.Errorf("validate symbol %q: %w", symbol, err)
			}
			if !asset.Tradable {
				return nil, fmt.Errorf("symbol %q is not tradable", symbol)
			}
			out = append(out, symbol)
		}
		return out, nil
	}

	var err error
	if e.symbols.equities, err = check(equities); err != nil {
		return err
	}
	if e.symbols.crypto, err = check(crypto); err != nil {
		return err
	}
	e.symbols.all = append(append([]string(nil), e.symbols.equities...), e.symbols.crypto...)
	if len(e.symbols.all) == 0 {
		return fmt.Errorf("symbol universe resolved to nothing tradable")
	}
	e.logger.WithFields(logrus.Fields{
		"equities": len(e.symbols.equities), "crypto": len(e.symbols.crypto),
	}).Info("symbol universe resolved")
	return nil
}

// phase4Runtime registers handlers, starts every task, and blocks until
// shutdown or a critical failure.
func (e *Engine) phase4Runtime(ctx context.Context) error {
	e.logger.Info("phase 4: runtime")

	e.ingestPoller.OnBar(func(bar models.BarEvent) {
		b := bar
		if err := e.bus.Publish(bus.Event{Kind: bus.KindBar, Bar: &b}); err != nil {
			e.logger.WithError(err).Warn("bar publish failed")
		}
	})
	e.orderPoller.OnUpdate(func(update models.OrderUpdateEvent) {
		u := update
		if err := e.bus.Publish(bus.Event{Kind: bus.KindOrderUpdate, Update: &u}); err != nil {
			e.logger.WithError(err).Warn("order update publish failed")
		}
	})

	e.bus.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCancel(e.ingestPoller.Run(gctx)) })
	g.Go(func() error { return ignoreCancel(e.orderPoller.Run(gctx)) })
	g.Go(func() error { return ignoreCancel(e.processEvents(gctx)) })
	g.Go(func() error { return ignoreCancel(e.housekeeping(gctx)) })
	g.Go(func() error { return ignoreCancel(e.exits.Run(gctx)) })
	g.Go(func() error { return ignoreCancel(e.reconciler.Run(gctx)) })
	if e.cfg.Status.Enabled {
		status := statusapi.NewServer(e.cfg.Status.Addr, e.storage, e.bus, e.tracker, e.metrics, e.logger)
		g.Go(func() error { return ignoreCancel(status.Run(gctx)) })
	}

	return g.Wait()
}

// ignoreCancel converts a context-cancellation result into a clean exit so
// a normal shutdown does not read as a task failure.
func ignoreCancel(err error) error {
	if err == context.Canceled || err == context.DeadlineExceeded {
		return nil
	}
	return err
}

// Shutdown runs the graceful teardown: the runtime tasks are already
// stopped by context cancellation, so what remains is broker cleanup and
// the bus drain. Safe to call more than once.
func (e *Engine) Shutdown() {
	e.shutdownOnce.Do(func() {
		e.logger.Info("graceful shutdown started")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		e.cancelOpenOrders(ctx)
		e.flattenPositions(ctx)
		e.bus.Stop()
		e.logger.Info("graceful shutdown complete")
	})
}

// cancelOpenOrders cancels every order the broker still reports working.
func (e *Engine) cancelOpenOrders(ctx context.Context) {
	open, err := e.broker.GetOpenOrders(ctx)
	if err != nil {
		e.logger.WithError(err).Error("shutdown: open orders fetch failed")
		return
	}
	for _, o := range open {
		if err := e.broker.CancelOrder(ctx, o.ID); err != nil {
			e.logger.WithError(err).WithField("order_id", o.ID).Error("shutdown: cancel failed")
		}
	}
}

// flattenPositions submits market orders to close every tracked position,
// collecting per-symbol failures but continuing.
func (e *Engine) flattenPositions(ctx context.Context) {
	if e.tracker == nil {
		return
	}
	now := time.Now().UTC()
	var failed []string
	for _, p := range e.tracker.All() {
		side := models.SideSell
		if p.Side == models.PosShort {
			side = models.SideBuy
		}
		clientOrderID := orders.ClientOrderID(e.strategy.Name(), p.Symbol, e.strategy.Timeframe(), now, side)
		if _, err := e.broker.SubmitOrder(ctx, p.Symbol, string(side), p.Qty, clientOrderID,
			broker.OrderTypeMarket, nil, broker.TIFDay); err != nil {
			failed = append(failed, p.Symbol)
			e.logger.WithError(err).WithField("symbol", p.Symbol).Error("shutdown: flatten failed")
			continue
		}
		if err := e.tracker.StopTracking(ctx, p.Symbol); err != nil {
			e.logger.WithError(err).WithField("symbol", p.Symbol).Warn("shutdown: stop tracking failed")
		}
	}
	if len(failed) > 0 {
		msg := fmt.Sprintf("failed to flatten positions at shutdown: %v", failed)
		if err := e.notifier.Notify(ctx, notify.LevelCritical, "shutdown flatten incomplete", msg); err != nil {
			e.logger.WithError(err).Warn("alert delivery failed")
		}
	}
}
