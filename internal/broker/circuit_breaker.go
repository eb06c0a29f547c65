package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
)

// CircuitBreakerSettings configures the in-process gobreaker instance that
// guards every broker call. This is distinct from the persisted
// BotState.circuit_breaker_count (which trips after 5
// consecutive order-submission failures and must survive a restart) — this
// breaker is a faster, in-memory first line of defense against hammering an
// already-failing broker within a single process lifetime.
type CircuitBreakerSettings struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

// DefaultCircuitBreakerSettings are conservative defaults suitable for a
// brokerage write path.
var DefaultCircuitBreakerSettings = CircuitBreakerSettings{
	MaxRequests:  3,
	Interval:     30 * time.Second,
	Timeout:      30 * time.Second,
	MinRequests:  5,
	FailureRatio: 0.6,
}

// CircuitBreakerBroker wraps a Broker with a gobreaker.CircuitBreaker so a
// streak of failures on any call trips the breaker and fails fast instead of
// continuing to hammer a broken upstream.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// NewCircuitBreakerBroker wraps broker with default settings.
func NewCircuitBreakerBroker(broker Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, DefaultCircuitBreakerSettings)
}

// NewCircuitBreakerBrokerWithSettings wraps broker with the given settings.
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	st := gobreaker.Settings{
		Name:        "broker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= settings.MinRequests &&
				float64(counts.TotalFailures)/float64(counts.Requests) >= settings.FailureRatio
		},
	}
	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(st),
	}
}

// State returns the current breaker state (closed/half-open/open).
func (c *CircuitBreakerBroker) State() gobreaker.State {
	return c.breaker.State()
}

func execute[T any](c *CircuitBreakerBroker, fn func() (T, error)) (T, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result.(T), nil
}

// GetClock implements Broker.
func (c *CircuitBreakerBroker) GetClock(ctx context.Context) (*Clock, error) {
	return execute(c, func() (*Clock, error) { return c.broker.GetClock(ctx) })
}

// GetAccount implements Broker.
func (c *CircuitBreakerBroker) GetAccount(ctx context.Context) (*Account, error) {
	return execute(c, func() (*Account, error) { return c.broker.GetAccount(ctx) })
}

// GetPositions implements Broker.
func (c *CircuitBreakerBroker) GetPositions(ctx context.Context) ([]PositionItem, error) {
	return execute(c, func() ([]PositionItem, error) { return c.broker.GetPositions(ctx) })
}

// GetOpenOrders implements Broker.
func (c *CircuitBreakerBroker) GetOpenOrders(ctx context.Context) ([]Order, error) {
	return execute(c, func() ([]Order, error) { return c.broker.GetOpenOrders(ctx) })
}

// GetOrder implements Broker.
func (c *CircuitBreakerBroker) GetOrder(ctx context.Context, id string) (*Order, error) {
	return execute(c, func() (*Order, error) { return c.broker.GetOrder(ctx, id) })
}

// SubmitOrder implements Broker.
func (c *CircuitBreakerBroker) SubmitOrder(ctx context.Context, symbol, side string, qty decimal.Decimal,
	clientOrderID string, orderType OrderType, limitPrice *decimal.Decimal, tif TimeInForce) (*Order, error) {
	return execute(c, func() (*Order, error) {
		return c.broker.SubmitOrder(ctx, symbol, side, qty, clientOrderID, orderType, limitPrice, tif)
	})
}

// CancelOrder implements Broker.
func (c *CircuitBreakerBroker) CancelOrder(ctx context.Context, id string) error {
	_, err := execute(c, func() (struct{}, error) { return struct{}{}, c.broker.CancelOrder(ctx, id) })
	return err
}

// GetBars implements Broker.
func (c *CircuitBreakerBroker) GetBars(ctx context.Context, symbols []string, timeframe string, start, end time.Time,
	limit int, feed Feed) (map[string][]Bar, error) {
	return execute(c, func() (map[string][]Bar, error) {
		return c.broker.GetBars(ctx, symbols, timeframe, start, end, limit, feed)
	})
}

// GetSnapshot implements Broker.
func (c *CircuitBreakerBroker) GetSnapshot(ctx context.Context, symbol string) (*Snapshot, error) {
	return execute(c, func() (*Snapshot, error) { return c.broker.GetSnapshot(ctx, symbol) })
}

// GetAsset implements Broker.
func (c *CircuitBreakerBroker) GetAsset(ctx context.Context, symbol string) (*Asset, error) {
	return execute(c, func() (*Asset, error) { return c.broker.GetAsset(ctx, symbol) })
}

// GetWatchlist implements Broker.
func (c *CircuitBreakerBroker) GetWatchlist(ctx context.Context, name string) ([]string, error) {
	return execute(c, func() ([]string, error) { return c.broker.GetWatchlist(ctx, name) })
}

var _ Broker = (*CircuitBreakerBroker)(nil)
var _ Broker = (*Adapter)(nil)
