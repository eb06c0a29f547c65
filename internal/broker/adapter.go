// Adapter is a bounded facade over the synchronous Broker, adding
// per-operation timeouts, read retries with backoff and jitter, a keyed TTL
// cache, and write invalidation. Calls run synchronously on the caller's
// goroutine.
package broker

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/eddiefleurent/tradecore/internal/engerr"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// AdapterConfig controls timeouts, retry policy, and cache TTLs.
type AdapterConfig struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	MaxRetries     int
	InitialBackoff time.Duration
	BackoffFactor  float64

	ClockTTL     time.Duration
	AccountTTL   time.Duration
	PositionsTTL time.Duration
}

// DefaultAdapterConfig carries the stock timeout, retry, and TTL defaults.
var DefaultAdapterConfig = AdapterConfig{
	ReadTimeout:    5 * time.Second,
	WriteTimeout:   10 * time.Second,
	MaxRetries:     3,
	InitialBackoff: 100 * time.Millisecond,
	BackoffFactor:  2,
	ClockTTL:       2 * time.Second,
	AccountTTL:     1 * time.Second,
	PositionsTTL:   1 * time.Second,
}

type cacheEntry struct {
	value   interface{}
	expires time.Time
}

// Adapter wraps a Broker with timeouts, retries, a TTL cache, and write
// invalidation. It implements Broker itself so it can be composed
// transparently with CircuitBreakerBroker.
type Adapter struct {
	inner  Broker
	cfg    AdapterConfig
	logger *logrus.Entry

	cacheMu sync.Mutex
	cache   map[string]cacheEntry
}

// NewAdapter constructs an Adapter around inner.
func NewAdapter(inner Broker, logger *logrus.Entry, cfg ...AdapterConfig) *Adapter {
	c := DefaultAdapterConfig
	if len(cfg) > 0 {
		c = cfg[0]
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultAdapterConfig.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultAdapterConfig.WriteTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultAdapterConfig.MaxRetries
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultAdapterConfig.InitialBackoff
	}
	if c.BackoffFactor <= 1 {
		c.BackoffFactor = DefaultAdapterConfig.BackoffFactor
	}
	if logger == nil {
		l := logrus.New()
		logger = logrus.NewEntry(l)
	}
	return &Adapter{
		inner:  inner,
		cfg:    c,
		logger: logger.WithField("component", "broker_adapter"),
		cache:  make(map[string]cacheEntry),
	}
}

// withRead runs fn with the read timeout and retries transient failures
// with exponential backoff and 0.5-1.0x jitter.
func (a *Adapter) withRead(ctx context.Context, name string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	backoff := a.cfg.InitialBackoff
	var lastErr error

	for attempt := 0; attempt <= a.cfg.MaxRetries; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, a.cfg.ReadTimeout)
		val, err := fn(cctx)
		cancel()

		if err == nil {
			return val, nil
		}
		lastErr = err

		if IsFatal(err) {
			return nil, engerr.Fatal(fmt.Sprintf("%s: fatal broker error", name), err)
		}
		if !IsTransient(err) || attempt == a.cfg.MaxRetries {
			break
		}

		wait := jitter(backoff)
		a.logger.WithField("op", name).WithField("attempt", attempt+1).
			WithField("wait", wait).Warn("broker read: transient error, retrying")

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, engerr.Timeout(fmt.Sprintf("%s: canceled during backoff", name), ctx.Err())
		}
		backoff = time.Duration(float64(backoff) * a.cfg.BackoffFactor)
	}

	return nil, engerr.Transient(fmt.Sprintf("%s: exhausted retries", name), lastErr)
}

// jitter applies 0.5x-1.0x jitter to backoff.
func jitter(backoff time.Duration) time.Duration {
	if backoff <= 0 {
		return backoff
	}
	half := int64(backoff) / 2
	n, err := rand.Int(rand.Reader, big.NewInt(half+1))
	if err != nil {
		return backoff
	}
	return time.Duration(half + n.Int64())
}

func (a *Adapter) cacheGet(key string) (interface{}, bool) {
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	e, ok := a.cache[key]
	if !ok || time.Now().After(e.expires) {
		return nil, false
	}
	return e.value, true
}

func (a *Adapter) cacheSet(key string, value interface{}, ttl time.Duration) {
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	a.cache[key] = cacheEntry{value: value, expires: time.Now().Add(ttl)}
}

// invalidate removes the given cache keys. Writes call this for the keys
// they affect: submit_order and cancel_order both invalidate
// get_open_orders and get_positions.
func (a *Adapter) invalidate(keys ...string) {
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	for _, k := range keys {
		delete(a.cache, k)
	}
}

// GetClock is cached for ClockTTL and retried on transient failure.
func (a *Adapter) GetClock(ctx context.Context) (*Clock, error) {
	const key = "get_clock"
	if v, ok := a.cacheGet(key); ok {
		return v.(*Clock), nil
	}
	v, err := a.withRead(ctx, key, func(cctx context.Context) (interface{}, error) {
		return a.inner.GetClock(cctx)
	})
	if err != nil {
		return nil, err
	}
	clock := v.(*Clock)
	a.cacheSet(key, clock, a.cfg.ClockTTL)
	return clock, nil
}

// GetAccount is cached for AccountTTL.
func (a *Adapter) GetAccount(ctx context.Context) (*Account, error) {
	const key = "get_account"
	if v, ok := a.cacheGet(key); ok {
		return v.(*Account), nil
	}
	v, err := a.withRead(ctx, key, func(cctx context.Context) (interface{}, error) {
		return a.inner.GetAccount(cctx)
	})
	if err != nil {
		return nil, err
	}
	acc := v.(*Account)
	a.cacheSet(key, acc, a.cfg.AccountTTL)
	return acc, nil
}

// GetPositions is cached for PositionsTTL; invalidated by submit/cancel.
func (a *Adapter) GetPositions(ctx context.Context) ([]PositionItem, error) {
	const key = "get_positions"
	if v, ok := a.cacheGet(key); ok {
		return v.([]PositionItem), nil
	}
	v, err := a.withRead(ctx, key, func(cctx context.Context) (interface{}, error) {
		return a.inner.GetPositions(cctx)
	})
	if err != nil {
		return nil, err
	}
	positions := v.([]PositionItem)
	a.cacheSet(key, positions, a.cfg.PositionsTTL)
	return positions, nil
}

// GetOpenOrders is invalidated by submit/cancel but not TTL-cached itself
// (it is consulted on the hot order-submission path and must reflect the
// most recent write immediately).
func (a *Adapter) GetOpenOrders(ctx context.Context) ([]Order, error) {
	v, err := a.withRead(ctx, "get_open_orders", func(cctx context.Context) (interface{}, error) {
		return a.inner.GetOpenOrders(cctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Order), nil
}

// GetOrder is not cached: the order-update poller needs the freshest view.
func (a *Adapter) GetOrder(ctx context.Context, id string) (*Order, error) {
	v, err := a.withRead(ctx, "get_order", func(cctx context.Context) (interface{}, error) {
		return a.inner.GetOrder(cctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Order), nil
}

// GetSnapshot is not cached: exit evaluation and spread filtering need
// current quotes.
func (a *Adapter) GetSnapshot(ctx context.Context, symbol string) (*Snapshot, error) {
	v, err := a.withRead(ctx, "get_snapshot", func(cctx context.Context) (interface{}, error) {
		return a.inner.GetSnapshot(cctx, symbol)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

// GetAsset is not cached: called once per symbol at startup validation.
func (a *Adapter) GetAsset(ctx context.Context, symbol string) (*Asset, error) {
	v, err := a.withRead(ctx, "get_asset", func(cctx context.Context) (interface{}, error) {
		return a.inner.GetAsset(cctx, symbol)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Asset), nil
}

// GetWatchlist is not cached: called once at startup symbol resolution.
func (a *Adapter) GetWatchlist(ctx context.Context, name string) ([]string, error) {
	v, err := a.withRead(ctx, "get_watchlist", func(cctx context.Context) (interface{}, error) {
		return a.inner.GetWatchlist(cctx, name)
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// GetBars is not cached: the ingest loop already dedupes by last-seen
// timestamp.
func (a *Adapter) GetBars(ctx context.Context, symbols []string, timeframe string, start, end time.Time,
	limit int, feed Feed) (map[string][]Bar, error) {
	v, err := a.withRead(ctx, "get_bars", func(cctx context.Context) (interface{}, error) {
		return a.inner.GetBars(cctx, symbols, timeframe, start, end, limit, feed)
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string][]Bar), nil
}

// SubmitOrder never retries. It invalidates get_open_orders/get_positions
// on success.
func (a *Adapter) SubmitOrder(ctx context.Context, symbol, side string, qty decimal.Decimal, clientOrderID string,
	orderType OrderType, limitPrice *decimal.Decimal, tif TimeInForce) (*Order, error) {
	cctx, cancel := context.WithTimeout(ctx, a.cfg.WriteTimeout)
	defer cancel()

	order, err := a.inner.SubmitOrder(cctx, symbol, side, qty, clientOrderID, orderType, limitPrice, tif)
	if err != nil {
		if IsFatal(err) {
			return nil, engerr.Fatal("submit_order: fatal broker error", err)
		}
		return nil, err
	}
	a.invalidate("get_open_orders", "get_positions")
	return order, nil
}

// CancelOrder never retries, per the same no-retry-on-write policy.
func (a *Adapter) CancelOrder(ctx context.Context, id string) error {
	cctx, cancel := context.WithTimeout(ctx, a.cfg.WriteTimeout)
	defer cancel()

	if err := a.inner.CancelOrder(cctx, id); err != nil {
		if IsFatal(err) {
			return engerr.Fatal("cancel_order: fatal broker error", err)
		}
		return err
	}
	a.invalidate("get_open_orders", "get_positions")
	return nil
}
