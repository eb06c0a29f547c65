// Package broker defines the core's view of the brokerage API: the Broker
// interface and the result shapes it returns, plus the Adapter and
// CircuitBreakerBroker wrappers layered on top. The concrete HTTP
// implementation lives in internal/alpaca.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// OrderType is the broker order type.
type OrderType string

// Order types.
const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// TimeInForce is the broker time-in-force.
type TimeInForce string

// Time-in-force values.
const (
	TIFDay TimeInForce = "day"
	TIFGTC TimeInForce = "gtc"
)

// Feed selects the equities market-data feed. It has no effect
// on crypto requests.
type Feed string

// Feed values.
const (
	FeedPremium Feed = "sip"
	FeedFree    Feed = "iex"
)

// Clock is the result shape of GetClock. It is the sole source of truth
// for "is the market open"; nothing may derive that from local time.
type Clock struct {
	IsOpen    bool
	NextOpen  time.Time
	NextClose time.Time
	Timestamp time.Time
}

// Account is the result shape of GetAccount.
type Account struct {
	Equity         decimal.Decimal
	BuyingPower    decimal.Decimal
	Cash           decimal.Decimal
	PortfolioValue decimal.Decimal
}

// PositionItem is one entry of GetPositions.
type PositionItem struct {
	Symbol         string
	Qty            decimal.Decimal // signed: negative for short
	AvgEntryPrice  decimal.Decimal
	CurrentPrice   decimal.Decimal
}

// Order is the result shape of order-returning calls.
type Order struct {
	ID              string
	ClientOrderID   string
	Symbol          string
	Side            string
	Qty             decimal.Decimal
	Status          string
	FilledQty       decimal.Decimal
	FilledAvgPrice  *decimal.Decimal
	CreatedAt       time.Time
}

// Bar is one OHLCV bar as returned by GetBars.
type Bar struct {
	Timestamp  time.Time
	Open       decimal.Decimal
	High       decimal.Decimal
	Low        decimal.Decimal
	Close      decimal.Decimal
	Volume     decimal.Decimal
	TradeCount *int64
	VWAP       *decimal.Decimal
}

// Snapshot is a quote/trade snapshot used by the risk manager's spread
// filter and the exit manager's price lookups.
type Snapshot struct {
	Symbol     string
	Bid        *decimal.Decimal
	Ask        *decimal.Decimal
	LastPrice  *decimal.Decimal
	TradeCount *int64
}

// Asset describes a tradable instrument, used by symbol-universe
// validation in orchestrator Phase 3.
type Asset struct {
	Symbol    string
	Tradable  bool
	Class     string // "us_equity" | "crypto"
}

// Broker is the core's view of the brokerage API. Every method
// takes a context so callers can bound broker latency
type Broker interface {
	GetClock(ctx context.Context) (*Clock, error)
	GetAccount(ctx context.Context) (*Account, error)
	GetPositions(ctx context.Context) ([]PositionItem, error)
	GetOpenOrders(ctx context.Context) ([]Order, error)
	GetOrder(ctx context.Context, id string) (*Order, error)
	SubmitOrder(ctx context.Context, symbol, side string, qty decimal.Decimal, clientOrderID string,
		orderType OrderType, limitPrice *decimal.Decimal, tif TimeInForce) (*Order, error)
	CancelOrder(ctx context.Context, id string) error
	GetBars(ctx context.Context, symbols []string, timeframe string, start, end time.Time,
		limit int, feed Feed) (map[string][]Bar, error)
	GetSnapshot(ctx context.Context, symbol string) (*Snapshot, error)
	GetAsset(ctx context.Context, symbol string) (*Asset, error)
	GetWatchlist(ctx context.Context, name string) ([]string, error)
}
