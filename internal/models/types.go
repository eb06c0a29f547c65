// Package models provides the shared data structures for the trading engine:
// order intents, fills, positions, and the ephemeral events that flow across
// the event bus.
package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or position.
type Side string

// Order/position sides.
const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"

	SideLong  Side = "long"
	SideShort Side = "short"
)

// Normalize trims whitespace and lowercases the side. Client-order-id
// derivation depends on this: casing must never be allowed to produce
// duplicate orders.
func (s Side) Normalize() Side {
	return Side(strings.ToLower(strings.TrimSpace(string(s))))
}

// OrderStatus enumerates the lifecycle states of an OrderIntent.
type OrderStatus string

// Order statuses.
const (
	StatusNew             OrderStatus = "new"
	StatusSubmitted       OrderStatus = "submitted"
	StatusAccepted        OrderStatus = "accepted"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCanceled        OrderStatus = "canceled"
	StatusExpired         OrderStatus = "expired"
	StatusRejected        OrderStatus = "rejected"
	StatusPendingNew      OrderStatus = "pending_new"
	StatusPendingCancel   OrderStatus = "pending_cancel"
	StatusDryRun          OrderStatus = "dry_run"
)

// TerminalStatuses are absorbing: once reached, later non-terminal updates
// from the broker are ignored but surfaced as reconciliation discrepancies.
var TerminalStatuses = map[OrderStatus]bool{
	StatusFilled:   true,
	StatusCanceled: true,
	StatusExpired:  true,
	StatusRejected: true,
}

// IsTerminal reports whether status is one of the absorbing terminal states.
func (s OrderStatus) IsTerminal() bool {
	return TerminalStatuses[s]
}

// ActiveOrderStatuses are the statuses the order-update poller watches.
var ActiveOrderStatuses = []OrderStatus{
	StatusSubmitted, StatusPendingNew, StatusAccepted, StatusNew, StatusPartiallyFilled,
}

// OrderIntent is the durable record of a submission decision, keyed by its
// deterministic client order id.
type OrderIntent struct {
	ClientOrderID  string
	Symbol         string
	Side           Side
	Qty            decimal.Decimal
	Status         OrderStatus
	FilledQty      decimal.Decimal
	FilledAvgPrice *decimal.Decimal
	BrokerOrderID  *string
	ATR            *float64
	Strategy       string
	CreatedAtUTC   time.Time
	UpdatedAtUTC   time.Time
}

// Fill is an immutable per-delta fill record.
type Fill struct {
	ID               int64
	BrokerOrderID    string
	ClientOrderID    string
	Symbol           string
	Side             Side
	DeltaQty         decimal.Decimal
	CumQty           decimal.Decimal
	CumAvgPrice      *decimal.Decimal
	TimestampUTC     time.Time
	FillID           *string
	FillDedupeKey    string
	PriceIsEstimate  bool
}

// DedupeKey computes the fill_dedupe_key contract: fill_id if present,
// otherwise a synthetic key derived from the cumulative quantity.
func DedupeKey(fillID *string, cumQty decimal.Decimal) string {
	if fillID != nil && *fillID != "" {
		return *fillID
	}
	return "CUM:" + cumQty.String()
}

// PositionSide is the directional side of a tracked position.
type PositionSide string

// Position sides.
const (
	PosLong  PositionSide = "long"
	PosShort PositionSide = "short"
)

// Position is the in-memory, persisted-per-symbol tracked position.
type Position struct {
	Symbol                string
	Side                  PositionSide
	Qty                   decimal.Decimal
	EntryPrice            decimal.Decimal
	EntryTime             time.Time
	ExtremePrice          decimal.Decimal
	ATR                   *float64
	TrailingStopPrice     *decimal.Decimal
	TrailingStopActivated bool
	PendingExit           bool
	UpdatedAt             time.Time
}

// BarEvent is an ephemeral OHLCV bar.
type BarEvent struct {
	Symbol     string
	Timeframe  string
	Timestamp  time.Time
	Open       decimal.Decimal
	High       decimal.Decimal
	Low        decimal.Decimal
	Close      decimal.Decimal
	Volume     decimal.Decimal
	TradeCount *int64
	VWAP       *decimal.Decimal
}

// Regime classifies recent price behavior.
type Regime string

// Regime values.
const (
	RegimeTrending Regime = "trending"
	RegimeRanging  Regime = "ranging"
	RegimeUnknown  Regime = "unknown"
)

// SignalType is the direction of a strategy signal.
type SignalType string

// Signal types.
const (
	SignalBuy  SignalType = "BUY"
	SignalSell SignalType = "SELL"
)

// SignalMetadata carries the strategy's supporting detail for a signal.
type SignalMetadata struct {
	FastPeriod     int
	SlowPeriod     int
	Confidence     float64
	Regime         Regime
	ATR            *float64
	RegimeStrength *float64
}

// SignalEvent is an ephemeral strategy signal.
type SignalEvent struct {
	Symbol    string
	Type      SignalType
	Timestamp time.Time
	Metadata  SignalMetadata
}

// ExitReason enumerates why an exit was generated.
type ExitReason string

// Exit reasons.
const (
	ExitStopLoss      ExitReason = "stop_loss"
	ExitProfitTarget  ExitReason = "profit_target"
	ExitTrailingStop  ExitReason = "trailing_stop"
	ExitCircuitBreak  ExitReason = "circuit_breaker"
	ExitEmergency     ExitReason = "emergency"
	ExitShutdown      ExitReason = "shutdown"
)

// ExitSignalEvent is an ephemeral exit request. Side is the closing order
// side: sell for a long position, buy for a short.
type ExitSignalEvent struct {
	Symbol        string
	Side          Side
	Qty           decimal.Decimal
	Reason        ExitReason
	EntryPrice    decimal.Decimal
	CurrentPrice  decimal.Decimal
	PnlPct        float64
	PnlAmount     float64
	Timestamp     time.Time
}

// OrderUpdateEvent is an ephemeral poller notification.
type OrderUpdateEvent struct {
	BrokerOrderID string
	ClientOrderID string
	Symbol        string
	Side          Side
	Status        OrderStatus
	CumFilledQty  decimal.Decimal
	CumAvgPrice   *decimal.Decimal
	DeltaQty      decimal.Decimal
	Timestamp     time.Time
	FillID        *string
}

// OrderIntentEvent is published once an order has been submitted to the
// broker successfully.
type OrderIntentEvent struct {
	Intent    OrderIntent
	Timestamp time.Time
}

