package store

import (
	"context"
	"time"

	"github.com/eddiefleurent/tradecore/internal/models"
	"github.com/shopspring/decimal"
)

// Interface is the persistence contract consumed by the trading components,
// implemented by the SQL-backed Store and by MockStore in tests.
type Interface interface {
	// Order intents.
	SaveOrderIntent(ctx context.Context, intent models.OrderIntent) (bool, error)
	UpdateOrderIntent(ctx context.Context, clientOrderID string, status *models.OrderStatus,
		filledQty *decimal.Decimal, brokerOrderID *string, filledAvgPrice *decimal.Decimal) error
	GetOrderIntent(ctx context.Context, clientOrderID string) (*models.OrderIntent, error)
	GetOrderIntentByBrokerID(ctx context.Context, brokerOrderID string) (*models.OrderIntent, error)
	GetOpenOrderIntents(ctx context.Context) ([]models.OrderIntent, error)
	GetActiveOrderIntents(ctx context.Context) ([]models.OrderIntent, error)

	// Fills.
	InsertFillIdempotent(ctx context.Context, f models.Fill) (bool, error)
	UpdateOrderIntentCumulative(ctx context.Context, brokerOrderID, status string,
		newCumQty decimal.Decimal, newCumAvgPrice *decimal.Decimal, ts time.Time) error

	// Signal gate.
	GateTryAccept(ctx context.Context, strategy, symbol, action string, nowUTC,
		barTSUTC time.Time, cooldown time.Duration) (bool, error)
	GetGate(ctx context.Context, strategy, symbol, action string) (*models.SignalGate, error)
	ReleaseGate(ctx context.Context, strategy, symbol, action string) error

	// Daily counters.
	GetDailyPnl(ctx context.Context) (*float64, error)
	SaveDailyPnl(ctx context.Context, pnl float64) error
	GetDailyTradeCount(ctx context.Context) (int, error)
	SaveDailyTradeCount(ctx context.Context, count int) error
	ResetDailyState(ctx context.Context, resetDate string) error
	GetDailyResetDate(ctx context.Context) (string, error)

	// Raw bot state.
	GetState(ctx context.Context, key string) (string, bool, error)
	SetState(ctx context.Context, key, value string) error

	// Flags and counters layered over bot state.
	GetKillSwitch(ctx context.Context) (bool, error)
	SetKillSwitch(ctx context.Context, on bool) error
	GetTradingHalted(ctx context.Context) (bool, error)
	SetTradingHalted(ctx context.Context, halted bool) error
	GetBrokerHealth(ctx context.Context) (models.BrokerHealth, error)
	SetBrokerHealth(ctx context.Context, health models.BrokerHealth) error
	GetCircuitBreaker(ctx context.Context) (models.CircuitBreakerState, int, error)
	IncrementCircuitBreaker(ctx context.Context, threshold int) (int, bool, error)
	ResetCircuitBreaker(ctx context.Context) error
	ClearCircuitBreakerFailures(ctx context.Context) error
	RecordReconcilerCheck(ctx context.Context, at time.Time, consecutiveFailures int) error
	GetReconcilerFailures(ctx context.Context) (int, error)

	// Crossover memory.
	GetLastSignal(ctx context.Context, symbol string, fast, slow int) (string, error)
	SetLastSignal(ctx context.Context, symbol string, fast, slow int, direction string) error

	// Position tracking.
	UpsertPosition(ctx context.Context, p models.Position) error
	DeletePosition(ctx context.Context, symbol string) error
	LoadPositions(ctx context.Context) ([]models.Position, error)
	SavePositionsSnapshot(ctx context.Context, takenAt time.Time, rows []models.PositionSnapshotRow) error
	LatestPositionsSnapshot(ctx context.Context) ([]models.PositionSnapshotRow, error)

	// Audit tables.
	InsertTradeIdempotent(ctx context.Context, orderID, clientOrderID string, fillID *string,
		symbol string, side models.Side, qty, price decimal.Decimal, ts time.Time) (bool, error)
	AppendEquityCurve(ctx context.Context, ts time.Time, equity decimal.Decimal, dailyPnl float64) error
	InsertBarIdempotent(ctx context.Context, bar models.BarEvent) error
	SaveReconciliationReport(ctx context.Context, report models.ReconciliationReport) error
}

var _ Interface = (*Store)(nil)
