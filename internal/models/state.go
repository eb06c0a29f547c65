package models

import "time"

// CircuitBreakerState is the persisted state of the order-submission
// circuit breaker (distinct from, and coarser than, the in-process
// gobreaker instance guarding broker calls — see internal/broker).
type CircuitBreakerState string

// Circuit breaker states.
const (
	CircuitNormal  CircuitBreakerState = "normal"
	CircuitTripped CircuitBreakerState = "tripped"
)

// BrokerHealth reflects the reconciler's view of broker API reachability.
type BrokerHealth string

// Broker health values.
const (
	BrokerHealthy  BrokerHealth = "healthy"
	BrokerDegraded BrokerHealth = "degraded"
)

// BotState is the decoded view of the bot_state key-value rows.
type BotState struct {
	KillSwitch                    bool
	CircuitBreakerState           CircuitBreakerState
	CircuitBreakerCount           int
	DailyPnl                      float64
	DailyTradeCount               int
	DailyResetDate                string
	TradingHalted                 bool
	BrokerHealth                  BrokerHealth
	ReconcilerLastCheckUTC        time.Time
	ReconcilerConsecutiveFailures int
}

// SignalGate is the per-(strategy,symbol,action) entry-dedupe row.
type SignalGate struct {
	Strategy          string
	Symbol            string
	Action            string
	LastAcceptedTSUTC time.Time
	LastBarTSUTC      *time.Time
}

// ReconciliationDiscrepancy is one finding from a reconciliation pass.
type ReconciliationDiscrepancy struct {
	Kind    string `json:"kind"`
	Detail  string `json:"detail"`
	Symbol  string `json:"symbol,omitempty"`
	OrderID string `json:"order_id,omitempty"`
}

// ReconciliationRepair is one auto-repair action taken during a runtime
// reconciliation pass (e.g. clearing a stuck pending_exit flag).
type ReconciliationRepair struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
	Symbol string `json:"symbol,omitempty"`
}

// ReconciliationReport is the persisted/audited output of one
// reconciliation pass.
type ReconciliationReport struct {
	ID            string
	Kind          string // "startup" or "runtime"
	StartedAtUTC  time.Time
	DurationMS    int64
	Status        string // "clean", "discrepancies", "repaired"
	Discrepancies []ReconciliationDiscrepancy
	Repairs       []ReconciliationRepair
	PayloadJSON   string // json.Marshal of {discrepancies, repairs}, for the audit row
}

// PositionSnapshotRow is one row of the positions_snapshot audit table,
// captured by startup reconciliation on clean completion.
type PositionSnapshotRow struct {
	Symbol     string
	Side       PositionSide
	Qty        string
	EntryPrice string
	TakenAtUTC time.Time
}
