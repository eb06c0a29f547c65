package store

import (
	"context"
	"fmt"
	"time"

	"github.com/eddiefleurent/tradecore/internal/engerr"
	"github.com/eddiefleurent/tradecore/internal/models"
	"github.com/shopspring/decimal"
)

// InsertTradeIdempotent records a completed fill into the trades audit
// table. Conflicts on (order_id, fill_id) or (order_id, client_order_id)
// yield inserted=false without error, so a replayed order-update event
// cannot double-book a trade.
func (s *Store) InsertTradeIdempotent(ctx context.Context, orderID, clientOrderID string, fillID *string,
	symbol string, side models.Side, qty, price decimal.Decimal, ts time.Time) (bool, error) {
	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO trades (order_id, client_order_id, fill_id, symbol, side, qty, price, ts_utc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		orderID, clientOrderID, fillID, symbol, string(side), qty.String(), price.String(), ts,
	)
	if err != nil {
		return false, engerr.Transient("insert trade", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, engerr.Transient("insert trade: rows affected", err)
	}
	return n > 0, nil
}

// AppendEquityCurve records one equity observation together with the
// running daily P&L at that moment.
func (s *Store) AppendEquityCurve(ctx context.Context, ts time.Time, equity decimal.Decimal, dailyPnl float64) error {
	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	_, err := s.db.ExecContext(ctx, `INSERT INTO equity_curve (ts_utc, equity, daily_pnl) VALUES (?, ?, ?)`,
		ts, equity.String(), fmt.Sprintf("%g", dailyPnl))
	if err != nil {
		return engerr.Transient("append equity curve", err)
	}
	return nil
}

// InsertBarIdempotent records one bar into the bars audit table; a replayed
// (symbol, ts) pair is silently coalesced.
func (s *Store) InsertBarIdempotent(ctx context.Context, bar models.BarEvent) error {
	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO bars (symbol, ts_utc, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		bar.Symbol, bar.Timestamp, bar.Open.String(), bar.High.String(), bar.Low.String(),
		bar.Close.String(), bar.Volume.String(),
	)
	if err != nil {
		return engerr.Transient("insert bar", err)
	}
	return nil
}

// lastSignalKey namespaces per-(symbol, fast, slow) crossover memory inside
// bot_state.
func lastSignalKey(symbol string, fast, slow int) string {
	return fmt.Sprintf("last_signal:%s:%d:%d", symbol, fast, slow)
}

// GetLastSignal returns the last recorded crossover direction ("BUY" or
// "SELL") for (symbol, fast, slow), or "" when none is recorded.
func (s *Store) GetLastSignal(ctx context.Context, symbol string, fast, slow int) (string, error) {
	v, _, err := s.GetState(ctx, lastSignalKey(symbol, fast, slow))
	return v, err
}

// SetLastSignal records the crossover direction for (symbol, fast, slow).
func (s *Store) SetLastSignal(ctx context.Context, symbol string, fast, slow int, direction string) error {
	return s.setState(ctx, lastSignalKey(symbol, fast, slow), direction)
}

// Bot-state keys shared by the risk manager, order manager, exit manager,
// and reconciler.
const (
	keyKillSwitch          = "kill_switch"
	keyCircuitBreakerState = "circuit_breaker_state"
	keyCircuitBreakerCount = "circuit_breaker_count"
	keyTradingHalted       = "trading_halted"
	keyBrokerHealth        = "broker_health"
	keyReconcilerLastCheck = "reconciler_last_check_utc"
	keyReconcilerFailures  = "reconciler_consecutive_failures"
	keyDailyResetDate      = "daily_reset_date"
)

// GetKillSwitch reads the persisted kill-switch flag.
func (s *Store) GetKillSwitch(ctx context.Context) (bool, error) {
	return s.getStateBool(ctx, keyKillSwitch)
}

// SetKillSwitch writes the persisted kill-switch flag.
func (s *Store) SetKillSwitch(ctx context.Context, on bool) error {
	return s.setState(ctx, keyKillSwitch, boolString(on))
}

// GetTradingHalted reads the reconciler's halt flag.
func (s *Store) GetTradingHalted(ctx context.Context) (bool, error) {
	return s.getStateBool(ctx, keyTradingHalted)
}

// SetTradingHalted writes the reconciler's halt flag.
func (s *Store) SetTradingHalted(ctx context.Context, halted bool) error {
	return s.setState(ctx, keyTradingHalted, boolString(halted))
}

// GetBrokerHealth reads the reconciler's broker-health marker, defaulting
// to healthy when unset.
func (s *Store) GetBrokerHealth(ctx context.Context) (models.BrokerHealth, error) {
	v, ok, err := s.GetState(ctx, keyBrokerHealth)
	if err != nil || !ok {
		return models.BrokerHealthy, err
	}
	return models.BrokerHealth(v), nil
}

// SetBrokerHealth writes the reconciler's broker-health marker.
func (s *Store) SetBrokerHealth(ctx context.Context, health models.BrokerHealth) error {
	return s.setState(ctx, keyBrokerHealth, string(health))
}

// GetCircuitBreaker returns the persisted breaker state and consecutive
// failure count, defaulting to (normal, 0) when unset.
func (s *Store) GetCircuitBreaker(ctx context.Context) (models.CircuitBreakerState, int, error) {
	stateStr, ok, err := s.GetState(ctx, keyCircuitBreakerState)
	if err != nil {
		return models.CircuitNormal, 0, err
	}
	state := models.CircuitNormal
	if ok && stateStr != "" {
		state = models.CircuitBreakerState(stateStr)
	}
	count, err := s.getStateInt(ctx, keyCircuitBreakerCount)
	if err != nil {
		return state, 0, err
	}
	return state, count, nil
}

// IncrementCircuitBreaker bumps the persisted failure counter, trips the
// breaker once the counter reaches threshold, and returns the new counter
// value plus whether this call caused the trip.
func (s *Store) IncrementCircuitBreaker(ctx context.Context, threshold int) (int, bool, error) {
	_, count, err := s.GetCircuitBreaker(ctx)
	if err != nil {
		return 0, false, err
	}
	count++
	if err := s.setState(ctx, keyCircuitBreakerCount, fmt.Sprintf("%d", count)); err != nil {
		return count, false, err
	}
	if count >= threshold {
		if err := s.setState(ctx, keyCircuitBreakerState, string(models.CircuitTripped)); err != nil {
			return count, false, err
		}
		return count, true, nil
	}
	return count, false, nil
}

// ResetCircuitBreaker clears the breaker state and counter (manual reset,
// driven by the CIRCUIT_BREAKER_RESET env var at startup).
func (s *Store) ResetCircuitBreaker(ctx context.Context) error {
	if err := s.setState(ctx, keyCircuitBreakerState, string(models.CircuitNormal)); err != nil {
		return err
	}
	return s.setState(ctx, keyCircuitBreakerCount, "0")
}

// ClearCircuitBreakerFailures zeroes only the consecutive-failure counter.
// A successful submission calls this; a tripped state stays tripped until
// the operator resets it.
func (s *Store) ClearCircuitBreakerFailures(ctx context.Context) error {
	return s.setState(ctx, keyCircuitBreakerCount, "0")
}

// GetDailyResetDate returns the calendar date of the last daily reset.
func (s *Store) GetDailyResetDate(ctx context.Context) (string, error) {
	v, _, err := s.GetState(ctx, keyDailyResetDate)
	return v, err
}

// RecordReconcilerCheck stamps the reconciler's last-check time and its
// consecutive-failure counter.
func (s *Store) RecordReconcilerCheck(ctx context.Context, at time.Time, consecutiveFailures int) error {
	if err := s.setState(ctx, keyReconcilerLastCheck, at.UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return s.setState(ctx, keyReconcilerFailures, fmt.Sprintf("%d", consecutiveFailures))
}

// GetReconcilerFailures returns the reconciler's consecutive-failure count.
func (s *Store) GetReconcilerFailures(ctx context.Context) (int, error) {
	return s.getStateInt(ctx, keyReconcilerFailures)
}

func (s *Store) getStateBool(ctx context.Context, key string) (bool, error) {
	v, ok, err := s.GetState(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	return v == "true", nil
}

func (s *Store) getStateInt(ctx context.Context, key string) (int, error) {
	f, err := s.getStateFloat(ctx, key)
	if err != nil || f == nil {
		return 0, err
	}
	return int(*f), nil
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
