// Package store is the engine's state store and schema manager: an
// embedded SQLite database reached through database/sql and the
// mattn/go-sqlite3 driver directly, rather than through an ORM, so schema
// migration keeps raw DDL control and direct access to the online backup
// API.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/eddiefleurent/tradecore/internal/engerr"
	"github.com/eddiefleurent/tradecore/internal/models"
	"github.com/eddiefleurent/tradecore/internal/util"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Store is the SQL-backed state store. All methods are safe for concurrent
// use; database/sql's own connection pool handles serialization, and
// writers additionally take dbMu to avoid SQLITE_BUSY storms under the
// single-writer constraint SQLite imposes.
type Store struct {
	db     *sql.DB
	path   string
	logger *logrus.Entry
	dbMu   sync.Mutex
}

// Open opens (creating if needed) the SQLite database at path and runs
// EnsureSchema before returning, so no other consumer ever sees an
// unmigrated database.
func Open(path string, logger *logrus.Entry) (*Store, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate")
	if err != nil {
		return nil, engerr.Schema("open database", err)
	}
	db.SetMaxOpenConns(1) // SQLite allows a single writer; serialize through the pool

	s := &Store{db: db, path: path, logger: logger.WithField("component", "store")}
	changes, err := s.EnsureSchema(context.Background())
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if len(changes) > 0 {
		s.logger.WithField("changes", changes).Info("schema migrated")
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for components (e.g. reconciliation) that need
// to run ad-hoc read queries not otherwise exposed as a method.
func (s *Store) DB() *sql.DB {
	return s.db
}

// nowUTC is the single place Store reads wall-clock time, so tests can
// control it by constructing rows directly instead of monkeypatching time.
func nowUTC() time.Time {
	return time.Now().UTC()
}

// SaveOrderIntent inserts a new order_intents row with status "new".
// Duplicate client_order_id is rejected by primary-key conflict; the
// caller interprets ok=false as "already submitted".
func (s *Store) SaveOrderIntent(ctx context.Context, intent models.OrderIntent) (bool, error) {
	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	now := nowUTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO order_intents
			(client_order_id, symbol, side, qty, atr, status, filled_qty, strategy, created_at_utc, updated_at_utc)
		VALUES (?, ?, ?, ?, ?, 'new', 0, ?, ?, ?)`,
		intent.ClientOrderID, intent.Symbol, string(intent.Side), intent.Qty.String(),
		nullableFloat(intent.ATR), intent.Strategy, now, now,
	)
	if err != nil {
		return false, engerr.Transient("save order intent", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, engerr.Transient("save order intent: rows affected", err)
	}
	return n > 0, nil
}

// UpdateOrderIntent updates only the non-nil fields, preserving existing
// values for fields passed as nil.
func (s *Store) UpdateOrderIntent(ctx context.Context, clientOrderID string, status *models.OrderStatus,
	filledQty *decimal.Decimal, brokerOrderID *string, filledAvgPrice *decimal.Decimal) error {
	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE order_intents SET
			status = COALESCE(?, status),
			filled_qty = COALESCE(?, filled_qty),
			broker_order_id = COALESCE(?, broker_order_id),
			filled_avg_price = COALESCE(?, filled_avg_price),
			updated_at_utc = ?
		WHERE client_order_id = ?`,
		statusPtr(status), decimalPtr(filledQty), brokerOrderID, decimalPtr(filledAvgPrice),
		nowUTC(), clientOrderID,
	)
	if err != nil {
		return engerr.Transient("update order intent", err)
	}
	return nil
}

// GetOrderIntent fetches a single order intent by client_order_id.
func (s *Store) GetOrderIntent(ctx context.Context, clientOrderID string) (*models.OrderIntent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT client_order_id, symbol, side, qty, atr, status, filled_qty, filled_avg_price,
			broker_order_id, strategy, created_at_utc, updated_at_utc
		FROM order_intents WHERE client_order_id = ?`, clientOrderID)
	return scanOrderIntent(row)
}

// GetOpenOrderIntents returns all order intents not in a terminal status,
// used by startup reconciliation to compare against the broker's open
// orders.
func (s *Store) GetOpenOrderIntents(ctx context.Context) ([]models.OrderIntent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_order_id, symbol, side, qty, atr, status, filled_qty, filled_avg_price,
			broker_order_id, strategy, created_at_utc, updated_at_utc
		FROM order_intents WHERE status NOT IN ('filled', 'canceled', 'rejected', 'expired')`)
	if err != nil {
		return nil, engerr.Transient("get open order intents", err)
	}
	defer rows.Close()

	var out []models.OrderIntent
	for rows.Next() {
		intent, err := scanOrderIntentRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *intent)
	}
	return out, rows.Err()
}

// GetOrderIntentByBrokerID fetches the order intent carrying the given
// broker order id, or nil when none matches.
func (s *Store) GetOrderIntentByBrokerID(ctx context.Context, brokerOrderID string) (*models.OrderIntent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT client_order_id, symbol, side, qty, atr, status, filled_qty, filled_avg_price,
			broker_order_id, strategy, created_at_utc, updated_at_utc
		FROM order_intents WHERE broker_order_id = ?`, brokerOrderID)
	return scanOrderIntent(row)
}

// GetActiveOrderIntents returns the rows the order-update poller watches:
// any non-terminal working status with a broker_order_id already assigned.
func (s *Store) GetActiveOrderIntents(ctx context.Context) ([]models.OrderIntent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_order_id, symbol, side, qty, atr, status, filled_qty, filled_avg_price,
			broker_order_id, strategy, created_at_utc, updated_at_utc
		FROM order_intents
		WHERE status IN ('submitted', 'pending_new', 'accepted', 'new', 'partially_filled')
			AND broker_order_id IS NOT NULL AND broker_order_id != ''`)
	if err != nil {
		return nil, engerr.Transient("get active order intents", err)
	}
	defer rows.Close()

	var out []models.OrderIntent
	for rows.Next() {
		intent, err := scanOrderIntentRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *intent)
	}
	return out, rows.Err()
}

// InsertFillIdempotent inserts a fill row; a conflict on
// (broker_order_id, fill_dedupe_key) yields inserted=false without error.
func (s *Store) InsertFillIdempotent(ctx context.Context, f models.Fill) (bool, error) {
	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO fills
			(broker_order_id, client_order_id, symbol, side, delta_qty, cum_qty, cum_avg_price,
			 ts_utc, fill_id, price_is_estimate, fill_dedupe_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.BrokerOrderID, f.ClientOrderID, f.Symbol, string(f.Side), f.DeltaQty.String(), f.CumQty.String(),
		decimalPtr(f.CumAvgPrice), f.TimestampUTC, f.FillID, f.PriceIsEstimate, f.FillDedupeKey,
	)
	if err != nil {
		return false, engerr.Transient("insert fill", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, engerr.Transient("insert fill: rows affected", err)
	}
	return n > 0, nil
}

// UpdateOrderIntentCumulative sets filled_qty = MAX(current, new_cum_qty),
// i.e. monotonic.
func (s *Store) UpdateOrderIntentCumulative(ctx context.Context, brokerOrderID, status string,
	newCumQty decimal.Decimal, newCumAvgPrice *decimal.Decimal, ts time.Time) error {
	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE order_intents SET
			status = ?,
			filled_qty = CASE WHEN CAST(filled_qty AS REAL) >= CAST(? AS REAL) THEN filled_qty ELSE ? END,
			filled_avg_price = COALESCE(?, filled_avg_price),
			updated_at_utc = ?
		WHERE broker_order_id = ?`,
		status, newCumQty.String(), newCumQty.String(), decimalPtr(newCumAvgPrice), ts, brokerOrderID,
	)
	if err != nil {
		return engerr.Transient("update order intent cumulative", err)
	}
	return nil
}

// GateTryAccept implements the signal-gate dedupe/cooldown contract:
// same-bar re-entries are rejected, and acceptances within cooldown of
// the last acceptance are rejected. On acceptance the gate
// row is upserted.
func (s *Store) GateTryAccept(ctx context.Context, strategy, symbol, action string, nowUTCArg,
	barTSUTC time.Time, cooldown time.Duration) (bool, error) {
	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	var lastAccepted time.Time
	var lastBarTS sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT last_accepted_ts_utc, last_bar_ts_utc FROM signal_gates
		WHERE strategy = ? AND symbol = ? AND action = ?`, strategy, symbol, action,
	).Scan(&lastAccepted, &lastBarTS)

	switch {
	case err == sql.ErrNoRows:
		// no existing gate row; fall through to accept
	case err != nil:
		return false, engerr.Transient("gate try accept: lookup", err)
	default:
		if lastBarTS.Valid && lastBarTS.Time.Equal(barTSUTC) {
			return false, nil
		}
		if nowUTCArg.Sub(lastAccepted) < cooldown {
			return false, nil
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO signal_gates (strategy, symbol, action, last_accepted_ts_utc, last_bar_ts_utc)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(strategy, symbol, action) DO UPDATE SET
			last_accepted_ts_utc = excluded.last_accepted_ts_utc,
			last_bar_ts_utc = excluded.last_bar_ts_utc`,
		strategy, symbol, action, nowUTCArg, barTSUTC,
	)
	if err != nil {
		return false, engerr.Transient("gate try accept: upsert", err)
	}
	return true, nil
}

// GetGate returns the gate row for (strategy, symbol, action), or nil when
// none exists.
func (s *Store) GetGate(ctx context.Context, strategy, symbol, action string) (*models.SignalGate, error) {
	var gate models.SignalGate
	var lastBarTS sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT strategy, symbol, action, last_accepted_ts_utc, last_bar_ts_utc FROM signal_gates
		WHERE strategy = ? AND symbol = ? AND action = ?`, strategy, symbol, action,
	).Scan(&gate.Strategy, &gate.Symbol, &gate.Action, &gate.LastAcceptedTSUTC, &lastBarTS)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, engerr.Transient("get gate", err)
	}
	if lastBarTS.Valid {
		gate.LastBarTSUTC = &lastBarTS.Time
	}
	return &gate, nil
}

// ReleaseGate deletes the gate row for (strategy, symbol, action), lifting
// its cooldown early. Used by operator tooling and tests; releasing a
// missing row is not an error.
func (s *Store) ReleaseGate(ctx context.Context, strategy, symbol, action string) error {
	s.dbMu.Lock()
	defer s.dbMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM signal_gates WHERE strategy = ? AND symbol = ? AND action = ?`,
		strategy, symbol, action)
	if err != nil {
		return engerr.Transient("release gate", err)
	}
	return nil
}

// GetDailyPnl reads bot_state["daily_pnl"], parsed through
// util.ParseOptionalFloat's numeric coercion rule.
func (s *Store) GetDailyPnl(ctx context.Context) (*float64, error) {
	return s.getStateFloat(ctx, "daily_pnl")
}

// SaveDailyPnl writes bot_state["daily_pnl"].
func (s *Store) SaveDailyPnl(ctx context.Context, pnl float64) error {
	return s.setState(ctx, "daily_pnl", fmt.Sprintf("%g", pnl))
}

// GetDailyTradeCount reads bot_state["daily_trade_count"].
func (s *Store) GetDailyTradeCount(ctx context.Context) (int, error) {
	v, err := s.getStateFloat(ctx, "daily_trade_count")
	if err != nil || v == nil {
		return 0, err
	}
	return int(*v), nil
}

// SaveDailyTradeCount writes bot_state["daily_trade_count"].
func (s *Store) SaveDailyTradeCount(ctx context.Context, count int) error {
	return s.setState(ctx, "daily_trade_count", fmt.Sprintf("%d", count))
}

// ResetDailyState clears daily P&L and trade count but preserves the
// circuit-breaker count
func (s *Store) ResetDailyState(ctx context.Context, resetDate string) error {
	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return engerr.Transient("reset daily state: begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := nowUTC()
	stmts := [][2]string{
		{"daily_pnl", "0"},
		{"daily_trade_count", "0"},
		{"daily_reset_date", resetDate},
	}
	for _, kv := range stmts {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO bot_state (key, value, updated_at_utc) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at_utc = excluded.updated_at_utc`,
			kv[0], kv[1], now); err != nil {
			return engerr.Transient("reset daily state: "+kv[0], err)
		}
	}
	if err := tx.Commit(); err != nil {
		return engerr.Transient("reset daily state: commit", err)
	}
	return nil
}

// GetState reads a raw bot_state value by key.
func (s *Store) GetState(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM bot_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, engerr.Transient("get state "+key, err)
	}
	return value, true, nil
}

// SetState writes a raw bot_state value by key.
func (s *Store) SetState(ctx context.Context, key, value string) error {
	return s.setState(ctx, key, value)
}

func (s *Store) setState(ctx context.Context, key, value string) error {
	s.dbMu.Lock()
	defer s.dbMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bot_state (key, value, updated_at_utc) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at_utc = excluded.updated_at_utc`,
		key, value, nowUTC())
	if err != nil {
		return engerr.Transient("set state "+key, err)
	}
	return nil
}

func (s *Store) getStateFloat(ctx context.Context, key string) (*float64, error) {
	value, ok, err := s.GetState(ctx, key)
	if err != nil || !ok {
		return nil, err
	}
	return util.ParseOptionalFloat(value), nil
}

// SaveReconciliationReport persists one reconciliation audit row.
func (s *Store) SaveReconciliationReport(ctx context.Context, report models.ReconciliationReport) error {
	s.dbMu.Lock()
	defer s.dbMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reconciliation_reports
			(kind, status, started_at_utc, duration_ms, discrepancy_count, repair_count, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		report.Kind, report.Status, report.StartedAtUTC, report.DurationMS,
		len(report.Discrepancies), len(report.Repairs), report.PayloadJSON,
	)
	if err != nil {
		return engerr.Transient("save reconciliation report", err)
	}
	return nil
}

func nullableFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func decimalPtr(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}

func statusPtr(s *models.OrderStatus) interface{} {
	if s == nil {
		return nil
	}
	return string(*s)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrderIntent(row *sql.Row) (*models.OrderIntent, error) {
	return scanOrderIntentGeneric(row)
}

func scanOrderIntentRows(rows *sql.Rows) (*models.OrderIntent, error) {
	return scanOrderIntentGeneric(rows)
}

func scanOrderIntentGeneric(s rowScanner) (*models.OrderIntent, error) {
	var (
		intent         models.OrderIntent
		side, status   string
		qtyStr         string
		atr            sql.NullFloat64
		filledQtyStr   string
		filledAvgPrice sql.NullString
		brokerOrderID  sql.NullString
	)
	err := s.Scan(&intent.ClientOrderID, &intent.Symbol, &side, &qtyStr, &atr, &status, &filledQtyStr,
		&filledAvgPrice, &brokerOrderID, &intent.Strategy, &intent.CreatedAtUTC, &intent.UpdatedAtUTC)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, engerr.Transient("scan order intent", err)
	}

	intent.Side = models.Side(side)
	intent.Status = models.OrderStatus(status)
	intent.Qty, _ = decimal.NewFromString(qtyStr)
	intent.FilledQty, _ = decimal.NewFromString(filledQtyStr)
	if atr.Valid {
		intent.ATR = &atr.Float64
	}
	if filledAvgPrice.Valid {
		if d, err := decimal.NewFromString(filledAvgPrice.String); err == nil {
			intent.FilledAvgPrice = &d
		}
	}
	if brokerOrderID.Valid {
		intent.BrokerOrderID = &brokerOrderID.String
	}
	return &intent, nil
}
