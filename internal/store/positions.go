package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/eddiefleurent/tradecore/internal/engerr"
	"github.com/eddiefleurent/tradecore/internal/models"
	"github.com/shopspring/decimal"
)

// UpsertPosition persists the tracked position for its symbol, replacing any
// existing row. The in-memory tracker is primary; this row exists so a
// restart can restore trailing-stop state by value.
func (s *Store) UpsertPosition(ctx context.Context, p models.Position) error {
	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO position_tracking
			(symbol, side, qty, entry_price, atr, entry_time, extreme_price,
			 trailing_stop_price, trailing_stop_activated, pending_exit, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			side = excluded.side,
			qty = excluded.qty,
			entry_price = excluded.entry_price,
			atr = excluded.atr,
			entry_time = excluded.entry_time,
			extreme_price = excluded.extreme_price,
			trailing_stop_price = excluded.trailing_stop_price,
			trailing_stop_activated = excluded.trailing_stop_activated,
			pending_exit = excluded.pending_exit,
			updated_at = excluded.updated_at`,
		p.Symbol, string(p.Side), p.Qty.String(), p.EntryPrice.String(), nullableFloat(p.ATR),
		p.EntryTime, p.ExtremePrice.String(), decimalPtr(p.TrailingStopPrice),
		boolInt(p.TrailingStopActivated), boolInt(p.PendingExit), nowUTC(),
	)
	if err != nil {
		return engerr.Transient("upsert position "+p.Symbol, err)
	}
	return nil
}

// DeletePosition removes the persisted row for symbol. Deleting a symbol
// with no row is not an error.
func (s *Store) DeletePosition(ctx context.Context, symbol string) error {
	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM position_tracking WHERE symbol = ?`, symbol); err != nil {
		return engerr.Transient("delete position "+symbol, err)
	}
	return nil
}

// LoadPositions returns every persisted position row, used by the tracker's
// startup restore before it syncs against the broker.
func (s *Store) LoadPositions(ctx context.Context) ([]models.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, side, qty, entry_price, atr, entry_time, extreme_price,
			trailing_stop_price, trailing_stop_activated, pending_exit, updated_at
		FROM position_tracking`)
	if err != nil {
		return nil, engerr.Transient("load positions", err)
	}
	defer rows.Close()

	var out []models.Position
	for rows.Next() {
		var (
			p                 models.Position
			side              string
			qtyStr            string
			entryStr          string
			atr               sql.NullFloat64
			extremeStr        string
			trailingStr       sql.NullString
			activated, exitng int
		)
		if err := rows.Scan(&p.Symbol, &side, &qtyStr, &entryStr, &atr, &p.EntryTime, &extremeStr,
			&trailingStr, &activated, &exitng, &p.UpdatedAt); err != nil {
			return nil, engerr.Transient("scan position", err)
		}
		p.Side = models.PositionSide(side)
		p.Qty, _ = decimal.NewFromString(qtyStr)
		p.EntryPrice, _ = decimal.NewFromString(entryStr)
		p.ExtremePrice, _ = decimal.NewFromString(extremeStr)
		if atr.Valid {
			p.ATR = &atr.Float64
		}
		if trailingStr.Valid {
			if d, err := decimal.NewFromString(trailingStr.String); err == nil {
				p.TrailingStopPrice = &d
			}
		}
		p.TrailingStopActivated = activated != 0
		p.PendingExit = exitng != 0
		out = append(out, p)
	}
	return out, rows.Err()
}

// SavePositionsSnapshot appends one audit row per broker position, all
// stamped with the same capture time so the latest snapshot can be selected
// as a group.
func (s *Store) SavePositionsSnapshot(ctx context.Context, takenAt time.Time, rows []models.PositionSnapshotRow) error {
	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return engerr.Transient("save positions snapshot: begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range rows {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO positions_snapshot (ts_utc, symbol, side, qty, entry_price)
			VALUES (?, ?, ?, ?, ?)`,
			takenAt, r.Symbol, string(r.Side), r.Qty, r.EntryPrice); err != nil {
			return engerr.Transient("save positions snapshot: "+r.Symbol, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return engerr.Transient("save positions snapshot: commit", err)
	}
	return nil
}

// LatestPositionsSnapshot returns the rows of the most recent snapshot
// group, or nil when no snapshot has ever been taken.
func (s *Store) LatestPositionsSnapshot(ctx context.Context) ([]models.PositionSnapshotRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts_utc, symbol, side, qty, entry_price FROM positions_snapshot
		WHERE ts_utc = (SELECT MAX(ts_utc) FROM positions_snapshot)`)
	if err != nil {
		return nil, engerr.Transient("latest positions snapshot", err)
	}
	defer rows.Close()

	var out []models.PositionSnapshotRow
	for rows.Next() {
		var r models.PositionSnapshotRow
		var side string
		if err := rows.Scan(&r.TakenAtUTC, &r.Symbol, &side, &r.Qty, &r.EntryPrice); err != nil {
			return nil, engerr.Transient("scan positions snapshot", err)
		}
		r.Side = models.PositionSide(side)
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
