package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/eddiefleurent/tradecore/internal/engerr"
)

// CurrentSchemaVersion is bumped whenever a migration step is appended to
// additiveColumns. It is never decremented. Version 2 added
// equity_curve.daily_pnl.
const CurrentSchemaVersion = 2

// columnDef is one additive column: allowed types are text/integer/real/
// numeric, and the only allowed modifiers are DEFAULT and NOT NULL (only
// together with DEFAULT).
type columnDef struct {
	table, name, sqlType, defaultClause string
	notNull                             bool
}

func (c columnDef) addColumnSQL() string {
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", c.table, c.name, c.sqlType)
	if c.defaultClause != "" {
		stmt += " DEFAULT " + c.defaultClause
		if c.notNull {
			stmt += " NOT NULL"
		}
	}
	return stmt
}

// schemaObject is one named table or index, so the migrator can report
// exactly what it created instead of blindly re-running IF NOT EXISTS
// statements.
type schemaObject struct {
	kind string // "table" or "index"
	name string
	sql  string
}

// baseObjects are the tables and indexes of a brand new database.
var baseObjects = []schemaObject{
	{"table", "schema_meta", `CREATE TABLE schema_meta (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		schema_version INTEGER NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`},
	{"table", "order_intents", `CREATE TABLE order_intents (
		client_order_id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		qty TEXT NOT NULL,
		atr REAL,
		status TEXT NOT NULL,
		filled_qty TEXT NOT NULL DEFAULT '0',
		filled_avg_price TEXT,
		broker_order_id TEXT,
		strategy TEXT NOT NULL DEFAULT '',
		created_at_utc TIMESTAMP NOT NULL,
		updated_at_utc TIMESTAMP NOT NULL
	)`},
	{"index", "idx_order_intents_broker_order_id",
		`CREATE INDEX idx_order_intents_broker_order_id ON order_intents(broker_order_id)`},
	{"table", "fills", `CREATE TABLE fills (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		broker_order_id TEXT NOT NULL,
		client_order_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		delta_qty TEXT NOT NULL,
		cum_qty TEXT NOT NULL,
		cum_avg_price TEXT,
		ts_utc TIMESTAMP NOT NULL,
		fill_id TEXT,
		price_is_estimate INTEGER NOT NULL DEFAULT 0,
		fill_dedupe_key TEXT NOT NULL,
		UNIQUE(broker_order_id, fill_dedupe_key)
	)`},
	{"table", "signal_gates", `CREATE TABLE signal_gates (
		strategy TEXT NOT NULL,
		symbol TEXT NOT NULL,
		action TEXT NOT NULL,
		last_accepted_ts_utc TIMESTAMP NOT NULL,
		last_bar_ts_utc TIMESTAMP,
		PRIMARY KEY (strategy, symbol, action)
	)`},
	{"table", "bot_state", `CREATE TABLE bot_state (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at_utc TIMESTAMP NOT NULL
	)`},
	{"table", "equity_curve", `CREATE TABLE equity_curve (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts_utc TIMESTAMP NOT NULL,
		equity TEXT NOT NULL
	)`},
	{"table", "positions_snapshot", `CREATE TABLE positions_snapshot (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts_utc TIMESTAMP NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		qty TEXT NOT NULL,
		entry_price TEXT NOT NULL
	)`},
	{"table", "bars", `CREATE TABLE bars (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		ts_utc TIMESTAMP NOT NULL,
		open TEXT NOT NULL,
		high TEXT NOT NULL,
		low TEXT NOT NULL,
		close TEXT NOT NULL,
		volume TEXT NOT NULL,
		UNIQUE(symbol, ts_utc)
	)`},
	{"table", "trades", `CREATE TABLE trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id TEXT NOT NULL,
		client_order_id TEXT NOT NULL,
		fill_id TEXT,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		qty TEXT NOT NULL,
		price TEXT NOT NULL,
		ts_utc TIMESTAMP NOT NULL
	)`},
	{"index", "idx_trades_order_fill",
		`CREATE UNIQUE INDEX idx_trades_order_fill ON trades(order_id, fill_id)`},
	{"index", "idx_trades_order_client",
		`CREATE UNIQUE INDEX idx_trades_order_client ON trades(order_id, client_order_id)`},
	{"table", "position_tracking", `CREATE TABLE position_tracking (
		symbol TEXT PRIMARY KEY,
		side TEXT NOT NULL,
		qty TEXT NOT NULL,
		entry_price TEXT NOT NULL,
		atr REAL,
		entry_time TIMESTAMP NOT NULL,
		extreme_price TEXT NOT NULL,
		trailing_stop_price TEXT,
		trailing_stop_activated INTEGER NOT NULL DEFAULT 0,
		pending_exit INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL
	)`},
	{"table", "reconciliation_reports", `CREATE TABLE reconciliation_reports (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at_utc TIMESTAMP NOT NULL,
		duration_ms INTEGER NOT NULL,
		discrepancy_count INTEGER NOT NULL,
		repair_count INTEGER NOT NULL,
		payload_json TEXT
	)`},
}

// additiveColumns lists columns added to existing tables across schema
// revisions. Revisions append here and bump CurrentSchemaVersion, never
// mutating past entries. A database created before the entry's revision
// gets the column in place; a fresh database also passes through here
// since baseObjects deliberately carries the pre-revision shape.
var additiveColumns = []columnDef{
	// v2: per-observation daily P&L alongside equity.
	{table: "equity_curve", name: "daily_pnl", sqlType: "TEXT", defaultClause: "'0'", notNull: true},
}

// EnsureSchema runs the full schema migration: it creates missing
// tables/columns/indexes under a single transaction with an early write
// lock, refuses to downgrade, detects non-additive drift on trades'
// uniqueness constraints, and snapshots a backup before committing when
// the database file already exists and changes are pending. It returns the
// list of changes applied; a second call over the same file returns an
// empty list.
func (s *Store) EnsureSchema(ctx context.Context) ([]string, error) {
	return s.ensureSchema(ctx, false)
}

// EnsureSchemaDryRun plans the migration without applying it: the journal
// and busy-timeout pragmas are suppressed to avoid side effects, no backup
// is taken, and the transaction is rolled back. The returned list is what
// EnsureSchema would do.
func (s *Store) EnsureSchemaDryRun(ctx context.Context) ([]string, error) {
	return s.ensureSchema(ctx, true)
}

func (s *Store) ensureSchema(ctx context.Context, dryRun bool) ([]string, error) {
	fileExisted := fileExists(s.path)

	if !dryRun {
		if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			return nil, engerr.Schema("set journal mode", err)
		}
		if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
			return nil, engerr.Schema("set busy timeout", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, engerr.Schema("begin schema transaction", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil { //nolint:sqlclosecheck // tx already holds the lock
		// SQLite drivers differ on whether BeginTx already issued the lock;
		// ignore "transaction already started" and proceed.
		_ = err
	}

	version, err := readSchemaVersion(ctx, tx)
	if err != nil {
		return nil, err
	}
	if version > CurrentSchemaVersion {
		return nil, engerr.Schema(fmt.Sprintf("database schema_version %d is newer than this build's %d",
			version, CurrentSchemaVersion), nil)
	}

	if err := checkTradesDrift(ctx, tx); err != nil {
		return nil, err
	}

	existingTables, err := existingObjects(ctx, tx, "table")
	if err != nil {
		return nil, err
	}
	existingIndexes, err := existingObjects(ctx, tx, "index")
	if err != nil {
		return nil, err
	}

	var changes []string
	for _, obj := range baseObjects {
		existing := existingTables
		if obj.kind == "index" {
			existing = existingIndexes
		}
		if existing[obj.name] {
			continue
		}
		if _, err := tx.ExecContext(ctx, obj.sql); err != nil {
			return nil, engerr.Schema("create "+obj.kind+" "+obj.name, err)
		}
		changes = append(changes, "create "+obj.kind+" "+obj.name)
	}

	for _, col := range additiveColumns {
		exists, err := columnExists(ctx, tx, col.table, col.name)
		if err != nil {
			return nil, err
		}
		if exists {
			continue
		}
		if _, err := tx.ExecContext(ctx, col.addColumnSQL()); err != nil {
			return nil, engerr.Schema("add column "+col.table+"."+col.name, err)
		}
		changes = append(changes, "add column "+col.table+"."+col.name)
	}

	if version != CurrentSchemaVersion {
		changes = append(changes, fmt.Sprintf("set schema_version %d", CurrentSchemaVersion))
	}

	if dryRun {
		return changes, nil
	}

	if fileExisted && len(changes) > 0 {
		if err := s.backupBeforeCommit(ctx); err != nil {
			return nil, err
		}
	}

	if len(changes) > 0 {
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO schema_meta (id, schema_version, updated_at) VALUES (1, ?, ?)
			ON CONFLICT(id) DO UPDATE SET schema_version = excluded.schema_version, updated_at = excluded.updated_at`,
			CurrentSchemaVersion, now); err != nil {
			return nil, engerr.Schema("update schema_meta", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, engerr.Schema("commit schema transaction", err)
	}
	committed = true
	return changes, nil
}

func existingObjects(ctx context.Context, tx *sql.Tx, kind string) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = ?", kind)
	if err != nil {
		return nil, engerr.Schema("list existing "+kind+"s", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, engerr.Schema("scan existing "+kind+"s", err)
		}
		out[name] = true
	}
	return out, rows.Err()
}

func readSchemaVersion(ctx context.Context, tx *sql.Tx) (int, error) {
	var version int
	err := tx.QueryRowContext(ctx, "SELECT schema_version FROM schema_meta WHERE id = 1").Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		return 0, nil
	case err != nil:
		// schema_meta table itself may not exist yet on a brand new database.
		return 0, nil
	default:
		return version, nil
	}
}

func columnExists(ctx context.Context, tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, engerr.Schema("inspect table "+table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name, ctyp string
			notnull    int
			dflt       sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &ctyp, &notnull, &dflt, &pk); err != nil {
			return false, engerr.Schema("scan table_info "+table, err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// checkTradesDrift aborts with a schema error if the trades table exists
// but lacks the required uniqueness on (order_id, fill_id) and
// (order_id, client_order_id).
// Required indexes are created by baseObjects on a fresh database, so
// drift can only occur against a database created outside this migrator.
func checkTradesDrift(ctx context.Context, tx *sql.Tx) error {
	var tableExists bool
	err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) > 0 FROM sqlite_master WHERE type='table' AND name='trades'").Scan(&tableExists)
	if err != nil {
		return engerr.Schema("check trades table existence", err)
	}
	if !tableExists {
		return nil
	}

	uniqueSets, err := uniqueIndexColumnSets(ctx, tx, "trades")
	if err != nil {
		return err
	}
	required := [][]string{
		{"order_id", "fill_id"},
		{"order_id", "client_order_id"},
	}
	for _, req := range required {
		if !containsColumnSet(uniqueSets, req) {
			return engerr.Schema(fmt.Sprintf(
				"trades table is missing required unique constraint on %v: non-additive drift", req), nil)
		}
	}
	return nil
}

func uniqueIndexColumnSets(ctx context.Context, tx *sql.Tx, table string) ([][]string, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("PRAGMA index_list(%s)", table))
	if err != nil {
		return nil, engerr.Schema("list indexes for "+table, err)
	}
	type idxInfo struct {
		name   string
		unique bool
	}
	var indexes []idxInfo
	for rows.Next() {
		var (
			seq     int
			name    string
			unique  int
			origin  string
			partial int
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			rows.Close()
			return nil, engerr.Schema("scan index_list for "+table, err)
		}
		indexes = append(indexes, idxInfo{name: name, unique: unique == 1})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var sets [][]string
	for _, idx := range indexes {
		if !idx.unique {
			continue
		}
		cols, err := indexColumns(ctx, tx, idx.name)
		if err != nil {
			return nil, err
		}
		sets = append(sets, cols)
	}
	return sets, nil
}

func indexColumns(ctx context.Context, tx *sql.Tx, indexName string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("PRAGMA index_info(%s)", indexName))
	if err != nil {
		return nil, engerr.Schema("inspect index "+indexName, err)
	}
	defer rows.Close()
	var cols []string
	for rows.Next() {
		var seqno, cid int
		var name sql.NullString
		if err := rows.Scan(&seqno, &cid, &name); err != nil {
			return nil, engerr.Schema("scan index_info "+indexName, err)
		}
		if name.Valid {
			cols = append(cols, name.String)
		}
	}
	return cols, rows.Err()
}

func containsColumnSet(sets [][]string, want []string) bool {
	for _, set := range sets {
		if sameColumnSet(set, want) {
			return true
		}
	}
	return false
}

func sameColumnSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]bool, len(a))
	for _, c := range a {
		seen[c] = true
	}
	for _, c := range b {
		if !seen[c] {
			return false
		}
	}
	return true
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// backupBeforeCommit snapshots the database via SQLite's online backup
// API before a schema change commits. Failure to produce a
// non-empty backup aborts the migration.
func (s *Store) backupBeforeCommit(ctx context.Context) error {
	dir := filepath.Join(filepath.Dir(s.path), "db_backups")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return engerr.Schema("create db_backups directory", err)
	}
	dest := filepath.Join(dir, fmt.Sprintf("pre_migration_%s.db", time.Now().UTC().Format("20060102T150405Z")))

	if err := backupDatabase(ctx, s.path, dest); err != nil {
		return engerr.Schema("backup database before migration", err)
	}
	info, err := os.Stat(dest)
	if err != nil || info.Size() == 0 {
		return engerr.Schema("migration backup produced an empty or missing file", err)
	}
	return nil
}
