package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteGateway is the Gateway backend for local/embedded deployments.
// SQLite has no row-level lock concept — writers are serialized at the
// connection level — so GetTaskAndLock falls back to a locked boolean
// column claimed with a conditional UPDATE rather than SELECT ... FOR
// UPDATE SKIP LOCKED. Change notification goes through the shared
// outbox/PollingChangeFeed, same as MySQL.
type SQLiteGateway struct {
	*sqlGateway
}

// NewSQLiteGateway opens path (a file path, or ":memory:" for tests) and
// ensures the schema exists. The single underlying *sql.DB connection pool
// is capped at one open connection: SQLite serializes writers anyway, and
// sharing a single connection avoids "database is locked" errors that
// surface when the driver opens a second connection mid-transaction.
func NewSQLiteGateway(ctx context.Context, path string) (*SQLiteGateway, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable sqlite foreign_keys: %w", err)
	}
	if err := ensureSQLiteSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteGateway{sqlGateway: &sqlGateway{db: db, dialect: sqliteDialect()}}, nil
}

func ensureSQLiteSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			assignee TEXT NOT NULL,
			status TEXT NOT NULL,
			input_data TEXT,
			result TEXT,
			directives TEXT,
			version INTEGER NOT NULL,
			locked INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_workflow ON tasks (workflow_id)`,
		`CREATE TABLE IF NOT EXISTS edges (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			source_task_id TEXT NOT NULL,
			target_task_id TEXT NOT NULL,
			condition_expr TEXT,
			data_flow_json TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_source ON edges (source_task_id)`,
		`CREATE TABLE IF NOT EXISTS task_history (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			version_number INTEGER NOT NULL,
			snapshot TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_task ON task_history (task_id, version_number)`,
		`CREATE TABLE IF NOT EXISTS task_events_outbox (
			id TEXT PRIMARY KEY,
			channel TEXT NOT NULL,
			task_id TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			assignee_id TEXT,
			status TEXT NOT NULL,
			emitted_at DATETIME,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_unemitted ON task_events_outbox (emitted_at, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: create sqlite schema: %w", err)
		}
	}
	return nil
}

// NewChangeFeed returns the shared polling feed over this gateway's outbox
// table.
func (g *SQLiteGateway) NewChangeFeed(interval time.Duration) *PollingChangeFeed {
	return NewPollingChangeFeed(g.sqlGateway.db, interval, g.sqlGateway.dialect.placeholder)
}
