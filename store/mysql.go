package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLGateway is the Gateway backend for MySQL 8+, chosen where Postgres
// is unavailable but real row-level locking (SELECT ... FOR UPDATE SKIP
// LOCKED) is still wanted. Change notification has no native commit hook
// in MySQL, so it is delivered through the shared outbox/PollingChangeFeed.
// It embeds the shared sqlGateway core, which implements Gateway.
type MySQLGateway struct {
	*sqlGateway
}

// MySQLConfig holds the handful of connection-pool knobs the teacher's
// relational stores tune explicitly rather than leaving at driver defaults.
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func NewMySQLGateway(ctx context.Context, cfg MySQLConfig) (*MySQLGateway, error) {
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: open mysql: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	connLifetime := cfg.ConnMaxLifetime
	if connLifetime <= 0 {
		connLifetime = 5 * time.Minute
	}
	connIdle := cfg.ConnMaxIdleTime
	if connIdle <= 0 {
		connIdle = 10 * time.Minute
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(connLifetime)
	db.SetConnMaxIdleTime(connIdle)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping mysql: %w", err)
	}
	if err := ensureMySQLSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &MySQLGateway{sqlGateway: &sqlGateway{db: db, dialect: mysqlDialect()}}, nil
}

func ensureMySQLSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id VARCHAR(36) PRIMARY KEY,
			workflow_id VARCHAR(36) NOT NULL,
			assignee VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL,
			input_data JSON NULL,
			result JSON NULL,
			directives JSON NULL,
			version INT NOT NULL,
			locked TINYINT NOT NULL DEFAULT 0,
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			INDEX idx_tasks_workflow (workflow_id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS edges (
			id VARCHAR(36) PRIMARY KEY,
			workflow_id VARCHAR(36) NOT NULL,
			source_task_id VARCHAR(36) NOT NULL,
			target_task_id VARCHAR(36) NOT NULL,
			condition_expr TEXT NULL,
			data_flow_json JSON NULL,
			INDEX idx_edges_source (source_task_id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS task_history (
			id VARCHAR(36) PRIMARY KEY,
			task_id VARCHAR(36) NOT NULL,
			version_number INT NOT NULL,
			snapshot JSON NOT NULL,
			created_at DATETIME(6) NOT NULL,
			INDEX idx_history_task (task_id, version_number)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS task_events_outbox (
			id VARCHAR(36) PRIMARY KEY,
			channel VARCHAR(64) NOT NULL,
			task_id VARCHAR(36) NOT NULL,
			workflow_id VARCHAR(36) NOT NULL,
			assignee_id VARCHAR(255) NULL,
			status VARCHAR(32) NOT NULL,
			emitted_at DATETIME(6) NULL,
			created_at DATETIME(6) NOT NULL,
			INDEX idx_outbox_unemitted (emitted_at, created_at)
		) ENGINE=InnoDB`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: create mysql schema: %w", err)
		}
	}
	return nil
}

// NewChangeFeed returns the shared polling feed over this gateway's outbox
// table.
func (g *MySQLGateway) NewChangeFeed(interval time.Duration) *PollingChangeFeed {
	return NewPollingChangeFeed(g.sqlGateway.db, interval, g.sqlGateway.dialect.placeholder)
}
