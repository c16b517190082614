package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS pending_orders (
    id TEXT PRIMARY KEY,
    pair_id TEXT NOT NULL,
    direction TEXT NOT NULL,
    volume REAL NOT NULL,
    target_premium REAL NOT NULL,
    take_profit REAL DEFAULT 0,
    tp_mode TEXT DEFAULT 'NONE',
    stop_loss REAL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'PENDING',
    error_count INTEGER DEFAULT 0,
    last_premium REAL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    max_age_ms INTEGER DEFAULT 0
);

CREATE TABLE IF NOT EXISTS active_trades (
    id TEXT PRIMARY KEY,
    pair_id TEXT NOT NULL,
    direction TEXT NOT NULL,
    fut_venue TEXT NOT NULL,
    fut_account TEXT NOT NULL,
    fut_ticket INTEGER NOT NULL,
    fut_symbol TEXT NOT NULL,
    fut_direction TEXT NOT NULL,
    fut_volume REAL NOT NULL,
    fut_open_price REAL NOT NULL,
    fut_latency_ms INTEGER DEFAULT 0,
    spot_venue TEXT NOT NULL,
    spot_account TEXT NOT NULL,
    spot_ticket INTEGER NOT NULL,
    spot_symbol TEXT NOT NULL,
    spot_direction TEXT NOT NULL,
    spot_volume REAL NOT NULL,
    spot_open_price REAL NOT NULL,
    spot_latency_ms INTEGER DEFAULT 0,
    execution_premium REAL NOT NULL,
    take_profit REAL DEFAULT 0,
    tp_mode TEXT DEFAULT 'NONE',
    stop_loss REAL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'ACTIVE',
    opened_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS closed_trades (
    trade_id TEXT PRIMARY KEY,
    pair_id TEXT NOT NULL,
    direction TEXT NOT NULL,
    volume REAL NOT NULL,
    execution_premium REAL NOT NULL,
    close_premium REAL DEFAULT 0,
    profit REAL DEFAULT 0,
    reason TEXT NOT NULL,
    opened_at DATETIME,
    closed_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS orphan_legs (
    id TEXT PRIMARY KEY,
    pair_id TEXT NOT NULL,
    venue TEXT NOT NULL,
    account TEXT NOT NULL,
    ticket INTEGER NOT NULL,
    symbol TEXT NOT NULL,
    direction TEXT NOT NULL,
    volume REAL NOT NULL,
    open_price REAL NOT NULL,
    cause TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS pair_stats (
    pair_id TEXT PRIMARY KEY,
    fut_latency_ms INTEGER DEFAULT 0,
    spot_latency_ms INTEGER DEFAULT 0,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
// Per-pair premium tables and per-venue quote tables are created on first
// use by the series Store, not here.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Lightweight, idempotent migrations for older DB files.
	if err := ensureColumn(d.DB, "pending_orders", "tp_mode", "TEXT DEFAULT 'NONE'"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "pending_orders", "last_premium", "REAL DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "active_trades", "fut_latency_ms", "INTEGER DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "active_trades", "spot_latency_ms", "INTEGER DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "closed_trades", "close_premium", "REAL DEFAULT 0"); err != nil {
		return err
	}

	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
