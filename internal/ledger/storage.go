// Package ledger is the durable store of entries, settlements, planned and
// executed transfers, per-round processing locks, and join-attempt
// counters. It backs the storage-agnostic Ledger operations with a single
// SQLite database file, following the same WAL-mode, single-writer-pool
// discipline this codebase uses for all of its embedded storage.
package ledger

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/priceduel/roundengine/pkg/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS rounds (
	market TEXT NOT NULL,
	round_id INTEGER NOT NULL,
	start_ts INTEGER NOT NULL,
	lock_ts INTEGER NOT NULL,
	end_ts INTEGER NOT NULL,
	status INTEGER NOT NULL,
	start_price INTEGER,
	price_expo INTEGER,
	end_price INTEGER,
	winner_side INTEGER,
	up_total INTEGER NOT NULL DEFAULT 0,
	down_total INTEGER NOT NULL DEFAULT 0,
	fee_units INTEGER NOT NULL DEFAULT 0,
	distributable_units INTEGER NOT NULL DEFAULT 0,
	feed_id TEXT NOT NULL,
	oracle_account TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	locked_at INTEGER NOT NULL DEFAULT 0,
	settled_at INTEGER NOT NULL DEFAULT 0,
	round_pda TEXT NOT NULL DEFAULT '',
	vault_up_pda TEXT NOT NULL DEFAULT '',
	vault_down_pda TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (market, round_id)
);

CREATE TABLE IF NOT EXISTS entries (
	id TEXT PRIMARY KEY,
	market TEXT NOT NULL,
	round_id INTEGER NOT NULL,
	wallet TEXT NOT NULL,
	side INTEGER NOT NULL,
	stake_units INTEGER NOT NULL,
	joined_at INTEGER NOT NULL,
	position_pda TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_entries_round ON entries(market, round_id);

CREATE TABLE IF NOT EXISTS positions (
	market TEXT NOT NULL,
	round_id INTEGER NOT NULL,
	wallet TEXT NOT NULL,
	side INTEGER NOT NULL,
	amount_units INTEGER NOT NULL,
	claimed INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (market, round_id, wallet, side)
);

CREATE TABLE IF NOT EXISTS settlement_plans (
	market TEXT NOT NULL,
	round_id INTEGER NOT NULL,
	mode INTEGER NOT NULL,
	winner_side INTEGER,
	start_price INTEGER NOT NULL,
	end_price INTEGER NOT NULL,
	fee_units INTEGER NOT NULL,
	completed INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (market, round_id)
);

CREATE TABLE IF NOT EXISTS planned_transfers (
	market TEXT NOT NULL,
	round_id INTEGER NOT NULL,
	transfer_id TEXT NOT NULL,
	recipient TEXT NOT NULL,
	units INTEGER NOT NULL,
	kind INTEGER NOT NULL,
	seq INTEGER NOT NULL,
	PRIMARY KEY (market, round_id, transfer_id)
);

CREATE TABLE IF NOT EXISTS transfer_receipts (
	market TEXT NOT NULL,
	round_id INTEGER NOT NULL,
	transfer_id TEXT NOT NULL,
	signature TEXT NOT NULL UNIQUE,
	units INTEGER NOT NULL,
	PRIMARY KEY (market, round_id, transfer_id)
);

CREATE TABLE IF NOT EXISTS round_locks (
	market TEXT NOT NULL,
	round_id INTEGER NOT NULL,
	acquired_at INTEGER NOT NULL,
	PRIMARY KEY (market, round_id)
);

CREATE TABLE IF NOT EXISTS join_attempts (
	wallet TEXT NOT NULL,
	ip TEXT NOT NULL,
	attempted_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_join_attempts_wallet ON join_attempts(wallet, attempted_at);
CREATE INDEX IF NOT EXISTS idx_join_attempts_ip ON join_attempts(ip, attempted_at);
`

// Config configures where the ledger's database file lives.
type Config struct {
	DataDir string
}

// Ledger is the durable store backing all engine components.
type Ledger struct {
	db  *sql.DB
	log *logging.Logger
}

// New opens (creating if necessary) the SQLite-backed ledger database
// under cfg.DataDir.
func New(cfg *Config) (*Ledger, error) {
	dataDir := expandPath(cfg.DataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("ledger: creating data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "roundengine.db")
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: opening database: %w", err)
	}
	// SQLite has no benefit from a write pool; a single connection keeps
	// write ordering simple and avoids SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	l := &Ledger{db: db, log: logging.GetDefault().Component("ledger")}
	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) initSchema() error {
	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("ledger: creating schema: %w", err)
	}
	return l.runMigrations()
}

// runMigrations applies additive schema changes. ALTER TABLE errors are
// ignored because SQLite has no IF NOT EXISTS for columns and these
// statements are only ever re-run against a database that already has
// them once this version has run once.
func (l *Ledger) runMigrations() error {
	migrations := []string{
		// placeholder for future additive columns; none needed yet.
	}
	for _, stmt := range migrations {
		if _, err := l.db.Exec(stmt); err != nil && !strings.Contains(err.Error(), "duplicate column") {
			l.log.Warnf("migration statement failed (continuing): %v", err)
		}
	}
	return nil
}

// DB exposes the underlying database handle for callers that need direct
// access (tests, ops tooling).
func (l *Ledger) DB() *sql.DB { return l.db }

// Close closes the underlying database.
func (l *Ledger) Close() error { return l.db.Close() }

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
