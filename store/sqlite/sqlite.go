// Package sqlite persists facilitators, explorer entries, settlement records
// and the nonce ledger in one SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	x402 "github.com/XavierOP877/x402-avalanche--sub001"
)

const schema = `
CREATE TABLE IF NOT EXISTS facilitators (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	owner_address TEXT NOT NULL,
	owner_key TEXT NOT NULL UNIQUE,
	wallet_address TEXT NOT NULL,
	payment_recipient TEXT NOT NULL,
	encrypted_private_key TEXT NOT NULL,
	status TEXT NOT NULL,
	total_payments TEXT NOT NULL DEFAULT '0',
	last_used TEXT,
	created_at TEXT NOT NULL,
	registration_tx_hash TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_facilitators_status ON facilitators(status);

CREATE TABLE IF NOT EXISTS explorer_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	facilitator_id TEXT NOT NULL DEFAULT '',
	tx_hash TEXT NOT NULL DEFAULT '',
	tx_hash_key TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	payload TEXT,
	timestamp TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_explorer_event_type ON explorer_entries(event_type);
CREATE INDEX IF NOT EXISTS idx_explorer_facilitator ON explorer_entries(facilitator_id);
CREATE INDEX IF NOT EXISTS idx_explorer_tx_hash ON explorer_entries(tx_hash_key);

CREATE TABLE IF NOT EXISTS settlements (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	tx_hash TEXT NOT NULL UNIQUE,
	facilitator_id TEXT NOT NULL,
	amount TEXT NOT NULL,
	asset TEXT NOT NULL,
	network TEXT NOT NULL,
	payer TEXT NOT NULL,
	nonce TEXT NOT NULL,
	status TEXT NOT NULL,
	block_number INTEGER,
	error_reason TEXT NOT NULL DEFAULT '',
	timestamp TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	submitted_block INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_settlements_status ON settlements(status);

CREATE TABLE IF NOT EXISTS nonces (
	payer TEXT NOT NULL,
	asset TEXT NOT NULL,
	nonce TEXT NOT NULL,
	state TEXT NOT NULL,
	PRIMARY KEY (payer, asset, nonce)
);
`

// DB is an open facilitator database.
type DB struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(ctx context.Context, path string) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps :memory: shared.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks that the database answers.
func (d *DB) Ping(ctx context.Context) error {
	return classify(d.db.PingContext(ctx), "ping")
}

func (d *DB) Facilitators() *FacilitatorStore { return &FacilitatorStore{db: d.db} }

func (d *DB) Explorer() *ExplorerStore { return &ExplorerStore{db: d.db} }

func (d *DB) Settlements() *SettlementStore { return &SettlementStore{db: d.db} }

func (d *DB) Nonces() *NonceStore { return &NonceStore{db: d.db} }

// classify maps busy and locked database errors to transient errors so
// callers retry them.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if isBusy(err) {
		return x402.NewTransientError("database busy during "+op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isBusy(err error) bool {
	var se *msqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	return false
}

func isUnique(err error) bool {
	var se *msqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// likePattern builds a case-insensitive substring pattern with LIKE
// metacharacters escaped by '\'.
func likePattern(needle string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.ToLower(needle)) + "%"
}
