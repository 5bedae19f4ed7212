package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned by single-row getters when no row matches.
var ErrNotFound = errors.New("not found")

// schemaVersion is bumped whenever migrations gains a new step. Each step is
// additive; existing rows stay readable under the new schema.
const schemaVersion = 2

const schemaBase = `
CREATE TABLE IF NOT EXISTS products (
    id          TEXT PRIMARY KEY,
    barcode     TEXT NOT NULL DEFAULT '',
    sku         TEXT NOT NULL DEFAULT '',
    name        TEXT NOT NULL,
    category_id TEXT NOT NULL DEFAULT '',
    price       INTEGER NOT NULL DEFAULT 0,
    stock       INTEGER NOT NULL DEFAULT 0,
    source      TEXT NOT NULL DEFAULT 'local',
    created_at  DATETIME NOT NULL,
    updated_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_products_barcode ON products(barcode);
CREATE INDEX IF NOT EXISTS idx_products_sku ON products(sku);
CREATE INDEX IF NOT EXISTS idx_products_category ON products(category_id);

CREATE TABLE IF NOT EXISTS categories (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    color      TEXT NOT NULL DEFAULT '',
    source     TEXT NOT NULL DEFAULT 'local',
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS orders (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    order_number TEXT NOT NULL UNIQUE,
    status       TEXT NOT NULL,
    total        INTEGER NOT NULL DEFAULT 0,
    user_id      INTEGER NOT NULL,
    customer_id  TEXT NOT NULL DEFAULT '',
    created_at   DATETIME NOT NULL,
    sync_status  TEXT NOT NULL DEFAULT 'pending',
    last_synced  DATETIME
);
CREATE INDEX IF NOT EXISTS idx_orders_sync_status ON orders(sync_status);
CREATE INDEX IF NOT EXISTS idx_orders_created ON orders(created_at);

CREATE TABLE IF NOT EXISTS order_items (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    order_id   INTEGER NOT NULL,
    product_id TEXT NOT NULL,
    quantity   INTEGER NOT NULL,
    price      INTEGER NOT NULL,
    discount   INTEGER NOT NULL DEFAULT 0,
    total      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_order_items_order ON order_items(order_id);

CREATE TABLE IF NOT EXISTS tickets (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    ticket_number TEXT NOT NULL,
    user_id       INTEGER NOT NULL,
    status        TEXT NOT NULL,
    total         INTEGER NOT NULL DEFAULT 0,
    created_at    DATETIME NOT NULL,
    updated_at    DATETIME NOT NULL,
    sync_status   TEXT NOT NULL DEFAULT 'pending'
);
CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets(status);
CREATE INDEX IF NOT EXISTS idx_tickets_sync_status ON tickets(sync_status);

CREATE TABLE IF NOT EXISTS ticket_items (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    ticket_id  INTEGER NOT NULL,
    product_id TEXT NOT NULL,
    quantity   INTEGER NOT NULL,
    price      INTEGER NOT NULL,
    discount   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_ticket_items_ticket ON ticket_items(ticket_id);

CREATE TABLE IF NOT EXISTS customers (
    id            TEXT PRIMARY KEY,
    name          TEXT NOT NULL,
    email         TEXT NOT NULL DEFAULT '',
    phone         TEXT NOT NULL DEFAULT '',
    customer_code TEXT NOT NULL DEFAULT '',
    source        TEXT NOT NULL DEFAULT 'local',
    created_at    DATETIME NOT NULL,
    updated_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    username    TEXT NOT NULL UNIQUE,
    name        TEXT NOT NULL DEFAULT '',
    role        TEXT NOT NULL DEFAULT 'cashier',
    email       TEXT NOT NULL DEFAULT '',
    pin         TEXT NOT NULL DEFAULT '',
    last_synced DATETIME
);

CREATE TABLE IF NOT EXISTS payments (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    order_id    INTEGER NOT NULL,
    method      TEXT NOT NULL,
    amount      INTEGER NOT NULL,
    status      TEXT NOT NULL,
    created_at  DATETIME NOT NULL,
    sync_status TEXT NOT NULL DEFAULT 'pending'
);
CREATE INDEX IF NOT EXISTS idx_payments_order ON payments(order_id);

CREATE TABLE IF NOT EXISTS sync_queue (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    type          TEXT NOT NULL,
    action        TEXT NOT NULL,
    entity_id     TEXT NOT NULL,
    data          TEXT NOT NULL,
    status        TEXT NOT NULL DEFAULT 'pending',
    attempts      INTEGER NOT NULL DEFAULT 0,
    last_error    TEXT NOT NULL DEFAULT '',
    created_at    DATETIME NOT NULL,
    last_attempt  DATETIME,
    next_retry_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_sync_queue_status ON sync_queue(status, created_at);
CREATE INDEX IF NOT EXISTS idx_sync_queue_entity ON sync_queue(type, entity_id);

CREATE TABLE IF NOT EXISTS settings (
    key         TEXT PRIMARY KEY,
    value       TEXT NOT NULL DEFAULT '',
    last_synced DATETIME
);
`

// Version 2 adds cash-drawer sessions and the pre-computed variance column.
const schemaSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id         INTEGER NOT NULL,
    opened_at       DATETIME NOT NULL,
    closed_at       DATETIME,
    opening_balance INTEGER NOT NULL DEFAULT 0,
    closing_balance INTEGER,
    variance        INTEGER,
    status          TEXT NOT NULL DEFAULT 'active',
    sync_status     TEXT NOT NULL DEFAULT 'pending'
);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
`

var migrations = []string{
	schemaBase,
	schemaSessions,
}

// Store is the embedded on-device database. It is injected into every
// component that needs durable state; nothing holds a package-level handle.
type Store struct {
	db *sqlx.DB
}

// NewStore opens (and if needed creates) the SQLite database at path and
// migrates the schema forward.
func NewStore(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// between the UI writers and the engine.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	var current int
	if err := s.db.Get(&current, "PRAGMA user_version"); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if current > schemaVersion {
		return fmt.Errorf("local store schema version %d is newer than supported %d", current, schemaVersion)
	}

	for v := current; v < schemaVersion; v++ {
		if _, err := s.db.Exec(migrations[v]); err != nil {
			return fmt.Errorf("failed to apply schema version %d: %w", v+1, err)
		}
		if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			return fmt.Errorf("failed to bump schema version: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database handle.
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// WithTx runs fn inside a transaction, rolling back on error.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
