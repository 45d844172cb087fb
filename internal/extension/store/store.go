// Package store provides the durable stores backing the extension system:
// the enabled/disabled toggle map that survives restarts and the small
// per-extension key-value storage offered through the services bridge.
package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS extension_toggles (
    identifier TEXT PRIMARY KEY,
    enabled    INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS extension_kv (
    identifier TEXT NOT NULL,
    key        TEXT NOT NULL,
    value      TEXT NOT NULL,
    PRIMARY KEY (identifier, key)
);
`

// DB wraps the shared SQLite handle.
type DB struct {
	*sqlx.DB
}

// Open opens (creating if needed) the SQLite database at path and applies
// the schema.
func Open(path string) (*DB, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &DB{DB: db}, nil
}

// ToggleStore persists the identifier -> enabled mapping in SQLite.
type ToggleStore struct {
	db *DB
}

// NewToggleStore creates a toggle store over the shared database.
func NewToggleStore(db *DB) *ToggleStore {
	return &ToggleStore{db: db}
}

type toggleRow struct {
	Identifier string `db:"identifier"`
	Enabled    bool   `db:"enabled"`
}

// Load reads the full toggle map.
func (s *ToggleStore) Load(ctx context.Context) (map[string]bool, error) {
	var rows []toggleRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT identifier, enabled FROM extension_toggles`); err != nil {
		return nil, fmt.Errorf("load toggles: %w", err)
	}
	toggles := make(map[string]bool, len(rows))
	for _, r := range rows {
		toggles[r.Identifier] = r.Enabled
	}
	return toggles, nil
}

// Save replaces the stored map with the given one in a single transaction.
func (s *ToggleStore) Save(ctx context.Context, toggles map[string]bool) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save toggles: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM extension_toggles`); err != nil {
		return fmt.Errorf("save toggles: %w", err)
	}
	for id, enabled := range toggles {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO extension_toggles (identifier, enabled) VALUES (?, ?)`, id, enabled); err != nil {
			return fmt.Errorf("save toggle %q: %w", id, err)
		}
	}
	return tx.Commit()
}

// KVStore is the per-extension key-value storage. Rows are namespaced by
// extension identifier.
type KVStore struct {
	db *DB
}

// NewKVStore creates a KV store over the shared database.
func NewKVStore(db *DB) *KVStore {
	return &KVStore{db: db}
}

// Get returns the value for a key and whether it exists.
func (s *KVStore) Get(ctx context.Context, identifier, key string) (string, bool, error) {
	var value string
	err := s.db.GetContext(ctx, &value,
		`SELECT value FROM extension_kv WHERE identifier = ? AND key = ?`, identifier, key)
	if err != nil {
		if isNoRows(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("kv get: %w", err)
	}
	return value, true, nil
}

// Set upserts a key.
func (s *KVStore) Set(ctx context.Context, identifier, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO extension_kv (identifier, key, value) VALUES (?, ?, ?)
		ON CONFLICT (identifier, key) DO UPDATE SET value = excluded.value`,
		identifier, key, value)
	if err != nil {
		return fmt.Errorf("kv set: %w", err)
	}
	return nil
}

// Delete removes a key; removing an absent key is a no-op.
func (s *KVStore) Delete(ctx context.Context, identifier, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM extension_kv WHERE identifier = ? AND key = ?`, identifier, key); err != nil {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

// DeleteAll removes every key for an identifier, used when an extension's
// source file disappears for good.
func (s *KVStore) DeleteAll(ctx context.Context, identifier string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM extension_kv WHERE identifier = ?`, identifier); err != nil {
		return fmt.Errorf("kv delete all: %w", err)
	}
	return nil
}
