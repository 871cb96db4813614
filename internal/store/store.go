// Package store provides the transactional, multi-table embedded store
// backing the cache and sync layers. Tables are independent namespaces of
// JSON records keyed by string; referential integrity between tables is the
// caller's responsibility, not the store's.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Well-known table names.
const (
	TableDocuments   = "documents"
	TableFolders     = "folders"
	TableCovers      = "covers"
	TableWorksheets  = "worksheets"
	TableActivations = "activations"
	TableSession     = "session"
	TableCache       = "cache"
	TableVersions    = "cache_versions"
	TableSyncQueue   = "sync_queue"
	TableConflicts   = "conflicts"
	TableMeta        = "meta"
)

// Store is a multi-table key-value store backed by SQLite. Every public
// operation runs in its own all-or-nothing transaction; no cross-call
// transactions exist.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a store at the given path and initializes the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// initSchema creates the database tables if they don't exist
func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS records (
			tbl TEXT NOT NULL,
			key TEXT NOT NULL,
			data BLOB NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (tbl, key)
		);

		CREATE TABLE IF NOT EXISTS table_meta (
			tbl TEXT PRIMARY KEY,
			last_write TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_records_tbl ON records(tbl);
	`

	if _, err := s.db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return err
	}

	_, err := s.db.Exec(schema)
	return err
}

// Put stores a record in a table, replacing any existing record with the same
// key. The record is serialized as JSON. The table's last-write timestamp is
// updated in the same transaction.
func (s *Store) Put(ctx context.Context, table, key string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode record %s/%s: %w", table, key, err)
	}
	return s.PutRaw(ctx, table, key, data)
}

// PutRaw stores pre-encoded JSON bytes without re-encoding.
func (s *Store) PutRaw(ctx context.Context, table, key string, data []byte) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO records (tbl, key, data, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(tbl, key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		table, key, data, now,
	)
	if err != nil {
		return err
	}

	if err := touchTable(ctx, tx, table, now); err != nil {
		return err
	}

	return tx.Commit()
}

// touchTable updates the per-table last-write timestamp inside a transaction.
func touchTable(ctx context.Context, tx *sql.Tx, table, now string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO table_meta (tbl, last_write) VALUES (?, ?)
		 ON CONFLICT(tbl) DO UPDATE SET last_write = excluded.last_write`,
		table, now,
	)
	return err
}

// Get loads a record into out. Returns (false, nil) when the key is absent.
func (s *Store) Get(ctx context.Context, table, key string, out any) (bool, error) {
	data, ok, err := s.GetRaw(ctx, table, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("failed to decode record %s/%s: %w", table, key, err)
	}
	return true, nil
}

// GetRaw returns the stored JSON bytes for a key.
// Returns (nil, false, nil) when the key is absent.
func (s *Store) GetRaw(ctx context.Context, table, key string) ([]byte, bool, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT data FROM records WHERE tbl = ? AND key = ?",
		table, key,
	).Scan(&data)

	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// GetAll returns every record in a table keyed by record key.
func (s *Store) GetAll(ctx context.Context, table string) (map[string]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key, data FROM records WHERE tbl = ?",
		table,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	records := make(map[string]json.RawMessage)
	for rows.Next() {
		var key string
		var data []byte
		if err := rows.Scan(&key, &data); err != nil {
			return nil, err
		}
		records[key] = json.RawMessage(data)
	}
	return records, rows.Err()
}

// Keys returns every key in a table.
func (s *Store) Keys(ctx context.Context, table string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key FROM records WHERE tbl = ?",
		table,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Delete removes a record. Deleting an absent key is a no-op.
func (s *Store) Delete(ctx context.Context, table, key string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM records WHERE tbl = ? AND key = ?", table, key); err != nil {
		return err
	}
	if err := touchTable(ctx, tx, table, now); err != nil {
		return err
	}

	return tx.Commit()
}

// Clear removes every record in a table.
func (s *Store) Clear(ctx context.Context, table string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM records WHERE tbl = ?", table); err != nil {
		return err
	}
	if err := touchTable(ctx, tx, table, now); err != nil {
		return err
	}

	return tx.Commit()
}

// LastWrite returns the time of the most recent write to a table.
// Returns the zero time when the table has never been written.
func (s *Store) LastWrite(ctx context.Context, table string) (time.Time, error) {
	var lastWrite string
	err := s.db.QueryRowContext(ctx,
		"SELECT last_write FROM table_meta WHERE tbl = ?",
		table,
	).Scan(&lastWrite)

	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}

	t, err := time.Parse(time.RFC3339Nano, lastWrite)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// TableSize returns the total stored payload bytes for a table. The cache
// engine uses this to enforce its storage quota.
func (s *Store) TableSize(ctx context.Context, table string) (int64, error) {
	var size sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT SUM(LENGTH(data)) FROM records WHERE tbl = ?",
		table,
	).Scan(&size)
	if err != nil {
		return 0, err
	}
	return size.Int64, nil
}

// Count returns the number of records in a table.
func (s *Store) Count(ctx context.Context, table string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM records WHERE tbl = ?",
		table,
	).Scan(&n)
	return n, err
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
