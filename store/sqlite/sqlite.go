/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Persists the ledger document in SQLite. Each top-level collection of
  the document (accounts, stock, prices, topupRequests, purchaseReceipts,
  pendingRegistrations, salesTotal) is one row of a key-value table, so
  a flush only rewrites the collections that changed.

KEY TABLES:
  documents: key TEXT PRIMARY KEY, value TEXT (JSON), updated_at TEXT

ATOMIC FLUSH:
  Save writes every changed row inside one SQL transaction. Either the
  whole document moves forward or none of it does, so Load never sees a
  stock queue from one commit next to a balance from another.

CONCURRENCY:
  The ledger serializes writers already. The store still guards its
  change cache with a mutex and pins the pool to a single connection,
  which SQLite needs for ":memory:" databases anyway.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Readers don't block the writer
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/codeshop.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  l, err := ledger.Open(ctx, store, ledger.Options{})

MIGRATION:
  Schema is auto-migrated on New(). Legacy document content (old
  category keys) is migrated by the ledger on Open.

SEE ALSO:
  - ledger/store.go: Interface definition
  - store/file/file.go: JSON file implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/codeshop/ledger"
)

// Store implements ledger.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex

	// written caches the last value flushed per key.
	written map[string]string
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, written: make(map[string]string)}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- One row per top-level collection of the ledger document
	CREATE TABLE IF NOT EXISTS documents (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LEDGER STORE (ledger.Store interface)
// =============================================================================

// Load assembles the document from its rows. It returns (nil, nil) for an
// empty database.
func (s *Store) Load(ctx context.Context) (*ledger.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM documents`)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	doc := make(map[string]json.RawMessage)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		doc[key] = json.RawMessage(value)
		s.written[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(doc) == 0 {
		return nil, nil
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var st ledger.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return &st, nil
}

// Save upserts every collection whose encoding changed since the last
// flush, in one transaction.
func (s *Store) Save(ctx context.Context, state *ledger.State) error {
	parts, err := split(state)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	changed := make([]string, 0, len(parts))
	for key, value := range parts {
		if s.written[key] != value {
			changed = append(changed, key)
		}
	}
	if len(changed) == 0 {
		return nil
	}
	sort.Strings(changed)

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	query := `
		INSERT INTO documents (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, key := range changed {
		if _, err := sqlTx.ExecContext(ctx, query, key, parts[key], now); err != nil {
			return fmt.Errorf("failed to save %s: %w", key, err)
		}
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	for _, key := range changed {
		s.written[key] = parts[key]
	}
	return nil
}

// UpdatedAt returns when a collection was last written, for diagnostics.
func (s *Store) UpdatedAt(ctx context.Context, key string) (time.Time, error) {
	var updatedAt sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT updated_at FROM documents WHERE key = ?`, key).Scan(&updatedAt)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	t, _ := time.Parse(time.RFC3339Nano, updatedAt.String)
	return t, nil
}

// split encodes the document and breaks it into its top-level members.
func split(state *ledger.State) (map[string]string, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	var members map[string]json.RawMessage
	if err := json.Unmarshal(raw, &members); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(members))
	for k, v := range members {
		out[k] = string(v)
	}
	return out, nil
}
