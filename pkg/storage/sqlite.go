package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/bytedance/sonic"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteOpTimeout = 5 * time.Second

// SQLiteStore persists notebook storage in a single sqlite table with
// JSON-serialized values. Numbers read back as float64 and objects as
// map[string]any, the usual JSON round trip.
type SQLiteStore struct {
	db     *sql.DB
	table  string
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithSQLiteTable sets the table name. Default: "notebook_storage".
func WithSQLiteTable(name string) SQLiteOption {
	return func(s *SQLiteStore) { s.table = name }
}

// WithSQLiteLogger sets the logger for degraded operations.
func WithSQLiteLogger(logger *slog.Logger) SQLiteOption {
	return func(s *SQLiteStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSQLiteStore opens (or creates) the database at path and ensures the
// storage table exists. The store owns the connection; Close releases it.
func NewSQLiteStore(path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite %s: %w", path, err)
	}

	s := &SQLiteStore{
		db:     db,
		table:  "notebook_storage",
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("storage", "sqlite")

	ctx, cancel := s.opCtx()
	defer cancel()
	create := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT DEFAULT (datetime('now'))
		)
	`, s.table)
	if _, err := db.ExecContext(ctx, create); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: create table %s: %w", s.table, err)
	}

	return s, nil
}

func (s *SQLiteStore) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), sqliteOpTimeout)
}

func (s *SQLiteStore) Get(key string) (any, bool) {
	ctx, cancel := s.opCtx()
	defer cancel()

	var raw string
	query := fmt.Sprintf(`SELECT value FROM %s WHERE key = ?`, s.table)
	err := s.db.QueryRowContext(ctx, query, key).Scan(&raw)
	if err != nil {
		if err != sql.ErrNoRows {
			s.logger.Warn("get failed", "key", key, "err", err)
		}
		return nil, false
	}

	var v any
	if err := sonic.UnmarshalString(raw, &v); err != nil {
		s.logger.Warn("stored value not decodable", "key", key, "err", err)
		return nil, false
	}
	return v, true
}

func (s *SQLiteStore) Set(key string, value any) {
	raw, err := sonic.MarshalString(value)
	if err != nil {
		s.logger.Warn("value not serializable, dropped", "key", key, "err", err)
		return
	}

	ctx, cancel := s.opCtx()
	defer cancel()
	query := fmt.Sprintf(`
		INSERT OR REPLACE INTO %s (key, value, updated_at)
		VALUES (?, ?, datetime('now'))
	`, s.table)
	if _, err := s.db.ExecContext(ctx, query, key, raw); err != nil {
		s.logger.Warn("set failed", "key", key, "err", err)
	}
}

func (s *SQLiteStore) Has(key string) bool {
	ctx, cancel := s.opCtx()
	defer cancel()

	var one int
	query := fmt.Sprintf(`SELECT 1 FROM %s WHERE key = ?`, s.table)
	err := s.db.QueryRowContext(ctx, query, key).Scan(&one)
	if err != nil {
		if err != sql.ErrNoRows {
			s.logger.Warn("has failed", "key", key, "err", err)
		}
		return false
	}
	return true
}

func (s *SQLiteStore) Delete(key string) {
	ctx, cancel := s.opCtx()
	defer cancel()

	query := fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, s.table)
	if _, err := s.db.ExecContext(ctx, query, key); err != nil {
		s.logger.Warn("delete failed", "key", key, "err", err)
	}
}

func (s *SQLiteStore) Keys() []string {
	ctx, cancel := s.opCtx()
	defer cancel()

	query := fmt.Sprintf(`SELECT key FROM %s ORDER BY key`, s.table)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		s.logger.Warn("keys failed", "err", err)
		return nil
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			s.logger.Warn("keys scan failed", "err", err)
			return keys
		}
		keys = append(keys, k)
	}
	return keys
}

func (s *SQLiteStore) Clear() {
	ctx, cancel := s.opCtx()
	defer cancel()

	query := fmt.Sprintf(`DELETE FROM %s`, s.table)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		s.logger.Warn("clear failed", "err", err)
	}
}

func (s *SQLiteStore) Snapshot() map[string]any {
	ctx, cancel := s.opCtx()
	defer cancel()

	query := fmt.Sprintf(`SELECT key, value FROM %s`, s.table)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		s.logger.Warn("snapshot failed", "err", err)
		return map[string]any{}
	}
	defer rows.Close()

	out := map[string]any{}
	for rows.Next() {
		var k, raw string
		if err := rows.Scan(&k, &raw); err != nil {
			s.logger.Warn("snapshot scan failed", "err", err)
			return out
		}
		var v any
		if err := sonic.UnmarshalString(raw, &v); err != nil {
			s.logger.Warn("stored value not decodable, skipped", "key", k, "err", err)
			continue
		}
		out[k] = v
	}
	return out
}

// Load replaces the table contents in one transaction.
func (s *SQLiteStore) Load(data map[string]any) {
	ctx, cancel := s.opCtx()
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.logger.Warn("load failed", "err", err)
		return
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, s.table)); err != nil {
		s.logger.Warn("load clear failed", "err", err)
		return
	}

	insert := fmt.Sprintf(`
		INSERT INTO %s (key, value, updated_at)
		VALUES (?, ?, datetime('now'))
	`, s.table)
	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		s.logger.Warn("load prepare failed", "err", err)
		return
	}
	defer stmt.Close()

	for k, v := range data {
		raw, err := sonic.MarshalString(v)
		if err != nil {
			s.logger.Warn("value not serializable, skipped", "key", k, "err", err)
			continue
		}
		if _, err := stmt.ExecContext(ctx, k, raw); err != nil {
			s.logger.Warn("load insert failed", "key", k, "err", err)
			return
		}
	}

	if err := tx.Commit(); err != nil {
		s.logger.Warn("load commit failed", "err", err)
	}
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
