package securestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/TheMichaelB/walletguard/internal/events"
)

// SQLiteStore implements SQLite-based secure storage.
type SQLiteStore struct {
	db     *sql.DB
	logger *events.Logger
}

// NewSQLiteStore opens (or creates) a SQLite store at dbPath.
func NewSQLiteStore(dbPath string, logger *events.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, wrap("open", "", fmt.Errorf("open database: %w", err))
	}

	store, err := NewSQLiteStoreFromDB(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// NewSQLiteStoreFromDB wraps an open database handle and ensures the schema.
func NewSQLiteStoreFromDB(db *sql.DB, logger *events.Logger) (*SQLiteStore, error) {
	store := &SQLiteStore{
		db:     db,
		logger: logger.WithComponent("sqlite_store"),
	}

	if err := store.initialize(); err != nil {
		return nil, wrap("open", "", fmt.Errorf("initialize database: %w", err))
	}

	return store, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
    CREATE TABLE IF NOT EXISTS secure_items (
        key TEXT PRIMARY KEY,
        value TEXT NOT NULL,
        sensitive INTEGER NOT NULL DEFAULT 0,
        updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS schema_info (
        version INTEGER PRIMARY KEY
    );

    INSERT OR IGNORE INTO schema_info (version) VALUES (?);
    `

	if _, err := s.db.Exec(schema, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	return nil
}

const (
	sqlRead   = `SELECT value FROM secure_items WHERE key = ?`
	sqlUpsert = `INSERT INTO secure_items (key, value, sensitive, updated_at)
        VALUES (?, ?, ?, CURRENT_TIMESTAMP)
        ON CONFLICT(key) DO UPDATE SET
            value = excluded.value,
            sensitive = excluded.sensitive,
            updated_at = CURRENT_TIMESTAMP`
	sqlDelete = `DELETE FROM secure_items WHERE key = ?`
	sqlKeys   = `SELECT key FROM secure_items WHERE instr(key, ?) = 1 ORDER BY key`
	sqlAll    = `SELECT key FROM secure_items ORDER BY key`
)

// Read returns the value for key.
func (s *SQLiteStore) Read(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, sqlRead, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", wrap("read", key, fmt.Errorf("query value: %w", err))
	}
	return value, nil
}

// Write upserts value under key.
func (s *SQLiteStore) Write(ctx context.Context, key, value string, sensitive bool) error {
	if err := validateKey(key); err != nil {
		return wrap("write", key, err)
	}

	s.logger.WithFields(map[string]interface{}{
		"key":       key,
		"sensitive": sensitive,
	}).Debug("Writing value to SQLite")

	if _, err := s.db.ExecContext(ctx, sqlUpsert, key, value, sensitive); err != nil {
		return wrap("write", key, fmt.Errorf("upsert value: %w", err))
	}
	return nil
}

// Delete removes key.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, sqlDelete, key); err != nil {
		return wrap("delete", key, fmt.Errorf("delete value: %w", err))
	}
	return nil
}

// Apply runs ops in one transaction.
func (s *SQLiteStore) Apply(ctx context.Context, ops []Op) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("apply", "", fmt.Errorf("begin transaction: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	for _, op := range ops {
		switch op.Kind {
		case OpWrite:
			if err := validateKey(op.Key); err != nil {
				return wrap("apply", op.Key, err)
			}
			_, err = tx.ExecContext(ctx, sqlUpsert, op.Key, op.Value, op.Sensitive)
		case OpDelete:
			_, err = tx.ExecContext(ctx, sqlDelete, op.Key)
		default:
			err = fmt.Errorf("unknown op kind %d", op.Kind)
		}
		if err != nil {
			return wrap("apply", op.Key, fmt.Errorf("%s: %w", op, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return wrap("apply", "", fmt.Errorf("commit: %w", err))
	}
	return nil
}

// Keys returns the sorted keys starting with prefix.
func (s *SQLiteStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if prefix == "" {
		rows, err = s.db.QueryContext(ctx, sqlAll)
	} else {
		rows, err = s.db.QueryContext(ctx, sqlKeys, prefix)
	}
	if err != nil {
		return nil, wrap("list", prefix, fmt.Errorf("query keys: %w", err))
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, wrap("list", prefix, fmt.Errorf("scan key: %w", err))
		}
		keys = append(keys, key)
	}

	if err := rows.Err(); err != nil {
		return nil, wrap("list", prefix, fmt.Errorf("iterate keys: %w", err))
	}
	return keys, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
