package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteAdapter backs the primary store layer with a single-table sqlite
// database. The pure-Go driver keeps the server free of cgo.
type SQLiteAdapter struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the state database at path.
func OpenSQLite(path string) (*SQLiteAdapter, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	a := &SQLiteAdapter{db: db}
	if err := a.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func (a *SQLiteAdapter) migrate() error {
	_, err := a.db.Exec(`
		CREATE TABLE IF NOT EXISTS deck_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_utc TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("migrate deck_state: %w", err)
	}
	return nil
}

func (a *SQLiteAdapter) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	row := a.db.QueryRowContext(ctx, `SELECT value FROM deck_state WHERE key = ?`, key)
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get deck state: %w", err)
	}
	return value, true, nil
}

func (a *SQLiteAdapter) Put(ctx context.Context, key, value string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := a.db.ExecContext(ctx, `
		INSERT INTO deck_state (key, value, updated_utc)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_utc=excluded.updated_utc
	`, key, value, now); err != nil {
		return fmt.Errorf("put deck state: %w", err)
	}
	return nil
}

// List returns all persisted keys and values, used by diagnostics tooling.
func (a *SQLiteAdapter) List(ctx context.Context) (map[string]string, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT key, value FROM deck_state`)
	if err != nil {
		return nil, fmt.Errorf("list deck state: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan deck state: %w", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deck state: %w", err)
	}
	return out, nil
}

func (a *SQLiteAdapter) Close() error {
	return a.db.Close()
}
