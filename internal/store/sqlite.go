package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLite is the default durable backend: a single kv table keyed by
// (tbl, key) in a local database file.
type SQLite struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
	tbl   TEXT NOT NULL,
	key   TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (tbl, key)
);
`

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Get(table, key string) (map[string]any, bool, error) {
	var raw string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE tbl = ? AND key = ?`, table, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s/%s: %w", table, key, err)
	}
	var value map[string]any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, false, fmt.Errorf("decode %s/%s: %w", table, key, err)
	}
	return value, true, nil
}

func (s *SQLite) Put(table, key string, value map[string]any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", table, key, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO kv (tbl, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (tbl, key) DO UPDATE SET value = excluded.value`,
		table, key, string(raw),
	)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", table, key, err)
	}
	return nil
}

func (s *SQLite) Delete(table, key string) error {
	if _, err := s.db.Exec(`DELETE FROM kv WHERE tbl = ? AND key = ?`, table, key); err != nil {
		return fmt.Errorf("delete %s/%s: %w", table, key, err)
	}
	return nil
}

func (s *SQLite) List(table string) ([]Entry, error) {
	rows, err := s.db.Query(`SELECT key, value FROM kv WHERE tbl = ?`, table)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		var value map[string]any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", table, key, err)
		}
		out = append(out, Entry{Key: key, Value: value})
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error { return s.db.Close() }
