package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is the managed-mode backend. The DSN comes from env only
// (LEMONGATE_POSTGRES_DSN); it is never read from the config file.
type Postgres struct {
	pool *pgxpool.Pool
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS lemongate_kv (
	tbl   TEXT NOT NULL,
	key   TEXT NOT NULL,
	value JSONB NOT NULL,
	PRIMARY KEY (tbl, key)
)`

// OpenPostgres connects to dsn and ensures the kv table exists.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres store: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init postgres schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Get(table, key string) (map[string]any, bool, error) {
	var raw []byte
	err := p.pool.QueryRow(context.Background(),
		`SELECT value FROM lemongate_kv WHERE tbl = $1 AND key = $2`, table, key).Scan(&raw)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s/%s: %w", table, key, err)
	}
	var value map[string]any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, false, fmt.Errorf("decode %s/%s: %w", table, key, err)
	}
	return value, true, nil
}

func (p *Postgres) Put(table, key string, value map[string]any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", table, key, err)
	}
	_, err = p.pool.Exec(context.Background(),
		`INSERT INTO lemongate_kv (tbl, key, value) VALUES ($1, $2, $3)
		 ON CONFLICT (tbl, key) DO UPDATE SET value = EXCLUDED.value`,
		table, key, raw,
	)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", table, key, err)
	}
	return nil
}

func (p *Postgres) Delete(table, key string) error {
	_, err := p.pool.Exec(context.Background(),
		`DELETE FROM lemongate_kv WHERE tbl = $1 AND key = $2`, table, key)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", table, key, err)
	}
	return nil
}

func (p *Postgres) List(table string) ([]Entry, error) {
	rows, err := p.pool.Query(context.Background(),
		`SELECT key, value FROM lemongate_kv WHERE tbl = $1`, table)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var key string
		var raw []byte
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		var value map[string]any
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", table, key, err)
		}
		out = append(out, Entry{Key: key, Value: value})
	}
	return out, rows.Err()
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
