// Package postgres implements storage.Backend on a single PostgreSQL table.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"

	"github.com/andrei-cloud/posguard/internal/storage"
)

const upsertSQL = `
	INSERT INTO posguard_kv (key, value, updated_at) VALUES ($1, $2, now())
	ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`

//go:embed migrations/*.sql
var migrations embed.FS

// Store is a storage.Backend backed by pgxpool.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Backend = (*Store)(nil)

// Open connects to dsn and applies pending migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres storage: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres storage: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()

		return nil, fmt.Errorf("postgres storage: ping: %w", err)
	}
	if err := Migrate(pool); err != nil {
		pool.Close()

		return nil, err
	}

	return &Store{pool: pool}, nil
}

// Migrate runs the embedded goose migrations against pool.
func Migrate(pool *pgxpool.Pool) error {
	var db *sql.DB = stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("postgres storage: set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("postgres storage: migrate: %w", err)
	}
	log.Debug().Str("event", "storage_migrated").Msg("postgres schema up to date")

	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}

	var v []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM posguard_kv WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres storage: get %q: %w", key, err)
	}

	return v, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx, upsertSQL, key, value)
	if err != nil {
		return fmt.Errorf("postgres storage: put %q: %w", key, err)
	}

	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM posguard_kv WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("postgres storage: delete %q: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}

	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key FROM posguard_kv WHERE key LIKE $1 ESCAPE '\' ORDER BY key COLLATE "C"`,
		escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("postgres storage: list %q: %w", prefix, err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres storage: list %q: %w", prefix, err)
	}
	if keys == nil {
		keys = []string{}
	}

	return keys, nil
}

// Update locks the row with SELECT ... FOR UPDATE. A missing row is
// serialized through a transaction-scoped advisory lock on the key.
func (s *Store) Update(ctx context.Context, key string, fn storage.UpdateFunc) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
			return fmt.Errorf("postgres storage: lock %q: %w", key, err)
		}

		var cur []byte
		found := true
		err := tx.QueryRow(ctx, `SELECT value FROM posguard_kv WHERE key = $1 FOR UPDATE`, key).Scan(&cur)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			found = false
		case err != nil:
			return fmt.Errorf("postgres storage: read %q: %w", key, err)
		}

		next, err := fn(cur, found)
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, upsertSQL, key, next); err != nil {
			return fmt.Errorf("postgres storage: write %q: %w", key, err)
		}

		return nil
	})
}

func (s *Store) Close() error {
	s.pool.Close()

	return nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

	return r.Replace(s)
}
