package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const defaultPostgresTable = "bookforge_cache"

// Querier is the subset of pgx used by PostgresStore. *pgxpool.Pool and
// pgx.Tx both satisfy it.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists entries in a Postgres table shared by every
// bookforge instance pointed at the same database.
type PostgresStore struct {
	db    Querier
	table string
}

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithTable overrides the table name. The name is quoted with
// pgx.Identifier before being interpolated.
func WithTable(name string) PostgresOption {
	return func(s *PostgresStore) {
		s.table = pgx.Identifier{name}.Sanitize()
	}
}

// NewPostgresStore creates a store over db.
func NewPostgresStore(db Querier, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{db: db, table: defaultPostgresTable}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureSchema creates the table and its expiry index if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	table := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key        TEXT PRIMARY KEY,
		value      JSONB NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, s.table)
	if _, err := s.db.Exec(ctx, table); err != nil {
		return fmt.Errorf("postgres cache: create table: %w", err)
	}

	index := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (expires_at)`,
		pgx.Identifier{indexName(s.table)}.Sanitize(), s.table)
	if _, err := s.db.Exec(ctx, index); err != nil {
		return fmt.Errorf("postgres cache: create index: %w", err)
	}
	return nil
}

func indexName(table string) string {
	return strings.ReplaceAll(table, `"`, "") + "_expires_at_idx"
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRow(ctx, fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, s.table), key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("postgres cache get: %w", err)
	}
	return value, true, nil
}

// Set implements Store.
func (s *PostgresStore) Set(ctx context.Context, key string, value []byte, expiresAt time.Time) error {
	query := fmt.Sprintf(`INSERT INTO %s (key, value, expires_at, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = now()`,
		s.table)
	if _, err := s.db.Exec(ctx, query, key, value, expiresAt); err != nil {
		return fmt.Errorf("postgres cache set: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.table), key); err != nil {
		return fmt.Errorf("postgres cache delete: %w", err)
	}
	return nil
}

// DeleteExpired implements ExpiredDeleter.
func (s *PostgresStore) DeleteExpired(ctx context.Context, key string, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1 AND expires_at < $2`, s.table), key, now)
	if err != nil {
		return false, fmt.Errorf("postgres cache delete: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// PurgeExpired implements Purger.
func (s *PostgresStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE expires_at < $1`, s.table), now)
	if err != nil {
		return 0, fmt.Errorf("postgres cache purge: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
