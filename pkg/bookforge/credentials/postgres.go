package credentials

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jholhewres/bookforge/pkg/bookforge/providers"
)

const defaultKeysTable = "user_api_keys"

// Querier is the subset of pgx used by PostgresResolver. *pgxpool.Pool and
// pgx.Tx both satisfy it.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresResolver reads a user's provider keys from the web app's
// user_api_keys table. Keys are stored sealed; the resolver opens them with
// its Sealer.
type PostgresResolver struct {
	db     Querier
	userID string
	sealer *Sealer
	table  string
}

// NewPostgresResolver scopes lookups to userID.
func NewPostgresResolver(db Querier, userID string, sealer *Sealer) *PostgresResolver {
	return &PostgresResolver{db: db, userID: userID, sealer: sealer, table: defaultKeysTable}
}

// EnsureSchema creates the keys table if missing.
func (p *PostgresResolver) EnsureSchema(ctx context.Context) error {
	_, err := p.db.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		user_id       TEXT NOT NULL,
		provider      TEXT NOT NULL,
		encrypted_key TEXT NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, provider)
	)`, p.table))
	if err != nil {
		return fmt.Errorf("credentials: create %s: %w", p.table, err)
	}
	return nil
}

// Resolve implements Resolver.
func (p *PostgresResolver) Resolve(ctx context.Context, id providers.ID) (string, error) {
	var sealed string
	err := p.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT encrypted_key FROM %s WHERE user_id = $1 AND provider = $2`, p.table),
		p.userID, string(id),
	).Scan(&sealed)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("credentials: lookup %s: %w", id, err)
	}

	key, err := p.sealer.Open(sealed)
	if err != nil {
		return "", fmt.Errorf("credentials: opening %s key: %w", id, err)
	}
	return key, nil
}

// Store seals and upserts key for id.
func (p *PostgresResolver) Store(ctx context.Context, id providers.ID, key string) error {
	if _, ok := providers.Lookup(id); !ok {
		return fmt.Errorf("unknown provider %q", id)
	}
	sealed, err := p.sealer.Seal(key)
	if err != nil {
		return err
	}
	_, err = p.db.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (user_id, provider, encrypted_key, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id, provider) DO UPDATE SET encrypted_key = EXCLUDED.encrypted_key, updated_at = now()`,
		p.table), p.userID, string(id), sealed)
	if err != nil {
		return fmt.Errorf("credentials: store %s: %w", id, err)
	}
	return nil
}

// Delete removes the stored key for id.
func (p *PostgresResolver) Delete(ctx context.Context, id providers.ID) error {
	_, err := p.db.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE user_id = $1 AND provider = $2`, p.table),
		p.userID, string(id))
	if err != nil {
		return fmt.Errorf("credentials: delete %s: %w", id, err)
	}
	return nil
}
