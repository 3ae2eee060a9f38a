package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jholhewres/bookforge/pkg/bookforge/cache"
	"github.com/jholhewres/bookforge/pkg/bookforge/config"
	"github.com/jholhewres/bookforge/pkg/bookforge/credentials"
	"github.com/jholhewres/bookforge/pkg/bookforge/database"
	"github.com/jholhewres/bookforge/pkg/bookforge/llm"
	"github.com/jholhewres/bookforge/pkg/bookforge/orchestrator"
)

// app is everything a command needs, built once from the config.
type app struct {
	cfg        *config.Config
	configPath string
	logger     *slog.Logger

	cache  *cache.Cache
	purger cache.Purger

	vault    *credentials.Vault
	keyring  *credentials.KeyringResolver
	remote   *credentials.PostgresResolver
	resolver credentials.Resolver

	orch *orchestrator.Orchestrator

	closers []func()
}

type appOptions struct {
	// interactive allows a vault password prompt on a terminal.
	interactive bool
}

// loadApp loads the config and wires cache, credentials and the
// orchestrator.
func loadApp(cmd *cobra.Command, opts appOptions) (*app, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, path, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")

	a := &app{
		cfg:        cfg,
		configPath: path,
		logger:     newLogger(cfg.Logging, verbose, os.Stderr),
	}
	if path != "" {
		a.logger.Debug("config loaded", "path", path)
	}
	config.AuditSecrets(cfg, a.logger)

	ctx := cmd.Context()
	if err := a.openCache(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.buildResolver(ctx, opts.interactive); err != nil {
		a.Close()
		return nil, err
	}

	orchOpts := []orchestrator.Option{
		orchestrator.WithResolver(a.resolver),
		orchestrator.WithConfig(cfg.Generation.Orchestrator()),
		orchestrator.WithLogger(a.logger),
	}
	if a.cache != nil {
		orchOpts = append(orchOpts, orchestrator.WithCache(a.cache))
	}
	a.orch = orchestrator.New(llm.NewDispatch(cfg.BaseURLs(), a.logger), orchOpts...)
	return a, nil
}

// Close releases database handles in reverse order and locks the vault,
// zeroing its derived key.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	if a.vault != nil {
		a.vault.Lock()
	}
}

func (a *app) openCache(ctx context.Context) error {
	cc := a.cfg.Cache

	var store cache.Store
	switch cc.Backend {
	case config.BackendNone:
		return nil

	case config.BackendSQLite:
		backend, err := database.OpenSQLite(database.SQLiteConfig{Path: cc.Path})
		if err != nil {
			return fmt.Errorf("opening cache database: %w", err)
		}
		a.closers = append(a.closers, func() { _ = backend.Close() })
		if err := backend.Migrator.Migrate(ctx); err != nil {
			return fmt.Errorf("migrating cache database: %w", err)
		}
		s := cache.NewSQLiteStore(backend.DB)
		store, a.purger = s, s

	case config.BackendPostgres:
		pool, err := database.OpenPostgres(ctx, database.PostgresConfig{DSN: cc.DSN}, a.logger)
		if err != nil {
			return fmt.Errorf("opening cache database: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		var opts []cache.PostgresOption
		if cc.Table != "" {
			opts = append(opts, cache.WithTable(cc.Table))
		}
		s := cache.NewPostgresStore(pool, opts...)
		if err := s.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("preparing cache table: %w", err)
		}
		store, a.purger = s, s

	default:
		s := cache.NewMemoryStore()
		store, a.purger = s, s
	}

	a.cache = cache.New(store, cache.WithLogger(a.logger))
	a.logger.Debug("response cache ready", "backend", cc.Backend)
	return nil
}

func (a *app) buildResolver(ctx context.Context, interactive bool) error {
	cc := a.cfg.Credentials

	var chain credentials.Chain
	for _, src := range cc.Sources {
		switch src {
		case config.SourceEnv:
			chain = append(chain, credentials.NewEnvResolver())

		case config.SourceKeyring:
			if !credentials.KeyringAvailable() {
				a.logger.Debug("OS keyring unavailable, skipping")
				continue
			}
			a.keyring = credentials.NewKeyringResolver()
			chain = append(chain, a.keyring)

		case config.SourceVault:
			a.vault = credentials.NewVault(cc.VaultPath)
			unlocked, err := credentials.UnlockVault(a.vault, interactive)
			if err != nil {
				return err
			}
			if a.vault.Exists() && !unlocked {
				a.logger.Info("vault is locked, its keys are unavailable",
					"hint", "set "+credentials.VaultPasswordEnv)
			}
			chain = append(chain, credentials.NewVaultResolver(a.vault))

		case config.SourcePostgres:
			pg := cc.Postgres
			pool, err := database.OpenPostgres(ctx, database.PostgresConfig{DSN: pg.DSN}, a.logger)
			if err != nil {
				return fmt.Errorf("opening key store: %w", err)
			}
			a.closers = append(a.closers, pool.Close)
			sealer, err := credentials.NewSealer(pg.MasterSecret, []byte("bookforge-user-keys"))
			if err != nil {
				return err
			}
			a.remote = credentials.NewPostgresResolver(pool, pg.UserID, sealer)
			if err := a.remote.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("preparing key store: %w", err)
			}
			chain = append(chain, a.remote)
		}
	}

	a.resolver = chain
	if ttl := cc.CredentialCacheTTL(); ttl > 0 {
		a.resolver = credentials.NewCachedResolver(chain, ttl, a.logger)
	}
	return nil
}
