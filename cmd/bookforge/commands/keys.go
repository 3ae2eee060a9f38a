package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/bookforge/pkg/bookforge/config"
	"github.com/jholhewres/bookforge/pkg/bookforge/credentials"
	"github.com/jholhewres/bookforge/pkg/bookforge/providers"
)

// readPassword prompts without echo. Tests replace it.
var readPassword = credentials.ReadPassword

// Key stores accepted by --store.
const (
	storeVault    = "vault"
	storeKeyring  = "keyring"
	storePostgres = "postgres"
)

// newKeysCmd creates `bookforge keys` and its subcommands.
func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage provider API keys",
		Long: `Store, remove, list and verify provider API keys.

Keys live in the encrypted vault (default), the OS keyring or the
remote Postgres key store. Environment variables such as OPENAI_API_KEY
are always honoured when "env" is a configured source.

Examples:
  bookforge keys set openai
  bookforge keys set anthropic --store keyring
  bookforge keys test google
  bookforge keys list
  bookforge keys passwd`,
	}
	cmd.AddCommand(newKeysSetCmd(), newKeysDeleteCmd(), newKeysListCmd(), newKeysTestCmd(), newKeysPasswdCmd())
	return cmd
}

func parseConcreteProvider(s string) (providers.ID, error) {
	id, err := providers.ParseID(s)
	if err != nil {
		return "", err
	}
	if id == providers.Auto {
		return "", fmt.Errorf("a concrete provider is required, one of: %s", providerList())
	}
	return id, nil
}

func providerList() string {
	names := make([]string, len(providers.Order))
	for i, id := range providers.Order {
		names[i] = string(id)
	}
	return strings.Join(names, ", ")
}

// keyFromArgs returns args[1] or prompts for the key without echo.
func keyFromArgs(args []string, id providers.ID) (string, error) {
	if len(args) > 1 {
		return strings.TrimSpace(args[1]), nil
	}
	key, err := readPassword(providers.DisplayName(id) + " API key: ")
	if err != nil {
		return "", err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("empty key")
	}
	return key, nil
}

// openVault returns the app vault unlocked, creating the file when create
// is set and it does not exist yet.
func (a *app) openVault(create bool) (*credentials.Vault, error) {
	if a.vault == nil {
		a.vault = credentials.NewVault(a.cfg.Credentials.VaultPath)
	}
	v := a.vault

	if !v.Exists() {
		if !create {
			return nil, fmt.Errorf("no vault at %s", v.Path())
		}
		password := os.Getenv(credentials.VaultPasswordEnv)
		if password == "" {
			var err error
			if password, err = newPassword(); err != nil {
				return nil, err
			}
		}
		if err := v.Create(password); err != nil {
			return nil, err
		}
		a.logger.Info("vault created", "path", v.Path())
		return v, nil
	}

	unlocked, err := credentials.UnlockVault(v, true)
	if err != nil {
		return nil, err
	}
	if !unlocked {
		return nil, fmt.Errorf("vault is locked; set %s or run in a terminal", credentials.VaultPasswordEnv)
	}
	return v, nil
}

// newPassword asks for a new vault password twice.
func newPassword() (string, error) {
	password, err := readPassword("New vault password: ")
	if err != nil {
		return "", err
	}
	confirm, err := readPassword("Confirm password: ")
	if err != nil {
		return "", err
	}
	if confirm != password {
		return "", errors.New("passwords do not match")
	}
	if password == "" {
		return "", errors.New("empty password")
	}
	return password, nil
}

func (a *app) storeKey(ctx context.Context, store string, id providers.ID, key string) error {
	switch store {
	case storeVault:
		v, err := a.openVault(true)
		if err != nil {
			return err
		}
		return v.SetProviderKey(id, key)
	case storeKeyring:
		if !credentials.KeyringAvailable() {
			return errors.New("OS keyring is not available on this system")
		}
		return credentials.NewKeyringResolver().Store(id, key)
	case storePostgres:
		if a.remote == nil {
			return errors.New(`the postgres key store is not configured (add "postgres" to credentials.sources)`)
		}
		return a.remote.Store(ctx, id, key)
	}
	return fmt.Errorf("unknown store %q (vault, keyring, postgres)", store)
}

func (a *app) deleteKey(ctx context.Context, store string, id providers.ID) error {
	switch store {
	case storeVault:
		v, err := a.openVault(false)
		if err != nil {
			return err
		}
		return v.DeleteProviderKey(id)
	case storeKeyring:
		return credentials.NewKeyringResolver().Delete(id)
	case storePostgres:
		if a.remote == nil {
			return errors.New("the postgres key store is not configured")
		}
		return a.remote.Delete(ctx, id)
	}
	return fmt.Errorf("unknown store %q (vault, keyring, postgres)", store)
}

func newKeysSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <provider> [key]",
		Short: "Store an API key",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseConcreteProvider(args[0])
			if err != nil {
				return err
			}
			key, err := keyFromArgs(args, id)
			if err != nil {
				return err
			}
			a, err := loadApp(cmd, appOptions{interactive: true})
			if err != nil {
				return err
			}
			defer a.Close()

			store, _ := cmd.Flags().GetString("store")
			if err := a.storeKey(cmd.Context(), store, id, key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s key saved to %s\n", providers.DisplayName(id), store)
			return nil
		},
	}
	cmd.Flags().String("store", storeVault, "where to save the key (vault, keyring, postgres)")
	return cmd
}

func newKeysDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <provider>",
		Short: "Remove a stored API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseConcreteProvider(args[0])
			if err != nil {
				return err
			}
			a, err := loadApp(cmd, appOptions{interactive: true})
			if err != nil {
				return err
			}
			defer a.Close()

			store, _ := cmd.Flags().GetString("store")
			if err := a.deleteKey(cmd.Context(), store, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s key removed from %s\n", providers.DisplayName(id), store)
			return nil
		},
	}
	cmd.Flags().String("store", storeVault, "store to remove the key from (vault, keyring, postgres)")
	return cmd
}

func newKeysListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show which sources hold a key for each provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd, appOptions{interactive: true})
			if err != nil {
				return err
			}
			defer a.Close()

			sources := a.namedSources()
			headers := []string{"Provider", "Key env"}
			for _, s := range sources {
				headers = append(headers, s.name)
			}

			var rows [][]string
			for _, info := range providers.All() {
				row := []string{info.Name, info.KeyEnv}
				for _, s := range sources {
					key, err := s.resolver.Resolve(cmd.Context(), info.ID)
					switch {
					case err != nil:
						row = append(row, "error")
					case key != "":
						row = append(row, maskKey(key))
					default:
						row = append(row, "-")
					}
				}
				rows = append(rows, row)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(headers, rows, nil))
			return nil
		},
	}
}

func newKeysTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test <provider> [key]",
		Short: "Verify a key with a tiny request to the provider",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseConcreteProvider(args[0])
			if err != nil {
				return err
			}
			a, err := loadApp(cmd, appOptions{interactive: true})
			if err != nil {
				return err
			}
			defer a.Close()

			key := ""
			if len(args) > 1 {
				key = strings.TrimSpace(args[1])
			} else if key, err = a.resolver.Resolve(cmd.Context(), id); err != nil {
				return err
			}
			if key == "" {
				return fmt.Errorf("no %s key found; pass one or run `bookforge keys set %s`", providers.DisplayName(id), id)
			}

			check := a.orch.TestAPIKey(cmd.Context(), id, key)
			if !check.Valid {
				return fmt.Errorf("%s key rejected: %s", providers.DisplayName(id), check.Error)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s key %s is valid\n", providers.DisplayName(id), maskKey(key))
			return nil
		},
	}
}

func newKeysPasswdCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "passwd",
		Short: "Change the vault password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd, appOptions{interactive: true})
			if err != nil {
				return err
			}
			defer a.Close()

			v, err := a.openVault(false)
			if err != nil {
				return err
			}
			password, err := newPassword()
			if err != nil {
				return err
			}
			if err := v.ChangePassword(password); err != nil {
				return fmt.Errorf("changing vault password: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "vault password changed (%s)\n", v.Path())
			if os.Getenv(credentials.VaultPasswordEnv) != "" {
				fmt.Fprintf(out, "update %s to the new password\n", credentials.VaultPasswordEnv)
			}
			return nil
		},
	}
}

type namedSource struct {
	name     string
	resolver credentials.Resolver
}

// namedSources lists the configured sources individually so `keys list`
// can show where each key comes from.
func (a *app) namedSources() []namedSource {
	var out []namedSource
	for _, src := range a.cfg.Credentials.Sources {
		switch src {
		case config.SourceEnv:
			out = append(out, namedSource{src, credentials.NewEnvResolver()})
		case config.SourceKeyring:
			if a.keyring != nil {
				out = append(out, namedSource{src, a.keyring})
			}
		case config.SourceVault:
			if a.vault != nil && a.vault.Exists() {
				out = append(out, namedSource{src, credentials.NewVaultResolver(a.vault)})
			}
		case config.SourcePostgres:
			if a.remote != nil {
				out = append(out, namedSource{src, a.remote})
			}
		}
	}
	return out
}

// maskKey shows only the first and last characters of a key.
func maskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", 4) + key[len(key)-4:]
}
