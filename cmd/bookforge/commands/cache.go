package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// newCacheCmd creates `bookforge cache`.
func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the response cache",
	}
	cmd.AddCommand(newCacheStatsCmd(), newCachePurgeCmd())
	return cmd
}

func newCacheStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache backend and traffic counters for this process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			rows := [][]string{
				{"backend", a.cfg.Cache.Backend},
				{"sweep schedule", a.cfg.Cache.SweepSchedule},
				{"base ttl", a.orch.Config().CacheTTL.String()},
			}
			if a.cache != nil {
				st := a.cache.Stats()
				rows = append(rows,
					[]string{"hits", fmt.Sprint(st.Hits)},
					[]string{"misses", fmt.Sprint(st.Misses)},
					[]string{"sets", fmt.Sprint(st.Sets)},
					[]string{"evictions", fmt.Sprint(st.Evictions)},
				)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Setting", "Value"}, rows, nil))
			return nil
		},
	}
}

func newCachePurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete expired cache entries now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			if a.purger == nil {
				return errors.New("the response cache is disabled")
			}
			n, err := a.purger.PurgeExpired(cmd.Context(), time.Now())
			if err != nil {
				return fmt.Errorf("purging cache: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired entries from the %s cache\n", n, a.cfg.Cache.Backend)
			return nil
		},
	}
}
