package commands

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/bookforge/pkg/bookforge/cache"
	"github.com/jholhewres/bookforge/pkg/bookforge/gateway"
)

// newServeCmd creates `bookforge serve`, which runs the HTTP API.
func newServeCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start the JSON API over the generation orchestrator.

Examples:
  bookforge serve
  bookforge serve --addr 127.0.0.1:9000
  bookforge serve --config ./bookforge.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, version)
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides gateway.address)")
	return cmd
}

func runServe(cmd *cobra.Command, version string) error {
	a, err := loadApp(cmd, appOptions{interactive: true})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gwOpts := []gateway.Option{
		gateway.WithVersion(version),
		gateway.WithDefaultTemperature(a.cfg.Generation.DefaultTemperature),
	}

	if a.purger != nil {
		sweeper, err := cache.NewSweeper(a.purger, a.cfg.Cache.SweepSchedule, a.logger)
		if err != nil {
			return err
		}
		if err := sweeper.Start(ctx); err != nil {
			return err
		}
		defer sweeper.Stop()
		gwOpts = append(gwOpts, gateway.WithSweeper(sweeper))
	}

	gwCfg := a.cfg.Gateway
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		gwCfg.Address = addr
	}
	gw := gateway.New(a.orch, gwCfg, a.logger, gwOpts...)
	if err := gw.Start(ctx); err != nil {
		return err
	}

	a.logger.Info("bookforge running, press Ctrl+C to stop", "address", gw.Addr(), "cache", a.cfg.Cache.Backend)
	<-ctx.Done()
	a.logger.Info("shutdown signal received, stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return gw.Stop(shutdownCtx)
}
