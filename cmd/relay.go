package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"

	"firestige.xyz/divert/internal/config"
	"firestige.xyz/divert/internal/driver"
	"firestige.xyz/divert/internal/log"
	"firestige.xyz/divert/internal/metrics"
	"firestige.xyz/divert/internal/relay"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Divert matching packets and reinject them",
	Long: `Open one diversion handle per worker and loop receive → rewrite → reinject.

With relay.redirect_to set, outbound TCP/UDP packets are sent to that address
and replies get their original source back. Without it packets are reinjected
unchanged. Queue parameters are re-applied when the config file changes.
SIGINT/SIGTERM closes the handles and exits.

Examples:
  divert relay -c divert.yml
  divert relay -c divert.yml --filter "outbound and tcp.DstPort == 80" --workers 4
  DIVERT_DRIVER_KIND=memory divert relay`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRelay(cmd.Context(), cmd)
	},
}

var (
	relayFilter   string
	relayWorkers  int
	relayRedirect string
)

func init() {
	relayCmd.Flags().StringVarP(&relayFilter, "filter", "f", "", "override handle.filter")
	relayCmd.Flags().IntVarP(&relayWorkers, "workers", "w", 0, "override relay.workers")
	relayCmd.Flags().StringVarP(&relayRedirect, "redirect", "r", "", "override relay.redirect_to")
}

func runRelay(ctx context.Context, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var running atomic.Pointer[relay.Relay]
	cfg, err := loadRelayConfig(func(next *config.Config) {
		if r := running.Load(); r != nil {
			if err := r.ApplyParams(next.Handle); err != nil {
				slog.Warn("failed to apply reloaded queue parameters", "error", err)
			}
		}
	})
	if err != nil {
		return err
	}
	if err := applyRelayFlags(cmd, cfg); err != nil {
		return err
	}

	if err := log.Init(cfg.Log); err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}

	if cfg.Metrics.Enabled {
		if err := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path).Start(ctx); err != nil {
			return err
		}
	}

	drv, err := driver.New(cfg.Driver.Kind, cfg.Driver.Path)
	if err != nil {
		return err
	}

	r := relay.New(drv, cfg)
	running.Store(r)
	slog.Info("starting relay",
		"driver", cfg.Driver.Kind,
		"filter", cfg.Handle.Filter,
		"priority", cfg.Handle.Priority,
		"workers", cfg.Relay.Workers,
		"redirect_to", cfg.Relay.RedirectTo)

	return r.Run(ctx)
}

// loadRelayConfig watches the config file when there is one.
func loadRelayConfig(onReload func(*config.Config)) (*config.Config, error) {
	if configFile == "" {
		return config.Load("")
	}
	return config.Watch(configFile, onReload)
}

func applyRelayFlags(cmd *cobra.Command, cfg *config.Config) error {
	if cmd.Flags().Changed("filter") {
		cfg.Handle.Filter = relayFilter
	}
	if cmd.Flags().Changed("workers") {
		cfg.Relay.Workers = relayWorkers
	}
	if cmd.Flags().Changed("redirect") {
		cfg.Relay.RedirectTo = relayRedirect
	}
	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	return nil
}
