package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"onionsocks/internal/config"
	"onionsocks/internal/infrastructure/epoll"
	"onionsocks/internal/reactor"
	"onionsocks/pkg/logger"
)

func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "onionsocks",
		Short: "Onion routing overlay behind a SOCKS5 proxy",
		Long: `onionsocks routes local TCP connections through a random chain of relay
nodes. Each node peels one encryption layer; the last one connects to the
real destination.

Run a registry, a few nodes that register with it, and a client that local
applications use as their SOCKS5 proxy.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("config", "c", "", "Configuration file (default "+config.DefaultConfigFile()+")")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")
	cmd.PersistentFlags().Bool("log-json", false, "Log as JSON")

	cmd.AddCommand(NewClientCmd())
	cmd.AddCommand(NewNodeCmd())
	cmd.AddCommand(NewRegistryCmd())
	cmd.AddCommand(NewKeygenCmd())

	return cmd
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration file, applies the flags the user set
// on cmd and validates the result.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if err := applyFlags(cmd.Flags(), cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFlags copies every flag the user set over the matching config field.
// Flags a command does not define are skipped.
func applyFlags(flags *pflag.FlagSet, cfg *config.Config) error {
	overrides := []struct {
		flag string
		dst  any
	}{
		{"verbose", &cfg.Verbose},
		{"log-json", &cfg.LogJSON},
		{"registry", &cfg.Registry},
		{"hops", &cfg.CircuitLength},
		{"name", &cfg.Name},
		{"advertise", &cfg.Advertise},
		{"identity", &cfg.IdentityFile},
		{"dns-server", &cfg.DNSServer},
		{"stats-file", &cfg.StatsFile},
	}

	var err error
	for _, o := range overrides {
		if flags.Lookup(o.flag) == nil || !flags.Changed(o.flag) {
			continue
		}
		switch dst := o.dst.(type) {
		case *string:
			*dst, err = flags.GetString(o.flag)
		case *bool:
			*dst, err = flags.GetBool(o.flag)
		case *int:
			*dst, err = flags.GetInt(o.flag)
		}
		if err != nil {
			return fmt.Errorf("flag --%s: %w", o.flag, err)
		}
	}
	return nil
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	return logger.Setup(w, cfg.Verbose, cfg.LogJSON)
}

func newReactor(cfg *config.Config, log *slog.Logger) (*reactor.Reactor, func(), error) {
	loop, err := epoll.New()
	if err != nil {
		return nil, nil, fmt.Errorf("create event loop: %w", err)
	}
	r := reactor.New(loop, log, reactor.WithMaxBuffer(cfg.MaxBuffer))
	return r, func() { _ = loop.Close() }, nil
}

// writeStats rewrites the statistics file until ctx is done. Stats are
// read from the reactor's shared table, so this runs off the loop.
func writeStats(ctx context.Context, r *reactor.Reactor, cfg *config.Config, log *slog.Logger) error {
	if cfg.StatsFile == "" {
		return nil
	}
	tick := time.NewTicker(cfg.StatsInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			if err := r.WriteStatsFile(cfg.StatsFile); err != nil {
				log.Warn("Writing statistics failed", "path", cfg.StatsFile, "error", err)
			}
		}
	}
}
