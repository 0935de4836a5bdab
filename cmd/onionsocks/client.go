package main

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"onionsocks/internal/application"
	"onionsocks/internal/directory"
)

func NewClientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run the SOCKS5 entry point",
		Long: `client listens for SOCKS5 (no authentication, CONNECT only) and carries
every connection through its own circuit of relay nodes taken from the
registry listing, which is refreshed in the background.`,
		RunE: runClientCmd,
	}

	cmd.Flags().StringP("listen", "l", "", "SOCKS5 listen address (default from config)")
	cmd.Flags().String("registry", "", "Registry address host:port")
	cmd.Flags().Int("hops", 0, "Circuit length")
	cmd.Flags().String("stats-file", "", "Rewrite connection statistics XML to this file")

	return cmd
}

func runClientCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("listen") {
		cfg.ClientListen, _ = cmd.Flags().GetString("listen")
	}
	listen, err := netip.ParseAddrPort(cfg.ClientListen)
	if err != nil {
		return fmt.Errorf("invalid --listen: %w", err)
	}
	log := newLogger(cfg, cmd.ErrOrStderr())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry, err := cfg.ResolveRegistry(ctx)
	if err != nil {
		return err
	}

	r, closeLoop, err := newReactor(cfg, log)
	if err != nil {
		return err
	}
	defer closeLoop()

	cache := directory.NewCache()
	dir := directory.NewClient(r, registry, cfg.RegistryTimeout, log)
	dir.KeepFresh(cache, cfg.RefreshInterval)

	node := application.NewClientNode(r, cache, cfg.CircuitLength, log)
	if err := node.Listen(listen); err != nil {
		return err
	}
	log.Info("Client node started", "socks5", node.Addr().String(), "registry", registry.String(), "hops", cfg.CircuitLength)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return r.Run(ctx)
	})
	g.Go(func() error {
		return writeStats(ctx, r, cfg, log)
	})
	return g.Wait()
}
