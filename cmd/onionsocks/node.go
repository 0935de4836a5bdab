package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"onionsocks/internal/application"
	"onionsocks/internal/directory"
	"onionsocks/internal/infrastructure/dnsresolver"
	"onionsocks/internal/onion"
	"onionsocks/internal/reactor"
)

func NewNodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run a relay node",
		Long: `node accepts circuits from clients and other nodes. For every connection
it peels one onion layer and either extends the circuit to the next node or,
as exit, connects to the destination. The node registers with the registry
on start and unregisters on SIGINT or SIGTERM.

The identity file is created on first start.`,
		RunE: runNodeCmd,
	}

	cmd.Flags().StringP("listen", "l", "", "Relay listen address (default from config)")
	cmd.Flags().String("advertise", "", "Address announced to the registry (default: listen address)")
	cmd.Flags().String("name", "", "Name announced to the registry")
	cmd.Flags().String("registry", "", "Registry address host:port")
	cmd.Flags().String("identity", "", "Identity key file")
	cmd.Flags().String("dns-server", "", "DNS server ip:port for exit lookups (default from /etc/resolv.conf)")
	cmd.Flags().String("stats-file", "", "Rewrite connection statistics XML to this file")

	return cmd
}

func runNodeCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("listen") {
		cfg.NodeListen, _ = cmd.Flags().GetString("listen")
	}
	listen, err := netip.ParseAddrPort(cfg.NodeListen)
	if err != nil {
		return fmt.Errorf("invalid --listen: %w", err)
	}
	log := newLogger(cfg, cmd.ErrOrStderr())

	id, created, err := onion.LoadOrCreateIdentity(cfg.IdentityFile, rand.Reader)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	if created {
		log.Info("Created node identity", "path", cfg.IdentityFile, "identity", id)
	}

	dnsServer := dnsresolver.DefaultServer()
	if cfg.DNSServer != "" {
		dnsServer = netip.MustParseAddrPort(cfg.DNSServer)
	}
	hosts, err := cfg.StaticHosts()
	if err != nil {
		return err
	}

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

	resolver, err := dnsresolver.New(r, dnsServer, hosts, cfg.ResolveTimeout, log)
	if err != nil {
		return err
	}
	dir := directory.NewClient(r, registry, cfg.RegistryTimeout, log)
	node := application.NewServerNode(r, id, resolver, dir, cfg.Name, log)
	if err := node.Start(listen, cfg.AdvertiseAddr(listen)); err != nil {
		return err
	}
	log.Info("Relay node started", "listen", node.Addr().String(), "advertise", node.Self().Addr.String(),
		"public_key", id.PublicKeyString())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		if err := r.Run(ctx); err != nil {
			return err
		}
		return shutdownNode(r, node, cfg.RegistryTimeout)
	})
	g.Go(func() error {
		return writeStats(ctx, r, cfg, log)
	})
	return g.Wait()
}

// shutdownNode runs the loop once more, just long enough to withdraw the
// node from the registry.
func shutdownNode(r *reactor.Reactor, node *application.ServerNode, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	node.Stop(func(error) {})
	return r.Run(ctx)
}
