package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"onionsocks/internal/registry"
)

const shutdownTimeout = 5 * time.Second

func NewRegistryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Run the node registry",
		Long: `registry keeps the list of live relay nodes in memory and serves it over
HTTP:

  GET /nodes                                 XML listing
  GET /register?name=&address=&port=&key=    add or replace a node
  GET /unregister?address=&port=             remove a node (or ?name=)`,
		RunE: runRegistryCmd,
	}

	cmd.Flags().StringP("listen", "l", "", "HTTP listen address (default from config)")

	return cmd
}

func runRegistryCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("listen") {
		cfg.RegistryListen, _ = cmd.Flags().GetString("listen")
	}
	log := newLogger(cfg, cmd.ErrOrStderr())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              cfg.RegistryListen,
		Handler:           registry.New(log).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Registry listening", "addr", cfg.RegistryListen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
