package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/roach88/sheetsync/internal/broker"
	"github.com/roach88/sheetsync/internal/metrics"
	"github.com/roach88/sheetsync/internal/transport"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr     string
	Database string

	// ready, when set, receives the bound address once listening (tests).
	ready chan<- string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return newServeCommand(&ServeOptions{RootOptions: rootOpts})
}

func newServeCommand(opts *ServeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the collaboration server",
		Long: `Run the WebSocket collaboration server.

Documents are loaded from the SQLite database on first join and every
committed edit is written back before it is broadcast. Actors authenticate
with the bearer tokens listed under "actors" in the config file.

Example:
  sheetsync serve --config sheetsync.yaml
  sheetsync serve --addr :8080 --db ./sheets.db --verbose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")

	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.Addr != "" {
		cfg.Server.Addr = opts.Addr
	}
	if opts.Database != "" {
		cfg.Store.Path = opts.Database
	}
	if len(cfg.Actors) == 0 {
		slog.Warn("no actors configured; every connection will be refused")
	}

	slog.Info("opening database", "path", cfg.Store.Path)
	st, err := opts.openStore(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer closeStore(st)

	// Use command's context if available (for testing), otherwise create one.
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	registry := broker.NewRegistry(ctx, st, metrics.New(reg),
		broker.WithOutboxSize(cfg.Broker.OutboxSize),
	)
	defer registry.Close()

	if len(cfg.Server.AllowedOrigins) == 0 {
		slog.Warn("no allowed origins configured, accepting same-origin browsers only")
	}
	srv := transport.NewServer(registry, cfg.Resolver(),
		transport.WithGatherer(reg),
		transport.WithPongWait(cfg.Server.PongWait),
		transport.WithAllowedOrigins(cfg.Server.AllowedOrigins),
	)

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	httpSrv := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- httpSrv.Serve(ln) }()

	slog.Info("server listening", "addr", ln.Addr().String(), "db", cfg.Store.Path)
	fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s\n", ln.Addr())
	if opts.ready != nil {
		opts.ready <- ln.Addr().String()
	}

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "server error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	slog.Info("server stopped gracefully")
	return nil
}
