package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"

	"github.com/kalambet/veobatch/internal/api"
	"github.com/kalambet/veobatch/internal/artifact"
	"github.com/kalambet/veobatch/internal/batch"
	"github.com/kalambet/veobatch/internal/config"
	"github.com/kalambet/veobatch/internal/logging"
	"github.com/kalambet/veobatch/internal/storage"
	"github.com/kalambet/veobatch/internal/telemetry"
	"github.com/kalambet/veobatch/internal/veo"
	"github.com/kalambet/veobatch/internal/watch"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the MCP server on stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP(cmd.Context())
	},
}

// app holds the components shared by the HTTP and MCP front ends.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	store     storage.Backend
	manager   *batch.Manager
	collector *artifact.Collector
	shutdown  func(context.Context) error
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	// stdout is reserved for the MCP transport, so logs always go to stderr.
	logger := logging.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "veobatch",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}

	store, err := storage.OpenBackend(cfg.Storage.Backend, cfg.Storage.DataDir)
	if err != nil {
		shutdown(ctx)
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	logger.Info("storage opened", "backend", cfg.Storage.Backend, "data_dir", cfg.Storage.DataDir)

	client := veo.NewClient(veo.Options{
		BaseURL:         cfg.Provider.BaseURL,
		Model:           cfg.Provider.Model,
		Timeout:         cfg.Provider.Timeout,
		DownloadTimeout: cfg.Provider.DownloadTimeout,
	})

	return &app{
		cfg:    cfg,
		logger: logger,
		store:  store,
		manager: batch.NewManager(client, store, batch.Options{
			AspectRatio: cfg.Provider.AspectRatio,
			Concurrency: cfg.Refresh.Concurrency,
			Logger:      logger,
		}),
		collector: artifact.NewCollector(client, cfg.Artifact.OutputDir, artifact.Options{
			Concurrency: cfg.Refresh.Concurrency,
			Logger:      logger,
		}),
		shutdown: shutdown,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing storage", "error", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.shutdown(ctx); err != nil {
		a.logger.Warn("flushing telemetry", "error", err)
	}
}

func (a *app) startWatcher(ctx context.Context) {
	if !a.cfg.Watch.Enabled {
		return
	}
	w := watch.NewWorker(a.store, a.manager, a.cfg.Watch.Interval, a.cfg.Watch.Window)
	go w.Run(ctx)
	a.logger.Info("background refresh enabled", "interval", a.cfg.Watch.Interval, "window", a.cfg.Watch.Window)
}

func runServer(ctx context.Context) error {
	fmt.Fprintf(os.Stderr, "veobatch version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.Server.Token == "" {
		a.logger.Warn("server.token not set; API routes are unauthenticated")
	}

	a.startWatcher(ctx)

	handler := api.NewHandler(api.Deps{
		Batches:   a.manager,
		Collector: a.collector,
		Token:     cfg.Server.Token,
		Logger:    a.logger,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	ln = netutil.LimitListener(ln, cfg.Server.MaxConns)

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "veobatch listening on %s\n", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runMCP(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	a.startWatcher(ctx)

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Batches:           a.manager,
		Collector:         a.collector,
		DefaultCredential: cfg.Provider.APIKey,
		Version:           version,
	})
	a.logger.Info("MCP server started (stdio transport)")

	err = server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}
