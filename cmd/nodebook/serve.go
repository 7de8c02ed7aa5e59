package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/nodebook-dev/nodebook/internal/config"
	"github.com/nodebook-dev/nodebook/pkg/blobstore"
	"github.com/nodebook-dev/nodebook/pkg/middleware"
	"github.com/nodebook-dev/nodebook/pkg/notebook"
	"github.com/nodebook-dev/nodebook/pkg/server"
	"github.com/nodebook-dev/nodebook/pkg/storage"
)

func serveCmd() *cobra.Command {
	var (
		configPath  string
		addr        string
		notebookRef string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a notebook over HTTP and WebSocket",
		Long: `Start the notebook server.

The REST API lives under /api/v1: variables, formulas, inputs, code
cells, markdown cells and whole-notebook loads. GET /ws streams value
changes to WebSocket subscribers, GET /metrics serves prometheus
metrics and GET /healthz reports liveness.

Examples:
  nodebook serve
  nodebook serve --config deploy/nodebook.yaml
  nodebook serve --addr :9090 --notebook examples/budget.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, addr, notebookRef)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to nodebook.yaml (default ./nodebook.yaml)")
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")
	cmd.Flags().StringVarP(&notebookRef, "notebook", "n", "", "Notebook to load on startup (path or s3:// ref)")

	return cmd
}

func runServe(configPath, addr, notebookRef string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}

	logger := cfg.Logging.NewLogger(os.Stderr)

	store, err := openStore(cfg.Storage, logger)
	if err != nil {
		return err
	}

	var metrics *middleware.Metrics
	if cfg.Metrics.Enabled {
		metrics = middleware.NewMetrics(middleware.WithNamespace(cfg.Metrics.Namespace))
	}

	rt := notebook.NewRuntime(notebook.Config{
		Logger:            logger,
		Storage:           store,
		EvalTimeout:       cfg.Runtime.EvalTimeout.Std(),
		EvalBudget:        cfg.Runtime.EvalBudget,
		BudgetWindow:      cfg.Runtime.BudgetWindow.Std(),
		MaxConsoleEntries: cfg.Runtime.MaxConsoleEntries,
		Metrics:           metrics,
		Tracer:            middleware.NewTracer(),
	})
	defer rt.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	blobs, err := blobSource(ctx, cfg.Server)
	if err != nil {
		return err
	}

	if notebookRef != "" {
		if err := loadStartupNotebook(ctx, rt, blobs, notebookRef); err != nil {
			return err
		}
	}

	srv := server.New(rt,
		server.WithLogger(logger),
		server.WithMetrics(metrics),
		server.WithBlobSource(blobs),
	)
	defer srv.Close()

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.Server.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// openStore builds the configured storage backend. The runtime takes
// ownership and closes it.
func openStore(cfg config.StorageConfig, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		return storage.NewSQLiteStore(cfg.Path, storage.WithSQLiteLogger(logger))
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		return storage.NewRedisStore(client, storage.WithRedisLogger(logger)), nil
	default:
		return storage.NewMemoryStore(), nil
	}
}

// blobSource assembles the notebook ref resolver: files under blob_root,
// s3:// refs when enabled. Returns nil when neither is configured.
func blobSource(ctx context.Context, cfg config.ServerConfig) (blobstore.Source, error) {
	var fs, s3 blobstore.Source
	if cfg.BlobRoot != "" {
		fs = blobstore.NewFSSource(cfg.BlobRoot)
	}
	if cfg.S3 {
		src, err := blobstore.NewS3SourceFromEnv(ctx)
		if err != nil {
			return nil, err
		}
		s3 = src
	}
	if fs == nil && s3 == nil {
		return nil, nil
	}
	return blobstore.NewRouter(fs, s3), nil
}

// readNotebook resolves a notebook argument from the command line: s3://
// refs go through the blob source, anything else is a local file.
func readNotebook(ctx context.Context, blobs blobstore.Source, ref string) ([]byte, error) {
	if blobstore.IsS3Ref(ref) {
		if blobs == nil {
			return nil, fmt.Errorf("%s: s3 support is not enabled in the config", ref)
		}
		return blobs.Fetch(ctx, ref)
	}
	return os.ReadFile(ref)
}

func loadStartupNotebook(ctx context.Context, rt *notebook.Runtime, blobs blobstore.Source, ref string) error {
	data, err := readNotebook(ctx, blobs, ref)
	if err != nil {
		return err
	}
	result, err := rt.LoadNotebookData(ctx, data)
	if err != nil {
		return err
	}
	for _, f := range result.Failures {
		warn("%s", f)
	}
	success("loaded %d cells from %s", result.CellCount, ref)
	return nil
}
