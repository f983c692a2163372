package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sitesentry/qa-platform/internal/config"
	"github.com/sitesentry/qa-platform/internal/dispatch"
	"github.com/sitesentry/qa-platform/internal/runner"
	"github.com/sitesentry/qa-platform/internal/schedule"
	"github.com/sitesentry/qa-platform/internal/stats"
	"github.com/sitesentry/qa-platform/internal/teststore"
	"github.com/sitesentry/qa-platform/web/api"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the QA platform server",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				path = config.DefaultConfigPath()
			}
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			return serve(cfg)
		},
	}
}

func serve(cfg *config.Config) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if err := os.MkdirAll(filepath.Dir(cfg.Store.DatabasePath), 0o755); err != nil {
		return err
	}
	store, err := teststore.New(cfg.Store.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	var testRunner runner.Runner
	if cfg.Runner.FixturesPath != "" {
		testRunner, err = runner.NewStubFromFile(cfg.Runner.StubDelay(), cfg.Runner.FixturesPath)
		if err != nil {
			return err
		}
	} else {
		testRunner = runner.NewStub(cfg.Runner.StubDelay())
	}

	dispatcher := dispatch.New(store, testRunner, logger, dispatch.Options{
		Workers:    cfg.Runner.Workers,
		QueueSize:  cfg.Runner.QueueSize,
		AckTimeout: cfg.Runner.AckTimeout(),
	})

	var cache *redis.Client
	if cfg.Cache.RedisAddr != "" {
		cache = redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
		defer cache.Close()
	}
	aggregator := stats.New(store, cache, cfg.Cache.TTL(), logger)

	scheduler := schedule.New(store, dispatcher.Submit, logger)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := api.NewServer(store, dispatcher, aggregator, logger, addr)

	// Jobs pending from a previous run go back on the queue.
	if err := dispatcher.Requeue(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Start(ctx) })
	g.Go(func() error { return scheduler.Run(ctx) })
	g.Go(func() error { return server.Start(ctx) })

	return g.Wait()
}
