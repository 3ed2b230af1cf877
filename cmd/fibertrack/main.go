package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fibertrack/internal/activity"
	"fibertrack/internal/api"
	"fibertrack/internal/config"
	"fibertrack/internal/engine"
	"fibertrack/internal/events"
	"fibertrack/internal/guard"
	"fibertrack/internal/ingest"
	"fibertrack/internal/logging"
	"fibertrack/internal/notify"
	"fibertrack/internal/sla"
	"fibertrack/internal/storage"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to YAML or JSON config (defaults plus environment when empty)")
	watchEvery := flag.Duration("watch", 3*time.Second, "config reload poll interval, 0 disables")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}
	if err := run(*configPath, *watchEvery); err != nil {
		fmt.Fprintln(os.Stderr, "fibertrack:", err)
		os.Exit(1)
	}
}

func run(configPath string, watchEvery time.Duration) error {
	mgr, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := mgr.Get()
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = store.Init(initCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	publisher, err := events.NewPublisher(cfg.Events, logger)
	if err != nil {
		return fmt.Errorf("events publisher: %w", err)
	}
	defer publisher.Close()

	g, err := guard.New(cfg.Webhook, newLimiter(ctx, cfg.Webhook.RateLimit, logger))
	if err != nil {
		return fmt.Errorf("webhook guard: %w", err)
	}

	act := activity.NewStore(cfg.Activity.StoreLimit)
	eng := engine.NewEngine(cfg, logger, store, publisher, act)
	dispatcher := notify.FromConfig(cfg.Notify, logger)
	scanner := sla.NewScanner(cfg, logger, store, dispatcher, eng.Maintenance(), publisher)

	webhooks := ingest.StartWebhooks(ctx, mgr, ingest.NewWebhookServer(mgr, g, eng, store, logger), logger)
	ingest.StartKafka(ctx, mgr, eng, logger)
	apiServer := api.Start(ctx, mgr, api.NewServer(mgr, api.Deps{
		Store:     store,
		Incidents: eng,
		Scanner:   scanner,
		Optical:   eng.Recorder(),
		Activity:  act,
	}, logger, version), logger)

	go scanner.Run(ctx)

	if watchEvery > 0 && mgr.Path() != "" {
		go mgr.Watch(watchEvery, func(next *config.Config) {
			eng.UpdateConfig(next)
			scanner.UpdateConfig(next)
			if err := g.UpdateConfig(next.Webhook); err != nil {
				logger.Warn("webhook guard reload failed", "err", err)
			}
			logger.Info("config reloaded", "path", mgr.Path())
		}, func(err error) {
			logger.Warn("config reload failed", "path", mgr.Path(), "err", err)
		}, ctx.Done())
	}

	logger.Info("fibertrack started", "version", version, "config", mgr.Path(), "storage", cfg.Storage.Driver, "events", cfg.Events.Driver)
	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{webhooks, apiServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("http shutdown", "addr", srv.Addr, "err", err)
		}
	}
	return nil
}

func loadConfig(path string) (*config.Manager, error) {
	if path == "" {
		return config.NewStaticManager(config.FromEnv()), nil
	}
	return config.NewManager(config.ResolvePath(path))
}

// newLimiter is fixed for the process lifetime; rate limit edits need a restart.
func newLimiter(ctx context.Context, cfg config.RateLimitConfig, logger *slog.Logger) guard.RateLimiter {
	if cfg.Backend != "redis" {
		return guard.NewMemoryLimiter(cfg.Window, cfg.MaxRequests)
	}
	client := guard.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		// Webhooks answer 500 internal until redis comes back.
		logger.Warn("redis rate limiter unreachable at startup", "addr", cfg.RedisAddr, "err", err)
	}
	return guard.NewRedisLimiter(client, cfg.KeyPrefix, cfg.Window, cfg.MaxRequests)
}
