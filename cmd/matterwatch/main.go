package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lawdesk/matterwatch/internal/cache"
	"github.com/lawdesk/matterwatch/internal/config"
	"github.com/lawdesk/matterwatch/internal/docketwise"
	"github.com/lawdesk/matterwatch/internal/httpapi"
	"github.com/lawdesk/matterwatch/internal/logging"
	"github.com/lawdesk/matterwatch/internal/mailer"
	"github.com/lawdesk/matterwatch/internal/metrics"
	"github.com/lawdesk/matterwatch/internal/notify"
	"github.com/lawdesk/matterwatch/internal/pubsub"
	"github.com/lawdesk/matterwatch/internal/reconcile"
	"github.com/lawdesk/matterwatch/internal/store"
)

func main() {
	configPath := flag.String("config", os.Getenv("MATTERWATCH_CONFIG"), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, logLevel, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("init logging: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, *configPath, logger, logLevel); err != nil {
		logger.Fatal("matterwatch exited", zap.Error(err))
	}
}

func run(cfg *config.Config, configPath string, logger *zap.Logger, logLevel zap.AtomicLevel) error {
	st, err := store.Open(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	aside := buildCache(cfg, logger, m)
	defer aside.Close()

	upstream, err := docketwise.NewClient(docketwise.ClientOptions{
		BaseURL:    cfg.Upstream.BaseURL,
		PageSize:   cfg.Upstream.PageSize,
		MaxRetries: cfg.Upstream.MaxRetries,
		BaseDelay:  cfg.Upstream.BaseDelay,
		MaxDelay:   cfg.Upstream.MaxDelay,
	})
	if err != nil {
		return fmt.Errorf("init upstream client: %w", err)
	}

	mail := mailer.NewClient(mailer.ClientOptions{
		BaseURL:    cfg.Mailer.BaseURL,
		Token:      cfg.Mailer.Token,
		From:       cfg.Mailer.FromAddress,
		MaxRetries: cfg.Mailer.MaxRetries,
		BaseDelay:  cfg.Mailer.BaseDelay,
		MaxDelay:   cfg.Mailer.MaxDelay,
	})

	pub := pubsub.NewRegistry(cfg.Notify.StreamBuffer, logger, m)

	orch := reconcile.NewOrchestrator(st, upstream, aside.aside, logger, m, reconcile.Options{
		MaxPages:     cfg.Upstream.MaxPages,
		ClampPolling: cfg.ClampPollingMinutes,
	})
	svc := notify.NewService(st, mail, pub, logger, m, notify.Options{
		Thresholds:    cfg.Notify.Thresholds,
		MailAttempts:  cfg.Mailer.MaxRetries,
		MailBaseDelay: cfg.Mailer.BaseDelay,
	})

	api := httpapi.NewServer(httpapi.ServerOptions{
		Notifications:  st,
		Matters:        st,
		Syncer:         orch,
		Notifier:       svc,
		Subscriber:     pub,
		Cache:          aside.aside,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Logger:         logger,
		Config: httpapi.ServerConfig{
			CronSecret:      cfg.Server.CronSecret,
			JWTSecret:       cfg.Server.JWTSecret,
			StreamKeepalive: cfg.Notify.KeepaliveEvery,
			ListCacheTTL:    cfg.Notify.ListCacheTTL,
		},
	})

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, logger, func(next *config.Config) {
			if parsed, parseErr := zapcore.ParseLevel(next.Logging.Level); parseErr == nil {
				logLevel.SetLevel(parsed)
			}
		})
		if err != nil {
			logger.Warn("config watcher disabled", zap.Error(err))
		} else {
			defer func() { _ = watcher.Close() }()
		}
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:        addr,
		Handler:     api,
		ReadTimeout: cfg.Server.ReadTimeout,
		// no WriteTimeout: the SSE and websocket feeds are long-lived
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("matterwatch listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

type cacheHandle struct {
	aside   *cache.Aside
	backend cache.Backend
}

func (h cacheHandle) Close() {
	if h.backend != nil {
		_ = h.backend.Close()
	}
}

// buildCache prefers Redis and falls back to the in-process cache when
// Redis is disabled or unreachable. The service runs fine either way.
func buildCache(cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) cacheHandle {
	if cfg.Redis.Enabled {
		backend := cache.NewRedisBackend(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := backend.Ping(pingCtx)
		cancel()
		if err == nil {
			logger.Info("cache backend ready",
				zap.String("backend", "redis"),
				zap.String("host", cfg.Redis.Host))
			return cacheHandle{aside: cache.NewAside(backend, logger, m), backend: backend}
		}
		logger.Warn("redis unreachable, using in-process cache", zap.Error(err))
		_ = backend.Close()
	}
	backend := cache.NewMemoryBackend()
	return cacheHandle{aside: cache.NewAside(backend, logger, m), backend: backend}
}
