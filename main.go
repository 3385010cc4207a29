package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pg-mcp-server/internal/cache"
	"pg-mcp-server/internal/catalog"
	"pg-mcp-server/internal/config"
	"pg-mcp-server/internal/logger"
	"pg-mcp-server/internal/metrics"
	"pg-mcp-server/internal/notify"
	"pg-mcp-server/internal/pgsql"
	"pg-mcp-server/internal/resources"
	"pg-mcp-server/internal/sandbox"
	"pg-mcp-server/internal/session"
	"pg-mcp-server/internal/transport"
)

const (
	serverName      = "pg-mcp-server"
	serverVersion   = "v1.0.0"
	shutdownTimeout = 10 * time.Second
)

func main() {
	Execute()
}

// run serves until ctx is done. Any error before the listener is up is fatal.
func run(ctx context.Context, opts config.Options) error {
	log := logger.New()
	ctx = logger.WithContext(ctx, log)

	cfg, err := config.Load(opts)
	if err != nil {
		return err
	}

	m := metrics.New()

	// Initialize database connection
	db, err := pgsql.Open(ctx, pgsql.Options{
		URL:             cfg.PostgresURL,
		MaxOpenConns:    cfg.MaxOpenConns,
		ConnMaxIdleTime: cfg.IdleTimeout(),
		ConnectTimeout:  cfg.DialTimeout(),
	}, log)
	if err != nil {
		return fmt.Errorf("database initialization failed for %s: %w", cfg.Redacted(), err)
	}
	defer db.Close()

	cat := catalog.New(db, log, m.LookupDuration)
	registry := resources.New(
		resources.Identity{User: cfg.Identity.User, Database: cfg.Identity.Database},
		cat,
		log,
		cache.WithCounters(m.CacheRequests, m.CacheInvalidations),
	)

	if _, err := registry.Prime(ctx); err != nil {
		return err
	}

	listener := notify.New(cfg.PostgresURL, cfg.NotifyChannel, log, m.Notifications)
	registry.EnsureSubscription(listener)
	go func() {
		if err := listener.Run(ctx); err != nil {
			log.Error("notification listener stopped", "error", logger.Mask(err.Error()))
		}
	}()

	sb := sandbox.New(db, log, sandbox.WithMetrics(m.QueryResults, m.QueryDuration))
	dispatcher := session.NewDispatcher(serverName, serverVersion, registry, sb, log)
	sessions := session.NewManager(ctx, dispatcher, log,
		session.WithChanges(registry, listener),
		session.WithMetrics(m.SessionsActive, m.SessionEvents),
	)

	srv := transport.New(transport.Options{
		Addr:     cfg.Addr(),
		Path:     cfg.Path,
		Sessions: sessions,
		Health:   db,
		Metrics:  m,
		Logger:   log,
	})

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Start(ctx)
	}()
	banner(log, cfg)

	select {
	case err := <-errc:
		sessions.CloseAll()
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	// Open event streams keep Shutdown waiting until their sessions are gone.
	sessions.CloseAll()
	if err := srv.Stop(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("error shutting down server: %w", err)
	}
	return nil
}

func banner(log *slog.Logger, cfg *config.Config) {
	base := fmt.Sprintf("http://localhost:%d", cfg.Port)
	log.Log(context.Background(), logger.LevelNotice, "server ready",
		"name", serverName,
		"version", serverVersion,
		"mcp", base+cfg.Path,
		"health", base+"/healthz",
		"metrics", base+"/metrics",
		"database", cfg.Redacted(),
		"notify_channel", cfg.NotifyChannel,
	)
}
