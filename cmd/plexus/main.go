package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/plexus-labs/plexus"
	"github.com/plexus-labs/plexus/internal/cooldown"
	"github.com/plexus-labs/plexus/internal/dispatch"
	"github.com/plexus-labs/plexus/internal/events"
	"github.com/plexus-labs/plexus/internal/logging"
	"github.com/plexus-labs/plexus/internal/metrics"
	"github.com/plexus-labs/plexus/internal/ratelimit"
	"github.com/plexus-labs/plexus/internal/router"
	"github.com/plexus-labs/plexus/internal/usage"
	"github.com/plexus-labs/plexus/internal/version"
	"github.com/plexus-labs/plexus/transformers"
)

func main() {
	log := logging.Logger

	cfgPath := os.Getenv("PLEXUS_CONFIG")
	if cfgPath == "" {
		cfgPath = "plexus.yaml"
	}
	cfg, err := plexus.LoadConfig(cfgPath)
	if err != nil {
		log.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	if err := plexus.ValidateConfig(cfg); err != nil {
		log.Error("invalid config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	log.Info("config loaded", "path", cfgPath, "providers", len(cfg.Providers), "aliases", len(cfg.Models))

	snap := plexus.NewSnapshot(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := snap.Watch(ctx, cfgPath, log); err != nil && ctx.Err() == nil {
			log.Warn("config watch stopped", "error", err)
		}
	}()

	cdStore, usageStore := openStores(cfg.Usage, log)
	if c, ok := cdStore.(interface{ Close() error }); ok {
		defer func() { _ = c.Close() }()
	}
	defer func() { _ = usageStore.Close() }()

	window := time.Duration(cfg.Metrics.WindowMinutes) * time.Minute
	collector := metrics.NewCollector(window)
	bus := events.NewBus(64, log)
	defer bus.Close()

	cooldowns := cooldown.NewManager(cdStore, snap, log)
	rt := router.New(snap, cooldowns, collector, nil, log)
	registry := transformers.NewRegistry()

	// No client-level timeout: streams stay open as long as the provider
	// keeps sending. Unary attempts get their deadline from failover config.
	httpClient := &http.Client{}
	dispatcher := dispatch.New(snap, rt, cooldowns, registry, ratelimit.NewRegistry(), httpClient, log)

	usageLog := usage.NewLogger(usageStore, collector, bus, log)

	srv := newServer(snap, dispatcher, registry, cooldowns, usageLog, usageStore, collector, bus, log)

	addr := ":8080"
	if p := os.Getenv("PORT"); p != "" {
		addr = ":" + p
	}
	httpSrv := &http.Server{
		Addr:        addr,
		Handler:     srv.routes(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown error", "error", err)
		}
	}()

	log.Info("plexus listening", "version", version.Short(), "addr", addr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		stop()
		log.Error("server error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

// openStores builds the cooldown and usage stores for the configured driver.
// Store failures degrade to in-memory operation rather than aborting startup.
func openStores(sc plexus.StoreConfig, log *slog.Logger) (cooldown.Store, usage.Store) {
	switch sc.Driver {
	case "none":
		return cooldown.NoopStore{}, usage.NoopStore{}
	case "postgres":
		cd, err := cooldown.NewPostgresStore(sc.DSN)
		if err != nil {
			log.Warn("postgres cooldown store unavailable, cooldowns are in-memory only", "error", err)
			return cooldown.NoopStore{}, usage.NoopStore{}
		}
		us, err := usage.NewPostgresStore(sc.DSN)
		if err != nil {
			log.Warn("postgres usage store unavailable, usage logging disabled", "error", err)
			return cd, usage.NoopStore{}
		}
		return cd, us
	default:
		dsn := sc.DSN
		if dsn == "" {
			dsn = "plexus.db"
		}
		cd, err := cooldown.NewSQLiteStore(dsn)
		if err != nil {
			log.Warn("sqlite cooldown store unavailable, cooldowns are in-memory only", "dsn", dsn, "error", err)
			return cooldown.NoopStore{}, usage.NoopStore{}
		}
		us, err := usage.NewSQLiteStore(dsn)
		if err != nil {
			log.Warn("sqlite usage store unavailable, usage logging disabled", "dsn", dsn, "error", err)
			return cd, usage.NoopStore{}
		}
		log.Info("sqlite store opened", "dsn", dsn)
		return cd, us
	}
}
