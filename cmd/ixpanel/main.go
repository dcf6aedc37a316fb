package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ixpanel/ixpanel/internal/api"
	"github.com/ixpanel/ixpanel/internal/config"
	"github.com/ixpanel/ixpanel/internal/health"
	"github.com/ixpanel/ixpanel/internal/ixapi"
	"github.com/ixpanel/ixpanel/internal/metrics"
	"github.com/ixpanel/ixpanel/internal/perm"
	"github.com/ixpanel/ixpanel/internal/session"
	"github.com/ixpanel/ixpanel/internal/telemetry"
	"github.com/ixpanel/ixpanel/internal/tool"
)

const shutdownTimeout = 30 * time.Second

var version = "0.0.0-dev"

func main() {
	configPath := flag.String("config", "configs/ixpanel.yaml", "path to configuration file")
	location := flag.String("location", "", "initial panel location, e.g. /acme/?ix=7&edit-routeserver=42")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	level := new(slog.LevelVar)
	lvl, _ := cfg.Log.SlogLevel()
	level.Set(lvl)
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("ixpanel starting", "version", version)
	slog.Info("configuration loaded", "path", *configPath, "upstream", cfg.Upstream.Redacted().BaseURL, "org", cfg.Upstream.Org)

	ctx := context.Background()
	shutdownTracing, err := telemetry.Init(ctx, cfg.Tracing, version, func(err error) {
		slog.Warn("tracing error", "err", err)
	})
	if err != nil {
		slog.Error("failed to initialize tracing", "err", err)
		os.Exit(1)
	}

	// Initialize components
	m := metrics.New()
	client := ixapi.New(cfg.Upstream.BaseURL, cfg.Upstream.Org, cfg.Upstream.APIKey, cfg.Upstream.Timeout)

	store := perm.NewStore()
	loadGrants := grantsLoader(cfg.Grants, store, client)
	if err := loadGrants(ctx); err != nil {
		slog.Error("failed to load grants", "source", cfg.Grants.Source, "err", err)
		os.Exit(1)
	}

	sess := session.New(cfg.Upstream.Org, client, session.NewLocation(initialLocation(*location, cfg.Upstream)))
	app := tool.NewApp(tool.Deps{
		Session: sess,
		Gate:    perm.NewGate(store),
		Client:  client,
		Metrics: m,
		Polling: cfg.Polling,
		Org:     cfg.Upstream.Org,
		OrgID:   cfg.Upstream.OrgID,
	}, tool.WithGrantsReload(loadGrants))

	if err := app.Start(ctx); err != nil {
		// the panel still serves the degenerate state; /exchanges/refresh retries
		slog.Error("initial exchange load failed", "err", err)
	}

	// Start upstream health checker
	hc := health.NewChecker(health.PingFunc(func(ctx context.Context) error {
		_, err := client.ListExchanges(ctx)
		return err
	}), m, cfg.Health)
	hc.Start()

	// Start panel API
	apiServer := api.NewServer(app, sess, m, cfg.Listen)
	apiServer.SetHealthChecker(hc)
	apiServer.SetTracing(cfg.Tracing.Enabled())
	if err := apiServer.Start(cfg.Listen.APIPort); err != nil {
		slog.Error("failed to start API server", "err", err)
		os.Exit(1)
	}

	// Hot reload of the grants file
	var grantsWatcher *config.Watcher
	if cfg.Grants.Source == "file" {
		grantsWatcher, err = config.WatchFile(cfg.Grants.File, func() {
			slog.Info("reloading grants", "path", cfg.Grants.File)
			if err := app.ReloadGrants(context.Background()); err != nil {
				slog.Error("grants reload failed", "err", err)
			}
		})
		if err != nil {
			slog.Warn("grants hot-reload not available", "err", err)
		}
	}

	// Set up config hot-reload
	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		if l, err := newCfg.Log.SlogLevel(); err == nil {
			level.Set(l)
		}
		app.SetPolling(newCfg.Polling)
		if newCfg.Upstream != cfg.Upstream || newCfg.Grants != cfg.Grants {
			slog.Warn("upstream and grants source changes require a restart")
		}
	})
	if err != nil {
		slog.Warn("config hot-reload not available", "err", err)
	}

	slog.Info("ixpanel ready", "api_port", cfg.Listen.APIPort, "exchanges", len(sess.Exchanges()), "selected", sess.Current())

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down...", "signal", sig)

	// Graceful shutdown with timeout
	done := make(chan struct{})
	go func() {
		if configWatcher != nil {
			configWatcher.Stop()
		}
		if grantsWatcher != nil {
			grantsWatcher.Stop()
		}
		apiServer.Stop()
		hc.Stop()
		app.Close()
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			slog.Warn("tracing shutdown failed", "err", err)
		}
		close(done)
	}()

	select {
	case <-done:
		slog.Info("ixpanel stopped")
	case <-time.After(shutdownTimeout):
		slog.Error("shutdown timed out, forcing exit", "timeout", shutdownTimeout)
		os.Exit(1)
	}
}

// grantsLoader returns the function that (re)loads the principal's grants
// from the configured source into store.
func grantsLoader(gc config.GrantsConfig, store *perm.Store, f perm.Fetcher) func(context.Context) error {
	if gc.Source == "file" {
		return func(context.Context) error {
			gs, err := perm.LoadFile(gc.File)
			if err != nil {
				return err
			}
			store.Replace(gs)
			return nil
		}
	}
	return func(ctx context.Context) error {
		return store.LoadRemote(ctx, f)
	}
}

func initialLocation(flagValue string, up config.UpstreamConfig) string {
	if flagValue != "" {
		return flagValue
	}
	if up.Preselect > 0 {
		return fmt.Sprintf("/%s/?%s=%d", up.Org, session.ParamExchange, up.Preselect)
	}
	return "/" + up.Org + "/"
}
