package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/acefleet/fleetd/lib/app"
	"github.com/acefleet/fleetd/lib/config"
	"github.com/acefleet/fleetd/lib/frontdoor"
	"github.com/acefleet/fleetd/lib/upstream"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator's HTTP server",
	Long: `Start the fleetd HTTP front door: engine selection and session
bootstrap, both proxy modes, fleet introspection, Prometheus metrics, and
the lifecycle event endpoints.

Configuration loads in increasing precedence: built-in defaults, the
--config YAML file, FLEETD_* environment variables, then any flags after
"--" (e.g. "fleetd serve -- --max-replicas 20").`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	live, err := config.NewLive(configFile, cmd.Flags().Args())
	if err != nil {
		return err
	}
	defer live.Close()
	if err := live.Watch(); err != nil {
		slog.Warn("fleetd: config watch unavailable, continuing without hot reload", "error", err)
	}
	cfg := live.Get()

	configureLogging(cfg)
	slog.Info("fleetd: configuration loaded", "addr", cfg.Addr, "min_replicas", cfg.MinReplicas, "max_replicas", cfg.MaxReplicas)

	a, err := app.New(cfg, cfg.Scheme, cfg.Addr)
	if err != nil {
		return err
	}
	live.OnReload(func(c *config.Config) {
		a.Collector.SetInactivityConfig(c.CollectorConfig().Inactivity)
	})
	defer func() {
		if cerr := a.Close(); cerr != nil {
			slog.Error("fleetd: shutdown cleanup failed", "error", cerr)
		}
	}()

	// This client is only used through FetchManifest/FetchSegment/OpenPlayback,
	// which take a full URL per call; Host/Port here are never consulted.
	client := upstream.New(cfg.Scheme, cfg.Host, cfg.Port)
	a.SetUpstream(upstream.NewHLSClient(client), upstream.NewByteStreamClient(client))

	srv := frontdoor.New(a)
	httpSrv := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go a.Start(ctx)

	go func() {
		slog.Info("fleetd: listening", "addr", cfg.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("fleetd: server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("fleetd: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// configureLogging installs the process-wide slog handler and level per
// cfg.LogLevel/LogFormat, choosing between a text and a JSON handler.
func configureLogging(cfg *config.Config) {
	level := lookupLogLevel(cfg.LogLevel)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func lookupLogLevel(level string) slog.Level {
	switch level {
	case "debug", "DEBUG":
		return slog.LevelDebug
	case "info", "INFO":
		return slog.LevelInfo
	case "warn", "WARN":
		return slog.LevelWarn
	case "error", "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
