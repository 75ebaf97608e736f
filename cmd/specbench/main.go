package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/specbench/internal/bus"
	"git.home.luguber.info/inful/specbench/internal/config"
	"git.home.luguber.info/inful/specbench/internal/engine"
	"git.home.luguber.info/inful/specbench/internal/fabric"
	"git.home.luguber.info/inful/specbench/internal/gitinfo"
	"git.home.luguber.info/inful/specbench/internal/journal"
	"git.home.luguber.info/inful/specbench/internal/metrics"
	"git.home.luguber.info/inful/specbench/internal/orchestrator"
	"git.home.luguber.info/inful/specbench/internal/ratelimit"
	"git.home.luguber.info/inful/specbench/internal/server"
	"git.home.luguber.info/inful/specbench/internal/store"
	"git.home.luguber.info/inful/specbench/internal/ticket"
	"git.home.luguber.info/inful/specbench/internal/workspace"
)

var version = "dev"

var CLI struct {
	Config  string `short:"c" help:"Configuration file path" default:"config.yaml"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`

	Serve struct{} `cmd:"" help:"Start the specification workbench server"`

	Init struct {
		Force bool `help:"Overwrite existing configuration file"`
	} `cmd:"" help:"Initialize a new configuration file"`

	Version struct{} `cmd:"" help:"Print the version and exit"`
}

func main() {
	ctx := kong.Parse(&CLI)

	logLevel := slog.LevelInfo
	if CLI.Verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	switch ctx.Command() {
	case "serve":
		cfg, err := config.Load(CLI.Config)
		if err != nil {
			slog.Error("Failed to load configuration", "error", err)
			os.Exit(1)
		}
		if err := runServe(cfg); err != nil {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	case "init":
		if err := config.Init(CLI.Config, CLI.Init.Force); err != nil {
			slog.Error("Init failed", "error", err)
			os.Exit(1)
		}
		slog.Info("Configuration file created", "path", CLI.Config)
	case "version":
		fmt.Println("specbench " + version)
	}
}

func runServe(cfg *config.Config) error {
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var rec metrics.Recorder = metrics.NoopRecorder{}
	var registry *prometheus.Registry
	if cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		rec = metrics.NewPrometheusRecorder(registry)
	}

	st, err := store.NewSQLite(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	ws, err := workspace.NewManager(cfg.Workspace.Workdir, cfg.Workspace.FragmentGlobs)
	if err != nil {
		return fmt.Errorf("init workspace: %w", err)
	}

	eng := engine.New(ws, cfg.Tools, cfg.Engine.MaxConcurrency, rec)
	jrn := journal.New(st, rec)

	tickets, err := ticket.NewAuthority(cfg.Tickets.ServerKey, cfg.Tickets.TTL(), rec)
	if err != nil {
		return err
	}

	publisher := bus.NewPublisher(bus.Options{
		URL:           cfg.Bus.URL,
		Prefix:        cfg.Bus.Prefix,
		ReconnectBase: cfg.Bus.ReconnectBase(),
		ReconnectMax:  cfg.Bus.ReconnectMax(),
		MaxAttempts:   cfg.Bus.MaxAttempts,
	}, rec)
	defer publisher.Close()

	hub := fabric.NewHub(cfg.Fabric, publisher, rec)
	hub.Start()
	defer hub.Stop()

	orch := orchestrator.New(st, eng, jrn, tickets, hub, ws, cfg.Tickets.Enforce, rec)
	limiter := ratelimit.New(cfg.RateLimit.Capacity, cfg.RateLimit.RefillPerSec, cfg.RateLimit.Window())
	repo := gitinfo.NewResolver(cfg.Workspace.RepoPath)

	srv := server.New(cfg, server.Options{
		Store:        st,
		Orchestrator: orch,
		Journal:      jrn,
		Engine:       eng,
		Tickets:      tickets,
		Hub:          hub,
		GitInfo:      repo,
		Limiter:      limiter,
		Registry:     registry,
	})
	if err := srv.Start(rootCtx); err != nil {
		return err
	}

	scheduler, err := startMaintenance(rootCtx, st, ws, tickets, limiter)
	if err != nil {
		return fmt.Errorf("start maintenance scheduler: %w", err)
	}
	defer func() { _ = scheduler.Shutdown() }()

	// Hot reload covers the mutable knobs; anything else logs a restart hint.
	watcher, err := config.NewWatcher(CLI.Config, func(_ context.Context, next *config.Config) error {
		if next.Server.Addr != cfg.Server.Addr || next.Server.WSPath != cfg.Server.WSPath {
			slog.Warn("Server address changed in configuration; restart required to apply")
		}
		if next.Database.Path != cfg.Database.Path {
			slog.Warn("Database path changed in configuration; restart required to apply")
		}

		if next.Tools != cfg.Tools {
			eng.UpdateTools(next.Tools)
			slog.Info("Applied tool configuration", "tool_timeout", next.Tools.ToolTimeout(),
				"analysis_timeout", next.Tools.AnalysisTimeout())
		}
		if next.RateLimit != cfg.RateLimit {
			limiter.Update(next.RateLimit.Capacity, next.RateLimit.RefillPerSec, next.RateLimit.Window())
			slog.Info("Applied rate limits", "capacity", next.RateLimit.Capacity,
				"refill_per_sec", next.RateLimit.RefillPerSec)
		}
		if next.Fabric.HeartbeatIntervalMs != cfg.Fabric.HeartbeatIntervalMs {
			hub.SetHeartbeatInterval(next.Fabric.HeartbeatInterval())
			slog.Info("Applied heartbeat interval", "interval", next.Fabric.HeartbeatInterval())
		}

		cfg = next
		return nil
	})
	if err != nil {
		slog.Warn("Config watcher unavailable", "error", err)
	} else {
		if err := watcher.Start(rootCtx); err != nil {
			slog.Warn("Config watcher failed to start", "error", err)
		} else {
			defer func() { _ = watcher.Stop() }()
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("Shutting down", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	return srv.Stop(shutdownCtx)
}

// startMaintenance schedules the periodic sweeps: expired tickets, idle
// rate-limit buckets, and workspaces whose project no longer exists.
func startMaintenance(ctx context.Context, st store.Store, ws *workspace.Manager, tickets *ticket.Authority, limiter *ratelimit.Limiter) (gocron.Scheduler, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(time.Minute),
		gocron.NewTask(func() { tickets.Sweep() }),
	)
	if err != nil {
		return nil, err
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(5*time.Minute),
		gocron.NewTask(func() { limiter.Sweep() }),
	)
	if err != nil {
		return nil, err
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(time.Hour),
		gocron.NewTask(func() {
			ids, err := st.ListProjectIDs(ctx)
			if err != nil {
				slog.Warn("Workspace GC skipped; project listing failed", "error", err)
				return
			}
			keep := make(map[string]struct{}, len(ids))
			for _, id := range ids {
				keep[id] = struct{}{}
			}
			ws.GC(keep)
		}),
	)
	if err != nil {
		return nil, err
	}

	scheduler.Start()
	return scheduler, nil
}
