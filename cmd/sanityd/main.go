package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guildops/sanity-tracker/internal/announce"
	"github.com/guildops/sanity-tracker/internal/api"
	"github.com/guildops/sanity-tracker/internal/backup"
	"github.com/guildops/sanity-tracker/internal/clock"
	"github.com/guildops/sanity-tracker/internal/config"
	"github.com/guildops/sanity-tracker/internal/decay"
	"github.com/guildops/sanity-tracker/internal/guid"
	"github.com/guildops/sanity-tracker/internal/health"
	"github.com/guildops/sanity-tracker/internal/leader"
	"github.com/guildops/sanity-tracker/internal/reconcile"
	"github.com/guildops/sanity-tracker/internal/sanity"
	"github.com/guildops/sanity-tracker/internal/store"
	"github.com/guildops/sanity-tracker/internal/telemetry"

	// Register store drivers so they are available via store.Open.
	_ "github.com/guildops/sanity-tracker/internal/store/postgres"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		slog.Error("fatal error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Load configuration.
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup telemetry.
	tp, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without OTEL export", slog.Any("error", err))
		tp = telemetry.NewNopProvider()
	}
	defer func() {
		if shutdownErr := tp.Shutdown(context.Background()); shutdownErr != nil {
			slog.Error("telemetry shutdown error", slog.Any("error", shutdownErr))
		}
	}()

	logger := tp.Logger
	clk := clock.Real{}

	// Open store using the configured driver.
	repos, err := store.Open(ctx, cfg.Database, clk)
	if err != nil {
		return fmt.Errorf("opening store (driver=%s): %w", cfg.Database.Driver, err)
	}
	defer repos.Closer.Close()

	logger.InfoContext(ctx, "connected to database", slog.String("driver", cfg.Database.Driver))

	// Optional Discord announcer.
	var announcer sanity.Announcer
	var discord *announce.Discord
	if cfg.Discord.Enabled {
		discord, err = announce.NewDiscord(cfg.Discord, logger)
		if err != nil {
			return fmt.Errorf("creating discord announcer: %w", err)
		}
		if err := discord.Start(ctx); err != nil {
			return fmt.Errorf("starting discord announcer: %w", err)
		}
		defer func() {
			if stopErr := discord.Stop(); stopErr != nil {
				logger.Error("discord shutdown error", slog.Any("error", stopErr))
			}
		}()
		announcer = discord
	}

	// Wire the ledger pipeline.
	st := repos.Store
	backups := backup.NewManager(cfg.Backup.Dir, logger, clk)
	guids := guid.NewGenerator(clk)
	engine := reconcile.NewEngine(st.Players(), st.PointHistory(), st.LootHistory(), logger, tp.TracerProvider)
	manager := sanity.NewManager(st, backups, engine, guids, announcer, logger, tp.TracerProvider, clk)

	// Setup health checks.
	healthHandler := health.NewHandler(clk,
		health.Checker{
			Name:  "database",
			Check: repos.Ping,
		},
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler.LivenessHandler())
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler())
	api.New(manager, st, backups, logger).Register(mux)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.InfoContext(ctx, "starting http server", slog.Int("port", cfg.Server.Port))
		if listenErr := httpServer.ListenAndServe(); listenErr != nil && listenErr != http.ErrServerClosed {
			logger.ErrorContext(ctx, "http server error", slog.Any("error", listenErr))
		}
	}()

	// runScheduler is the background work that only one replica should run.
	runScheduler := func(ctx context.Context) {
		if !cfg.Decay.Enabled {
			<-ctx.Done()
			return
		}
		scheduler := decay.NewScheduler(cfg.Decay, st, backups, guids, announcer, logger, tp.TracerProvider, clk)
		scheduler.Run(ctx)
	}

	healthHandler.SetReady(true)
	logger.InfoContext(ctx, "sanityd is running", slog.String("version", version))

	if cfg.LeaderElection.Enabled {
		logger.InfoContext(ctx, "leader election enabled, scheduler waits for leadership")
		go func() {
			if leaderErr := leader.Run(ctx, cfg.LeaderElection, logger, runScheduler, func() {
				logger.Info("lost leadership, shutting down...")
				cancel()
			}); leaderErr != nil {
				logger.ErrorContext(ctx, "leader election error", slog.Any("error", leaderErr))
			}
		}()
	} else {
		go runScheduler(ctx)
	}

	// Wait for shutdown signal.
	<-ctx.Done()
	logger.Info("shutting down...")
	healthHandler.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", slog.Any("error", err))
	}

	logger.Info("shutdown complete")
	return nil
}
