package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/driftline/driftline/internal/app"
	"github.com/driftline/driftline/internal/app/maintenance"
	"github.com/driftline/driftline/internal/connectivity"
	"github.com/driftline/driftline/internal/engine"
	"github.com/driftline/driftline/internal/queue"
	"github.com/driftline/driftline/internal/store"
	"github.com/driftline/driftline/internal/strategy"
	"github.com/driftline/driftline/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("driftline", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var configPath string
	fs.StringVar(&configPath, "config", "", "Path to configuration directory")

	if err := fs.Parse(args); err != nil {
		return err
	}

	var paths []string
	if configPath != "" {
		paths = append(paths, configPath)
	}
	cfg, err := app.LoadConfig(paths...)
	if err != nil {
		return err
	}

	if err := app.ConfigureLogging(cfg.LogLevel); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	log := logger.WithComponent("main")

	rules, fallback, err := cfg.Strategy.CompileRules()
	if err != nil {
		return err
	}

	eng, err := engine.New(engine.Config{
		Stores:         store.NewManager(cfg.Database.StoreConfig()),
		Tables:         cfg.Cache.TableConfigs(),
		Rules:          rules,
		DefaultRule:    fallback,
		NetworkTimeout: cfg.Strategy.NetworkTimeout,
		Fetcher:        strategy.NewHTTPFetcher(nil),
		Executor:       queue.NewHTTPExecutor(nil),
		MaxRetries:     cfg.Queue.MaxRetries,
		DrainWorkers:   cfg.Queue.Workers,
		BackoffBase:    cfg.Queue.BackoffBase,
		BackoffMax:     cfg.Queue.BackoffMax,
		Precache:       cfg.Cache.Precache,
	})
	if err != nil {
		return err
	}

	if err := eng.OnInstall(ctx); err != nil {
		return fmt.Errorf("install: %w", err)
	}
	if err := eng.OnActivate(ctx); err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	log.Info("engine ready")

	if cfg.Maintenance.Enabled {
		cacheMgr, err := eng.Caches(ctx)
		if err != nil {
			return err
		}
		queueSvc, err := eng.Queue(ctx)
		if err != nil {
			return err
		}
		sweeper := maintenance.NewSweeper(cacheMgr, queueSvc,
			maintenance.WithSweepSchedule(cfg.Maintenance.SweepSchedule))
		if err := sweeper.Start(); err != nil {
			return fmt.Errorf("start sweeper: %w", err)
		}
		defer sweeper.Stop()
	}

	if cfg.Connectivity.ProbeURL != "" {
		monitor, err := connectivity.NewMonitor(cfg.Connectivity.ProbeURL, cfg.Connectivity.ProbeInterval, eng)
		if err != nil {
			return err
		}
		go monitor.Run(ctx)
		log.Info("connectivity probe running", zap.String("url", cfg.Connectivity.ProbeURL))
	} else {
		// Without a probe the daemon assumes it is online; embedded hosts
		// call SetOnline from their own signal source.
		eng.SetOnline(true)
	}

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return eng.Shutdown(shutdownCtx)
}
