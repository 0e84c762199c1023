package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"ntp-time/pkg/config"
	"ntp-time/pkg/logging"
	"ntp-time/pkg/ntptime"
	"ntp-time/pkg/telemetry"

	"golang.org/x/time/rate"
)

var (
	configPath  = flag.String("config", "", "Path to configuration file (defaults are used when empty)")
	watchFlag   = flag.Bool("watch", false, "Keep resolving the time every watch interval")
	showVersion = flag.Bool("version", false, "Print version and exit")
	version     = "dev"
	buildTime   = "unknown"
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("ntp-time %s (built %s)\n", version, buildTime)
		return
	}

	// Parse configuration
	var (
		cfg     *config.Config
		watcher *config.Watcher
		err     error
	)
	switch {
	case *configPath == "":
		cfg = config.LoadWithDefaults()
	case *watchFlag:
		watcher, err = config.NewWatcher(*configPath, logging.NewDefault().Logger)
		if err == nil {
			cfg = watcher.Config()
		}
	default:
		cfg, err = config.Load(*configPath)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *watchFlag {
		cfg.Watch.Enabled = true
	}

	// Initialize logger
	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)

	logger.Debug("ntp-time starting",
		"version", version,
		"build_time", buildTime,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize telemetry
	telem, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		logger.Error("Failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telem.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error during telemetry shutdown", "error", err)
		}
	}()

	metrics, err := telem.InitMetrics()
	if err != nil {
		logger.Error("Failed to initialize metrics", "error", err)
		os.Exit(1)
	}

	client, err := buildClient(cfg, logger, metrics, telem.TracerProvider())
	if err != nil {
		logger.Error("Failed to create time client", "error", err)
		os.Exit(1)
	}

	if !cfg.Watch.Enabled {
		if err := resolveOnce(ctx, client, logger); err != nil {
			os.Exit(1)
		}
		return
	}

	var current atomic.Pointer[ntptime.Client]
	current.Store(client)

	limiter := rate.NewLimiter(rate.Every(cfg.Watch.Interval), 1)

	if watcher != nil {
		watcher.OnChange(func(newCfg *config.Config) {
			next, err := buildClient(newCfg, logger, metrics, telem.TracerProvider())
			if err != nil {
				logger.Error("Keeping previous client after config reload", "error", err)
				return
			}
			current.Store(next)
			limiter.SetLimit(rate.Every(newCfg.Watch.Interval))
			logger.Info("Time client reloaded",
				"servers", len(newCfg.Servers),
				"interval", newCfg.Watch.Interval,
			)
		})
		go func() {
			if err := watcher.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Config watcher stopped", "error", err)
			}
		}()
		defer func() { _ = watcher.Close() }()
	}

	logger.Info("Watching time", "interval", cfg.Watch.Interval, "servers", len(cfg.Servers))

	for {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		_ = resolveOnce(ctx, current.Load(), logger)
	}

	logger.Info("ntp-time stopped")
}

func resolveOnce(ctx context.Context, client *ntptime.Client, logger *logging.Logger) error {
	res, err := client.Now(ctx)
	if err != nil {
		if errors.Is(err, ntptime.ErrAllAttemptsExhausted) {
			logger.Error("No time server answered", "error", err)
		} else if !errors.Is(err, context.Canceled) {
			logger.Error("Failed to resolve time", "error", err)
		}
		return err
	}

	fmt.Println(formatResult(res, time.Now()))
	return nil
}
