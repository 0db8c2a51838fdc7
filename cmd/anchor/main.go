package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"

	"github.com/portside/anchor/internal/alert"
	"github.com/portside/anchor/internal/bus"
	"github.com/portside/anchor/internal/cache"
	"github.com/portside/anchor/internal/config"
	"github.com/portside/anchor/internal/cron"
	"github.com/portside/anchor/internal/kv"
	"github.com/portside/anchor/internal/lock"
	otelPkg "github.com/portside/anchor/internal/otel"
	"github.com/portside/anchor/internal/session"
	"github.com/portside/anchor/internal/telemetry"
	"github.com/portside/anchor/internal/toolctx"
	"github.com/portside/anchor/internal/webhook"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE:
  %s daemon                   Run the coordination daemon (scheduler, alerts)

SUBCOMMANDS:
  %s status                   Show Redis, database, and coordination summary
  %s doctor [-json]           Run diagnostic checks
  %s locks [prefix]           List active distributed locks
  %s webhooks <action>        Inspect webhook delivery state
                              Actions: stats, dead-letters, show, history, requeue
  %s watch                    Live event monitor (TUI)
  %s version                  Print version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  ANCHOR_HOME             Data directory (default: ~/.anchor)
  ANCHOR_REDIS_URL        Redis connection URL (overrides config.yaml)
  ANCHOR_DB_DSN           Postgres DSN (overrides config.yaml)

EXAMPLES:
  Run the daemon:         %s daemon
  Check health:           %s doctor
  Inspect dead letters:   %s webhooks dead-letters
  Requeue an event:       %s webhooks requeue evt_123
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
	case "version":
		fmt.Printf("anchor %s\n", Version)
	case "daemon":
		os.Exit(runDaemon(ctx))
	case "status":
		os.Exit(runStatusCommand(ctx, args[1:]))
	case "doctor":
		os.Exit(runDoctorCommand(ctx, args[1:]))
	case "locks":
		os.Exit(runLocksCommand(ctx, args[1:]))
	case "webhooks":
		os.Exit(runWebhooksCommand(ctx, args[1:]))
	case "watch":
		os.Exit(runWatchCommand(ctx, args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

// runDaemon wires every service together and blocks until shutdown.
func runDaemon(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Quiet logs (file-only) when attached to a terminal would hide the only
	// output the daemon has, so stdout logging stays on either way.
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
		SampleRate:  cfg.Otel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	store, err := kv.NewRedisStore(ctx, kv.RedisConfig{
		URL:      cfg.Redis.URL,
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Logger:   logger,
	})
	if err != nil {
		fatalStartup(logger, "E_REDIS_CONNECT", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "redis_connected")

	locks, err := lock.NewService(lock.Config{
		Store:          store,
		Logger:         logger,
		Bus:            eventBus,
		Metrics:        metrics,
		Namespace:      cfg.Redis.KeyNamespace,
		TTL:            cfg.LockTTL(),
		AcquireTimeout: cfg.LockAcquireTimeout(),
		PollInterval:   cfg.LockPollInterval(),
	})
	if err != nil {
		fatalStartup(logger, "E_LOCK_INIT", err)
	}

	sessionDocs, err := cache.New[session.Document](store, cache.Config{
		Namespace: cfg.Redis.KeyNamespace,
		Kind:      "session",
		TTL:       cfg.SessionTTL(),
	})
	if err != nil {
		fatalStartup(logger, "E_CACHE_INIT", err)
	}
	sessions, err := session.NewManager(session.Config{
		Cache:              sessionDocs,
		Locks:              locks,
		Logger:             logger,
		Bus:                eventBus,
		Metrics:            metrics,
		DefaultMaxAttempts: cfg.Session.MaxAttempts,
	})
	if err != nil {
		fatalStartup(logger, "E_SESSION_INIT", err)
	}
	if ids, err := sessions.IDs(ctx); err == nil {
		logger.Info("startup phase", "phase", "sessions_scanned", "live_sessions", len(ids))
	}

	toolContexts, err := cache.New[toolctx.Context](store, cache.Config{
		Namespace: cfg.Redis.KeyNamespace,
		Kind:      "toolctx",
		TTL:       cfg.ToolCtxTTL(),
	})
	if err != nil {
		fatalStartup(logger, "E_CACHE_INIT", err)
	}
	if _, err := toolctx.NewRegistry(toolctx.Config{Cache: toolContexts, Logger: logger}); err != nil {
		fatalStartup(logger, "E_TOOLCTX_INIT", err)
	}

	dbStore, err := webhook.Open(webhook.StoreConfig{
		Driver: cfg.Database.Driver,
		DSN:    databaseDSN(cfg),
	})
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer dbStore.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "driver", cfg.Database.Driver)

	validator, err := webhook.NewValidator()
	if err != nil {
		fatalStartup(logger, "E_SCHEMA_COMPILE", err)
	}
	tracker, err := webhook.NewTracker(webhook.Config{
		Store:           dbStore,
		Validator:       validator,
		Logger:          logger,
		Bus:             eventBus,
		Metrics:         metrics,
		MaxAttempts:     cfg.Webhook.MaxAttempts,
		Backoff:         cfg.BackoffSchedule(),
		ProcessingLease: cfg.ProcessingLease(),
	})
	if err != nil {
		fatalStartup(logger, "E_TRACKER_INIT", err)
	}

	// Crashed-worker recovery before the first scheduler tick, so leases held
	// by a previous run of this process free up immediately.
	released, err := tracker.ReleaseExpired(ctx)
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "released", len(released))

	scheduler, err := cron.NewScheduler(cron.Config{
		Tracker:       tracker,
		Logger:        logger,
		Metrics:       metrics,
		Interval:      cfg.RedeliveryInterval(),
		PurgeSchedule: cfg.Webhook.PurgeSchedule,
		Retention:     cfg.WebhookRetention(),
	})
	if err != nil {
		fatalStartup(logger, "E_SCHEDULER_INIT", err)
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	dispatcher := alert.NewDispatcher(eventBus, logger, alertChannels(cfg, logger)...)
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				fresh, err := config.Load()
				if err != nil {
					logger.Error("config reload failed, keeping previous settings", "error", err)
					continue
				}
				logger.Info("config reloaded", "fingerprint", fresh.Fingerprint())
			}
		}()
	}

	logger.Info("anchor daemon ready", "version", Version)
	<-ctx.Done()
	logger.Info("shutting down")
	return 0
}

// alertChannels builds the configured alert channels. Empty means the
// dispatcher falls back to logging.
func alertChannels(cfg config.Config, logger *slog.Logger) []alert.Channel {
	var channels []alert.Channel
	if cfg.Alerts.Telegram.Enabled {
		channels = append(channels, alert.NewTelegramChannel(
			cfg.Alerts.Telegram.Token,
			cfg.Alerts.Telegram.ChatIDs,
			logger,
		))
	}
	return channels
}

func databaseDSN(cfg config.Config) string {
	if cfg.Database.Driver == "sqlite" {
		return cfg.Database.Path
	}
	return cfg.Database.DSN
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, "startup failure: %s: %s\n", reasonCode, message)
	}
	os.Exit(1)
}

// loadDotEnv loads KEY=VALUE pairs from a .env file into the environment
// without overriding variables that are already set.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

// stdoutIsTerminal gates color and table output for the inspection commands.
func stdoutIsTerminal() bool {
	return isatty.IsTerminal(os.Stdout.Fd())
}
