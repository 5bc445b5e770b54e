// Event Relay - Redis to MQTT bridge
//
// Event Relay drains JSON events from a Redis list and republishes them
// to an MQTT broker at QoS 1, preserving queue order. Payloads can be
// wrapped in an HMAC-SHA256 signed envelope so subscribers can verify
// origin and integrity.
//
// A pid lockfile enforces a single instance per lock path. The process
// exits with distinct codes so supervisors can tell outcomes apart:
//
//	0  clean shutdown (signal)
//	1  startup or runtime error
//	2  another instance already holds the lock
//	3  broker reconnect attempt budget exhausted
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/event-relay/internal/bridge"
	"github.com/nerrad567/event-relay/internal/health"
	"github.com/nerrad567/event-relay/internal/infrastructure/config"
	"github.com/nerrad567/event-relay/internal/infrastructure/database"
	"github.com/nerrad567/event-relay/internal/infrastructure/influxdb"
	"github.com/nerrad567/event-relay/internal/infrastructure/logging"
	"github.com/nerrad567/event-relay/internal/infrastructure/mqtt"
	"github.com/nerrad567/event-relay/internal/lockfile"
	"github.com/nerrad567/event-relay/internal/messagelog"
	"github.com/nerrad567/event-relay/internal/provision"
	"github.com/nerrad567/event-relay/internal/queue"
	"github.com/nerrad567/event-relay/internal/state"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Exit codes. Supervisors key restart policy off these.
const (
	exitOK             = 0
	exitError          = 1
	exitAlreadyRunning = 2
	exitReconnectSpent = 3
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// takeoverGrace is how long --takeover waits for the previous holder to
// exit after SIGTERM before giving up.
const takeoverGrace = 10 * time.Second

func main() {
	configPath := flag.String("config", getConfigPath(), "path to configuration file")
	showStatus := flag.Bool("status", false, "print the running bridge's status and exit")
	takeover := flag.Bool("takeover", false, "terminate a running instance, then start")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("eventrelay %s (commit %s, built %s)\n", version, commit, date)
		os.Exit(exitOK)
	}

	if *showStatus {
		os.Exit(runStatus(*configPath))
	}

	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath, *takeover); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		switch {
		case errors.Is(err, lockfile.ErrAlreadyRunning):
			os.Exit(exitAlreadyRunning)
		case errors.Is(err, mqtt.ErrReconnectExhausted):
			os.Exit(exitReconnectSpent)
		default:
			os.Exit(exitError)
		}
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - configPath: Configuration file to load (and reload on reconnects)
//   - takeover: Terminate a live lock holder before acquiring the lock
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, configPath string, takeover bool) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Event Relay",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)

	// Single-instance lock. With --takeover, evict the current holder
	// first and wait for it to release.
	if takeover {
		if err := lockfile.Takeover(cfg.Lock.Path, takeoverGrace); err != nil {
			return fmt.Errorf("taking over: %w", err)
		}
		log.Info("previous instance terminated", "lock", cfg.Lock.Path)
	}
	lock, err := lockfile.Acquire(cfg.Lock.Path)
	if err != nil {
		return fmt.Errorf("acquiring instance lock: %w", err)
	}
	defer func() {
		if releaseErr := lock.Release(); releaseErr != nil {
			log.Error("error releasing instance lock", "error", releaseErr)
		}
	}()
	log.Info("instance lock acquired", "path", cfg.Lock.Path, "pid", lock.PID())

	// Verify external services before committing to the main loop.
	if err := provision.NewExternal(cfg, log).Ensure(ctx); err != nil {
		return fmt.Errorf("provisioning: %w", err)
	}

	// Delivery log (optional).
	var logRepo messagelog.Repository
	if cfg.MessageLog.Enabled {
		db, err := database.Open(cfg.MessageLog.Database)
		if err != nil {
			return fmt.Errorf("opening delivery log database: %w", err)
		}
		defer func() {
			log.Info("closing delivery log database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()

		repo := messagelog.NewSQLiteRepository(db.DB)
		if err := repo.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("preparing delivery log schema: %w", err)
		}
		if pruned, err := repo.Prune(ctx, cfg.MessageLog.RetentionDays); err != nil {
			log.Warn("pruning delivery log failed", "error", err)
		} else if pruned > 0 {
			log.Info("pruned delivery log", "deleted", pruned, "retention_days", cfg.MessageLog.RetentionDays)
		}
		logRepo = repo
		log.Info("delivery log enabled", "path", db.Path())
	}

	// Health metrics (optional, best effort). A down InfluxDB is logged
	// and skipped; it never blocks delivery.
	var metrics health.MetricsWriter
	if cfg.InfluxDB.Enabled {
		influxClient, err := influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			log.Warn("InfluxDB unavailable, health metrics disabled", "error", err)
		} else {
			defer func() {
				log.Info("closing InfluxDB connection")
				if closeErr := influxClient.Close(); closeErr != nil {
					log.Error("error closing InfluxDB", "error", closeErr)
				}
			}()
			influxClient.SetOnError(func(err error) {
				log.Error("InfluxDB write error", "error", err)
			})
			metrics = influxClient
			log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
		}
	}

	st := state.New()
	log.Info("session identifier derived", "session_id", st.SessionID())

	consumer, err := queue.Connect(ctx, cfg.Queue)
	if err != nil {
		return fmt.Errorf("connecting to queue: %w", err)
	}
	defer func() {
		log.Info("closing queue consumer")
		if closeErr := consumer.Close(); closeErr != nil {
			log.Error("error closing queue consumer", "error", closeErr)
		}
	}()
	st.SetQueueConnected(true, nil)
	log.Info("queue connected",
		"redis", fmt.Sprintf("%s:%d", cfg.Queue.Host, cfg.Queue.Port),
		"db", cfg.Queue.DB,
		"key", cfg.Queue.Key,
	)

	manager := mqtt.NewManager(config.FileLoader{Path: configPath}, st, log)
	coordinator := bridge.New(consumer, manager, st, logRepo, log)
	coordinator.ApplyConfig(cfg)
	manager.SetOnConnect(coordinator.ApplyConfig)

	// The manager lives on its own context so the broker session stays
	// up while the bridge flushes an in-flight entry during shutdown.
	mgrCtx, mgrCancel := context.WithCancel(context.Background())
	defer mgrCancel()

	mgrDone := make(chan error, 1)
	go func() { mgrDone <- manager.Run(mgrCtx) }()

	monitor := health.New(st, consumer, metrics, log, cfg.HealthInterval(), cfg.Health.StatusFile)
	monCtx, monCancel := context.WithCancel(context.Background())
	defer monCancel()
	monDone := make(chan struct{})
	go func() {
		monitor.Run(monCtx)
		close(monDone)
	}()

	bridgeDone := make(chan error, 1)
	go func() { bridgeDone <- coordinator.Run(ctx) }()

	log.Info("initialisation complete, relaying events")

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, draining")
		if err := <-bridgeDone; err != nil {
			log.Error("bridge stopped with error", "error", err)
		}
		monCancel()
		<-monDone
		mgrCancel()
		if err := <-mgrDone; err != nil {
			log.Error("connection manager stopped with error", "error", err)
		}
		log.Info("Event Relay stopped")
		return nil

	case err := <-mgrDone:
		// The manager only returns on its own when reconnection is
		// fatal; take the whole process down with it.
		monCancel()
		<-monDone
		return fmt.Errorf("connection manager: %w", err)

	case err := <-bridgeDone:
		monCancel()
		<-monDone
		mgrCancel()
		<-mgrDone
		if err != nil {
			return fmt.Errorf("bridge: %w", err)
		}
		return errors.New("bridge stopped unexpectedly")
	}
}

// runStatus prints the state of a running bridge: lock holder liveness
// plus the latest status document, as JSON on stdout. Exits 0 when a
// bridge is running, 1 otherwise, so scripts can test without parsing.
func runStatus(configPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: loading config: %v\n", err)
		return exitError
	}

	record, alive, err := lockfile.Status(cfg.Lock.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: reading lock: %v\n", err)
		return exitError
	}

	out := map[string]any{
		"running": alive,
	}
	if record != nil {
		out["pid"] = record.PID
		out["acquired_at"] = record.AcquiredAt
	}
	if alive && cfg.Health.StatusFile != "" {
		if doc, err := health.ReadStatusFile(cfg.Health.StatusFile); err == nil {
			out["health"] = doc
		}
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}
	fmt.Println(string(data))
	if !alive {
		return exitError
	}
	return exitOK
}

// getConfigPath returns the configuration file path.
// Uses EVENTRELAY_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("EVENTRELAY_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
