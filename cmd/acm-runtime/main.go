// acm-runtime is the control-plane process of acm-core: it commissions
// composition definitions, supervises instance lifecycles across the
// participant fleet and reconciles stuck transitions.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	_ "github.com/stratoline/acm-core/migrations"

	"github.com/stratoline/acm-core/internal/infrastructure/config"
	"github.com/stratoline/acm-core/internal/infrastructure/database"
	"github.com/stratoline/acm-core/internal/infrastructure/influxdb"
	"github.com/stratoline/acm-core/internal/infrastructure/logging"
	"github.com/stratoline/acm-core/internal/infrastructure/mqtt"
	"github.com/stratoline/acm-core/internal/runtime"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for
// testability. Returning an error allows main to handle exit codes
// consistently.
func run(ctx context.Context) error {
	log := logging.Default("acm-runtime")
	log.Info("starting acm-runtime",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, "acm-runtime", version)

	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Telemetry is optional; the runtime is fully functional without it.
	var telemetry runtime.Telemetry
	if cfg.InfluxDB.Enabled {
		influx, influxErr := influxdb.Connect(cfg.InfluxDB)
		if influxErr != nil {
			log.Warn("telemetry unavailable, continuing without it", "error", influxErr)
		} else {
			defer influx.Close() //nolint:errcheck
			telemetry = influx
			log.Info("telemetry connected", "url", cfg.InfluxDB.URL)
		}
	}

	bus, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to message bus: %w", err)
	}
	defer func() {
		if closeErr := bus.Close(); closeErr != nil {
			log.Error("error closing bus connection", "error", closeErr)
		}
	}()
	bus.SetLogger(log)
	log.Info("message bus connected",
		"host", cfg.MQTT.Broker.Host, "port", cfg.MQTT.Broker.Port)

	store := runtime.NewStore(db)
	publisher := runtime.NewPublisher(bus, log)
	supervisor := runtime.NewSupervisor(store, publisher,
		cfg.Runtime.Supervision.MaxRetries, cfg.MaxWait(), telemetry, log)
	handler := runtime.NewHandler(store, publisher, supervisor, log)

	if err := bus.Subscribe(mqtt.TopicRuntime, byte(cfg.MQTT.QoS), handler.OnMessage); err != nil {
		return fmt.Errorf("subscribing to runtime topic: %w", err)
	}
	log.Info("listening", "topic", mqtt.TopicRuntime)

	scanner := runtime.NewScanner(store, supervisor, publisher, telemetry, log,
		scanHolder(), cfg.ScanInterval(), cfg.ParticipantMaxWait())
	scanner.Start(ctx)
	defer scanner.Stop()
	log.Info("scanner started",
		"interval", cfg.ScanInterval().String(),
		"max_wait", cfg.MaxWait().String(),
		"max_retries", cfg.Runtime.Supervision.MaxRetries)

	log.Info("acm-runtime ready")
	<-ctx.Done()
	log.Info("shutting down")

	// Give in-flight publishes a moment to drain before defers close
	// the transports.
	time.Sleep(100 * time.Millisecond)
	return nil
}

// scanHolder identifies this replica in the scan lease.
func scanHolder() string {
	hostname, err := os.Hostname()
	if err != nil {
		return uuid.New().String()
	}
	return hostname + "-" + uuid.New().String()[:8]
}

func getConfigPath() string {
	if path := os.Getenv("ACMCORE_CONFIG"); path != "" {
		return path
	}
	if len(os.Args) > 1 {
		return os.Args[1]
	}
	return defaultConfigPath
}
