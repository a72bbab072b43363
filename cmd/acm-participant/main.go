// acm-participant is the agent-side process of acm-core: it registers
// with the runtime, caches commissioned compositions and executes element
// lifecycle commands through its element handler.
//
// This binary ships with a simulated element handler, useful for
// exercising the control plane without real automation behind it. Real
// deployments embed the participant packages and supply their own
// handler.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/stratoline/acm-core/internal/acm"
	"github.com/stratoline/acm-core/internal/infrastructure/config"
	"github.com/stratoline/acm-core/internal/infrastructure/influxdb"
	"github.com/stratoline/acm-core/internal/infrastructure/logging"
	"github.com/stratoline/acm-core/internal/infrastructure/mqtt"
	"github.com/stratoline/acm-core/internal/participant"
)

// Version information - set at build time via ldflags
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

func run(ctx context.Context) error {
	log := logging.Default("acm-participant")
	log.Info("starting acm-participant",
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

	log = logging.New(cfg.Logging, "acm-participant", version)

	participantID, err := uuid.Parse(cfg.Participant.ID)
	if err != nil {
		return fmt.Errorf("%w: %q", participant.ErrInvalidIdentity, cfg.Participant.ID)
	}
	identity := acm.NewParticipantIdentity(participantID)
	log.Info("participant identity",
		"participant_id", identity.ParticipantID.String(),
		"replica_id", identity.ReplicaID.String())

	supported := make([]acm.SupportedElementType, 0, len(cfg.Participant.SupportedTypes))
	for _, st := range cfg.Participant.SupportedTypes {
		supported = append(supported, acm.SupportedElementType{
			TypeName:    st.Name,
			TypeVersion: st.Version,
		})
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

	cache := participant.NewCache(identity, supported, cfg.Participant.OnHoldLimit)
	publisher := participant.NewPublisher(bus, identity, log)
	executor := participant.NewExecutor(cfg.Participant.Workers, log)
	intermediary := participant.NewIntermediary(cache, publisher, log)
	element := newSimulatedHandler(intermediary, log)
	handler := participant.NewHandler(cache, publisher, executor, intermediary, element, log)
	listener := participant.NewListener(cache, handler, log)

	executor.Start(ctx)
	defer executor.Stop()

	if err := bus.Subscribe(mqtt.TopicParticipant, byte(cfg.MQTT.QoS), listener.OnMessage); err != nil {
		return fmt.Errorf("subscribing to participant topic: %w", err)
	}
	log.Info("listening", "topic", mqtt.TopicParticipant)

	// Re-register whenever the connection comes back; the runtime replays
	// owned state to re-registered replicas.
	bus.SetOnConnect(func() {
		if regErr := handler.Register(); regErr != nil {
			log.Error("registration failed", "error", regErr)
		}
	})
	if err := handler.Register(); err != nil {
		return fmt.Errorf("registering with runtime: %w", err)
	}

	heartbeat := participant.NewHeartbeat(handler, cfg.HeartbeatInterval(), log)
	if cfg.InfluxDB.Enabled {
		influx, influxErr := influxdb.Connect(cfg.InfluxDB)
		if influxErr != nil {
			log.Warn("telemetry unavailable, continuing without it", "error", influxErr)
		} else {
			defer influx.Close() //nolint:errcheck
			heartbeat.SetTelemetry(influx)
			log.Info("telemetry connected", "url", cfg.InfluxDB.URL)
		}
	}
	heartbeat.Start(ctx)
	defer heartbeat.Stop()
	log.Info("heartbeat started", "interval", cfg.HeartbeatInterval().String())

	log.Info("acm-participant ready")
	<-ctx.Done()
	log.Info("shutting down")

	if err := handler.Deregister(); err != nil {
		log.Warn("deregistration failed", "error", err)
	}
	// Give the deregister a moment on the wire before defers close the
	// connection.
	time.Sleep(100 * time.Millisecond)
	return nil
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
