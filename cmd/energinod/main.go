// Energino Core - AP energy and occupancy telemetry hub
//
// energinod keeps the feed registry that energy sensors and dispatchers
// report into, forwards readings to the remote telemetry service, and
// drives the per-AP power controller.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	_ "github.com/nerrad567/energino-core/migrations"

	"github.com/nerrad567/energino-core/internal/api"
	"github.com/nerrad567/energino-core/internal/audit"
	"github.com/nerrad567/energino-core/internal/command"
	"github.com/nerrad567/energino-core/internal/controller"
	"github.com/nerrad567/energino-core/internal/dispatch"
	"github.com/nerrad567/energino-core/internal/feed"
	"github.com/nerrad567/energino-core/internal/infrastructure/config"
	"github.com/nerrad567/energino-core/internal/infrastructure/database"
	"github.com/nerrad567/energino-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/energino-core/internal/infrastructure/logging"
	"github.com/nerrad567/energino-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/energino-core/internal/ingest"
	"github.com/nerrad567/energino-core/internal/occupancy"
)

// Version information, set at build time via ldflags:
// go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "configs/config.yaml"

// defaultFeedVersion is reported by feeds created at startup.
const defaultFeedVersion = "1.0.0"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires every component and blocks until ctx is cancelled or a
// worker fails.
func run(ctx context.Context) error { //nolint:gocognit,gocyclo,funlen // linear wiring of optional components
	log := logging.Default()
	log.Info("starting Energino Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", configPath, "level", cfg.Logging.Level)

	// Database: remote feed ids and the audit trail.
	var (
		db        *database.DB
		auditRepo audit.Repository
		store     dispatch.StateStore = dispatch.NewMemoryStore()
	)
	if cfg.Database.Enabled {
		db, err = database.Open(database.Config{
			Path:        cfg.Database.Path,
			WALMode:     cfg.Database.WALMode,
			BusyTimeout: cfg.Database.BusyTimeout,
		})
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		auditRepo = audit.NewSQLiteRepository(db.DB)
		store = dispatch.NewSQLiteStore(db.DB)
		log.Info("database ready", "path", cfg.Database.Path)
	} else {
		log.Info("database disabled, remote feed ids kept in memory")
	}

	hub := api.NewHub(cfg.WebSocket, log)

	registry := feed.NewRegistry(feed.Options{
		LivenessWindow: time.Duration(cfg.Registry.LivenessWindow) * time.Second,
		DeviceAgents:   cfg.Registry.DeviceAgents,
		BaseURL:        baseURL(cfg),
	})
	registry.SetLogger(log)
	registry.SetOnChange(func(f feed.Feed) {
		hub.Broadcast(api.ChannelFeedUpdated, f)
	})
	if err := createDefaultFeeds(registry, cfg.Registry); err != nil {
		return err
	}

	var manager *dispatch.Manager
	if cfg.Dispatch.Enabled {
		manager = dispatch.NewManager(dispatchSettings(cfg.Dispatch), store, nil)
		manager.SetLogger(log)
		log.Info("remote delivery enabled",
			"url", cfg.Dispatch.URL,
			"period_s", cfg.Dispatch.Period,
			"rapid", cfg.Dispatch.Rapid,
		)
	}

	var pipeline *ingest.Pipeline
	if manager != nil {
		pipeline = ingest.NewPipeline(registry, manager)
	} else {
		pipeline = ingest.NewPipeline(registry, nil)
	}
	pipeline.SetLogger(log)
	registry.SetOnDelete(func(id int) {
		pipeline.Forget(id)
		if manager != nil {
			manager.Retire(id)
		}
	})

	commands := command.NewClient(command.Config{
		Port:          cfg.Command.Port,
		Timeout:       time.Duration(cfg.Command.Timeout) * time.Second,
		DutyCyclePath: cfg.Command.DutyCyclePath,
	}, nil)
	commands.SetLogger(log)

	ctrl, err := controller.New(controllerConfig(cfg.Controller), registry, commands)
	if err != nil {
		return fmt.Errorf("creating controller: %w", err)
	}
	ctrl.SetLogger(log)
	ctrl.SetHub(hub)
	if auditRepo != nil {
		ctrl.SetAuditRepository(auditRepo)
	}

	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() { log.Info("MQTT reconnected") })
		mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
		ctrl.SetMQTT(mqttClient, cfg.MQTT.TopicPrefix)
		log.Info("MQTT connected",
			"broker", net.JoinHostPort(cfg.MQTT.Broker.Host, strconv.Itoa(cfg.MQTT.Broker.Port)),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
	}

	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		pipeline.SetMirror(influxClient)
		ctrl.SetOnTransition(func(tr controller.Transition) {
			influxClient.WriteTransition(tr.FeedID, string(tr.From), string(tr.To), tr.At)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	deps := api.Deps{
		Config:     cfg.API,
		WS:         cfg.WebSocket,
		Logger:     log,
		Registry:   registry,
		Ingest:     pipeline,
		Commands:   commands,
		Controller: ctrl,
		Audit:      auditRepo,
		Hub:        hub,
		Version:    version,
	}
	if manager != nil {
		deps.Dispatch = manager
	}
	server, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return ctrl.Run(gctx) })
	if manager != nil {
		g.Go(func() error { return manager.Run(gctx) })
	}
	if mqttClient != nil {
		source := ingest.NewMQTTSource(mqttClient, pipeline, byte(cfg.MQTT.QoS))
		source.SetLogger(log)
		g.Go(func() error { return source.Run(gctx) })
	}
	if cfg.Occupancy.Enabled {
		poller := occupancy.NewPoller(occupancy.PollerConfig{
			Source:   occupancy.NewClient(cfg.Occupancy.URL, cfg.Occupancy.APIKey, nil),
			Feeds:    registry,
			Interval: time.Duration(cfg.Occupancy.Interval) * time.Second,
			Mappings: cfg.Occupancy.Mappings,
			Version:  defaultFeedVersion,
		})
		poller.SetLogger(log)
		g.Go(func() error { return poller.Run(gctx) })
		log.Info("occupancy polling enabled", "url", cfg.Occupancy.URL, "mappings", len(cfg.Occupancy.Mappings))
	}

	log.Info("initialisation complete",
		"feeds", registry.Count(),
		"controller_mode", cfg.Controller.Mode,
		"controller_enabled", cfg.Controller.Enabled,
	)

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("Energino Core stopped")
	return nil
}

// getConfigPath returns ENERGINO_CONFIG or the default path.
func getConfigPath() string {
	if path := os.Getenv("ENERGINO_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// baseURL is the prefix of feed self-links.
func baseURL(cfg *config.Config) string {
	if cfg.Registry.BaseURL != "" {
		return cfg.Registry.BaseURL
	}
	host := cfg.API.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.API.Port))
}

func createDefaultFeeds(registry *feed.Registry, cfg config.RegistryConfig) error {
	for i := 0; i < cfg.DefaultFeeds; i++ {
		if _, err := registry.Create(map[string]any{
			feed.KeyTitle:   cfg.DefaultTitle,
			feed.KeyVersion: defaultFeedVersion,
		}); err != nil {
			return fmt.Errorf("creating default feed: %w", err)
		}
	}
	return nil
}

func dispatchSettings(cfg config.DispatchConfig) dispatch.Settings {
	streams := make([]dispatch.Stream, 0, len(cfg.Streams))
	for _, s := range cfg.Streams {
		streams = append(streams, dispatch.Stream{ID: s.ID, Type: s.Type, Label: s.Label, Symbol: s.Symbol})
	}
	m := cfg.Metadata
	return dispatch.Settings{
		BaseURL: cfg.URL,
		APIKey:  cfg.APIKey,
		Streams: streams,
		Metadata: dispatch.Metadata{
			Website:     m.Website,
			Tags:        m.Tags,
			Name:        m.Name,
			Disposition: m.Disposition,
			Exposure:    m.Exposure,
			Domain:      m.Domain,
			Lat:         m.Lat,
			Lon:         m.Lon,
		},
		Period:  time.Duration(cfg.Period) * time.Second,
		Timeout: time.Duration(cfg.Timeout) * time.Second,
		Rapid:   cfg.Rapid,
	}
}

func controllerConfig(cfg config.ControllerConfig) controller.Config {
	overrides := make([]controller.OverrideRule, 0, len(cfg.Overrides))
	for _, o := range cfg.Overrides {
		overrides = append(overrides, controller.OverrideRule{
			MinClients: o.MinClients,
			Feeds:      append([]int(nil), o.Feeds...),
		})
	}
	return controller.Config{
		Enabled:       cfg.Enabled,
		Mode:          controller.Mode(cfg.Mode),
		Tick:          time.Duration(cfg.Tick) * time.Millisecond,
		OnlineTimeout: cfg.OnlineTimeout,
		IdleTimeout:   cfg.IdleTimeout,
		IdleDutyCycle: cfg.IdleDutyCycle,
		SwitchCut:     cfg.SwitchCut,
		SwitchRestore: cfg.SwitchRestore,
		Overrides:     overrides,
	}
}

// healthCheck verifies the optional infrastructure connections. Nil
// arguments are disabled components.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if db != nil {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}
