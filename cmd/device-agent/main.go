package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"deviceagent/internal/broker"
	"deviceagent/internal/client"
	"deviceagent/internal/config"
	"deviceagent/internal/database"
	"deviceagent/internal/endpoint"
	"deviceagent/internal/identity"
	"deviceagent/internal/logger"
	"deviceagent/internal/models"
	"deviceagent/internal/push"
	"deviceagent/internal/queue"
	"deviceagent/internal/settings"
	syncengine "deviceagent/internal/sync"
	"deviceagent/internal/uploader"
	"deviceagent/internal/watchdog"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/local.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting device agent",
		zap.String("env", cfg.Env),
		zap.String("config_path", *configPath),
	)

	db, err := database.New(cfg.StoragePath, log.Logger)
	if err != nil {
		log.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Failed to close database", zap.Error(err))
		}
	}()

	store := settings.NewStore(db.DB, log.Logger)

	// Seed provisioning from the config file; persisted values always win so a
	// later bundle or config change cannot silently re-point an enrolled device
	if err := seedProvisioning(store, cfg); err != nil {
		log.Fatal("Failed to seed provisioning", zap.Error(err))
	}

	resolver := identity.NewResolver(store, log.Logger)
	deviceID, err := resolver.Resolve(cfg.Device.Name)
	if err != nil {
		log.Fatal("Failed to resolve device identity", zap.Error(err))
	}
	log.Info("Device identity resolved", zap.String("device_id", deviceID))

	primaryURL, err := store.BaseURL()
	if err != nil {
		log.Fatal("Failed to read server URL", zap.Error(err))
	}
	if primaryURL == "" {
		log.Fatal("No server URL provisioned, set server.url in the config")
	}
	secondaryURL, err := store.SecondaryBaseURL()
	if err != nil {
		log.Fatal("Failed to read secondary server URL", zap.Error(err))
	}

	endpoints, err := endpoint.NewPair(primaryURL, secondaryURL)
	if err != nil {
		log.Fatal("Invalid server URL", zap.Error(err))
	}

	apiClient := client.NewClient(
		endpoints,
		cfg.Server.RequestSecret,
		time.Duration(cfg.Server.Timeout)*time.Second,
		log.Logger,
	)

	queues, err := queue.NewQueues(db.DB, log.Logger)
	if err != nil {
		log.Fatal("Failed to initialize telemetry queues", zap.Error(err))
	}

	engine := syncengine.NewEngine(
		apiClient,
		store,
		queues,
		cfg.Server.RequestSecret,
		cfg.Server.SecureMode,
		nil,
		log.Logger,
	)

	up := uploader.New(
		time.Duration(cfg.Upload.Interval)*time.Second,
		time.Hour,
		log.Logger,
	)
	up.Register(uploader.NewKind(
		"logs",
		queues.Logs,
		cfg.Upload.BatchSize,
		time.Duration(cfg.Upload.LogRetention)*time.Hour,
		func(ctx context.Context, records []models.LogEntry) error {
			return apiClient.UploadBatch(ctx, client.KindLogs, deviceID, records)
		},
	))
	up.Register(uploader.NewKind(
		"locations",
		queues.Locations,
		cfg.Upload.BatchSize,
		time.Duration(cfg.Upload.LocationRetention)*time.Hour,
		func(ctx context.Context, records []models.LocationFix) error {
			return apiClient.UploadBatch(ctx, client.KindLocations, deviceID, records)
		},
	))
	up.Register(uploader.NewKind(
		"snapshots",
		queues.Snapshots,
		cfg.Upload.BatchSize,
		time.Duration(cfg.Upload.SnapshotRetention)*time.Hour,
		func(ctx context.Context, records []models.DeviceSnapshot) error {
			return apiClient.UploadBatch(ctx, client.KindDeviceInfo, deviceID, records)
		},
	))

	// The broker forwards app-submitted pushes upstream through the push
	// channel; the channel hands inbound non-config messages back to the
	// broker's subscribers. Both sides are optional.
	var pushManager *push.Manager
	var brokerServer *broker.Server
	var brokerHTTP *http.Server

	if cfg.Broker.Enabled {
		brokerServer = broker.NewServer(
			store,
			queues,
			engine,
			cfg.Broker.APIKey,
			func(msg models.PushMessage) {
				if pushManager == nil {
					log.Warn("Dropping upstream push, channel disabled",
						zap.String("type", msg.Type),
					)
					return
				}
				if err := pushManager.Send(msg); err != nil {
					log.Warn("Failed to forward push upstream", zap.Error(err))
				}
			},
			log.Logger,
		)
		engine.OnConfigApplied(brokerServer.NotifyConfigApplied)

		addr := fmt.Sprintf("localhost:%d", cfg.Broker.Port)
		brokerHTTP = &http.Server{
			Addr:         addr,
			Handler:      brokerServer,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			log.Info("Starting broker API for local apps", zap.String("address", addr))
			if err := brokerHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("Broker API error", zap.Error(err))
			}
		}()
	} else {
		log.Info("Broker API disabled in configuration")
	}

	if cfg.Push.Enabled {
		dog := watchdog.New()
		forward := func(msg models.PushMessage) {
			if brokerServer != nil {
				brokerServer.Forward(msg)
			}
		}
		pushManager = push.NewManager(
			store,
			dog,
			engine,
			forward,
			time.Duration(cfg.Push.PingInterval)*time.Second,
			log.Logger,
		)
		pushManager.Start()
	} else {
		log.Info("Push channel disabled in configuration, polling only")
	}

	engine.Start(time.Duration(cfg.Sync.Interval) * time.Second)
	up.Start()

	log.Info("Device agent started",
		zap.String("device_id", deviceID),
		zap.String("server_url", primaryURL),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("Received shutdown signal", zap.String("signal", sig.String()))

	if brokerHTTP != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := brokerHTTP.Shutdown(ctx); err != nil {
			log.Warn("Broker API shutdown error", zap.Error(err))
		}
		cancel()
	}
	if brokerServer != nil {
		brokerServer.Close()
	}
	if pushManager != nil {
		pushManager.Stop()
	}

	done := make(chan struct{})
	go func() {
		engine.Stop()
		up.Stop()
		close(done)
	}()

	select {
	case <-done:
		log.Info("Workers stopped")
	case <-time.After(5 * time.Second):
		log.Warn("Shutdown timeout reached, forcing exit")
		os.Exit(1)
	}

	pruneQueues(queues, cfg, log)
	log.Info("Device agent stopped")
}

// pruneQueues applies the retention windows one last time on shutdown so the
// database does not grow across restarts with a dead network
func pruneQueues(queues *queue.Queues, cfg *config.Config, log *logger.Logger) {
	now := time.Now()
	prune := func(name string, removed int64, err error) {
		if err != nil {
			log.Error("Final retention prune failed", zap.String("kind", name), zap.Error(err))
			return
		}
		if removed > 0 {
			log.Info("Pruned expired records", zap.String("kind", name), zap.Int64("removed", removed))
		}
	}

	removed, err := queues.Logs.PruneOlderThan(now.Add(-time.Duration(cfg.Upload.LogRetention) * time.Hour))
	prune("logs", removed, err)
	removed, err = queues.Locations.PruneOlderThan(now.Add(-time.Duration(cfg.Upload.LocationRetention) * time.Hour))
	prune("locations", removed, err)
	removed, err = queues.Snapshots.PruneOlderThan(now.Add(-time.Duration(cfg.Upload.SnapshotRetention) * time.Hour))
	prune("snapshots", removed, err)
}

// seedProvisioning copies server coordinates from the config file into the
// settings store on first run. Existing values are left untouched.
func seedProvisioning(store *settings.Store, cfg *config.Config) error {
	stored, err := store.BaseURL()
	if err != nil {
		return err
	}
	if stored != "" || cfg.Server.URL == "" {
		return nil
	}

	if _, err := endpoint.Parse(cfg.Server.URL); err != nil {
		return fmt.Errorf("invalid server.url: %w", err)
	}
	if err := store.SetBaseURL(cfg.Server.URL); err != nil {
		return err
	}

	secondary := cfg.Server.SecondaryURL
	if secondary != "" {
		if _, err := endpoint.Parse(secondary); err != nil {
			return fmt.Errorf("invalid server.secondary_url: %w", err)
		}
	} else {
		secondary = cfg.Server.URL
	}
	return store.SetSecondaryBaseURL(secondary)
}
