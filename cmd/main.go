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

	"heatersync/internal/api"
	"heatersync/internal/cache"
	"heatersync/internal/config"
	"heatersync/internal/coordinator"
	"heatersync/internal/device"
	"heatersync/internal/history"
	"heatersync/internal/session"
	"heatersync/internal/transport/mqtt"
	"heatersync/internal/transport/ws"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Bootstrap logger until the configured one is built
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	configPath := os.Getenv("HEATERSYNC_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}
	loader := config.NewLoader(configPath, logger)
	cfg, err := loader.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger, err = newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck // nothing to do on exit
	loader = config.NewLoader(configPath, logger)

	logger.Info("Starting heatersync",
		zap.String("config", configPath),
		zap.Int("devices", len(cfg.Devices)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Status cache
	var store cache.Store
	checks := map[string]api.HealthChecker{}
	if cfg.Cache.Path != "" {
		sqlite, err := cache.OpenSQLite(cfg.Cache.Path)
		if err != nil {
			logger.Fatal("Failed to open status cache", zap.Error(err))
		}
		defer sqlite.Close()
		store = sqlite
		checks["cache"] = sqlite
		logger.Info("Status cache opened", zap.String("path", sqlite.Path()))
	} else {
		store = cache.NewMemoryStore()
		logger.Warn("No cache path configured, cached status will not survive restarts")
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := coordinator.NewMetrics(registry)

	deps := session.Deps{
		Dialers: newDialers(cfg, logger),
		Store:   store,
		Logger:  logger,
		Metrics: metrics,
	}

	// Optional status history
	if cfg.InfluxDB.Enabled {
		influx, err := history.Connect(ctx, history.Options{
			URL:           cfg.InfluxDB.URL,
			Token:         cfg.InfluxDB.Token,
			Org:           cfg.InfluxDB.Org,
			Bucket:        cfg.InfluxDB.Bucket,
			FlushInterval: cfg.InfluxDB.FlushInterval,
		}, logger)
		if err != nil {
			logger.Error("History disabled, InfluxDB unreachable", zap.Error(err))
		} else {
			defer influx.Close()
			deps.Hooks = append(deps.Hooks, history.NewRecorder(influx.Writer()).Hook())
			logger.Info("Recording status history", zap.String("bucket", cfg.InfluxDB.Bucket))
		}
	}

	manager := session.NewManager(deps)
	if err := manager.Apply(ctx, cfg.Sessions()); err != nil {
		logger.Error("Failed to apply device configuration", zap.Error(err))
	}

	// HTTP API
	addr := net.JoinHostPort(cfg.API.Host, strconv.Itoa(cfg.API.Port))
	server := api.NewServer(manager, api.Options{
		Addr:     addr,
		Gatherer: registry,
		Checks:   checks,
	}, logger)
	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start HTTP API server", zap.Error(err))
	}

	// Reload devices when the config file changes
	watcher, err := config.NewWatcher(loader, func(ctx context.Context, next *config.Config) {
		if err := manager.Apply(ctx, next.Sessions()); err != nil {
			logger.Error("Failed to apply reloaded configuration", zap.Error(err))
		}
	}, logger)
	if err != nil {
		logger.Warn("Config reload disabled", zap.Error(err))
	} else {
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Error("Config watcher stopped", zap.Error(err))
			}
		}()
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Application running. Press Ctrl+C to exit.", zap.String("api", addr))

	// Wait for shutdown signal
	<-sigChan

	logger.Info("Shutting down gracefully...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Failed to stop HTTP API server", zap.Error(err))
	}
	if err := manager.StopAll(shutdownCtx); err != nil {
		logger.Error("Failed to stop sessions", zap.Error(err))
	}
}

// newLogger builds the process logger from the logging section
func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = level
	return zapCfg.Build()
}

// newDialers registers one dialer per transport the configuration can use.
// MQTT is only available when a broker is configured.
func newDialers(cfg *config.Config, logger *zap.Logger) map[string]device.Dialer {
	dialers := map[string]device.Dialer{
		config.TransportWebSocket: ws.NewDialer(ws.Options{
			Token: cfg.WebSocket.Token,
			Port:  cfg.WebSocket.Port,
			Path:  cfg.WebSocket.Path,
		}, logger),
	}

	if cfg.MQTT.Broker != "" {
		dialers[config.TransportMQTT] = mqtt.NewDialer(mqtt.Options{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
		}, logger)
	} else {
		logger.Debug("No MQTT broker configured, mqtt transport unavailable")
	}

	return dialers
}
