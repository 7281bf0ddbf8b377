// Package config loads the daemon configuration from a YAML file with
// environment overrides, and watches the file for changes.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"heatersync/internal/coordinator"
	"heatersync/internal/session"
)

// Transport names accepted in the devices section.
const (
	TransportWebSocket = "websocket"
	TransportMQTT      = "mqtt"
)

// deviceNamespace seeds the ids derived for devices configured without one.
var deviceNamespace = uuid.MustParse("9a3c1f4e-2b7d-5c60-8e1f-4d2a6b9c0e17")

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the root of config.yaml
type Config struct {
	API       APIConfig       `yaml:"api"`
	Cache     CacheConfig     `yaml:"cache"`
	Logging   LoggingConfig   `yaml:"logging"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Devices   []DeviceConfig  `yaml:"devices"`
}

// APIConfig configures the HTTP server
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// CacheConfig configures the status cache
type CacheConfig struct {
	// Path of the SQLite database. Empty keeps the cache in memory.
	Path string `yaml:"path"`
}

// LoggingConfig configures zap
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// WebSocketConfig configures the gateway connection of websocket devices.
// Zero port and path keep the gateway defaults.
type WebSocketConfig struct {
	Token string `yaml:"token"`
	Port  int    `yaml:"port"`
	Path  string `yaml:"path"`
}

// MQTTConfig configures the broker used by mqtt devices
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// InfluxDBConfig configures status history
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	FlushInterval int    `yaml:"flush_interval"` // seconds
}

// DeviceConfig is one heater
type DeviceConfig struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Address      string `yaml:"address"`
	Transport    string `yaml:"transport"`
	UpdateMethod string `yaml:"update_method"`
	ScanInterval int    `yaml:"scan_interval"` // seconds
}

// Loader reads and validates the configuration file
type Loader struct {
	path   string
	logger *zap.Logger
}

// NewLoader creates a new configuration loader
func NewLoader(path string, logger *zap.Logger) *Loader {
	return &Loader{path: path, logger: logger}
}

// Path returns the file the loader reads
func (l *Loader) Path() string {
	return l.path
}

// Load reads the file, applies environment overrides and defaults, and validates the result.
func (l *Loader) Load() (*Config, error) {
	l.logger.Debug("Loading configuration", zap.String("path", l.path))

	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	l.logger.Info("Configuration loaded",
		zap.String("path", l.path),
		zap.Int("devices", len(cfg.Devices)))
	return cfg, nil
}

// Parse decodes YAML, then applies environment overrides, defaults and validation.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HEATERSYNC_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}
	if v := os.Getenv("HEATERSYNC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("HEATERSYNC_CACHE_PATH"); v != "" {
		cfg.Cache.Path = v
	}
	if v := os.Getenv("HEATERSYNC_DEVICE_TOKEN"); v != "" {
		cfg.WebSocket.Token = v
	}
	if v := os.Getenv("HEATERSYNC_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("HEATERSYNC_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("HEATERSYNC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

func (c *Config) applyDefaults() {
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "heatersync"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "heaters"
	}
	if c.MQTT.QoS == 0 {
		c.MQTT.QoS = 1
	}
	if c.InfluxDB.FlushInterval == 0 {
		c.InfluxDB.FlushInterval = 10
	}

	for i := range c.Devices {
		d := &c.Devices[i]
		d.Address = strings.TrimSpace(d.Address)
		if d.ID == "" && d.Address != "" {
			d.ID = DeviceID(d.Address)
		}
		if d.Transport == "" {
			d.Transport = TransportWebSocket
		}
		if d.UpdateMethod == "" {
			d.UpdateMethod = string(coordinator.StrategyPush)
		}
		if d.ScanInterval == 0 {
			d.ScanInterval = int(coordinator.DefaultPollInterval / time.Second)
		}
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	var errs []error

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, fmt.Errorf("api.port %d out of range", c.API.Port))
	}
	if _, err := zap.ParseAtomicLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	if c.WebSocket.Port < 0 || c.WebSocket.Port > 65535 {
		errs = append(errs, fmt.Errorf("websocket.port %d out of range", c.WebSocket.Port))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos %d out of range", c.MQTT.QoS))
	}
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, errors.New("influxdb.url and influxdb.bucket are required when enabled"))
	}

	usesMQTT := false
	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.Address == "" {
			errs = append(errs, fmt.Errorf("devices[%d]: address is required", i))
			continue
		}
		if seen[d.ID] {
			errs = append(errs, fmt.Errorf("devices[%d]: duplicate id %q", i, d.ID))
		}
		seen[d.ID] = true

		switch d.Transport {
		case TransportWebSocket:
		case TransportMQTT:
			usesMQTT = true
		default:
			errs = append(errs, fmt.Errorf("devices[%d]: unknown transport %q", i, d.Transport))
		}
		if _, err := coordinator.ParseStrategy(d.UpdateMethod); err != nil {
			errs = append(errs, fmt.Errorf("devices[%d]: %w", i, err))
		}
		interval := time.Duration(d.ScanInterval) * time.Second
		if interval < coordinator.MinPollInterval || interval > coordinator.MaxPollInterval {
			errs = append(errs, fmt.Errorf("devices[%d]: scan_interval %d outside %v..%v",
				i, d.ScanInterval, coordinator.MinPollInterval, coordinator.MaxPollInterval))
		}
	}
	if usesMQTT && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required by mqtt devices"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Sessions converts the device list into session settings. Call on a validated config.
func (c *Config) Sessions() []session.Settings {
	out := make([]session.Settings, 0, len(c.Devices))
	for _, d := range c.Devices {
		strategy, _ := coordinator.ParseStrategy(d.UpdateMethod)
		out = append(out, session.Settings{
			ID:           d.ID,
			Name:         d.Name,
			Address:      d.Address,
			Transport:    d.Transport,
			Strategy:     strategy,
			PollInterval: time.Duration(d.ScanInterval) * time.Second,
		})
	}
	return out
}

// DeviceID derives a stable id from a device address so the cache key
// survives restarts.
func DeviceID(address string) string {
	return uuid.NewSHA1(deviceNamespace, []byte(strings.ToLower(address))).String()
}
