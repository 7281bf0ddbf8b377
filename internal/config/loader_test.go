package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"heatersync/internal/coordinator"
)

const sampleConfig = `api:
  port: 9090
cache:
  path: /var/lib/heatersync/status.db
logging:
  level: debug
mqtt:
  broker: tcp://192.0.2.1:1883
influxdb:
  enabled: true
  url: http://192.0.2.2:8086
  org: home
  bucket: heaters
devices:
  - id: bedroom
    name: Bedroom
    address: 192.0.2.20
    update_method: observe
  - name: Office
    address: 192.0.2.21
    transport: mqtt
    update_method: poll
    scan_interval: 30
`

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoader_Load(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	path := writeConfig(t, t.TempDir(), sampleConfig)

	cfg, err := NewLoader(path, logger).Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.API.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/var/lib/heatersync/status.db", cfg.Cache.Path)
	assert.Equal(t, "heaters", cfg.MQTT.TopicPrefix)
	assert.Equal(t, 10, cfg.InfluxDB.FlushInterval)
	require.Len(t, cfg.Devices, 2)

	bedroom := cfg.Devices[0]
	assert.Equal(t, "bedroom", bedroom.ID)
	assert.Equal(t, TransportWebSocket, bedroom.Transport)
	assert.Equal(t, 10, bedroom.ScanInterval)

	office := cfg.Devices[1]
	assert.Equal(t, DeviceID("192.0.2.21"), office.ID)
	assert.Equal(t, TransportMQTT, office.Transport)
}

func TestLoader_MissingFile(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	_, err := NewLoader(filepath.Join(t.TempDir(), "nope.yaml"), logger).Load()
	assert.Error(t, err)
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv("HEATERSYNC_API_PORT", "7000")
	t.Setenv("HEATERSYNC_LOG_LEVEL", "warn")
	t.Setenv("HEATERSYNC_INFLUXDB_TOKEN", "secret")
	t.Setenv("HEATERSYNC_MQTT_PASSWORD", "hunter2")
	t.Setenv("HEATERSYNC_DEVICE_TOKEN", "gateway-token")

	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.API.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "secret", cfg.InfluxDB.Token)
	assert.Equal(t, "hunter2", cfg.MQTT.Password)
	assert.Equal(t, "gateway-token", cfg.WebSocket.Token)
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("devices:\n  - address: 192.0.2.30\n"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.API.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Empty(t, cfg.Cache.Path)
	assert.Equal(t, "push", cfg.Devices[0].UpdateMethod)
	assert.Equal(t, 10, cfg.Devices[0].ScanInterval)
}

func TestParse_Validation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing address", "devices:\n  - id: a\n"},
		{"interval too short", "devices:\n  - address: 192.0.2.1\n    scan_interval: 4\n"},
		{"interval too long", "devices:\n  - address: 192.0.2.1\n    scan_interval: 301\n"},
		{"unknown method", "devices:\n  - address: 192.0.2.1\n    update_method: carrier-pigeon\n"},
		{"unknown transport", "devices:\n  - address: 192.0.2.1\n    transport: zigbee\n"},
		{"duplicate ids", "devices:\n  - {id: a, address: 192.0.2.1}\n  - {id: a, address: 192.0.2.2}\n"},
		{"same address twice", "devices:\n  - address: 192.0.2.1\n  - address: 192.0.2.1\n"},
		{"mqtt without broker", "devices:\n  - address: 192.0.2.1\n    transport: mqtt\n"},
		{"influx without url", "influxdb:\n  enabled: true\n"},
		{"bad log level", "logging:\n  level: chatty\n"},
		{"bad yaml", "devices: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestParse_ValidationErrorIsTyped(t *testing.T) {
	_, err := Parse([]byte("devices:\n  - id: a\n"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestDeviceID_Stable(t *testing.T) {
	assert.Equal(t, DeviceID("192.0.2.20"), DeviceID("192.0.2.20"))
	assert.Equal(t, DeviceID("Heater.local"), DeviceID("heater.local"))
	assert.NotEqual(t, DeviceID("192.0.2.20"), DeviceID("192.0.2.21"))
}

func TestConfig_Sessions(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	sessions := cfg.Sessions()
	require.Len(t, sessions, 2)
	assert.Equal(t, coordinator.StrategyPush, sessions[0].Strategy)
	assert.Equal(t, "Bedroom", sessions[0].Name)
	assert.Equal(t, coordinator.StrategyPull, sessions[1].Strategy)
	assert.Equal(t, 30*time.Second, sessions[1].PollInterval)
	assert.Equal(t, TransportMQTT, sessions[1].Transport)
}
