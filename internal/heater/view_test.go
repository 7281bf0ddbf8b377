package heater

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"heatersync/internal/device"
)

func sampleStatus() device.Status {
	return device.Status{
		FieldName:             "Living Room",
		FieldModelID:          "CX5120",
		FieldSoftwareVersion:  "1.0.7",
		FieldPower:            int64(1),
		FieldTemperature:      int64(215),
		FieldTargetTemp:       int64(22),
		FieldMode:             int64(ModeHeating),
		FieldHeatingIntensity: int64(IntensityLow),
		FieldHeatingStatus:    int64(IntensityLow),
		FieldOscillation:      int64(OscillationRunning),
		FieldTimer:            int64(0),
		"free_memory":         int64(12000),
	}
}

func TestDeviceInfo(t *testing.T) {
	info := DeviceInfo(sampleStatus())
	assert.Equal(t, "Living Room", info.Name)
	assert.Equal(t, "CX5120", info.ModelID)
	assert.Equal(t, "Philips CX5120 Heater", info.Model)
	assert.Equal(t, "1.0.7", info.SoftwareVersion)

	assert.Empty(t, DeviceInfo(device.Status{}).Model)
}

func TestCurrentTemperature(t *testing.T) {
	temp, ok := CurrentTemperature(sampleStatus())
	assert.True(t, ok)
	assert.InDelta(t, 21.5, temp, 0.001)

	_, ok = CurrentTemperature(device.Status{})
	assert.False(t, ok)

	// A textual value is not a temperature.
	_, ok = CurrentTemperature(device.Status{FieldTemperature: "215"})
	assert.False(t, ok)
}

func TestHeatingAction(t *testing.T) {
	tests := []struct {
		name   string
		power  int64
		status int64
		want   Action
	}{
		{"off wins", 0, IntensityHigh, ActionOff},
		{"fan", 1, IntensityAuto, ActionFan},
		{"high", 1, IntensityHigh, ActionHeating},
		{"low", 1, IntensityLow, ActionHeating},
		{"medium", 1, IntensityMedium, ActionHeating},
		{"auto idle", 1, IntensityAutoIdle, ActionIdle},
		{"unknown is idle", 1, 99, ActionIdle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := device.Status{FieldPower: tt.power, FieldHeatingStatus: tt.status}
			assert.Equal(t, tt.want, HeatingAction(s))
		})
	}
}

func TestNames(t *testing.T) {
	assert.Equal(t, "heating", ModeName(sampleStatus()))
	assert.Equal(t, "fan", ModeName(device.Status{FieldMode: int64(ModeFan)}))
	assert.Equal(t, "unknown", ModeName(device.Status{FieldMode: int64(9)}))
	assert.Equal(t, "unknown", ModeName(device.Status{}))

	assert.Equal(t, "low", IntensityName(sampleStatus()))
	assert.Equal(t, "fan only", IntensityName(device.Status{FieldHeatingIntensity: int64(IntensityFanOnly)}))
}

func TestOscillating(t *testing.T) {
	assert.True(t, Oscillating(sampleStatus()))
	assert.True(t, Oscillating(device.Status{FieldOscillation: int64(OscillationOn)}))
	assert.False(t, Oscillating(device.Status{FieldOscillation: int64(OscillationOff)}))
	assert.False(t, Oscillating(device.Status{}))
}

func TestDescribe(t *testing.T) {
	lines := Describe(sampleStatus())

	got := make(map[string]string, len(lines))
	for _, l := range lines {
		got[l.Label] = l.Value
	}

	assert.Equal(t, "on", got["Power"])
	assert.Equal(t, "21.5°C", got["Current temperature"])
	assert.Equal(t, "22°C", got["Target temperature"])
	assert.Equal(t, "heating", got["Heating action"])
	assert.Equal(t, "heating", got["Mode"])
	assert.Equal(t, "low", got["Heating intensity"])
	assert.Equal(t, "on", got["Oscillation"])
	assert.Equal(t, "off", got["Timer"])
	assert.NotContains(t, got, "Child lock")

	assert.Empty(t, Describe(device.Status{}))
}

func TestDescribe_DoesNotModifyStatus(t *testing.T) {
	s := sampleStatus()
	before := s.Clone()
	Describe(s)
	assert.True(t, before.Equal(s))
}
