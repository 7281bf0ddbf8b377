package heater

import (
	"fmt"

	"heatersync/internal/device"
)

// Action is what the heater is doing right now.
type Action string

const (
	ActionOff     Action = "off"
	ActionHeating Action = "heating"
	ActionFan     Action = "fan"
	ActionIdle    Action = "idle"
)

// Info identifies the device
type Info struct {
	Name            string `json:"name,omitempty"`
	Type            string `json:"type,omitempty"`
	ModelID         string `json:"model_id,omitempty"`
	Model           string `json:"model,omitempty"`
	SoftwareVersion string `json:"software_version,omitempty"`
}

// DeviceInfo reads the identification fields. Model is the display name for
// supported model ids.
func DeviceInfo(s device.Status) Info {
	info := Info{}
	info.Name, _ = s.String(FieldName)
	info.Type, _ = s.String(FieldType)
	info.ModelID, _ = s.String(FieldModelID)
	info.SoftwareVersion, _ = s.String(FieldSoftwareVersion)
	info.Model = SupportedModels[info.ModelID]
	return info
}

// IsOn reports whether the power field is 1
func IsOn(s device.Status) bool {
	v, ok := s.Int(FieldPower)
	return ok && v == 1
}

// CurrentTemperature returns the measured temperature in degrees Celsius
func CurrentTemperature(s device.Status) (float64, bool) {
	v, ok := s.Int(FieldTemperature)
	if !ok {
		return 0, false
	}
	return float64(v) / 10, true
}

// TargetTemperature returns the set point in whole degrees
func TargetTemperature(s device.Status) (int64, bool) {
	return s.Int(FieldTargetTemp)
}

// ModeName names the operating mode
func ModeName(s device.Status) string {
	v, ok := s.Int(FieldMode)
	if !ok {
		return "unknown"
	}
	switch v {
	case ModeFan:
		return "fan"
	case ModeCirculation:
		return "circulation"
	case ModeHeating:
		return "heating"
	default:
		return "unknown"
	}
}

// IntensityName names the configured heating intensity
func IntensityName(s device.Status) string {
	v, ok := s.Int(FieldHeatingIntensity)
	if !ok {
		return "unknown"
	}
	switch v {
	case IntensityAuto:
		return "auto"
	case IntensityHigh:
		return "high"
	case IntensityLow:
		return "low"
	case IntensityMedium:
		return "medium"
	case IntensityFanOnly:
		return "fan only"
	default:
		return "unknown"
	}
}

// HeatingAction derives the current action from power and heating status.
// Unknown heating status values count as idle.
func HeatingAction(s device.Status) Action {
	if !IsOn(s) {
		return ActionOff
	}
	v, _ := s.Int(FieldHeatingStatus)
	switch v {
	case IntensityAuto:
		return ActionFan
	case IntensityHigh, IntensityLow, IntensityMedium:
		return ActionHeating
	default:
		return ActionIdle
	}
}

// Oscillating reports whether oscillation is commanded or running
func Oscillating(s device.Status) bool {
	v, ok := s.Int(FieldOscillation)
	return ok && (v == OscillationOn || v == OscillationRunning)
}

// Line is one labelled value of a description
type Line struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Describe renders the fields the heater is known to report, skipping the
// ones missing from s.
func Describe(s device.Status) []Line {
	var lines []Line
	add := func(label, value string) {
		lines = append(lines, Line{Label: label, Value: value})
	}

	if _, ok := s[FieldPower]; ok {
		add("Power", onOff(IsOn(s)))
	}
	if v, ok := s.Int(FieldDisplayBacklight); ok {
		add("Display brightness", fmt.Sprintf("%d%%", v))
	}
	if t, ok := CurrentTemperature(s); ok {
		add("Current temperature", fmt.Sprintf("%.1f°C", t))
	}
	if t, ok := TargetTemperature(s); ok {
		add("Target temperature", fmt.Sprintf("%d°C", t))
	}
	if _, ok := s[FieldHeatingStatus]; ok {
		add("Heating action", string(HeatingAction(s)))
	}
	if _, ok := s[FieldMode]; ok {
		add("Mode", ModeName(s))
	}
	if _, ok := s[FieldHeatingIntensity]; ok {
		add("Heating intensity", IntensityName(s))
	}
	if v, ok := s.Int(FieldFanSpeed); ok {
		add("Fan speed", fmt.Sprint(v))
	}
	if v, ok := s.Int(FieldChildLock); ok {
		add("Child lock", onOff(v == 1))
	}
	if _, ok := s[FieldOscillation]; ok {
		add("Oscillation", onOff(Oscillating(s)))
	}
	if v, ok := s.Int(FieldTimer); ok {
		if v > 0 {
			add("Timer", fmt.Sprintf("%d minutes", v))
		} else {
			add("Timer", "off")
		}
	}
	return lines
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
