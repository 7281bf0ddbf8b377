// Package heater knows the field identifiers of Philips CX-series heaters and
// derives human-readable values from a raw status. It never changes a status;
// the synchronization core treats every field as opaque.
package heater

// Device information fields.
const (
	FieldName            = "D01S03"
	FieldType            = "D01S04"
	FieldModelID         = "D01S05"
	FieldSoftwareVersion = "D01S12"
	FieldDeviceID        = "DeviceId"
	FieldProductID       = "ProductId"
	FieldWifiVersion     = "WifiVersion"
)

// Control fields.
const (
	FieldPower            = "D03102"
	FieldMode             = "D0310A"
	FieldHeatingIntensity = "D0310C"
	FieldFanSpeed         = "D0310D"
	FieldTargetTemp       = "D0310E"
	FieldChildLock        = "D03106"
	FieldDisplayBacklight = "D03105"
	FieldOscillation      = "D0320F"
	FieldTimer            = "D03180"
	FieldTimer2           = "D03182"
)

// Sensor fields.
const (
	// FieldTemperature is reported in tenths of a degree.
	FieldTemperature   = "D03224"
	FieldHeatingStatus = "D0313F"
)

// Raw values with a known meaning.
const (
	ModeFan         = 1
	ModeCirculation = 2
	ModeHeating     = 3

	IntensityAuto     = 0
	IntensityHigh     = 65
	IntensityLow      = 66
	IntensityMedium   = 67
	IntensityAutoIdle = -16
	IntensityFanOnly  = -127

	OscillationOff     = 0
	OscillationOn      = 17222
	OscillationRunning = 17920

	MinTargetTemp = 1
	MaxTargetTemp = 37
)

// SupportedModels maps model ids to display names.
var SupportedModels = map[string]string{
	"CX3120": "Philips CX3120 Heater",
	"CX5120": "Philips CX5120 Heater",
}
