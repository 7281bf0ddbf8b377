package history

import (
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"heatersync/internal/coordinator"
	"heatersync/internal/session"
)

// Measurement is the name of every point written.
const Measurement = "heater_status"

// PointWriter is the subset of the InfluxDB write API the recorder needs.
type PointWriter interface {
	WritePoint(point *write.Point)
}

// Recorder turns session notifications into points
type Recorder struct {
	writer PointWriter
}

// NewRecorder creates a recorder writing to w
func NewRecorder(w PointWriter) *Recorder {
	return &Recorder{writer: w}
}

// Hook returns a session hook that records every live update. Notifications
// that only report a loss of availability are skipped since they carry no
// new reading.
func (r *Recorder) Hook() session.Hook {
	return func(s *session.Session) {
		coord := s.Coordinator()
		if coord.Availability() != coordinator.Live {
			return
		}
		if point := r.point(s.ID(), s.Name(), coord); point != nil {
			r.writer.WritePoint(point)
		}
	}
}

// point keeps the integer fields only; text fields are identification, not readings.
func (r *Recorder) point(id, name string, coord coordinator.Coordinator) *write.Point {
	status := coord.Status()
	fields := make(map[string]interface{}, len(status))
	for _, field := range status.Fields() {
		if v, ok := status.Int(field); ok {
			fields[field] = v
		}
	}
	if len(fields) == 0 {
		return nil
	}

	tags := map[string]string{
		"device":   id,
		"name":     name,
		"strategy": string(coord.Strategy()),
	}
	return write.NewPoint(Measurement, tags, fields, coord.UpdatedAt())
}
