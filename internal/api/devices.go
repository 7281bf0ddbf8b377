package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"heatersync/internal/device"
	"heatersync/internal/heater"
	"heatersync/internal/session"
)

// maxControlsBody caps the size of a controls request.
const maxControlsBody = 64 << 10

// DeviceResponse is the JSON view of one session
type DeviceResponse struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Address       string        `json:"address"`
	Transport     string        `json:"transport"`
	Strategy      string        `json:"strategy"`
	Availability  string        `json:"availability"`
	UpdatedAt     *time.Time    `json:"updated_at,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	Notifications int64         `json:"notifications"`
	Info          heater.Info   `json:"info"`
	Readings      []heater.Line `json:"readings"`
	Status        device.Status `json:"status"`
}

// PendingResponse is a configured device that has not started yet
type PendingResponse struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
}

func newDeviceResponse(s *session.Session) DeviceResponse {
	coord := s.Coordinator()
	settings := s.Settings()
	status := coord.Status()

	resp := DeviceResponse{
		ID:            s.ID(),
		Name:          s.Name(),
		Address:       settings.Address,
		Transport:     settings.Transport,
		Strategy:      string(coord.Strategy()),
		Availability:  coord.Availability().String(),
		StartedAt:     s.StartedAt(),
		Notifications: s.Notifications(),
		Info:          heater.DeviceInfo(status),
		Readings:      heater.Describe(status),
		Status:        status,
	}
	if resp.Readings == nil {
		resp.Readings = []heater.Line{}
	}
	if updated := coord.UpdatedAt(); !updated.IsZero() {
		resp.UpdatedAt = &updated
	}
	return resp
}

// handleListDevices returns every running and pending device
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	sessions := s.sessions.List()
	devices := make([]DeviceResponse, 0, len(sessions))
	for _, sess := range sessions {
		devices = append(devices, newDeviceResponse(sess))
	}

	pendingSettings := s.sessions.Pending()
	pending := make([]PendingResponse, 0, len(pendingSettings))
	for _, p := range pendingSettings {
		pending = append(pending, PendingResponse{ID: p.ID, Name: p.Name, Address: p.Address})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"pending": pending,
		"count":   len(devices),
	})
}

// handleGetDevice returns a single device by ID
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Get(chi.URLParam(r, "id"))
	if !ok {
		writeNotFound(w, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, newDeviceResponse(sess))
}

// handleWriteControls passes a JSON object of field values to the device as-is
func (s *Server) handleWriteControls(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, ok := s.sessions.Get(id)
	if !ok {
		writeNotFound(w, "device not found")
		return
	}

	var controls map[string]any
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxControlsBody))
	dec.UseNumber()
	if err := dec.Decode(&controls); err != nil {
		writeBadRequest(w, "body must be a JSON object of control values")
		return
	}
	if len(controls) == 0 {
		writeBadRequest(w, "no control values given")
		return
	}
	controls = plainNumbers(controls)

	if err := sess.Coordinator().WriteControls(r.Context(), controls); err != nil {
		s.logger.Warn("Control write failed",
			zap.String("device", id),
			zap.Error(err))
		if errors.Is(err, device.ErrNotConnected) {
			writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "device is not connected")
			return
		}
		writeError(w, http.StatusBadGateway, ErrCodeDeviceError, err.Error())
		return
	}

	s.logger.Info("Controls written",
		zap.String("device", id),
		zap.Int("fields", len(controls)))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// plainNumbers turns integral json.Numbers into int64 and the rest into
// float64, so transports see ordinary Go values.
func plainNumbers(controls map[string]any) map[string]any {
	out := make(map[string]any, len(controls))
	for k, v := range controls {
		n, ok := v.(json.Number)
		if !ok {
			out[k] = v
			continue
		}
		if i, err := n.Int64(); err == nil {
			out[k] = i
		} else if f, err := n.Float64(); err == nil {
			out[k] = f
		} else {
			out[k] = n.String()
		}
	}
	return out
}
