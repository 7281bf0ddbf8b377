package coordinator

import (
	"errors"

	prom "github.com/prometheus/client_golang/prometheus"

	"heatersync/internal/device"
)

// Metrics records coordinator activity. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	updates       *prom.CounterVec
	failures      *prom.CounterVec
	reconnects    *prom.CounterVec
	persistErrors *prom.CounterVec
	backoff       *prom.GaugeVec
	availability  *prom.GaugeVec
}

// NewMetrics constructs and registers the coordinator metrics on reg.
func NewMetrics(reg prom.Registerer) *Metrics {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	m := &Metrics{
		updates: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "heatersync",
			Name:      "status_updates_total",
			Help:      "Snapshots received from the device",
		}, []string{"device"}),
		failures: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "heatersync",
			Name:      "update_failures_total",
			Help:      "Failed status reads and stream terminations by reason",
		}, []string{"device", "reason"}),
		reconnects: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "heatersync",
			Name:      "reconnects_total",
			Help:      "Transport reconnect attempts by result",
		}, []string{"device", "result"}),
		persistErrors: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "heatersync",
			Name:      "cache_write_errors_total",
			Help:      "Snapshots that could not be persisted",
		}, []string{"device"}),
		backoff: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "heatersync",
			Name:      "backoff_seconds",
			Help:      "Current reconnect delay of the push loop",
		}, []string{"device"}),
		availability: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "heatersync",
			Name:      "availability",
			Help:      "0 unavailable, 1 stale, 2 live",
		}, []string{"device"}),
	}
	reg.MustRegister(m.updates, m.failures, m.reconnects, m.persistErrors, m.backoff, m.availability)
	return m
}

func (m *Metrics) observeUpdate(id string) {
	if m == nil {
		return
	}
	m.updates.WithLabelValues(id).Inc()
}

func (m *Metrics) observeFailure(id string, err error) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(id, failureReason(err)).Inc()
}

func (m *Metrics) observeReconnect(id string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.reconnects.WithLabelValues(id, result).Inc()
}

func (m *Metrics) observePersistError(id string) {
	if m == nil {
		return
	}
	m.persistErrors.WithLabelValues(id).Inc()
}

func (m *Metrics) setBackoff(id string, seconds float64) {
	if m == nil {
		return
	}
	m.backoff.WithLabelValues(id).Set(seconds)
}

func (m *Metrics) setAvailability(id string, a Availability) {
	if m == nil {
		return
	}
	m.availability.WithLabelValues(id).Set(float64(a))
}

// Forget drops the series of a device that is no longer configured.
func (m *Metrics) Forget(id string) {
	if m == nil {
		return
	}
	for _, vec := range []*prom.MetricVec{m.updates.MetricVec, m.failures.MetricVec, m.reconnects.MetricVec, m.persistErrors.MetricVec, m.backoff.MetricVec, m.availability.MetricVec} {
		vec.DeletePartialMatch(prom.Labels{"device": id})
	}
}

func failureReason(err error) string {
	switch {
	case device.IsTimeout(err):
		return "timeout"
	case errors.Is(err, device.ErrStreamClosed):
		return "stream_closed"
	case errors.Is(err, device.ErrNotConnected):
		return "not_connected"
	case errors.Is(err, device.ErrConnectionFailed):
		return "connection"
	default:
		return "other"
	}
}
