// Package metrics exposes Prometheus collectors for the control panel.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"smarthome/internal/device"
)

const namespace = "smarthome"

// Metric owns its own registry so that several controllers can coexist in
// one process.
type Metric struct {
	registry          *prometheus.Registry
	deviceOn          *prometheus.GaugeVec
	activations       *prometheus.CounterVec
	armedTimers       prometheus.Gauge
	persistenceErrors *prometheus.CounterVec
	requestTiming     *prometheus.SummaryVec
}

func New() *Metric {
	m := &Metric{
		registry: prometheus.NewRegistry(),
		deviceOn: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "device_on",
				Help:      "1 when the device is on, 0 when off",
			},
			[]string{"device"},
		),
		activations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "activations_total",
				Help:      "Devices switched on by the scheduler",
			},
			[]string{"device", "trigger"},
		),
		armedTimers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "armed_timers",
				Help:      "Scheduled activations still pending",
			},
		),
		persistenceErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "persistence_errors_total",
				Help:      "Failed state file operations",
			},
			[]string{"op"},
		),
		requestTiming: prometheus.NewSummaryVec(
			prometheus.SummaryOpts{
				Namespace: namespace,
				Name:      "http_request_seconds",
				Help:      "API handler timing",
			},
			[]string{"handler"},
		),
	}

	m.registry.MustRegister(
		m.deviceOn,
		m.activations,
		m.armedTimers,
		m.persistenceErrors,
		m.requestTiming,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	for _, d := range device.AllDevices {
		m.deviceOn.WithLabelValues(string(d.ID)).Set(0)
	}

	return m
}

func (m *Metric) DeviceState(id device.ID, state device.OnOff) {
	v := 0.0
	if state {
		v = 1
	}
	m.deviceOn.WithLabelValues(string(id)).Set(v)
}

// Activation counts a scheduler-driven switch-on. trigger is "fired" for an
// on-time activation or the decision action for late ones.
func (m *Metric) Activation(id device.ID, trigger string) {
	m.activations.
		WithLabelValues(string(id), trigger).
		Inc()
}

func (m *Metric) ArmedTimers(n int) {
	m.armedTimers.Set(float64(n))
}

func (m *Metric) PersistenceError(op string) {
	m.persistenceErrors.
		WithLabelValues(op).
		Inc()
}

func (m *Metric) Timing(start time.Time, label string) {
	m.requestTiming.
		WithLabelValues(label).
		Observe(time.Since(start).Seconds())
}

// TimeTracker wraps next and records how long each call takes under label.
func (m *Metric) TimeTracker(next http.HandlerFunc, label string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next(w, r)
		m.Timing(start, label)
	}
}

// Handler serves the exposition format for this instance's registry.
func (m *Metric) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
