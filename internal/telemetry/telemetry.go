// Package telemetry provides optional Prometheus metrics and
// OpenTelemetry tracing for this module. Neither is mandatory: a
// caller that never constructs a Metrics or never calls otel.SetTracerProvider
// gets a fully functional, zero-overhead library — metrics calls on a
// nil *Metrics are no-ops and tracer.Start against the default
// TracerProvider returns a no-op span. Nothing in this package opens
// its own HTTP `/metrics` endpoint or OTLP exporter: that's the
// embedding application's concern, not this library's.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the counters and gauges this module populates.
// A nil *Metrics is valid: every method is a nil-safe no-op, so
// callers that don't want metrics can simply never construct one.
type Metrics struct {
	DevicesAttached     prometheus.Gauge
	AFCBytesTransferred *prometheus.CounterVec
	WebInspectorLatency *prometheus.HistogramVec
}

// NewMetrics registers this module's metrics against reg and returns
// the handle used to record them. Pass any prometheus.Registerer,
// typically a registry the embedding application already exposes on
// its own `/metrics` HTTP server.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		DevicesAttached: f.NewGauge(prometheus.GaugeOpts{
			Name: "iosmux_devices_attached",
			Help: "Number of iOS devices currently attached, per the muxd monitor's registry.",
		}),
		AFCBytesTransferred: f.NewCounterVec(prometheus.CounterOpts{
			Name: "iosmux_afc_bytes_transferred_total",
			Help: "Bytes transferred through AFC file operations, by direction.",
		}, []string{"direction"}), // "read" or "write"
		WebInspectorLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "iosmux_webinspector_rpc_duration_seconds",
			Help:    "Latency of WebInspector Automation RPC calls, by method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

func (m *Metrics) setDevicesAttached(n int) {
	if m == nil {
		return
	}
	m.DevicesAttached.Set(float64(n))
}

func (m *Metrics) addAFCBytes(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.AFCBytesTransferred.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) observeWebInspectorLatency(method string, seconds float64) {
	if m == nil {
		return
	}
	m.WebInspectorLatency.WithLabelValues(method).Observe(seconds)
}

// RecordDevicesAttached sets the current attached-device gauge. Safe
// to call on a nil *Metrics.
func (m *Metrics) RecordDevicesAttached(n int) { m.setDevicesAttached(n) }

// RecordAFCRead records n bytes read through AFC. Safe to call on a
// nil *Metrics.
func (m *Metrics) RecordAFCRead(n int) { m.addAFCBytes("read", n) }

// RecordAFCWrite records n bytes written through AFC. Safe to call on
// a nil *Metrics.
func (m *Metrics) RecordAFCWrite(n int) { m.addAFCBytes("write", n) }

// RecordWebInspectorRPC records the latency of one Automation RPC
// call. Safe to call on a nil *Metrics.
func (m *Metrics) RecordWebInspectorRPC(method string, seconds float64) {
	m.observeWebInspectorLatency(method, seconds)
}
