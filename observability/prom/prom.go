// Package prom exports bridge protocol metrics to Prometheus.
package prom

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/glimte/mmate-httpbridge/bridge"
	"github.com/glimte/mmate-httpbridge/contracts"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// BridgeObserver implements bridge.Observer on Prometheus collectors.
type BridgeObserver struct {
	commandsTotal    *prometheus.CounterVec
	commandLatency   *prometheus.HistogramVec
	mismatchesTotal  *prometheus.CounterVec
	transitionsTotal *prometheus.CounterVec
	payloadsTotal    *prometheus.CounterVec
	payloadBytes     prometheus.Histogram
	connGauge        prometheus.Gauge
}

var _ bridge.Observer = (*BridgeObserver)(nil)

// NewBridgeObserver registers bridge metrics on the registry.
func NewBridgeObserver(reg prometheus.Registerer) *BridgeObserver {
	o := &BridgeObserver{
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "httpbridge_commands_total",
			Help: "Command round trips by command kind and result.",
		}, []string{"command", "result"}),
		commandLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "httpbridge_command_latency_seconds",
			Help:    "Time from publishing a command to its status or give-up.",
			Buckets: prometheus.DefBuckets,
		}, []string{"command"}),
		mismatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "httpbridge_status_mismatches_total",
			Help: "Statuses read on a reply topic that answered another command.",
		}, []string{"command"}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "httpbridge_state_transitions_total",
			Help: "Connection state transitions by target state.",
		}, []string{"to"}),
		payloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "httpbridge_payload_reads_total",
			Help: "Payload reads by result.",
		}, []string{"result"}),
		payloadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "httpbridge_payload_bytes",
			Help:    "Size of payloads read from output topics.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		}),
		connGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "httpbridge_connections",
			Help: "Current live connection count.",
		}),
	}
	reg.MustRegister(
		o.commandsTotal,
		o.commandLatency,
		o.mismatchesTotal,
		o.transitionsTotal,
		o.payloadsTotal,
		o.payloadBytes,
		o.connGauge,
	)
	return o
}

func (o *BridgeObserver) Command(kind contracts.CommandKind, result bridge.CommandResult, d time.Duration) {
	o.commandsTotal.WithLabelValues(string(kind), string(result)).Inc()
	if d > 0 {
		o.commandLatency.WithLabelValues(string(kind)).Observe(d.Seconds())
	}
}

func (o *BridgeObserver) Mismatch(kind contracts.CommandKind) {
	o.mismatchesTotal.WithLabelValues(string(kind)).Inc()
}

func (o *BridgeObserver) Transition(_, to bridge.State) {
	o.transitionsTotal.WithLabelValues(to.String()).Inc()
}

func (o *BridgeObserver) Payload(result bridge.PayloadResult, size int) {
	o.payloadsTotal.WithLabelValues(string(result)).Inc()
	if result == bridge.PayloadResultOK {
		o.payloadBytes.Observe(float64(size))
	}
}

func (o *BridgeObserver) Connections(n int) {
	o.connGauge.Set(float64(n))
}
