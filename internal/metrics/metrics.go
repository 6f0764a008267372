// Package metrics exposes Prometheus collectors for the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/blackmichael/bulletin-relay/internal/domain"
)

const namespace = "bulletin_relay"

// Metrics implements domain.Recorder on top of Prometheus collectors.
type Metrics struct {
	events           *prometheus.CounterVec
	ledgerSize       prometheus.Gauge
	snapshotFailures prometheus.Counter
	mirrorApplies    *prometheus.CounterVec
	mirrorReconnects prometheus.Counter
}

// New creates the collectors and registers them with registry.
func New(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Total number of inbound events by outcome",
		}, []string{"outcome"}),

		ledgerSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_bulletins",
			Help:      "Number of bulletins currently held in the ledger",
		}),

		snapshotFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_write_failures_total",
			Help:      "Total number of failed ledger snapshot writes",
		}),

		mirrorApplies: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_applies_total",
			Help:      "Total number of mirror mutations by op and result",
		}, []string{"op", "result"}),

		mirrorReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_reconnects_total",
			Help:      "Total number of mirror session reconnects",
		}),
	}
}

// EventHandled counts one processed event.
func (m *Metrics) EventHandled(outcome domain.Outcome) {
	m.events.WithLabelValues(outcome.String()).Inc()
}

// LedgerSize records the current ledger length.
func (m *Metrics) LedgerSize(n int) {
	m.ledgerSize.Set(float64(n))
}

// SnapshotFailed counts a failed snapshot write.
func (m *Metrics) SnapshotFailed() {
	m.snapshotFailures.Inc()
}

// MirrorApplied counts one mirror mutation. The result label is "ok" or the
// error kind.
func (m *Metrics) MirrorApplied(op domain.MutationOp, err error) {
	result := "ok"
	if err != nil {
		result = domain.KindOf(err).String()
	}
	m.mirrorApplies.WithLabelValues(op.String(), result).Inc()
}

// MirrorReconnected counts one session reconnect.
func (m *Metrics) MirrorReconnected() {
	m.mirrorReconnects.Inc()
}
