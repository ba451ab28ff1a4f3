package mirror

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	prom "github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments a node. Sent, Received and Dropped carry an "op"
// label.
type Metrics struct {
	Sent        metrics.Counter
	Received    metrics.Counter
	Dropped     metrics.Counter
	Collections metrics.Counter
	Collected   metrics.Counter
	Resident    metrics.Gauge
	Pending     metrics.Gauge
}

// NewDiscardMetrics returns metrics that record nothing.
func NewDiscardMetrics() *Metrics {
	return &Metrics{
		Sent:        discard.NewCounter(),
		Received:    discard.NewCounter(),
		Dropped:     discard.NewCounter(),
		Collections: discard.NewCounter(),
		Collected:   discard.NewCounter(),
		Resident:    discard.NewGauge(),
		Pending:     discard.NewGauge(),
	}
}

// NewPrometheusMetrics registers node metrics with the default Prometheus
// registry under the given namespace. Register once per process; nodes
// sharing a process may share the result.
func NewPrometheusMetrics(namespace string) *Metrics {
	counter := func(name, help string, labels ...string) metrics.Counter {
		return prometheus.NewCounterFrom(prom.CounterOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      name,
			Help:      help,
		}, labels)
	}
	gauge := func(name, help string) metrics.Gauge {
		return prometheus.NewGaugeFrom(prom.GaugeOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      name,
			Help:      help,
		}, nil)
	}
	return &Metrics{
		Sent:        counter("messages_sent_total", "Messages handed to the transport.", "op"),
		Received:    counter("messages_received_total", "Messages received from peers.", "op"),
		Dropped:     counter("messages_dropped_total", "Received messages ignored as stale, duplicate or unaddressable.", "op"),
		Collections: counter("collections_total", "Garbage collection sweeps."),
		Collected:   counter("collected_containers_total", "Containers dropped by garbage collection."),
		Resident:    gauge("resident_containers", "Containers held in the registry."),
		Pending:     gauge("pending_references", "Referenced containers still being fetched."),
	}
}
