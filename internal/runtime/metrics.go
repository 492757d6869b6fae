package runtime

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/agentflow/internal/graph"
)

const metricsNamespace = "agentflow"

// Metrics holds the Prometheus collectors for handlers, workflow runs, the
// correlator and webhook deliveries.
type Metrics struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	registered bool

	handlerInFlight *prometheus.GaugeVec
	handlerTotal    *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	nodeTotal       *prometheus.CounterVec
	nodeDuration    *prometheus.HistogramVec
	runTotal        *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	pending         prometheus.Gauge
	deliveries      *prometheus.CounterVec
}

func newCounterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

func newHistogramVec(subsystem, name, help string, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, labels)
}

// NewMetrics creates collectors on a fresh registry that also carries the Go
// runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return NewMetricsWith(reg, reg)
}

// NewMetricsWith creates collectors that register on registerer and are
// served from gatherer.
func NewMetricsWith(registerer prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	return &Metrics{
		registerer: registerer,
		gatherer:   gatherer,
		handlerInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "dispatcher",
			Name:      "handlers_in_flight",
			Help:      "Handlers currently running",
		}, []string{"handler"}),
		handlerTotal:    newCounterVec("dispatcher", "handled_total", "Messages handled by outcome", "handler", "outcome"),
		handlerDuration: newHistogramVec("dispatcher", "handler_duration_seconds", "Handler execution time", "handler"),
		nodeTotal:       newCounterVec("workflow", "node_runs_total", "Node executions by outcome", "graph", "node", "outcome"),
		nodeDuration:    newHistogramVec("workflow", "node_duration_seconds", "Node execution time", "graph", "node"),
		runTotal:        newCounterVec("workflow", "runs_total", "Workflow runs by outcome", "graph", "outcome"),
		runDuration:     newHistogramVec("workflow", "run_duration_seconds", "Workflow run time", "graph"),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "correlator",
			Name:      "pending_requests",
			Help:      "Requests waiting for a correlated response",
		}),
		deliveries: newCounterVec("delivery", "webhooks_total", "Webhook deliveries by kind and outcome", "kind", "outcome"),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		return nil
	}
	for _, c := range []prometheus.Collector{
		m.handlerInFlight, m.handlerTotal, m.handlerDuration,
		m.nodeTotal, m.nodeDuration, m.runTotal, m.runDuration,
		m.pending, m.deliveries,
	} {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

// Registerer is where the collectors live.
func (m *Metrics) Registerer() prometheus.Registerer { return m.registerer }

// Handler serves the gathered metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// JobHooks records handler metrics.
func (m *Metrics) JobHooks() JobHooks {
	return MetricsHooks(
		func(handler string) { m.handlerInFlight.WithLabelValues(handler).Inc() },
		func(handler string, d time.Duration) { m.observeHandler(handler, "success", d) },
		func(handler string, d time.Duration) { m.observeHandler(handler, "error", d) },
	)
}

func (m *Metrics) observeHandler(handler, outcome string, d time.Duration) {
	m.handlerInFlight.WithLabelValues(handler).Dec()
	m.handlerTotal.WithLabelValues(handler, outcome).Inc()
	m.handlerDuration.WithLabelValues(handler).Observe(d.Seconds())
}

// GraphCallbacks records node and run metrics.
func (m *Metrics) GraphCallbacks() graph.Callbacks {
	return graph.Callbacks{
		OnNodeDone: func(ev graph.NodeEvent) {
			m.nodeTotal.WithLabelValues(ev.Graph, ev.Node, "success").Inc()
			m.nodeDuration.WithLabelValues(ev.Graph, ev.Node).Observe(ev.Duration.Seconds())
		},
		OnNodeError: func(ev graph.NodeEvent, _ error) {
			m.nodeTotal.WithLabelValues(ev.Graph, ev.Node, "error").Inc()
			m.nodeDuration.WithLabelValues(ev.Graph, ev.Node).Observe(ev.Duration.Seconds())
		},
		OnRunDone: func(ev graph.RunEvent, err error) {
			outcome := "success"
			if err != nil {
				outcome = "error"
			}
			m.runTotal.WithLabelValues(ev.Graph, outcome).Inc()
			m.runDuration.WithLabelValues(ev.Graph).Observe(ev.Duration.Seconds())
		},
	}
}

// SetPending records the correlator's pending count.
func (m *Metrics) SetPending(n int) { m.pending.Set(float64(n)) }

// ObserveDelivery counts one webhook delivery.
func (m *Metrics) ObserveDelivery(kind string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.deliveries.WithLabelValues(kind, outcome).Inc()
}
