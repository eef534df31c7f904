// Package metrics exports Prometheus metrics for the cache pipeline. Values
// are fed from the event bus; nothing in the pipeline calls it directly.
package metrics

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hanpama/normcache/internal/eventbus"
	"github.com/hanpama/normcache/internal/events"
)

const namespace = "normcache"

// Metrics holds the collectors registered with one registry.
type Metrics struct {
	operations       *prometheus.CounterVec
	operationSeconds *prometheus.HistogramVec
	deduplicated     prometheus.Counter
	network          *prometheus.CounterVec
	payloads         *prometheus.CounterVec
	writes           *prometheus.CounterVec
	changed          prometheus.Counter
	records          prometheus.Gauge
	notifications    prometheus.Counter
	collected        prometheus.Counter
	httpRequests     *prometheus.CounterVec
	httpOperations   prometheus.Counter
	grpcCalls        *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "environment",
			Name:      "operations_total",
			Help:      "Operations executed by outcome",
		}, []string{"type", "outcome"}),
		operationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "environment",
			Name:      "operation_duration_seconds",
			Help:      "Time from execute to result",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		deduplicated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "environment",
			Name:      "deduplicated_total",
			Help:      "Executions that joined an in-flight operation",
		}),
		network: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "network",
			Name:      "requests_total",
			Help:      "Network executions by transport and outcome",
		}, []string{"transport", "outcome"}),
		payloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "network",
			Name:      "payloads_total",
			Help:      "Payloads received by transport",
		}, []string{"transport"}),
		writes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "writes_total",
			Help:      "Store writes by outcome",
		}, []string{"outcome"}),
		changed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "changed_records_total",
			Help:      "Records changed by writes",
		}),
		records: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "records",
			Help:      "Records held by the store",
		}),
		notifications: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "notifications_total",
			Help:      "Snapshots delivered to subscribers",
		}),
		collected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "gc_removed_total",
			Help:      "Records removed by garbage collection",
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "http_requests_total",
			Help:      "HTTP requests served by method and status",
		}, []string{"method", "status"}),
		httpOperations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "graphql_operations_total",
			Help:      "GraphQL operations received over HTTP, batch entries counted one by one",
		}),
		grpcCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "grpc",
			Name:      "client_calls_total",
			Help:      "gRPC client calls by method and code",
		}, []string{"method", "code"}),
	}
}

// Register feeds m from bus and returns a function detaching it.
func (m *Metrics) Register(bus *eventbus.Bus) func() {
	unsubs := []func(){
		eventbus.On(bus, func(_ context.Context, e events.OperationStart) {
			if e.Deduplicated {
				m.deduplicated.Inc()
			}
		}),
		eventbus.On(bus, func(_ context.Context, e events.OperationFinish) {
			m.operations.WithLabelValues(e.OperationType, outcome(e.Err)).Inc()
			m.operationSeconds.WithLabelValues(e.OperationType).Observe(e.Duration.Seconds())
		}),
		eventbus.On(bus, func(_ context.Context, e events.NetworkFinish) {
			m.network.WithLabelValues(e.Transport, outcome(e.Err)).Inc()
			m.payloads.WithLabelValues(e.Transport).Add(float64(e.Payloads))
		}),
		eventbus.On(bus, func(_ context.Context, e events.StoreWrite) {
			m.writes.WithLabelValues(outcome(e.Err)).Inc()
			m.changed.Add(float64(e.Changed))
			m.records.Set(float64(e.Records))
		}),
		eventbus.On(bus, func(_ context.Context, e events.StoreNotify) {
			m.notifications.Add(float64(e.Delivered))
		}),
		eventbus.On(bus, func(_ context.Context, e events.StoreGC) {
			m.collected.Add(float64(e.Removed))
			m.records.Set(float64(e.Records))
		}),
		eventbus.On(bus, func(_ context.Context, e events.HTTPFinish) {
			m.httpRequests.WithLabelValues(e.Request.Method, strconv.Itoa(e.Status)).Inc()
			m.httpOperations.Add(float64(e.Operations))
		}),
		eventbus.On(bus, func(_ context.Context, e events.GRPCClientFinish) {
			m.grpcCalls.WithLabelValues(e.Method, e.Code.String()).Inc()
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
