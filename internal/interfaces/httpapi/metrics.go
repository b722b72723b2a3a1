package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for ledgerd. It implements the
// application observer and the node client's call observer so one instance
// can be handed to every component.
type Metrics struct {
	gatherer prometheus.Gatherer

	classificationsTotal *prometheus.CounterVec
	cancellationsTotal   *prometheus.CounterVec
	pendingSubmissions   prometheus.Gauge
	nodeCallsTotal       *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
}

// NewMetrics registers collectors on registry. A nil registry gets a private
// one so tests can build servers repeatedly.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	factory := promauto.With(registry)

	return &Metrics{
		gatherer: registry,
		classificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "txledger_classifications_total",
				Help: "Classification calls by outcome",
			},
			[]string{"outcome"},
		),
		cancellationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "txledger_cancellations_total",
				Help: "Cancellation attempts by outcome",
			},
			[]string{"outcome"},
		),
		pendingSubmissions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "txledger_pending_submissions",
				Help: "Nonce slots currently tracked as pending",
			},
		),
		nodeCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "txledger_node_calls_total",
				Help: "Ledger node RPC calls by method and status",
			},
			[]string{"method", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "txledger_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"route", "method", "status"},
		),
	}
}

func (m *Metrics) OnClassified(outcome string) {
	m.classificationsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) OnCancellation(outcome string) {
	m.cancellationsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) OnPendingCount(count int) {
	m.pendingSubmissions.Set(float64(count))
}

func (m *Metrics) OnNodeCall(method string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.nodeCallsTotal.WithLabelValues(method, status).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Instrument records the duration of every request under route.
func (m *Metrics) Instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		m.httpRequestDuration.
			WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
