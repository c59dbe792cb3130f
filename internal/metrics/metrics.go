// Package metrics holds the prometheus collectors of the node. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	outcomes         *prometheus.CounterVec
	duration         *prometheus.HistogramVec
	contentFetches   *prometheus.CounterVec
	chainCursor      *prometheus.GaugeVec
	gossipDeliveries *prometheus.CounterVec
	unitRestarts     *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec

	nodeCPU        prometheus.Gauge
	nodeMemUsed    prometheus.Gauge
	nodeDiskUsed   prometheus.Gauge
	acceptedStored prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "ingest_outcomes_total", Help: "Pipeline outcomes"},
			[]string{"provenance", "status", "reason"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "ingest_duration_seconds", Help: "Pipeline latency", Buckets: prometheus.DefBuckets},
			[]string{"status"},
		),
		contentFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "content_fetch_total", Help: "Content store fetches"},
			[]string{"backend", "result"},
		),
		chainCursor: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "chain_cursor", Help: "Last confirmed height per chain"},
			[]string{"chain"},
		),
		gossipDeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "gossip_deliveries_total", Help: "Gossip deliveries"},
			[]string{"topic", "result"},
		),
		unitRestarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "scheduler_unit_restarts_total", Help: "Supervised unit restarts"},
			[]string{"unit"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "http_requests_total", Help: "HTTP requests"},
			[]string{"path", "status"},
		),
		nodeCPU:        prometheus.NewGauge(prometheus.GaugeOpts{Name: "node_cpu_percent", Help: "Host CPU usage"}),
		nodeMemUsed:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "node_memory_used_bytes", Help: "Host memory in use"}),
		nodeDiskUsed:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "node_disk_used_bytes", Help: "Used bytes on the storage volume"}),
		acceptedStored: prometheus.NewGauge(prometheus.GaugeOpts{Name: "node_accepted_messages", Help: "Accepted messages in the durable store"}),
	}
	reg.MustRegister(
		m.outcomes, m.duration, m.contentFetches, m.chainCursor, m.gossipDeliveries,
		m.unitRestarts, m.httpRequests, m.nodeCPU, m.nodeMemUsed, m.nodeDiskUsed, m.acceptedStored,
	)
	return m
}

// Outcome records one pipeline result.
func (m *Metrics) Outcome(provenance, status, reason string, took time.Duration) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(provenance, status, reason).Inc()
	m.duration.WithLabelValues(status).Observe(took.Seconds())
}

// ContentFetch records a content store lookup. result is "ok", "miss",
// "integrity" or "error".
func (m *Metrics) ContentFetch(backend, result string) {
	if m == nil {
		return
	}
	m.contentFetches.WithLabelValues(backend, result).Inc()
}

func (m *Metrics) ChainCursor(chain string, height uint64) {
	if m == nil {
		return
	}
	m.chainCursor.WithLabelValues(chain).Set(float64(height))
}

func (m *Metrics) GossipDelivery(topic, result string) {
	if m == nil {
		return
	}
	m.gossipDeliveries.WithLabelValues(topic, result).Inc()
}

func (m *Metrics) UnitRestart(unit string) {
	if m == nil {
		return
	}
	m.unitRestarts.WithLabelValues(unit).Inc()
}

// NodeStats publishes host statistics gathered by the stats job.
func (m *Metrics) NodeStats(cpuPercent float64, memUsed, diskUsed uint64, accepted int64) {
	if m == nil {
		return
	}
	m.nodeCPU.Set(cpuPercent)
	m.nodeMemUsed.Set(float64(memUsed))
	m.nodeDiskUsed.Set(float64(diskUsed))
	m.acceptedStored.Set(float64(accepted))
}

// Handler serves /metrics from gatherer and a /healthz probe that reports
// the result of health.
func (m *Metrics) Handler(gatherer prometheus.Gatherer, health func() error) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if health != nil {
			if err := health(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return m.instrument(mux)
}

func (m *Metrics) instrument(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		m.httpRequests.WithLabelValues(r.URL.Path, strconv.Itoa(ww.status)).Inc()
	})
}

// responseWriter captures the status code for labelling.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
