package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	peersRegistered prometheus.Gauge

	registrationsTotal prometheus.Counter
	unregistersTotal   prometheus.Counter
	heartbeatsTotal    *prometheus.CounterVec
	sweepsTotal        prometheus.Counter
	peersEvictedTotal  prometheus.Counter

	httpRequestDuration *prometheus.HistogramVec
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		peersRegistered: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "huddle_peers_registered",
			Help: "Number of peers currently present in the registry",
		}),

		registrationsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "huddle_registrations_total",
			Help: "Total number of register calls accepted",
		}),

		unregistersTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "huddle_unregisters_total",
			Help: "Total number of unregister calls that removed a record",
		}),

		heartbeatsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_heartbeats_total",
			Help: "Total number of heartbeat calls by result",
		}, []string{"result"}),

		sweepsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "huddle_sweeps_total",
			Help: "Total number of background sweep passes",
		}),

		peersEvictedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "huddle_peers_evicted_total",
			Help: "Total number of stale peers evicted by sweep",
		}),

		httpRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "huddle_http_request_duration_seconds",
			Help:    "Duration of presence API requests",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"method", "path", "status"}),
	}
}

func (p *PrometheusCollector) RecordRegister() {
	p.registrationsTotal.Inc()
}

func (p *PrometheusCollector) RecordUnregister() {
	p.unregistersTotal.Inc()
}

func (p *PrometheusCollector) RecordHeartbeat(found bool) {
	result := "ok"
	if !found {
		result = "not_found"
	}
	p.heartbeatsTotal.WithLabelValues(result).Inc()
}

func (p *PrometheusCollector) RecordSweep(evicted int) {
	p.sweepsTotal.Inc()
	p.peersEvictedTotal.Add(float64(evicted))
}

func (p *PrometheusCollector) SetPeerCount(n int) {
	p.peersRegistered.Set(float64(n))
}

func (p *PrometheusCollector) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	p.httpRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}
