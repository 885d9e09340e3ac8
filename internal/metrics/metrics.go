// Package metrics defines the Prometheus collectors exported by macbox.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "macbox"

// Result label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	CacheHits         prometheus.Counter
	DownloadAttempts  *prometheus.CounterVec
	DownloadedBytes   prometheus.Counter
	RunningInstances  prometheus.Gauge
	LifecycleOps      *prometheus.CounterVec
	IdentitiesCreated prometheus.Counter
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "artifact",
			Name:      "cache_hits_total",
			Help:      "Artifact acquisitions served from the local cache.",
		}),
		DownloadAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "artifact",
			Name:      "download_attempts_total",
			Help:      "Artifact download attempts by result.",
		}, []string{"result"}),
		DownloadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "artifact",
			Name:      "downloaded_bytes_total",
			Help:      "Bytes written by completed artifact downloads.",
		}),
		RunningInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "running_instances",
			Help:      "VM instances currently registered as running.",
		}),
		LifecycleOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "operations_total",
			Help:      "Start and stop operations by result.",
		}, []string{"op", "result"}),
		IdentitiesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "identity",
			Name:      "created_total",
			Help:      "Fresh machine identities provisioned.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.CacheHits,
			m.DownloadAttempts,
			m.DownloadedBytes,
			m.RunningInstances,
			m.LifecycleOps,
			m.IdentitiesCreated,
		)
	}
	return m
}

func (m *Metrics) CacheHit() {
	if m != nil {
		m.CacheHits.Inc()
	}
}

func (m *Metrics) DownloadAttempt(err error) {
	if m != nil {
		m.DownloadAttempts.WithLabelValues(result(err)).Inc()
	}
}

func (m *Metrics) Downloaded(n int64) {
	if m != nil {
		m.DownloadedBytes.Add(float64(n))
	}
}

func (m *Metrics) IdentityCreated() {
	if m != nil {
		m.IdentitiesCreated.Inc()
	}
}

// Lifecycle records a start or stop outcome.
func (m *Metrics) Lifecycle(op string, err error) {
	if m != nil {
		m.LifecycleOps.WithLabelValues(op, result(err)).Inc()
	}
}

// SetRunning sets the running instance gauge.
func (m *Metrics) SetRunning(n int) {
	if m != nil {
		m.RunningInstances.Set(float64(n))
	}
}

func result(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}

// NewServer returns an HTTP server exposing the collectors in g at /metrics.
func NewServer(addr string, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:    addr,
		Handler: mux,
	}
}

// Describe returns a short summary of the listener for logs.
func Describe(srv *http.Server) string {
	return fmt.Sprintf("http://%s/metrics", srv.Addr)
}
