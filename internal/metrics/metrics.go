// Package metrics defines the Prometheus instruments exported by a deployment.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Scan outcomes.
const (
	OutcomeSkipped   = "skipped"
	OutcomeUnchanged = "unchanged"
	OutcomePresent   = "present"
	OutcomeMissing   = "missing"
	OutcomeUnchecked = "unchecked"
)

// Metrics groups every instrument. All fields are safe for concurrent use.
type Metrics struct {
	FilesScanned    *prometheus.CounterVec
	ExistenceChecks *prometheus.CounterVec
	Uploads         *prometheus.CounterVec
	UploadedBytes   prometheus.Counter
	Compressions    *prometheus.CounterVec
	HashCacheTokens prometheus.Gauge
	DeployDuration  prometheus.Histogram
}

// New registers the instruments on reg. A nil reg registers on a private
// registry so callers that do not export metrics still get working counters.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		FilesScanned: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hubdeploy_files_scanned_total",
			Help: "Files classified by the scanner, by outcome.",
		}, []string{"outcome"}),
		ExistenceChecks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hubdeploy_existence_checks_total",
			Help: "Existence check requests sent to the hub, by protocol.",
		}, []string{"protocol"}),
		Uploads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hubdeploy_uploads_total",
			Help: "File uploads, by status.",
		}, []string{"status"}),
		UploadedBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "hubdeploy_uploaded_bytes_total",
			Help: "Source bytes credited as uploaded.",
		}),
		Compressions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hubdeploy_compressions_total",
			Help: "Transport artifacts produced, by compressor.",
		}, []string{"compressor"}),
		HashCacheTokens: f.NewGauge(prometheus.GaugeOpts{
			Name: "hubdeploy_hashcache_tokens",
			Help: "Tokens known to be present on the hub.",
		}),
		DeployDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "hubdeploy_deploy_duration_seconds",
			Help:    "Wall time of complete deployment runs.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
	}
}

// OrDiscard returns m, or unexported instruments when m is nil.
func OrDiscard(m *Metrics) *Metrics {
	if m == nil {
		return New(nil)
	}
	return m
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
