// Package metrics holds the Prometheus collectors of the engine and the API.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

const namespace = "turbine"

// Run outcome labels.
const (
	RunOK      = "ok"
	RunPartial = "partial" // some turbines failed
	RunFailed  = "failed"
)

// Metrics groups all collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	readingsIngested prometheus.Counter
	runs             *prometheus.CounterVec
	turbineFailures  *prometheus.CounterVec
	faultRecords     *prometheus.CounterVec
	runDuration      prometheus.Histogram
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		readingsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_ingested_total",
			Help:      "Raw SCADA readings accepted for storage.",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Analysis runs by outcome.",
		}, []string{"status"}),
		turbineFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turbine_failures_total",
			Help:      "Turbines dropped from a run, by pipeline stage.",
		}, []string{"stage"}),
		faultRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fault_records_total",
			Help:      "Classified fault records by category.",
		}, []string{"category"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_run_duration_seconds",
			Help:      "Wall time of analysis runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request durations by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(
		m.readingsIngested,
		m.runs,
		m.turbineFailures,
		m.faultRecords,
		m.runDuration,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// ReadingsIngested adds n stored readings.
func (m *Metrics) ReadingsIngested(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.readingsIngested.Add(float64(n))
}

// RunFinished records one run outcome and its duration.
func (m *Metrics) RunFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
	m.runDuration.Observe(d.Seconds())
}

// TurbineFailed counts a turbine dropped at stage.
func (m *Metrics) TurbineFailed(stage string) {
	if m == nil {
		return
	}
	m.turbineFailures.WithLabelValues(stage).Inc()
}

// FaultsRecorded adds n fault records of category.
func (m *Metrics) FaultsRecorded(category string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.faultRecords.WithLabelValues(category).Add(float64(n))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler counts and times requests served by next under route.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		m.httpRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the exposition of g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// WriteText writes every family of g to w in the text exposition format.
func WriteText(w io.Writer, g prometheus.Gatherer) error {
	mfs, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
