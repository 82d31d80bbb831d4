package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs and invoice work.
type Metrics struct {
	runs      *prometheus.CounterVec
	failures  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	invoices  *prometheus.CounterVec
	renders   *prometheus.CounterVec
	renderDur *prometheus.HistogramVec
	retries   prometheus.Counter
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// InvoiceCreated counts a newly numbered invoice. created is false when an
// existing invoice was returned for the sale.
func (m *Metrics) InvoiceCreated(created bool) {
	if m == nil {
		return
	}
	outcome := "created"
	if !created {
		outcome = "existing"
	}
	m.invoices.WithLabelValues(outcome).Inc()
}

// ObserveRender records one PDF render attempt.
func (m *Metrics) ObserveRender(engine string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.renders.WithLabelValues(engine, result).Inc()
	m.renderDur.WithLabelValues(engine).Observe(elapsed.Seconds())
}

// NumberingRetry counts a retried numbering transaction.
func (m *Metrics) NumberingRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tillpoint_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tillpoint_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tillpoint_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	invoices := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tillpoint_invoices_total",
		Help: "Invoice creation requests by outcome.",
	}, []string{"outcome"})
	renders := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tillpoint_invoice_pdf_renders_total",
		Help: "Invoice PDF render attempts by engine and result.",
	}, []string{"engine", "result"})
	renderDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tillpoint_invoice_pdf_render_seconds",
		Help:    "Duration in seconds of invoice PDF renders.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"engine"})
	retries := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tillpoint_invoice_numbering_retries_total",
		Help: "Numbering transactions retried after a concurrent allocation.",
	})
	registerer.MustRegister(runs, failures, duration, invoices, renders, renderDur, retries)
	return &Metrics{
		runs:      runs,
		failures:  failures,
		duration:  duration,
		invoices:  invoices,
		renders:   renders,
		renderDur: renderDur,
		retries:   retries,
	}
}
