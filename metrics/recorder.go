// Package metrics records job outcomes as Prometheus metrics, served on the admin /metrics endpoint.
package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "typeset"

// Outcome is how a job ended, as seen by the client.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeToolFailure   Outcome = "tool_failure"
	OutcomeMalformed     Outcome = "malformed_input"
	OutcomeLaunchFailure Outcome = "launch_failure"
	OutcomeCanceled      Outcome = "canceled"
	OutcomeError         Outcome = "error"
)

// Recorder is safe to use as a nil pointer, which records nothing.
type Recorder struct {
	jobs      *prom.CounterVec
	duration  *prom.HistogramVec
	truncated *prom.CounterVec
	pages     prom.Histogram
}

// NewRecorder constructs the job metrics and registers them, along with the Go runtime
// and process collectors, on reg.
func NewRecorder(reg *prom.Registry) *Recorder {
	r := &Recorder{
		jobs: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Jobs handled by kind and outcome",
		}, []string{"kind", "outcome"}),
		duration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from receiving a job to handing back its result",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"kind"}),
		truncated: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "output_truncated_total",
			Help:      "Tool runs whose diagnostic output was capped",
		}, []string{"kind"}),
		pages: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "rendered_pages",
			Help:      "Pages rendered per PDF job",
			Buckets:   prom.ExponentialBuckets(1, 4, 7),
		}),
	}
	reg.MustRegister(
		r.jobs, r.duration, r.truncated, r.pages,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Recorder) ObserveJob(kind string, outcome Outcome, d time.Duration) {
	if r == nil {
		return
	}
	r.jobs.WithLabelValues(kind, string(outcome)).Inc()
	r.duration.WithLabelValues(kind).Observe(d.Seconds())
}

func (r *Recorder) IncTruncated(kind string) {
	if r == nil {
		return
	}
	r.truncated.WithLabelValues(kind).Inc()
}

func (r *Recorder) ObservePages(n int) {
	if r == nil {
		return
	}
	r.pages.Observe(float64(n))
}

// Handler serves the metrics gathered by reg.
func Handler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
