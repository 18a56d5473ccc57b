// Package metrics records per-run counters for the ETL and optionally pushes
// them to a Prometheus Pushgateway when the run ends.
package metrics

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"

	"rmcopilot/pkg/wheelhouse"
)

const namespace = "rm_etl"

// Run holds the metrics of a single ETL invocation on its own registry, so
// nothing from the default Go collectors is pushed along with them.
//
// A nil *Run is valid and records nothing.
type Run struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	retries         *prometheus.CounterVec
	listingsWritten prometheus.Counter
	rowsWritten     prometheus.Counter
	lastSuccess     prometheus.Gauge
	runDuration     prometheus.Gauge
}

// New registers the run metrics on a fresh registry.
func New() *Run {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Run{
		registry: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Upstream API responses by endpoint and HTTP status.",
		}, []string{"endpoint", "status"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Requests retried after a 429 response.",
		}, []string{"endpoint"}),
		listingsWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listings_written_total",
			Help:      "Listing artifacts written.",
		}),
		rowsWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_written_total",
			Help:      "Metric rows written across all artifacts.",
		}),
		lastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last run that completed without error.",
		}),
		runDuration: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of the last run.",
		}),
	}
}

// Registry exposes the underlying registry.
func (r *Run) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Observer adapts the run metrics to the API client's hooks.
func (r *Run) Observer() wheelhouse.Observer {
	if r == nil {
		return wheelhouse.Observer{}
	}
	return wheelhouse.Observer{
		OnResponse: func(endpoint string, status int) {
			r.requests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
		},
		OnRetry: func(endpoint string, _ int, _ time.Duration) {
			r.retries.WithLabelValues(endpoint).Inc()
		},
	}
}

// ListingWritten counts one artifact holding rows rows.
func (r *Run) ListingWritten(rows int) {
	if r == nil {
		return
	}
	r.listingsWritten.Inc()
	r.rowsWritten.Add(float64(rows))
}

// Finish records the run duration and, when err is nil, the success time.
func (r *Run) Finish(start, end time.Time, err error) {
	if r == nil {
		return
	}
	r.runDuration.Set(end.Sub(start).Seconds())
	if err == nil {
		r.lastSuccess.Set(float64(end.Unix()))
	}
}

// Push sends every metric in the registry to the Pushgateway at url under
// job, replacing the previous push for that job.
func (r *Run) Push(ctx context.Context, url, job string) error {
	if r == nil || url == "" {
		return nil
	}
	if err := push.New(url, job).Gatherer(r.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("pushing metrics to %s: %w", url, err)
	}
	return nil
}
