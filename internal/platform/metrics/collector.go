// Package metrics exposes Prometheus instruments for claim adjudication and
// the HTTP surface.
package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rcm/rcm/internal/adjudication"
)

const namespace = "rcm"

// Collector holds all metrics for the claims service. Each Collector owns
// its registry so tests can build as many as they like.
type Collector struct {
	registry *prometheus.Registry

	claimsEvaluated *prometheus.CounterVec
	claimsRejected  prometheus.Counter
	paidAmount      *prometheus.CounterVec
	enrichOutcomes  *prometheus.CounterVec
	batchDuration   prometheus.Histogram
	batchSize       prometheus.Histogram

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		claimsEvaluated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "adjudication",
			Name:      "claims_evaluated_total",
			Help:      "Claims evaluated, by error type",
		}, []string{"tenant", "error_type"}),
		claimsRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "adjudication",
			Name:      "claims_rejected_total",
			Help:      "Raw claims that failed normalization",
		}),
		paidAmount: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "adjudication",
			Name:      "paid_amount_total",
			Help:      "Sum of paid amounts evaluated, by error type",
		}, []string{"tenant", "error_type"}),
		enrichOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "enrichment",
			Name:      "outcomes_total",
			Help:      "Explanation refinement attempts, by outcome",
		}, []string{"outcome"}),
		batchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "adjudication",
			Name:      "batch_duration_seconds",
			Help:      "Duration of batch evaluations",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		batchSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "adjudication",
			Name:      "batch_size",
			Help:      "Number of raw claims per batch",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests, by route and status",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// ObserveBatch records a completed batch evaluation.
func (c *Collector) ObserveBatch(tenant string, report *adjudication.BatchReport, elapsed time.Duration) {
	if report == nil {
		return
	}
	c.batchDuration.Observe(elapsed.Seconds())
	c.batchSize.Observe(float64(len(report.Evaluated) + len(report.Rejected)))
	c.claimsRejected.Add(float64(len(report.Rejected)))
	for _, ev := range report.Evaluated {
		c.ObserveResult(tenant, ev.Record, ev.Result)
	}
}

// ObserveResult records a single classification.
func (c *Collector) ObserveResult(tenant string, rec adjudication.ClaimRecord, res adjudication.ValidationResult) {
	et := string(res.ErrorType)
	c.claimsEvaluated.WithLabelValues(tenant, et).Inc()
	c.paidAmount.WithLabelValues(tenant, et).Add(rec.PaidAmount().InexactFloat64())
}

// ObserveEnrichment matches the adjudication.WithObserver hook.
func (c *Collector) ObserveEnrichment(outcome adjudication.EnrichOutcome) {
	c.enrichOutcomes.WithLabelValues(string(outcome)).Inc()
}

// Middleware records request counts and latency by route template.
func (c *Collector) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ec echo.Context) error {
			start := time.Now()
			err := next(ec)

			status := ec.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := ec.Path()
			if route == "" {
				route = "unmatched"
			}
			method := ec.Request().Method
			c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			c.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() echo.HandlerFunc {
	h := promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
	return echo.WrapHandler(h)
}
