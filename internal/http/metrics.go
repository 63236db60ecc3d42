package httpx

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

func (r *Router) initMetrics() {
	r.metricsOnce.Do(func() {
		r.requestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stackdrift",
			Subsystem: "engine",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"})

		r.requestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stackdrift",
			Subsystem: "engine",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"})

		r.driftVerdicts = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stackdrift",
			Subsystem: "engine",
			Name:      "drift_verdicts_total",
			Help:      "Drift evaluations by resulting status",
		}, []string{"status"})

		r.deploysTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stackdrift",
			Subsystem: "engine",
			Name:      "deploys_total",
			Help:      "Deploy invocations by terminal event",
		}, []string{"outcome"})

		collectors := []prometheus.Collector{r.requestTotal, r.requestLatency, r.driftVerdicts, r.deploysTotal}
		for _, collector := range collectors {
			if err := prometheus.Register(collector); err != nil {
				if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
					switch v := are.ExistingCollector.(type) {
					case *prometheus.CounterVec:
						switch collector {
						case r.requestTotal:
							r.requestTotal = v
						case r.driftVerdicts:
							r.driftVerdicts = v
						case r.deploysTotal:
							r.deploysTotal = v
						}
					case *prometheus.HistogramVec:
						r.requestLatency = v
					}
				}
			}
		}
		r.metricsInitialized = true
	})
}

func (r *Router) recordRequestMetrics(method, route string, status int, duration time.Duration) {
	if !r.metricsInitialized {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	r.requestTotal.With(labels).Inc()
	r.requestLatency.With(labels).Observe(duration.Seconds())
}

func (r *Router) recordVerdict(status string) {
	if !r.metricsInitialized {
		return
	}
	r.driftVerdicts.With(prometheus.Labels{"status": status}).Inc()
}

func (r *Router) recordDeploy(outcome string) {
	if !r.metricsInitialized {
		return
	}
	r.deploysTotal.With(prometheus.Labels{"outcome": outcome}).Inc()
}
