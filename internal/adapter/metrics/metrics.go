// Package metrics exposes conversion outcomes to Prometheus:
//
//	convertflow_conversions_total{mode,outcome}
//	convertflow_conversion_duration_seconds{mode}
//	convertflow_lock_busy_total
//	convertflow_rollbacks_total{result}
//	convertflow_history_persist_failures_total
//	go_* and process_* runtime metrics
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/simaogato/convertflow-backend/internal/domain"
)

const namespace = "convertflow"

// Collector implements conversion.Metrics
type Collector struct {
	registry *prometheus.Registry

	conversions     *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	lockBusy        prometheus.Counter
	rollbacks       *prometheus.CounterVec
	persistFailures prometheus.Counter
}

// New registers the conversion collectors on a fresh registry
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		conversions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversions_total",
			Help:      "Conversion attempts by mode and outcome",
		}, []string{"mode", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "conversion_duration_seconds",
			Help:      "Time spent executing a conversion",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode"}),
		lockBusy: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_busy_total",
			Help:      "Conversions rejected because another one was running for the same owner",
		}),
		rollbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Compensating credits by result",
		}, []string{"result"}),
		persistFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_persist_failures_total",
			Help:      "Completed conversions whose history record could not be written",
		}),
	}
}

// ObserveConversion counts one finished attempt
func (c *Collector) ObserveConversion(mode domain.ConversionMode, outcome string, elapsed time.Duration) {
	m := string(mode)
	if m == "" {
		m = "unknown"
	}
	c.conversions.WithLabelValues(m, outcome).Inc()
	c.duration.WithLabelValues(m).Observe(elapsed.Seconds())
}

func (c *Collector) IncLockBusy() {
	c.lockBusy.Inc()
}

func (c *Collector) IncRollback(result string) {
	c.rollbacks.WithLabelValues(result).Inc()
}

func (c *Collector) IncHistoryPersistFailure() {
	c.persistFailures.Inc()
}

// Handler serves the registry in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
