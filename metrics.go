package shellcache

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "shellcache"

// MetricsPath is where the router exposes the worker's metrics.
const MetricsPath = "/_shellcache/metrics"

type metrics struct {
	registry     *prometheus.Registry
	responses    *prometheus.CounterVec
	installs     *prometheus.CounterVec
	deleted      prometheus.Counter
	updateChecks *prometheus.CounterVec
	cacheAssets  *prometheus.CounterVec
}

func newMetrics(generation GenerationKey, clients *Clients) *metrics {
	labels := prometheus.Labels{"cache": generation.CacheName}
	m := &metrics{
		registry: prometheus.NewRegistry(),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "responses_total",
			Help:        "Intercepted requests by where the response came from.",
			ConstLabels: labels,
		}, []string{"source"}),
		installs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "installs_total",
			Help:        "Generation installs by result.",
			ConstLabels: labels,
		}, []string{"result"}),
		deleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "generations_deleted_total",
			Help:        "Stale generations deleted on activation.",
			ConstLabels: labels,
		}),
		updateChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "update_checks_total",
			Help:        "Version checks by result.",
			ConstLabels: labels,
		}, []string{"result"}),
		cacheAssets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "cache_assets_total",
			Help:        "Requests from pages to cache assets by result.",
			ConstLabels: labels,
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		m.responses,
		m.installs,
		m.deleted,
		m.updateChecks,
		m.cacheAssets,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "clients",
			Help:        "Connected page contexts.",
			ConstLabels: labels,
		}, func() float64 {
			return float64(len(clients.MatchAll("")))
		}),
	)
	return m
}

func outcome(err error) string {
	if err != nil {
		return "failed"
	}
	return "ok"
}

// Metrics returns the registry holding the worker's metrics.
func (w *Worker) Metrics() *prometheus.Registry {
	return w.metrics.registry
}

func (w *Worker) metricsHandler() http.Handler {
	return promhttp.HandlerFor(w.metrics.registry, promhttp.HandlerOpts{})
}
