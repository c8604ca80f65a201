package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"schoolbot/server/internal/interfaces"
	"schoolbot/server/internal/models"
)

const namespace = "schoolbot"

// Collector holds the service's Prometheus metrics on its own registry.
type Collector struct {
	registry *prometheus.Registry

	// HTTP metrics
	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Assistant metrics
	Queries   *prometheus.CounterVec
	PlanSteps *prometheus.CounterVec
}

// NewCollector creates a collector with a fresh registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	queries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Total number of answered queries",
		},
		[]string{"user_type", "status"},
	)

	planSteps := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plan_steps_total",
			Help:      "Total number of executed plan steps",
		},
		[]string{"tool", "status"},
	)

	registry.MustRegister(requests, requestDuration, queries, planSteps)

	return &Collector{
		registry:        registry,
		Requests:        requests,
		RequestDuration: requestDuration,
		Queries:         queries,
		PlanSteps:       planSteps,
	}
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveHTTP records one HTTP request.
func (c *Collector) ObserveHTTP(method, endpoint string, status int, duration time.Duration) {
	c.Requests.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	c.RequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// TrackActiveSessions exports the session count read from fn at scrape time.
func (c *Collector) TrackActiveSessions(fn func() int) {
	c.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of open sessions",
		},
		func() float64 { return float64(fn()) },
	))
}

// TrackMemory exports the size of each memory tier read from fn at scrape time.
func (c *Collector) TrackMemory(fn func(tier models.MemoryType) int) {
	for _, tier := range models.AllMemoryTypes {
		tier := tier
		c.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "memory_entries",
				Help:        "Number of entries per memory tier",
				ConstLabels: prometheus.Labels{"tier": string(tier)},
			},
			func() float64 { return float64(fn(tier)) },
		))
	}
}

// TrackBreaker exports the LLM circuit breaker state (0 closed, 1 half-open, 2 open).
func (c *Collector) TrackBreaker(fn func() int) {
	c.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "llm_breaker_state",
			Help:      "LLM circuit breaker state",
		},
		func() float64 { return float64(fn()) },
	))
}

// TrackEmbeddingCache exports embedding cache hits and misses read from fn at scrape time.
func (c *Collector) TrackEmbeddingCache(fn func() (hits, misses uint64)) {
	c.registry.MustRegister(
		prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "embedding_cache_hits_total",
				Help:      "Embedding cache hits",
			},
			func() float64 { h, _ := fn(); return float64(h) },
		),
		prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "embedding_cache_misses_total",
				Help:      "Embedding cache misses",
			},
			func() float64 { _, m := fn(); return float64(m) },
		),
	)
}

// Publish turns request and plan events into counters.
func (c *Collector) Publish(e interfaces.Event) {
	switch e.Type {
	case interfaces.EventRequestCompleted:
		userType, _ := e.Data["user_type"].(string)
		status, _ := e.Data["status"].(string)
		if status == "" {
			status = "success"
		}
		c.Queries.WithLabelValues(userType, status).Inc()
	case interfaces.EventPlanCompleted:
		steps, _ := e.Data["steps"].([]map[string]any)
		for _, s := range steps {
			tool, _ := s["tool"].(string)
			status, _ := s["status"].(string)
			c.PlanSteps.WithLabelValues(tool, status).Inc()
		}
	}
}
