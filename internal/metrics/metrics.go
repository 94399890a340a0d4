package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const namespace = "intelwatch"

// Collector provides a central place for all application metrics
type Collector struct {
	// Tracker metrics
	TrackerLinesRead  *prometheus.CounterVec
	TrackerBytesRead  prometheus.Counter
	TrackerReadErrors prometheus.Counter
	TrackerSources    prometheus.Gauge
	TrackerDirReady   prometheus.Gauge

	// Parser metrics
	ParserMessages *prometheus.CounterVec
	ParserSkipped  prometheus.Counter

	// Resolver metrics
	ResolverInFlight      prometheus.Gauge
	ResolverQueries       *prometheus.CounterVec
	ResolverQueryDuration *prometheus.HistogramVec
	ResolverStale         prometheus.Counter
	ResolverCoalesced     prometheus.Counter
	ResolverCacheHits     prometheus.Counter
	PilotsCached          prometheus.Gauge

	// Alert metrics
	AlertsEmitted    *prometheus.CounterVec
	AlertsSuppressed *prometheus.CounterVec

	// Pipeline metrics
	Generation    prometheus.Gauge
	StaleMessages prometheus.Counter
	PositionState prometheus.Gauge
	PositionMoves prometheus.Counter
	OutputEvents  *prometheus.CounterVec
	StreamClients prometheus.Gauge

	// Dead letter metrics
	DeadLettered   *prometheus.CounterVec
	DeadLetterSize prometheus.Gauge

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec

	// System metrics
	SystemGoroutines prometheus.Gauge
	SystemMemAlloc   prometheus.Gauge

	registry *prometheus.Registry
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector on its own registry
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
	}

	c.initTrackerMetrics()
	c.initParserMetrics()
	c.initResolverMetrics()
	c.initAlertMetrics()
	c.initPipelineMetrics()
	c.initCircuitBreakerMetrics()
	c.initSystemMetrics()

	return c
}

func (c *Collector) initTrackerMetrics() {
	c.TrackerLinesRead = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "lines_read_total",
			Help:      "Total number of complete lines read from log files",
		},
		[]string{"channel"},
	)

	c.TrackerBytesRead = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "bytes_read_total",
			Help:      "Total bytes consumed from log files",
		},
	)

	c.TrackerReadErrors = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "read_errors_total",
			Help:      "Total number of failed reads of tracked files",
		},
	)

	c.TrackerSources = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "sources",
			Help:      "Number of log files currently tracked",
		},
	)

	c.TrackerDirReady = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "directory_ready",
			Help:      "Whether the log directory is present and watched (1) or missing (0)",
		},
	)
}

func (c *Collector) initParserMetrics() {
	c.ParserMessages = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "parser",
			Name:      "messages_total",
			Help:      "Total number of lines parsed into messages",
		},
		[]string{"kind"},
	)

	c.ParserSkipped = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "parser",
			Name:      "lines_skipped_total",
			Help:      "Total number of lines that matched no grammar",
		},
	)
}

func (c *Collector) initResolverMetrics() {
	c.ResolverInFlight = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "in_flight",
			Help:      "Number of pilots currently being checked",
		},
	)

	c.ResolverQueries = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "queries_total",
			Help:      "Total reputation queries by service and result",
		},
		[]string{"service", "result"},
	)

	c.ResolverQueryDuration = promauto.With(c.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "query_duration_seconds",
			Help:      "Time taken by a reputation query",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		},
		[]string{"service"},
	)

	c.ResolverStale = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "stale_results_total",
			Help:      "Total query results discarded for a generation mismatch",
		},
	)

	c.ResolverCoalesced = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "coalesced_total",
			Help:      "Total resolve calls joined to an in-flight lookup",
		},
	)

	c.ResolverCacheHits = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "cache_hits_total",
			Help:      "Total resolve calls answered from a fresh cache entry",
		},
	)

	c.PilotsCached = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "pilots_cached",
			Help:      "Number of pilot entries in the cache",
		},
	)
}

func (c *Collector) initAlertMetrics() {
	c.AlertsEmitted = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "emitted_total",
			Help:      "Total alerts emitted",
		},
		[]string{"reason", "severity"},
	)

	c.AlertsSuppressed = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "suppressed_total",
			Help:      "Total alerts or sounds suppressed inside their window",
		},
		[]string{"domain"},
	)
}

func (c *Collector) initPipelineMetrics() {
	c.Generation = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "generation",
			Help:      "Current parse generation",
		},
	)

	c.StaleMessages = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stale_messages_total",
			Help:      "Total messages dropped for a generation mismatch",
		},
	)

	c.PositionState = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "position",
			Name:      "state",
			Help:      "Map position state (0=idle, 1=animating, 2=settled)",
		},
	)

	c.PositionMoves = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "position",
			Name:      "moves_total",
			Help:      "Total map transitions started",
		},
	)

	c.OutputEvents = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "output",
			Name:      "events_total",
			Help:      "Total envelopes published by output and result",
		},
		[]string{"output", "result"},
	)

	c.StreamClients = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "clients",
			Help:      "Number of connected websocket clients",
		},
	)

	c.DeadLettered = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dead_letter",
			Name:      "enqueued_total",
			Help:      "Total envelopes parked after an output failed them",
		},
		[]string{"output"},
	)

	c.DeadLetterSize = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dead_letter",
			Name:      "size",
			Help:      "Number of envelopes waiting in the dead letter queue",
		},
	)
}

func (c *Collector) initCircuitBreakerMetrics() {
	c.CircuitBreakerState = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "circuit_breaker",
			Name:      "state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)
}

func (c *Collector) initSystemMetrics() {
	c.SystemGoroutines = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "goroutines_total",
			Help:      "Current number of goroutines",
		},
	)

	c.SystemMemAlloc = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "memory_allocated_bytes",
			Help:      "Bytes of allocated heap objects",
		},
	)
}

// Start begins collecting system metrics periodically
func (c *Collector) Start(interval time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopCh != nil {
		return
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}

	stopCh := make(chan struct{})
	c.stopCh = stopCh

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.collectSystemMetrics()
			case <-stopCh:
				return
			}
		}
	}()
}

// Stop stops the periodic collection
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopCh != nil {
		close(c.stopCh)
		c.stopCh = nil
	}
}

// collectSystemMetrics gathers runtime metrics
func (c *Collector) collectSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	c.SystemGoroutines.Set(float64(runtime.NumGoroutine()))
	c.SystemMemAlloc.Set(float64(m.Alloc))
}

// Registry returns the Prometheus registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
