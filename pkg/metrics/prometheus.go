// Package metrics provides Prometheus metrics for the alpharank service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager owns every collector exported by the service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	constLabels      map[string]string
	registry         prometheus.Registerer

	// Rating pipeline
	ratingsComputed   *prometheus.CounterVec
	ratingValue       prometheus.Histogram
	ratingAdjustment  prometheus.Histogram
	outlierFlags      *prometheus.CounterVec
	zscoreRescues     *prometheus.CounterVec
	calibrationClamps *prometheus.CounterVec
	periodsRejected   *prometheus.CounterVec

	// State stores
	stateStoreLatency *prometheus.HistogramVec
	stateStoreErrors  *prometheus.CounterVec

	// Leaderboard
	boardEntities *prometheus.GaugeVec

	// Simulation harness
	simulationRuns           *prometheus.CounterVec
	simulationActive         prometheus.Gauge
	simulationProcessed      prometheus.Counter
	simulationSkipped        *prometheus.CounterVec
	simulationPeriodDuration prometheus.Histogram

	// Upstream sources
	sourceFetchErrors  *prometheus.CounterVec
	sourceBreakerState *prometheus.GaugeVec

	// Queue and workers
	queueSize          prometheus.Gauge
	queueCapacity      prometheus.Gauge
	queueEnqueued      prometheus.Counter
	queueEnqueueErrors *prometheus.CounterVec
	workerActive       prometheus.Gauge
	workerJobs         prometheus.Counter
	workerJobLatency   prometheus.Histogram

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Errors and runtime
	errorsByComponent    *prometheus.CounterVec
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
}

var globalManager *Manager //nolint:gochecknoglobals // singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // metrics registry

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a metrics manager and registers its collectors.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "alpharank",
		subsystem:        "engine",
		histogramBuckets: []float64{0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		constLabels:      map[string]string{},
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	}, labels)
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	})
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	})
}

func (m *Manager) gaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	return promauto.With(m.registry).NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	}, labels)
}

func (m *Manager) histogram(name, help string, buckets []float64) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels, Buckets: buckets,
	})
}

func (m *Manager) histogramVec(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels, Buckets: buckets,
	}, labels)
}

func (m *Manager) initializeMetrics() { //nolint:funlen // one place for every collector
	m.ratingsComputed = m.counterVec("ratings_computed_total", "Ratings produced by the pipeline", "class")
	m.ratingValue = m.histogram("rating_value", "Distribution of published ratings",
		prometheus.LinearBuckets(10, 10, 10))
	m.ratingAdjustment = m.histogram("rating_adjustment", "Distribution of stability adjustments",
		[]float64{-8, -6, -4, -2, -1, 0, 1, 2, 4, 6, 8})
	m.outlierFlags = m.counterVec("outlier_flags_total", "Outlier flags raised", "flag")
	m.zscoreRescues = m.counterVec("zscore_rescues_total", "Inputs converted from z-scores", "class")
	m.calibrationClamps = m.counterVec("calibration_clamps_total", "Raw ratings clamped before calibration", "class")
	m.periodsRejected = m.counterVec("periods_rejected_total", "Live rating requests rejected", "reason")

	m.stateStoreLatency = m.histogramVec("state_store_latency_milliseconds", "State store operation latency",
		m.histogramBuckets, "backend", "op")
	m.stateStoreErrors = m.counterVec("state_store_errors_total", "State store operation failures", "backend", "op")

	m.boardEntities = m.gaugeVec("leaderboard_entities", "Entities ranked per class", "class")

	m.simulationRuns = m.counterVec("simulation_runs_total", "Simulation runs by terminal status", "status")
	m.simulationActive = m.gauge("simulation_runs_active", "Simulation runs currently executing")
	m.simulationProcessed = m.counter("simulation_entities_processed_total", "Entity-periods replayed")
	m.simulationSkipped = m.counterVec("simulation_entities_skipped_total", "Entity-periods skipped", "reason")
	m.simulationPeriodDuration = m.histogram("simulation_period_duration_seconds", "Wall time per replayed period",
		prometheus.ExponentialBuckets(0.01, 2, 12))

	m.sourceFetchErrors = m.counterVec("source_fetch_errors_total", "Upstream fetch failures", "source")
	m.sourceBreakerState = m.gaugeVec("source_breaker_state", "Circuit breaker state (0 closed, 1 half-open, 2 open)", "source")

	m.queueSize = m.gauge("queue_size", "Jobs waiting in the queue")
	m.queueCapacity = m.gauge("queue_capacity", "Queue capacity")
	m.queueEnqueued = m.counter("queue_enqueued_total", "Jobs accepted by the queue")
	m.queueEnqueueErrors = m.counterVec("queue_enqueue_errors_total", "Jobs rejected by the queue", "reason")
	m.workerActive = m.gauge("worker_active", "Workers running")
	m.workerJobs = m.counter("worker_jobs_total", "Jobs completed by workers")
	m.workerJobLatency = m.histogram("worker_job_latency_milliseconds", "Job processing latency", m.histogramBuckets)

	m.httpRequests = m.counterVec("http_requests_total", "HTTP requests", "endpoint", "method", "status_code")
	m.httpRequestDuration = m.histogramVec("http_request_duration_seconds", "HTTP request duration",
		prometheus.DefBuckets, "endpoint", "method", "status_code")

	m.errorsByComponent = m.counterVec("errors_total", "Errors by component and type", "component", "type")
	m.systemMemoryUsage = m.gauge("system_memory_usage_bytes", "Heap memory in use")
	m.systemGoroutineCount = m.gauge("system_goroutine_count", "Number of goroutines")
}

// RecordRating records one published rating and its stability adjustment.
func RecordRating(class string, rating, adjustment float64) {
	globalManager.ratingsComputed.WithLabelValues(class).Inc()
	globalManager.ratingValue.Observe(rating)
	globalManager.ratingAdjustment.Observe(adjustment)
}

// RecordOutlierFlag counts one raised outlier flag.
func RecordOutlierFlag(flag string) {
	globalManager.outlierFlags.WithLabelValues(flag).Inc()
}

// RecordZScoreRescue counts an input handled by the z-score path.
func RecordZScoreRescue(class string) {
	globalManager.zscoreRescues.WithLabelValues(class).Inc()
}

// RecordCalibrationClamp counts a raw rating clamped before calibration.
func RecordCalibrationClamp(class string) {
	globalManager.calibrationClamps.WithLabelValues(class).Inc()
}

// RecordPeriodRejected counts a live request refused for reason.
func RecordPeriodRejected(reason string) {
	globalManager.periodsRejected.WithLabelValues(reason).Inc()
}

// RecordStateStoreLatency records a state store operation latency.
func RecordStateStoreLatency(backend, op string, latencyMs float64) {
	globalManager.stateStoreLatency.WithLabelValues(backend, op).Observe(latencyMs)
}

// RecordStateStoreError counts a failed state store operation.
func RecordStateStoreError(backend, op string) {
	globalManager.stateStoreErrors.WithLabelValues(backend, op).Inc()
}

// UpdateBoardEntities sets the number of ranked entities for class.
func UpdateBoardEntities(class string, count int) {
	globalManager.boardEntities.WithLabelValues(class).Set(float64(count))
}

// RecordSimulationRun counts a run reaching a terminal status.
func RecordSimulationRun(status string) {
	globalManager.simulationRuns.WithLabelValues(status).Inc()
}

// AddSimulationActive adjusts the number of executing runs.
func AddSimulationActive(delta int) {
	globalManager.simulationActive.Add(float64(delta))
}

// RecordSimulationProcessed counts replayed entity-periods.
func RecordSimulationProcessed(n int) {
	globalManager.simulationProcessed.Add(float64(n))
}

// RecordSimulationSkipped counts a skipped entity-period.
func RecordSimulationSkipped(reason string) {
	globalManager.simulationSkipped.WithLabelValues(reason).Inc()
}

// RecordSimulationPeriodDuration records the wall time of one period.
func RecordSimulationPeriodDuration(seconds float64) {
	globalManager.simulationPeriodDuration.Observe(seconds)
}

// RecordSourceFetchError counts an upstream fetch failure.
func RecordSourceFetchError(source string) {
	globalManager.sourceFetchErrors.WithLabelValues(source).Inc()
}

// UpdateSourceBreakerState publishes the breaker state for source.
func UpdateSourceBreakerState(source string, state int) {
	globalManager.sourceBreakerState.WithLabelValues(source).Set(float64(state))
}

// UpdateQueueSize sets the current queue size.
func UpdateQueueSize(size int) {
	globalManager.queueSize.Set(float64(size))
}

// UpdateQueueCapacity sets the queue capacity.
func UpdateQueueCapacity(capacity int) {
	globalManager.queueCapacity.Set(float64(capacity))
}

// RecordQueueEnqueue counts an accepted job.
func RecordQueueEnqueue() {
	globalManager.queueEnqueued.Inc()
}

// RecordQueueEnqueueError counts a rejected job.
func RecordQueueEnqueueError(reason string) {
	globalManager.queueEnqueueErrors.WithLabelValues(reason).Inc()
}

// UpdateWorkerActive sets the number of running workers.
func UpdateWorkerActive(count int) {
	globalManager.workerActive.Set(float64(count))
}

// RecordWorkerJob records a completed job and its latency.
func RecordWorkerJob(latencyMs float64) {
	globalManager.workerJobs.Inc()
	globalManager.workerJobLatency.Observe(latencyMs)
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration in seconds.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// RecordErrorByComponent counts an error for component.
func RecordErrorByComponent(component, errorType string) {
	globalManager.errorsByComponent.WithLabelValues(component, errorType).Inc()
}

// UpdateSystemMemoryUsage sets heap usage in bytes.
func UpdateSystemMemoryUsage(bytes uint64) {
	globalManager.systemMemoryUsage.Set(float64(bytes))
}

// UpdateSystemGoroutineCount sets the goroutine count.
func UpdateSystemGoroutineCount(count int) {
	globalManager.systemGoroutineCount.Set(float64(count))
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
