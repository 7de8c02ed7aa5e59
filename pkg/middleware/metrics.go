package middleware

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig configures the notebook metrics set.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "nodebook").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for cell execution duration.
	// Default: prometheus.DefBuckets.
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer.
	Registry prometheus.Registerer
}

// MetricsOption configures the notebook metrics set.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) { c.Namespace = namespace }
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) { c.Subsystem = subsystem }
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) { c.ConstLabels = labels }
}

// WithBuckets sets the duration histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) { c.Buckets = buckets }
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) { c.Registry = registry }
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "nodebook",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics is the notebook runtime's Prometheus instrumentation. All record
// methods are nil-receiver safe, so callers can hold an optional *Metrics
// and record unconditionally.
//
// Metrics collected:
//   - nodebook_cell_executions_total: Counter of cell runs by cell and status
//   - nodebook_cell_execution_duration_seconds: Histogram of cell run duration by cell
//   - nodebook_formula_evaluations_total: Counter of formula evaluations by engine and status
//   - nodebook_store_sets_total: Counter of accepted reactive writes
//   - nodebook_store_notifications_total: Counter of subscriber notifications fanned out
//   - nodebook_websocket_clients: Gauge of connected feed clients
type Metrics struct {
	cellExecutions *prometheus.CounterVec
	cellDuration   *prometheus.HistogramVec
	formulaEvals   *prometheus.CounterVec
	storeSets      prometheus.Counter
	notifications  prometheus.Counter
	wsClients      prometheus.Gauge
}

// NewMetrics registers the notebook metrics set and returns the recorder.
func NewMetrics(opts ...MetricsOption) *Metrics {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}

	factory := promauto.With(config.Registry)
	return &Metrics{
		cellExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "cell_executions_total",
			Help:        "Total number of code cell executions",
			ConstLabels: config.ConstLabels,
		}, []string{"cell", "status"}),

		cellDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "cell_execution_duration_seconds",
			Help:        "Code cell execution duration in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"cell"}),

		formulaEvals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "formula_evaluations_total",
			Help:        "Total number of formula evaluations",
			ConstLabels: config.ConstLabels,
		}, []string{"engine", "status"}),

		storeSets: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "store_sets_total",
			Help:        "Total number of accepted reactive value writes",
			ConstLabels: config.ConstLabels,
		}),

		notifications: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "store_notifications_total",
			Help:        "Total number of subscriber notifications fanned out",
			ConstLabels: config.ConstLabels,
		}),

		wsClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "websocket_clients",
			Help:        "Number of connected websocket feed clients",
			ConstLabels: config.ConstLabels,
		}),
	}
}

// ObserveCellExecution records one settled cell run. The signature matches
// the cell engine's execution hook.
func (m *Metrics) ObserveCellExecution(cellID string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.cellDuration.WithLabelValues(cellID).Observe(d.Seconds())
	m.cellExecutions.WithLabelValues(cellID, statusLabel(err)).Inc()
}

// FormulaEvalHook returns an evaluation hook for the named engine, matching
// the formula engines' hook signature.
func (m *Metrics) FormulaEvalHook(engine string) func(name string, d time.Duration, err error) {
	if m == nil {
		return nil
	}
	return func(_ string, _ time.Duration, err error) {
		m.formulaEvals.WithLabelValues(engine, statusLabel(err)).Inc()
	}
}

// StoreSetHook returns a write hook for the reactive store, counting
// accepted writes and the notifications they fan out.
func (m *Metrics) StoreSetHook() func(name string, version uint64, subscribers int) {
	if m == nil {
		return nil
	}
	return func(_ string, _ uint64, subscribers int) {
		m.storeSets.Inc()
		m.notifications.Add(float64(subscribers))
	}
}

// ClientConnected records a websocket feed client attaching.
func (m *Metrics) ClientConnected() {
	if m == nil {
		return
	}
	m.wsClients.Inc()
}

// ClientDisconnected records a websocket feed client detaching.
func (m *Metrics) ClientDisconnected() {
	if m == nil {
		return
	}
	m.wsClients.Dec()
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
