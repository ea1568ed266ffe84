package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all Prometheus metrics. A nil *Registry is valid and
// records nothing.
type Registry struct {
	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	retries           *prometheus.CounterVec
	commErrors        *prometheus.CounterVec
	queueDepth        *prometheus.GaugeVec
	linkConnected     *prometheus.GaugeVec
	failedControllers *prometheus.GaugeVec
	eventsWritten     prometheus.Counter
	eventsDropped     prometheus.Counter
	writeErrors       prometheus.Counter
	batchDuration     prometheus.Histogram
	commands          *prometheus.CounterVec
	statusPublished   prometheus.Counter
}

// NewRegistry creates a new metrics registry on reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	f := promauto.With(reg)
	return &Registry{
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "commd_operations_total",
			Help: "Total number of completed operations",
		}, []string{"link", "priority", "outcome"}),
		operationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "commd_operation_duration_seconds",
			Help:    "Duration of operations from first phase to cleanup",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"link"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "commd_retries_total",
			Help: "Total number of phase retries",
		}, []string{"link"}),
		commErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "commd_comm_errors_total",
			Help: "Total number of communication errors by kind",
		}, []string{"link", "kind"}),
		queueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "commd_queue_depth",
			Help: "Pending operations per link",
		}, []string{"link"}),
		linkConnected: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "commd_link_connected",
			Help: "Whether the link messenger is open (1) or closed (0)",
		}, []string{"link"}),
		failedControllers: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "commd_failed_controllers",
			Help: "Controllers currently marked failed per link",
		}, []string{"link"}),
		eventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "commd_events_written_total",
			Help: "Total number of events and samples written to TimescaleDB",
		}),
		eventsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "commd_events_dropped_total",
			Help: "Total number of events dropped due to buffer full",
		}),
		writeErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "commd_write_errors_total",
			Help: "Total number of database write errors",
		}),
		batchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "commd_batch_duration_seconds",
			Help:    "Duration of batch write operations",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "commd_commands_total",
			Help: "Commands received over MQTT",
		}, []string{"command", "outcome"}),
		statusPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "commd_status_published_total",
			Help: "Controller status messages published",
		}),
	}
}

// IncOperation counts a completed operation
func (r *Registry) IncOperation(link, priority string, success bool) {
	if r == nil {
		return
	}
	outcome := "failed"
	if success {
		outcome = "success"
	}
	r.operations.WithLabelValues(link, priority, outcome).Inc()
}

// ObserveOperationDuration records an operation duration
func (r *Registry) ObserveOperationDuration(link string, seconds float64) {
	if r == nil {
		return
	}
	r.operationDuration.WithLabelValues(link).Observe(seconds)
}

// IncRetries increments the retry counter
func (r *Registry) IncRetries(link string) {
	if r == nil {
		return
	}
	r.retries.WithLabelValues(link).Inc()
}

// IncCommErrors increments the comm error counter for kind
func (r *Registry) IncCommErrors(link, kind string) {
	if r == nil {
		return
	}
	r.commErrors.WithLabelValues(link, kind).Inc()
}

// SetQueueDepth sets the pending operation count
func (r *Registry) SetQueueDepth(link string, depth int) {
	if r == nil {
		return
	}
	r.queueDepth.WithLabelValues(link).Set(float64(depth))
}

// SetLinkConnected sets the link connection gauge
func (r *Registry) SetLinkConnected(link string, connected bool) {
	if r == nil {
		return
	}
	v := 0.0
	if connected {
		v = 1
	}
	r.linkConnected.WithLabelValues(link).Set(v)
}

// SetFailedControllers sets the failed controller gauge
func (r *Registry) SetFailedControllers(link string, n int) {
	if r == nil {
		return
	}
	r.failedControllers.WithLabelValues(link).Set(float64(n))
}

// AddEventsWritten adds to the events written counter
func (r *Registry) AddEventsWritten(count int64) {
	if r == nil {
		return
	}
	r.eventsWritten.Add(float64(count))
}

// IncEventsDropped increments the events dropped counter
func (r *Registry) IncEventsDropped() {
	if r == nil {
		return
	}
	r.eventsDropped.Inc()
}

// IncWriteErrors increments the write errors counter
func (r *Registry) IncWriteErrors() {
	if r == nil {
		return
	}
	r.writeErrors.Inc()
}

// ObserveBatchDuration records a batch write duration
func (r *Registry) ObserveBatchDuration(seconds float64) {
	if r == nil {
		return
	}
	r.batchDuration.Observe(seconds)
}

// IncCommand counts a command received over MQTT
func (r *Registry) IncCommand(command, outcome string) {
	if r == nil {
		return
	}
	r.commands.WithLabelValues(command, outcome).Inc()
}

// IncStatusPublished counts a published controller status
func (r *Registry) IncStatusPublished() {
	if r == nil {
		return
	}
	r.statusPublished.Inc()
}
