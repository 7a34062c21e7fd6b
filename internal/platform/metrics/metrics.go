// Package metrics provides Prometheus metrics collection for the control plane.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every collector the dispatch subsystem touches.
type Metrics struct {
	// HTTP boundary
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Broker adapter
	BrokerReconnectsTotal prometheus.Counter
	BrokerPublishTotal    *prometheus.CounterVec
	BrokerDroppedTotal    *prometheus.CounterVec

	// Ingestion dispatcher
	IngestAcceptedTotal *prometheus.CounterVec
	IngestRejectedTotal *prometheus.CounterVec
	IngestClampedTotal  *prometheus.CounterVec

	// Time-series writer
	TSBatchesFlushedTotal *prometheus.CounterVec
	TSPointsWrittenTotal  *prometheus.CounterVec
	TSPointsDroppedTotal  *prometheus.CounterVec
	TSFlushDuration       *prometheus.HistogramVec

	// Alert engine
	AlertTransitionsTotal *prometheus.CounterVec
	AlertsOpen            prometheus.Gauge

	// Job tracker
	JobTransitionsTotal *prometheus.CounterVec
	JobsActive          prometheus.Gauge

	// Command router
	CommandsEnqueuedTotal *prometheus.CounterVec
	CommandsAckedTotal    *prometheus.CounterVec
	CommandsTimedOutTotal *prometheus.CounterVec

	// WebSocket hub
	WebsocketClients prometheus.Gauge

	// Robot agent
	AgentTaskOverrunsTotal   *prometheus.CounterVec
	AgentOutboundDroppedTotal *prometheus.CounterVec
	AgentSimulatedCapabilities *prometheus.GaugeVec

	// Error metrics shared across components
	ErrorsTotal *prometheus.CounterVec
}

// New creates a Metrics instance registered against the default registerer.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance against a custom registerer,
// used by tests that want an isolated registry per case.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"service", "method", "path", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"service", "method", "path"}),
		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Current number of HTTP requests being processed",
		}),
		BrokerReconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_reconnects_total",
			Help: "Total number of broker reconnection attempts",
		}),
		BrokerPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_publish_total",
			Help: "Total number of messages published to the broker",
		}, []string{"stream", "status"}),
		BrokerDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_dropped_total",
			Help: "Total number of messages dropped by drop-oldest backpressure",
		}, []string{"topic", "direction"}),
		IngestAcceptedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_accepted_total",
			Help: "Total number of accepted ingestion messages",
		}, []string{"stream"}),
		IngestRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_rejected_total",
			Help: "Total number of rejected ingestion messages",
		}, []string{"stream", "reason"}),
		IngestClampedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_clamped_total",
			Help: "Total number of field values clamped to schema bounds",
		}, []string{"sensor"}),
		TSBatchesFlushedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timeseries_batches_flushed_total",
			Help: "Total number of flushed write batches",
		}, []string{"status"}),
		TSPointsWrittenTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timeseries_points_written_total",
			Help: "Total number of points written",
		}, []string{"measurement"}),
		TSPointsDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timeseries_points_dropped_total",
			Help: "Total number of points dropped after exhausting retry budget",
		}, []string{"measurement"}),
		TSFlushDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "timeseries_flush_duration_seconds",
			Help:    "Batch flush duration in seconds",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 2},
		}, []string{"measurement"}),
		AlertTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alert_transitions_total",
			Help: "Total number of alert state machine transitions",
		}, []string{"metric", "from", "to"}),
		AlertsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alerts_open",
			Help: "Current number of open (unresolved) alerts",
		}),
		JobTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "job_transitions_total",
			Help: "Total number of job state transitions",
		}, []string{"to_status"}),
		JobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobs_active",
			Help: "Current number of active jobs",
		}),
		CommandsEnqueuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commands_enqueued_total",
			Help: "Total number of commands enqueued for delivery",
		}, []string{"type"}),
		CommandsAckedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commands_acked_total",
			Help: "Total number of commands acknowledged",
		}, []string{"status"}),
		CommandsTimedOutTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commands_timed_out_total",
			Help: "Total number of commands that timed out waiting for an ack",
		}, []string{"type"}),
		WebsocketClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "websocket_clients",
			Help: "Current number of connected dashboard websocket clients",
		}),
		AgentTaskOverrunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_task_overruns_total",
			Help: "Total number of scheduled agent tasks that missed their soft deadline",
		}, []string{"task"}),
		AgentOutboundDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_outbound_dropped_total",
			Help: "Total number of agent samples dropped by drop-oldest outbound backpressure",
		}, []string{"stream"}),
		AgentSimulatedCapabilities: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agent_simulated_capabilities",
			Help: "1 if a capability is running in simulated mode, 0 if real",
		}, []string{"capability"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Total number of errors by component and code",
		}, []string{"service", "component", "code"}),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal, m.RequestDuration, m.RequestsInFlight,
			m.BrokerReconnectsTotal, m.BrokerPublishTotal, m.BrokerDroppedTotal,
			m.IngestAcceptedTotal, m.IngestRejectedTotal, m.IngestClampedTotal,
			m.TSBatchesFlushedTotal, m.TSPointsWrittenTotal, m.TSPointsDroppedTotal, m.TSFlushDuration,
			m.AlertTransitionsTotal, m.AlertsOpen,
			m.JobTransitionsTotal, m.JobsActive,
			m.CommandsEnqueuedTotal, m.CommandsAckedTotal, m.CommandsTimedOutTotal,
			m.WebsocketClients,
			m.AgentTaskOverrunsTotal, m.AgentOutboundDroppedTotal, m.AgentSimulatedCapabilities,
			m.ErrorsTotal,
		)
	}

	return m
}
