// Package ingest turns raw broker payloads into typed samples, enforcing
// the sensor schema and ordering guarantees before handing them to the
// time-series writer, alert engine, job tracker, and entity store.
package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/tonypi-fleet/control-plane/internal/broker"
	"github.com/tonypi-fleet/control-plane/internal/entitystore"
	"github.com/tonypi-fleet/control-plane/internal/model"
	"github.com/tonypi-fleet/control-plane/internal/platform/errors"
	"github.com/tonypi-fleet/control-plane/internal/platform/logging"
	"github.com/tonypi-fleet/control-plane/internal/platform/metrics"
	"github.com/tonypi-fleet/control-plane/internal/platform/ratelimit"
	"github.com/tonypi-fleet/control-plane/internal/timeseries"
)

// AlertFeeder is the narrow slice of the Alert Engine the dispatcher drives;
// kept as an interface so ingest does not import alertengine directly (the
// dependency runs the other way: alertengine is fed BY ingest).
type AlertFeeder interface {
	Observe(ctx context.Context, robotID, metric string, value float64)
}

// JobFeeder is the narrow slice of the Job Tracker the dispatcher drives.
type JobFeeder interface {
	HandleEvent(ctx context.Context, ev model.JobEvent)
}

// Dispatcher subscribes to every sample stream and fans messages out to the
// writer/alert/job/entity-store collaborators, one goroutine per
// (robot_id, measurement) key so cross-stream disorder is tolerated while
// same-stream, same-robot ordering is preserved.
type Dispatcher struct {
	adapter *broker.Adapter
	writer  timeseries.Writer
	store   entitystore.Store
	alerts  AlertFeeder
	jobs    JobFeeder
	logger  *logging.Logger
	metrics *metrics.Metrics

	namespace string
	dropLog   *ratelimit.KeyedWindow

	mu     sync.Mutex
	queues map[string]chan func(context.Context)
}

// New creates a Dispatcher. Call Start to subscribe to the configured streams.
func New(adapter *broker.Adapter, writer timeseries.Writer, store entitystore.Store, alerts AlertFeeder, jobs JobFeeder, logger *logging.Logger, m *metrics.Metrics, namespace string) *Dispatcher {
	return &Dispatcher{
		adapter:   adapter,
		writer:    writer,
		store:     store,
		alerts:    alerts,
		jobs:      jobs,
		logger:    logger,
		metrics:   m,
		namespace: namespace,
		dropLog:   ratelimit.NewKeyedWindow(time.Minute),
		queues:    make(map[string]chan func(context.Context)),
	}
}

// Start subscribes to every known stream's wildcard topic.
func (d *Dispatcher) Start() error {
	streams := []struct {
		stream  broker.Stream
		handler func(context.Context, broker.Message)
	}{
		{broker.StreamSensors, d.handleSensor},
		{broker.StreamServos, d.handleServo},
		{broker.StreamBattery, d.handleBattery},
		{broker.StreamStatus, d.handleStatus},
		{broker.StreamLocation, d.handleLocation},
		{broker.StreamVision, d.handleVision},
		{broker.StreamJob, d.handleJob},
		{broker.StreamScan, d.handleJob},
	}

	for _, s := range streams {
		pattern := broker.Topic(d.namespace, s.stream, "*")
		h := s.handler
		if err := d.adapter.Subscribe(pattern, func(ctx context.Context, msg broker.Message) {
			d.enqueue(msg, func(ctx context.Context) { h(ctx, msg) })
		}); err != nil {
			return err
		}
	}
	return nil
}

// enqueue routes msg onto a per-(robot_id, measurement) serial queue so two
// messages for the same robot and stream are always processed in arrival
// order, while different robots/streams process concurrently. The queue is
// a bounded channel; a slow handler backs up only its own key.
func (d *Dispatcher) enqueue(msg broker.Message, work func(context.Context)) {
	key := msg.Topic // already <ns>/<stream>/<robot_id>, unique enough per key
	d.mu.Lock()
	q, ok := d.queues[key]
	if !ok {
		q = make(chan func(context.Context), 64)
		d.queues[key] = q
		go d.drain(q)
	}
	d.mu.Unlock()

	select {
	case q <- work:
	default:
		if d.metrics != nil {
			d.metrics.IngestRejectedTotal.WithLabelValues(key, "queue_full").Inc()
		}
	}
}

func (d *Dispatcher) drain(q chan func(context.Context)) {
	for work := range q {
		work(context.Background())
	}
}

func (d *Dispatcher) accept(stream string) {
	if d.metrics != nil {
		d.metrics.IngestAcceptedTotal.WithLabelValues(stream).Inc()
	}
}

// reject counts every rejection but logs at most once per minute per
// (robot_id, stream, reason), so a misbehaving robot flooding malformed
// messages cannot flood the log.
func (d *Dispatcher) reject(robotID, stream, reason string) {
	if d.metrics != nil {
		d.metrics.IngestRejectedTotal.WithLabelValues(stream, reason).Inc()
	}
	d.logDrop(context.Background(), robotID, stream, reason)
}

// logDrop logs a schema/validation-error event, throttled to at most once
// per minute per (robot_id, stream, reason) regardless of call site.
func (d *Dispatcher) logDrop(ctx context.Context, robotID, stream, reason string) {
	if d.dropLog.Allow(robotID + "|" + stream + "|" + reason) {
		d.logger.LogIngestDrop(ctx, robotID, stream, reason)
	}
}

func (d *Dispatcher) clamped(stream string) {
	if d.metrics != nil {
		d.metrics.IngestClampedTotal.WithLabelValues(stream).Inc()
	}
}

func decode(payload []byte, v interface{}) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return errors.InvalidPayload(err)
	}
	return nil
}
