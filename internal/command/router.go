// Package command implements the per-robot command queue: FIFO delivery
// with emergency-stop priority preemption, command_id correlation, and
// ack-timeout enforcement.
package command

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tonypi-fleet/control-plane/internal/broker"
	"github.com/tonypi-fleet/control-plane/internal/entitystore"
	"github.com/tonypi-fleet/control-plane/internal/model"
	"github.com/tonypi-fleet/control-plane/internal/platform/errors"
	"github.com/tonypi-fleet/control-plane/internal/platform/logging"
	"github.com/tonypi-fleet/control-plane/internal/platform/metrics"
	"github.com/tonypi-fleet/control-plane/internal/platform/ratelimit"
)

// DefaultAckTimeout is used when a Command's Timeout is unset.
const DefaultAckTimeout = 30 * time.Second

// idleTeardown is how long a per-robot queue goroutine waits with nothing to
// do before it tears itself down; it is recreated lazily on the next enqueue.
const idleTeardown = 10 * time.Minute

// Router owns one FIFO queue per known robot_id, publishing through the
// broker and correlating acks back to the waiter that enqueued the command.
type Router struct {
	adapter   *broker.Adapter
	store     entitystore.Store
	limiters  *ratelimit.PerRobot
	logger    *logging.Logger
	metrics   *metrics.Metrics
	namespace string
	ackTimeout time.Duration

	mu     sync.Mutex
	queues map[string]*robotQueue
}

// New creates a Router. ackTimeout of zero uses DefaultAckTimeout.
func New(adapter *broker.Adapter, store entitystore.Store, limiters *ratelimit.PerRobot, logger *logging.Logger, m *metrics.Metrics, namespace string, ackTimeout time.Duration) *Router {
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}
	return &Router{
		adapter:    adapter,
		store:      store,
		limiters:   limiters,
		logger:     logger,
		metrics:    m,
		namespace:  namespace,
		ackTimeout: ackTimeout,
		queues:     make(map[string]*robotQueue),
	}
}

// queuedCommand is one entry in a robotQueue's deque. done is the router's
// internal completion signal (consumed once by the drain loop to learn when
// it may send the next command); external is the channel handed back to the
// caller. They are kept separate so a caller reading its ack can never race
// the drain loop's own wait and stall the per-robot FIFO.
type queuedCommand struct {
	cmd      model.Command
	done     chan model.CommandAck
	external chan model.CommandAck
}

func newQueuedCommand(cmd model.Command) *queuedCommand {
	return &queuedCommand{
		cmd:      cmd,
		done:     make(chan model.CommandAck, 1),
		external: make(chan model.CommandAck, 1),
	}
}

func (qc *queuedCommand) complete(ack model.CommandAck) {
	select {
	case qc.done <- ack:
	default:
	}
	select {
	case qc.external <- ack:
	default:
	}
}

// robotQueue is one robot's command deque plus the goroutine draining it.
type robotQueue struct {
	mu      sync.Mutex
	dq      *list.List // of *queuedCommand, front = next to send
	notify  chan struct{}
	pending map[string]*queuedCommand // commandID -> in-flight waiter
	closed  bool
}

func newRobotQueue() *robotQueue {
	return &robotQueue{
		dq:      list.New(),
		notify:  make(chan struct{}, 1),
		pending: make(map[string]*queuedCommand),
	}
}

func (r *Router) queueFor(robotID string) *robotQueue {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[robotID]
	if !ok || q.closed {
		q = newRobotQueue()
		r.queues[robotID] = q
		go r.drain(robotID, q)
	}
	return q
}

// Enqueue submits cmd for delivery to its robot, returning a channel that
// receives exactly one CommandAck (including a synthesized timeout ack if
// the robot never responds within the router's ack timeout).
func (r *Router) Enqueue(ctx context.Context, cmd model.Command) (<-chan model.CommandAck, error) {
	if cmd.RobotID == "" {
		return nil, errors.RobotUnknown("")
	}
	if cmd.CommandID == "" {
		cmd.CommandID = uuid.NewString()
	}
	if cmd.Timeout <= 0 {
		cmd.Timeout = r.ackTimeout
	}
	cmd.EnqueuedAt = time.Now().UTC()

	q := r.queueFor(cmd.RobotID)
	qc := newQueuedCommand(cmd)

	q.mu.Lock()
	if cmd.Type == model.CommandEmergencyStop {
		// Priority-enqueue: splice ahead of every still-queued command, but
		// the actively in-flight command (already popped off dq, tracked
		// only in pending) is left to complete rather than interrupted.
		q.dq.PushFront(qc)
	} else {
		q.dq.PushBack(qc)
	}
	q.mu.Unlock()

	if r.metrics != nil {
		r.metrics.CommandsEnqueuedTotal.WithLabelValues(string(cmd.Type)).Inc()
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return qc.external, nil
}

// Broadcast fans a command out to every currently known robot, preserving
// each robot's own FIFO order (the command is appended to each robot's
// queue exactly like a directed command would be).
func (r *Router) Broadcast(ctx context.Context, cmd model.Command) (map[string]<-chan model.CommandAck, error) {
	robots, err := r.store.ListRobots(ctx)
	if err != nil {
		return nil, fmt.Errorf("broadcast list robots: %w", err)
	}
	out := make(map[string]<-chan model.CommandAck, len(robots))
	for _, robot := range robots {
		c := cmd
		c.RobotID = robot.RobotID
		c.CommandID = ""
		ch, err := r.Enqueue(ctx, c)
		if err != nil {
			r.logger.WithError(err).Warn("broadcast enqueue failed for robot")
			continue
		}
		out[robot.RobotID] = ch
	}
	return out, nil
}

// HandleAck correlates an inbound ack with its waiter, releasing the
// in-flight slot so the next queued command can be sent.
func (r *Router) HandleAck(robotID string, ack model.CommandAck) {
	r.mu.Lock()
	q, ok := r.queues[robotID]
	r.mu.Unlock()
	if !ok {
		return
	}

	q.mu.Lock()
	qc, ok := q.pending[ack.CommandID]
	if ok {
		delete(q.pending, ack.CommandID)
	}
	q.mu.Unlock()
	if !ok {
		return
	}

	if r.metrics != nil {
		r.metrics.CommandsAckedTotal.WithLabelValues(string(ack.Status)).Inc()
	}
	qc.complete(ack)
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// drain is the per-robot goroutine: pop the front of the deque, rate-limit,
// publish, and block until an ack arrives or the timeout fires before
// sending the next command — enforcing true FIFO (one in-flight at a time).
func (r *Router) drain(robotID string, q *robotQueue) {
	idle := time.NewTimer(idleTeardown)
	defer idle.Stop()

	for {
		q.mu.Lock()
		front := q.dq.Front()
		if front == nil {
			q.mu.Unlock()
			select {
			case <-q.notify:
				if !idle.Stop() {
					<-idle.C
				}
				idle.Reset(idleTeardown)
				continue
			case <-idle.C:
				r.mu.Lock()
				if cur, ok := r.queues[robotID]; ok && cur == q {
					q.mu.Lock()
					if q.dq.Len() == 0 {
						q.closed = true
						delete(r.queues, robotID)
					}
					q.mu.Unlock()
				}
				r.mu.Unlock()
				if q.closed {
					return
				}
				idle.Reset(idleTeardown)
				continue
			}
		}
		qc := front.Value.(*queuedCommand)
		q.dq.Remove(front)
		q.pending[qc.cmd.CommandID] = qc
		q.mu.Unlock()

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(idleTeardown)

		r.send(robotID, q, qc)
	}
}

func (r *Router) send(robotID string, q *robotQueue, qc *queuedCommand) {
	ctx := context.Background()
	if r.limiters != nil {
		if err := r.limiters.For(robotID).Wait(ctx); err != nil {
			r.logger.WithError(err).Warn("command rate limiter wait failed")
		}
	}

	payload, err := json.Marshal(map[string]interface{}{
		"command_id": qc.cmd.CommandID,
		"type":       qc.cmd.Type,
		"parameters": qc.cmd.Parameters,
	})
	if err != nil {
		r.logger.WithError(err).Error("marshal command failed")
		return
	}

	if r.adapter != nil {
		topic := broker.CommandTopic(r.namespace, robotID)
		if err := r.adapter.Publish(ctx, topic, payload, broker.QoS1); err != nil {
			r.logger.WithError(err).Warn("publish command failed")
		}
	}

	timer := time.NewTimer(qc.cmd.Timeout)
	defer timer.Stop()

	select {
	case <-timer.C:
		r.onTimeout(robotID, q, qc)
	case <-qc.done:
		// HandleAck already delivered the ack to qc.external; nothing left
		// to do here but let the next queued command be sent.
	}
}

func (r *Router) onTimeout(robotID string, q *robotQueue, qc *queuedCommand) {
	q.mu.Lock()
	_, stillPending := q.pending[qc.cmd.CommandID]
	delete(q.pending, qc.cmd.CommandID)
	q.mu.Unlock()
	if !stillPending {
		return // ack arrived in the race window, already handled
	}

	if r.metrics != nil {
		r.metrics.CommandsTimedOutTotal.WithLabelValues(string(qc.cmd.Type)).Inc()
	}
	r.logger.WithRobot(robotID).Warn("command ack timed out")
	_ = r.store.AppendAuditLog(context.Background(), model.AuditLog{
		RobotID: robotID,
		Level:   model.AuditWarning,
		Event:   "command_ack_timeout",
		Details: map[string]interface{}{"command_id": qc.cmd.CommandID, "type": string(qc.cmd.Type)},
	})

	qc.complete(model.CommandAck{CommandID: qc.cmd.CommandID, Status: model.AckTimeout})
}
