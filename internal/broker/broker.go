// Package broker adapts the pub/sub dispatch subsystem onto a NATS core
// connection: a single socket per process, structured topics, drop-oldest
// ingress backpressure, and capped-exponential-backoff-with-jitter
// reconnection.
package broker

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tonypi-fleet/control-plane/internal/platform/logging"
	"github.com/tonypi-fleet/control-plane/internal/platform/metrics"
)

// QoS mirrors the spec's delivery classes. The adapter performs no wire-level
// deduplication; QoS1 consumers must be idempotent.
type QoS int

const (
	QoS0 QoS = iota
	QoS1
)

// Message is one ingress delivery handed to a subscriber's handler.
type Message struct {
	Topic   string
	Payload []byte
}

// Handler processes one ingress message. It must not block for long; slow
// handlers cause drop-oldest backpressure on their own topic's buffer.
type Handler func(ctx context.Context, msg Message)

// Config tunes the broker adapter's connection and buffering behaviour.
type Config struct {
	URL              string
	Namespace        string
	ClientName       string
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	ReconnectJitter  float64
	IngressBuffer    int // per-topic bounded ingress buffer size
	OutboundQueueLen int

	// OnReconnect, if set, runs after subscriptions are restored on every
	// successful reconnect. The agent uses this to publish a fresh status
	// message per the reconnect-without-replay contract.
	OnReconnect func()
}

// DefaultConfig mirrors the spec's reconnect parameters.
func DefaultConfig() Config {
	return Config{
		Namespace:        "tonypi",
		ReconnectInitial: time.Second,
		ReconnectMax:     120 * time.Second,
		ReconnectJitter:  0.2,
		IngressBuffer:    256,
		OutboundQueueLen: 256,
	}
}

// Adapter is the single-connection broker client used by both the
// ingestion dispatcher and the command router.
type Adapter struct {
	cfg     Config
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu            sync.Mutex
	conn          *nats.Conn
	subscriptions []subscription

	ingress map[string]*topicBuffer // keyed by subject pattern
}

type subscription struct {
	pattern string
	handler Handler
	sub     *nats.Subscription
}

// topicBuffer is a bounded, drop-oldest ingress channel for one subscription.
type topicBuffer struct {
	ch          chan Message
	onDropOldest func()
}

// New creates an Adapter. Call Run to establish the connection.
func New(cfg Config, logger *logging.Logger, m *metrics.Metrics) *Adapter {
	if cfg.IngressBuffer <= 0 {
		cfg.IngressBuffer = 256
	}
	return &Adapter{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		ingress: make(map[string]*topicBuffer),
	}
}

// Run connects to the broker and blocks until ctx is cancelled or the
// connection is permanently closed.
func (a *Adapter) Run(ctx context.Context) error {
	opts := []nats.Option{
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(a.cfg.ReconnectInitial),
		nats.CustomReconnectDelay(a.reconnectDelay),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				a.logger.WithError(err).Warn("broker disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			if a.metrics != nil {
				a.metrics.BrokerReconnectsTotal.Inc()
			}
			a.logger.Info("broker reconnected")
			a.restoreSubscriptions()
			if a.cfg.OnReconnect != nil {
				a.cfg.OnReconnect()
			}
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			a.logger.Warn("broker connection closed")
		}),
	}
	if a.cfg.ClientName != "" {
		opts = append(opts, nats.Name(a.cfg.ClientName))
	}

	conn, err := nats.Connect(a.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	<-ctx.Done()
	return a.Stop(context.Background())
}

// reconnectDelay implements capped exponential backoff with jitter, matching
// the agent's reconnect policy (initial 1s, cap 120s, jitter +-20%).
func (a *Adapter) reconnectDelay(attempts int) time.Duration {
	initial := a.cfg.ReconnectInitial
	if initial <= 0 {
		initial = time.Second
	}
	maxDelay := a.cfg.ReconnectMax
	if maxDelay <= 0 {
		maxDelay = 120 * time.Second
	}
	jitter := a.cfg.ReconnectJitter
	if jitter <= 0 {
		jitter = 0.2
	}

	delay := float64(initial) * math.Pow(2, float64(attempts))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	delta := delay * jitter
	delay = delay + (rand.Float64()*2-1)*delta
	if delay < float64(initial) {
		delay = float64(initial)
	}
	return time.Duration(delay)
}

// Stop drains ingress buffers and closes the connection.
func (a *Adapter) Stop(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, buf := range a.ingress {
		close(buf.ch)
	}
	a.ingress = make(map[string]*topicBuffer)

	if a.conn != nil {
		a.conn.Close()
	}
	return nil
}

// Subscribe registers handler for every topic matching pattern (a
// `<ns>/<stream>/<robot_id>` string where robot_id may be "*"). Ingress
// messages are delivered through a bounded, drop-oldest channel.
func (a *Adapter) Subscribe(pattern string, handler Handler) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("broker not connected")
	}

	buf := &topicBuffer{ch: make(chan Message, a.cfg.IngressBuffer)}
	if a.metrics != nil {
		buf.onDropOldest = func() {
			a.metrics.BrokerDroppedTotal.WithLabelValues(pattern, "ingress").Inc()
		}
	}

	subject := SubjectPattern(pattern)
	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		a.enqueueIngress(buf, Message{Topic: TopicFromSubject(msg.Subject), Payload: msg.Data})
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", pattern, err)
	}

	a.mu.Lock()
	a.subscriptions = append(a.subscriptions, subscription{pattern: pattern, handler: handler, sub: sub})
	a.ingress[pattern] = buf
	a.mu.Unlock()

	go a.consume(buf, handler)
	return nil
}

// enqueueIngress applies drop-oldest backpressure: when the bounded channel
// is full, the oldest buffered message is discarded to make room for msg.
func (a *Adapter) enqueueIngress(buf *topicBuffer, msg Message) {
	select {
	case buf.ch <- msg:
		return
	default:
	}

	select {
	case <-buf.ch:
		if buf.onDropOldest != nil {
			buf.onDropOldest()
		}
	default:
	}

	select {
	case buf.ch <- msg:
	default:
	}
}

func (a *Adapter) consume(buf *topicBuffer, handler Handler) {
	for msg := range buf.ch {
		handler(context.Background(), msg)
	}
}

// restoreSubscriptions re-subscribes every pattern after a reconnect. NATS
// core automatically preserves nats.Subscription objects across a managed
// reconnect, but the adapter re-registers explicitly so drop counters and
// buffers are freshly wired for a new connection generation.
func (a *Adapter) restoreSubscriptions() {
	a.mu.Lock()
	subs := make([]subscription, len(a.subscriptions))
	copy(subs, a.subscriptions)
	a.mu.Unlock()

	for _, s := range subs {
		if s.sub != nil && s.sub.IsValid() {
			continue
		}
		if err := a.Subscribe(s.pattern, s.handler); err != nil {
			a.logger.WithError(err).Error("failed to restore subscription")
		}
	}
}

// Publish sends payload on topic. QoS1 is the default for all sample,
// alert, command and acknowledgment traffic; the adapter itself performs no
// redelivery, so consumers must be idempotent.
func (a *Adapter) Publish(_ context.Context, topic string, payload []byte, _ QoS) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("broker not connected")
	}

	if err := conn.Publish(SubjectPattern(topic), payload); err != nil {
		if a.metrics != nil {
			a.metrics.BrokerPublishTotal.WithLabelValues(topic, "error").Inc()
		}
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	if a.metrics != nil {
		a.metrics.BrokerPublishTotal.WithLabelValues(topic, "ok").Inc()
	}
	return nil
}

// Connected reports whether the underlying connection is currently up.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn != nil && a.conn.IsConnected()
}
