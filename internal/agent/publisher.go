package agent

import (
	"context"
	"sync"

	"github.com/tonypi-fleet/control-plane/internal/broker"
	"github.com/tonypi-fleet/control-plane/internal/platform/logging"
	"github.com/tonypi-fleet/control-plane/internal/platform/metrics"
)

const outboundQueueLen = 32

// outboundSample is one queued publish, keyed by stream so drop-oldest
// backpressure only ever discards a same-stream sample, never a different
// one.
type outboundSample struct {
	stream  broker.Stream
	topic   string
	payload []byte
}

// publisher decouples the scheduler from broker I/O: Publish never blocks
// the calling task, matching the scheduling contract that sampling must
// never stall on broker publication. Each stream gets its own bounded,
// drop-oldest queue and worker goroutine so a slow stream cannot starve a
// fast one.
type publisher struct {
	adapter *broker.Adapter
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	queues map[broker.Stream]chan outboundSample
}

func newPublisher(adapter *broker.Adapter, logger *logging.Logger, m *metrics.Metrics) *publisher {
	return &publisher{
		adapter: adapter,
		logger:  logger,
		metrics: m,
		queues:  make(map[broker.Stream]chan outboundSample),
	}
}

// Publish enqueues payload for topic without blocking. If the stream's
// queue is full, the oldest queued sample for that stream is dropped to
// make room, and a counter is incremented.
func (p *publisher) Publish(stream broker.Stream, topic string, payload []byte) {
	q := p.queueFor(stream)
	if enqueueDropOldest(q, outboundSample{stream: stream, topic: topic, payload: payload}) {
		if p.metrics != nil {
			p.metrics.AgentOutboundDroppedTotal.WithLabelValues(string(stream)).Inc()
		}
	}
}

// enqueueDropOldest sends s on q without blocking. If q is full, the oldest
// queued sample is discarded to make room for s (drop-oldest, never drop
// the newest). Reports whether a drop occurred.
func enqueueDropOldest(q chan outboundSample, s outboundSample) bool {
	select {
	case q <- s:
		return false
	default:
	}

	dropped := false
	select {
	case <-q:
		dropped = true
	default:
	}

	select {
	case q <- s:
	default:
	}
	return dropped
}

func (p *publisher) queueFor(stream broker.Stream) chan outboundSample {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.queues[stream]
	if !ok {
		q = make(chan outboundSample, outboundQueueLen)
		p.queues[stream] = q
		go p.drain(q)
	}
	return q
}

func (p *publisher) drain(q chan outboundSample) {
	for s := range q {
		if err := p.adapter.Publish(context.Background(), s.topic, s.payload, broker.QoS1); err != nil {
			p.logger.WithError(err).WithFields(map[string]interface{}{"topic": s.topic}).
				Warn("agent: publish failed, sample lost")
		}
	}
}
