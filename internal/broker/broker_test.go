package broker

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonypi-fleet/control-plane/internal/platform/logging"
	"github.com/tonypi-fleet/control-plane/internal/platform/metrics"
)

func newTestAdapter() *Adapter {
	logger := logging.New("broker-test", "error", "text")
	m := metrics.NewWithRegistry("broker-test", prometheus.NewRegistry())
	return New(Config{
		ReconnectInitial: 10 * time.Millisecond,
		ReconnectMax:     80 * time.Millisecond,
		ReconnectJitter:  0.2,
	}, logger, m)
}

func TestReconnectDelay_CapsAtReconnectMax(t *testing.T) {
	a := newTestAdapter()
	for attempt := 0; attempt < 20; attempt++ {
		d := a.reconnectDelay(attempt)
		// Jitter is +-20%, so allow a small margin above the cap.
		assert.LessOrEqual(t, d, 96*time.Millisecond)
		assert.GreaterOrEqual(t, d, 8*time.Millisecond)
	}
}

func TestReconnectDelay_GrowsWithAttempts(t *testing.T) {
	a := newTestAdapter()
	first := a.reconnectDelay(0)
	later := a.reconnectDelay(5)
	assert.Greater(t, later, first)
}

func TestSubscribe_FailsWhenNotConnected(t *testing.T) {
	a := newTestAdapter()
	err := a.Subscribe("tonypi/status/*", func(context.Context, Message) {})
	require.Error(t, err)
}

func TestStop_IsSafeWithoutAConnection(t *testing.T) {
	a := newTestAdapter()
	require.NoError(t, a.Stop(context.Background()))
	assert.False(t, a.Connected())
}

func TestEnqueueIngress_DropsOldestWhenBufferFull(t *testing.T) {
	a := newTestAdapter()
	dropped := 0
	buf := &topicBuffer{
		ch:           make(chan Message, 2),
		onDropOldest: func() { dropped++ },
	}

	a.enqueueIngress(buf, Message{Topic: "t", Payload: []byte("1")})
	a.enqueueIngress(buf, Message{Topic: "t", Payload: []byte("2")})
	a.enqueueIngress(buf, Message{Topic: "t", Payload: []byte("3")})

	assert.Equal(t, 1, dropped)
	first := <-buf.ch
	second := <-buf.ch
	assert.Equal(t, "2", string(first.Payload))
	assert.Equal(t, "3", string(second.Payload))
}
