package agent

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonypi-fleet/control-plane/internal/platform/logging"
	"github.com/tonypi-fleet/control-plane/internal/platform/metrics"
)

func newTestMetrics() *metrics.Metrics {
	return metrics.NewWithRegistry("agent-test", prometheus.NewRegistry())
}

func TestScheduler_OverrunSkipsNextTick(t *testing.T) {
	var runs int32
	interval := 20 * time.Millisecond

	task := Task{
		Name:     "slow",
		Interval: interval,
		Run: func(ctx context.Context, actx *AgentContext) error {
			n := atomic.AddInt32(&runs, 1)
			if n == 1 {
				// Overrun the interval on the first tick; the scheduler
				// must skip whichever ticks land during this run rather
				// than queuing them up for afterward.
				time.Sleep(3 * interval)
			}
			return nil
		},
	}

	logger := logging.New("agent-test", "error", "text")
	s := NewScheduler(&AgentContext{}, logger, newTestMetrics(), []Task{task})

	ctx, cancel := context.WithTimeout(context.Background(), 5*interval+interval/2)
	defer cancel()
	s.Run(ctx)

	// Naively ticking every 20ms for ~110ms would fire 5 times; because the
	// first run occupies 3 intervals, at most 2-3 runs should have actually
	// executed, never 5.
	final := atomic.LoadInt32(&runs)
	assert.Less(t, int(final), 5)
	assert.GreaterOrEqual(t, int(final), 1)
}

func TestScheduler_NeverRunsTwoTasksConcurrently(t *testing.T) {
	var active int32
	var maxActive int32

	observe := func(ctx context.Context, actx *AgentContext) error {
		n := atomic.AddInt32(&active, 1)
		for {
			cur := atomic.LoadInt32(&maxActive)
			if n <= cur || atomic.CompareAndSwapInt32(&maxActive, cur, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return nil
	}

	logger := logging.New("agent-test", "error", "text")
	s := NewScheduler(&AgentContext{}, logger, newTestMetrics(), []Task{
		{Name: "a", Interval: 3 * time.Millisecond, Run: observe},
		{Name: "b", Interval: 4 * time.Millisecond, Run: observe},
		{Name: "c", Interval: 5 * time.Millisecond, Run: observe},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	assert.LessOrEqual(t, int(atomic.LoadInt32(&maxActive)), 1)
}

func TestScheduler_ErrorOnOneTaskDoesNotAffectAnother(t *testing.T) {
	var failingRuns, okRuns int32

	logger := logging.New("agent-test", "error", "text")
	s := NewScheduler(&AgentContext{}, logger, newTestMetrics(), []Task{
		{Name: "failing", Interval: 5 * time.Millisecond, Run: func(ctx context.Context, actx *AgentContext) error {
			atomic.AddInt32(&failingRuns, 1)
			return assert.AnError
		}},
		{Name: "ok", Interval: 5 * time.Millisecond, Run: func(ctx context.Context, actx *AgentContext) error {
			atomic.AddInt32(&okRuns, 1)
			return nil
		}},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	require.Greater(t, int(atomic.LoadInt32(&failingRuns)), 0)
	require.Greater(t, int(atomic.LoadInt32(&okRuns)), 0)
}
