package agent

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/tonypi-fleet/control-plane/internal/platform/logging"
	"github.com/tonypi-fleet/control-plane/internal/platform/metrics"
)

// TaskFunc is one named periodic unit of work. It receives a context
// carrying a soft deadline (the task's own interval) and must not assume it
// will be preempted if it runs long; returning past the deadline is
// recorded as an overrun but does not stop the task mid-flight.
type TaskFunc func(ctx context.Context, actx *AgentContext) error

// Task declares one scheduled unit: a name for logging/metrics and the
// interval the scheduler fires it on.
type Task struct {
	Name     string
	Interval time.Duration
	Run      TaskFunc
}

type scheduledTask struct {
	Task
	pending int32
}

// Scheduler runs every registered task cooperatively: exactly one task
// executes at a time, on a single goroutine, because the underlying
// hardware drivers backing the capability interfaces are not reentrant.
// A task that overruns its interval causes its own next tick to be
// skipped rather than queued; a sampling error on one task never affects
// another.
type Scheduler struct {
	actx    *AgentContext
	logger  *logging.Logger
	metrics *metrics.Metrics

	tasks []*scheduledTask
	due   chan *scheduledTask
}

// NewScheduler builds a Scheduler over the given tasks. tasks is copied;
// registering more tasks after Run has started is not supported.
func NewScheduler(actx *AgentContext, logger *logging.Logger, m *metrics.Metrics, tasks []Task) *Scheduler {
	s := &Scheduler{
		actx:    actx,
		logger:  logger,
		metrics: m,
		due:     make(chan *scheduledTask),
	}
	for _, t := range tasks {
		s.tasks = append(s.tasks, &scheduledTask{Task: t})
	}
	return s
}

// Run starts one ticker goroutine per task plus the single serializing
// worker, and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	for _, st := range s.tasks {
		go s.tick(ctx, st)
	}
	s.worker(ctx)
}

// tick fires st.due at its configured interval. If the previous firing is
// still pending (the task is mid-run, or already queued on the worker),
// this tick is dropped rather than queued: intervals are not made up.
func (s *Scheduler) tick(ctx context.Context, st *scheduledTask) {
	ticker := time.NewTicker(st.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !atomic.CompareAndSwapInt32(&st.pending, 0, 1) {
				if s.metrics != nil {
					s.metrics.AgentTaskOverrunsTotal.WithLabelValues(st.Name).Inc()
				}
				s.logger.WithFields(map[string]interface{}{"task": st.Name}).
					Warn("agent: task overran its interval, skipping this tick")
				continue
			}
			select {
			case s.due <- st:
			case <-ctx.Done():
				return
			}
		}
	}
}

// worker is the single goroutine every task runs on, one at a time.
func (s *Scheduler) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-s.due:
			s.runOnce(ctx, st)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, st *scheduledTask) {
	defer atomic.StoreInt32(&st.pending, 0)

	taskCtx, cancel := context.WithTimeout(ctx, st.Interval)
	start := time.Now()
	err := st.Run(taskCtx, s.actx)
	cancel()

	if elapsed := time.Since(start); elapsed > st.Interval {
		if s.metrics != nil {
			s.metrics.AgentTaskOverrunsTotal.WithLabelValues(st.Name).Inc()
		}
		s.logger.WithFields(map[string]interface{}{"task": st.Name, "elapsed_ms": elapsed.Milliseconds()}).
			Warn("agent: task exceeded its soft deadline")
	}
	if err != nil {
		s.logger.WithError(err).WithFields(map[string]interface{}{"task": st.Name}).
			Error("agent: task sampling error")
	}
}
