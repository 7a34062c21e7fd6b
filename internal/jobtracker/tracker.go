// Package jobtracker maintains the single-writer in-memory table of
// in-flight jobs, coalescing progress events and flushing terminal
// transitions synchronously to the Entity Store.
package jobtracker

import (
	"context"
	"sync"
	"time"

	"github.com/tonypi-fleet/control-plane/internal/entitystore"
	"github.com/tonypi-fleet/control-plane/internal/model"
	"github.com/tonypi-fleet/control-plane/internal/platform/logging"
	"github.com/tonypi-fleet/control-plane/internal/platform/metrics"
)

// Publisher is the narrow slice of the broker the tracker needs to announce
// job updates to dashboards (via the WebSocket hub's feed, not the broker
// directly — kept as an interface so jobtracker has no broker dependency).
type Publisher interface {
	PublishJobUpdate(ctx context.Context, j model.Job)
}

// Tracker is the single-writer job state machine. All mutation happens on
// the caller's goroutine under a per-robot lock; there is no background
// writer goroutine serializing access, matching the spec's "single-writer
// in-memory table" requirement without introducing an actor loop.
type Tracker struct {
	store   entitystore.Store
	pub     Publisher
	logger  *logging.Logger
	metrics *metrics.Metrics

	flushInterval time.Duration
	staleTimeout  time.Duration

	mu      sync.Mutex
	locks   map[string]*sync.Mutex // per robot_id
	byRobot map[string]*model.Job  // current job per robot_id
	pending map[string]bool        // robot_id -> has an un-flushed progress update
}

// New creates a Tracker. Call Restore at startup to seed it from durable
// storage before accepting new events. staleTimeout is how old an active job
// must be before a new "start" event is allowed to force-cancel and
// supersede it; a "start" arriving for a robot with a still-fresh active job
// is rejected instead.
func New(store entitystore.Store, pub Publisher, logger *logging.Logger, m *metrics.Metrics, staleTimeout time.Duration) *Tracker {
	return &Tracker{
		store:         store,
		pub:           pub,
		logger:        logger,
		metrics:       m,
		flushInterval: 2 * time.Second,
		staleTimeout:  staleTimeout,
		locks:         make(map[string]*sync.Mutex),
		byRobot:       make(map[string]*model.Job),
		pending:       make(map[string]bool),
	}
}

// Restore reconstructs the in-memory table from the Entity Store's active
// jobs, so a server restart does not lose in-flight jobs.
func (t *Tracker) Restore(ctx context.Context) error {
	jobs, err := t.store.ListActiveJobs(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range jobs {
		j := jobs[i]
		t.byRobot[j.RobotID] = &j
	}
	if t.metrics != nil {
		t.metrics.JobsActive.Set(float64(len(jobs)))
	}
	return nil
}

func (t *Tracker) lockFor(robotID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[robotID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[robotID] = l
	}
	return l
}

// HandleEvent applies one job-stream event for its robot. A "start" event
// is rejected while the robot's active job is fresher than staleTimeout;
// an older active job is force-cancelled and superseded by the new one.
func (t *Tracker) HandleEvent(ctx context.Context, ev model.JobEvent) {
	lock := t.lockFor(ev.RobotID)
	lock.Lock()
	defer lock.Unlock()

	switch ev.Type {
	case model.JobEventStart:
		t.handleStart(ctx, ev)
	case model.JobEventProgress, model.JobEventItem:
		t.handleProgress(ctx, ev)
	case model.JobEventComplete:
		t.handleTerminal(ctx, ev, model.JobCompleted)
	case model.JobEventCancel:
		t.handleTerminal(ctx, ev, model.JobCancelled)
	case model.JobEventFail:
		t.handleTerminal(ctx, ev, model.JobFailed)
	}
}

func (t *Tracker) handleStart(ctx context.Context, ev model.JobEvent) {
	t.mu.Lock()
	current, exists := t.byRobot[ev.RobotID]
	t.mu.Unlock()

	if exists && !current.Status.IsTerminal() {
		age := ev.Timestamp.Sub(current.UpdatedAt)
		if age < t.staleTimeout {
			// The prior job is still within its stale window: reject the new
			// start rather than silently overwriting an in-flight job.
			t.logger.LogAudit(ctx, "job", "rejected start: prior job still active", map[string]interface{}{
				"robot_id": ev.RobotID, "active_job_id": current.ID, "rejected_task": ev.TaskName, "age": age.String(),
			})
			return
		}

		// Stale-job supersession: the robot started a new task and the
		// previous one never reached a terminal state within the stale
		// timeout (e.g. after a crash). Force-cancel it before starting new.
		if _, err := t.store.TransitionJob(ctx, current.ID, func(job *model.Job) {
			job.Status = model.JobCancelled
			job.CancelReason = "superseded"
			now := ev.Timestamp
			job.EndTime = &now
		}); err != nil && err != entitystore.ErrConflict {
			t.logger.WithError(err).Error("force-cancel stale job failed")
		}
		t.logger.LogAudit(ctx, "job", "superseding stale active job", map[string]interface{}{
			"robot_id": ev.RobotID, "stale_job_id": current.ID, "new_task": ev.TaskName, "age": age.String(),
		})
	}

	j := model.Job{
		RobotID:    ev.RobotID,
		TaskName:   ev.TaskName,
		Phase:      ev.Phase,
		Status:     model.JobActive,
		ItemsTotal: ev.ItemsTotal,
		StartTime:  ev.Timestamp,
		UpdatedAt:  ev.Timestamp,
	}
	saved, err := t.store.UpsertJob(ctx, j)
	if err != nil {
		t.logger.WithError(err).Error("upsert job on start failed")
		return
	}

	t.mu.Lock()
	t.byRobot[ev.RobotID] = &saved
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.JobTransitionsTotal.WithLabelValues("active").Inc()
	}
	t.notify(ctx, saved)
}

// handleProgress updates in-memory state immediately (monotonic items_done)
// but coalesces the durable flush to at most once per flushInterval, per
// the spec's "coalesced 2s progress flush" requirement.
func (t *Tracker) handleProgress(ctx context.Context, ev model.JobEvent) {
	t.mu.Lock()
	j, ok := t.byRobot[ev.RobotID]
	if !ok || j.Status.IsTerminal() {
		t.mu.Unlock()
		return
	}
	if ev.ItemsDone > j.ItemsDone {
		j.ItemsDone = ev.ItemsDone
	}
	if ev.LastItem != "" {
		j.LastItem = ev.LastItem
	}
	if ev.Phase != "" {
		j.Phase = ev.Phase
	}
	j.RecomputePercent()
	alreadyPending := t.pending[ev.RobotID]
	t.pending[ev.RobotID] = true
	jobCopy := *j
	t.mu.Unlock()

	t.notify(ctx, jobCopy)

	if alreadyPending {
		return
	}
	time.AfterFunc(t.flushInterval, func() {
		t.flushProgress(context.Background(), ev.RobotID)
	})
}

func (t *Tracker) flushProgress(ctx context.Context, robotID string) {
	lock := t.lockFor(robotID)
	lock.Lock()
	t.mu.Lock()
	j, ok := t.byRobot[robotID]
	pending := t.pending[robotID]
	t.pending[robotID] = false
	var jobCopy model.Job
	if ok {
		jobCopy = *j
	}
	t.mu.Unlock()
	lock.Unlock()

	if !ok || !pending {
		return
	}
	if _, err := t.store.UpsertJob(ctx, jobCopy); err != nil {
		t.logger.WithError(err).Error("coalesced progress flush failed")
	}
}

// handleTerminal applies an at-most-once terminal transition, flushing
// synchronously (never coalesced) per the spec.
func (t *Tracker) handleTerminal(ctx context.Context, ev model.JobEvent, status model.JobStatus) {
	t.mu.Lock()
	j, ok := t.byRobot[ev.RobotID]
	t.mu.Unlock()
	if !ok {
		return
	}
	if j.Status.IsTerminal() {
		return
	}

	final, err := t.store.TransitionJob(ctx, j.ID, func(job *model.Job) {
		job.Status = status
		if ev.ItemsDone > job.ItemsDone {
			job.ItemsDone = ev.ItemsDone
		}
		now := ev.Timestamp
		job.EndTime = &now
		job.CancelReason = ev.CancelReason
		job.Success = ev.Success
		if ev.Phase != "" {
			job.Phase = ev.Phase
		}
	})
	if err == entitystore.ErrConflict {
		return
	}
	if err != nil {
		t.logger.WithError(err).Error("terminal job transition failed")
		return
	}

	t.mu.Lock()
	t.byRobot[ev.RobotID] = &final
	delete(t.pending, ev.RobotID)
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.JobTransitionsTotal.WithLabelValues(string(status)).Inc()
	}
	t.notify(ctx, final)
}

func (t *Tracker) notify(ctx context.Context, j model.Job) {
	if t.pub != nil {
		t.pub.PublishJobUpdate(ctx, j)
	}
}

// ListActive returns every job currently tracked as active.
func (t *Tracker) ListActive() []model.Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []model.Job
	for _, j := range t.byRobot {
		if j.Status == model.JobActive {
			out = append(out, *j)
		}
	}
	return out
}

// GetByRobot returns the current (possibly terminal) job tracked for robotID.
func (t *Tracker) GetByRobot(robotID string) (model.Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.byRobot[robotID]
	if !ok {
		return model.Job{}, false
	}
	return *j, true
}
