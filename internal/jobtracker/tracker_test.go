package jobtracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonypi-fleet/control-plane/internal/entitystore"
	"github.com/tonypi-fleet/control-plane/internal/model"
	"github.com/tonypi-fleet/control-plane/internal/platform/logging"
)

type fakePublisher struct {
	mu      sync.Mutex
	updates []model.Job
}

func (f *fakePublisher) PublishJobUpdate(_ context.Context, j model.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, j)
}

func newTestTracker() (*Tracker, entitystore.Store, *fakePublisher) {
	store := entitystore.NewMemoryStore()
	pub := &fakePublisher{}
	logger := logging.New("jobtracker-test", "error", "text")
	tr := New(store, pub, logger, nil, time.Minute)
	tr.flushInterval = 5 * time.Millisecond
	return tr, store, pub
}

func TestHandleEvent_StartThenCompleteIsTerminalOnce(t *testing.T) {
	tr, store, _ := newTestTracker()
	ctx := context.Background()

	tr.HandleEvent(ctx, model.JobEvent{
		Type: model.JobEventStart, RobotID: "robot_1", TaskName: "patrol",
		ItemsTotal: 4, Timestamp: time.Now(),
	})

	j, ok := tr.GetByRobot("robot_1")
	require.True(t, ok)
	assert.Equal(t, model.JobActive, j.Status)

	tr.HandleEvent(ctx, model.JobEvent{
		Type: model.JobEventComplete, RobotID: "robot_1", ItemsDone: 4, Timestamp: time.Now(),
	})
	// A duplicate terminal event must not error or double-transition.
	tr.HandleEvent(ctx, model.JobEvent{
		Type: model.JobEventComplete, RobotID: "robot_1", ItemsDone: 4, Timestamp: time.Now(),
	})

	j, ok = tr.GetByRobot("robot_1")
	require.True(t, ok)
	assert.True(t, j.Status.IsTerminal())
	assert.Equal(t, model.JobCompleted, j.Status)

	stored, err := store.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, stored.Status)
}

func TestHandleEvent_FreshActiveJobRejectsNewStart(t *testing.T) {
	tr, store, _ := newTestTracker()
	ctx := context.Background()
	now := time.Now()

	tr.HandleEvent(ctx, model.JobEvent{Type: model.JobEventStart, RobotID: "robot_1", TaskName: "first", ItemsTotal: 2, Timestamp: now})
	first, _ := tr.GetByRobot("robot_1")

	// Second start arrives well within the stale timeout: must be rejected,
	// leaving the first job untouched and still active.
	tr.HandleEvent(ctx, model.JobEvent{Type: model.JobEventStart, RobotID: "robot_1", TaskName: "second", ItemsTotal: 10, Timestamp: now.Add(time.Second)})

	current, ok := tr.GetByRobot("robot_1")
	require.True(t, ok)
	assert.Equal(t, first.ID, current.ID)
	assert.Equal(t, "first", current.TaskName)
	assert.Equal(t, model.JobActive, current.Status)

	stored, err := store.GetJob(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobActive, stored.Status)
}

func TestHandleEvent_StaleJobForceCancelledAndSuperseded(t *testing.T) {
	tr, store, _ := newTestTracker()
	tr.staleTimeout = 10 * time.Millisecond
	ctx := context.Background()
	now := time.Now()

	tr.HandleEvent(ctx, model.JobEvent{Type: model.JobEventStart, RobotID: "robot_1", TaskName: "first", ItemsTotal: 2, Timestamp: now})
	first, _ := tr.GetByRobot("robot_1")

	// Second start arrives after the stale timeout has elapsed: the prior
	// job must be force-cancelled with reason "superseded" in the store, and
	// the new job becomes the tracked active job.
	tr.HandleEvent(ctx, model.JobEvent{Type: model.JobEventStart, RobotID: "robot_1", TaskName: "second", ItemsTotal: 10, Timestamp: now.Add(time.Hour)})
	second, ok := tr.GetByRobot("robot_1")
	require.True(t, ok)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, "second", second.TaskName)
	assert.Equal(t, model.JobActive, second.Status)

	staleStored, err := store.GetJob(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, staleStored.Status)
	assert.Equal(t, "superseded", staleStored.CancelReason)
}

func TestHandleEvent_ProgressIsMonotonicAndCoalesced(t *testing.T) {
	tr, store, _ := newTestTracker()
	ctx := context.Background()

	tr.HandleEvent(ctx, model.JobEvent{Type: model.JobEventStart, RobotID: "robot_1", TaskName: "scan", ItemsTotal: 10, Timestamp: time.Now()})
	j, _ := tr.GetByRobot("robot_1")

	tr.HandleEvent(ctx, model.JobEvent{Type: model.JobEventProgress, RobotID: "robot_1", ItemsDone: 5, Timestamp: time.Now()})
	tr.HandleEvent(ctx, model.JobEvent{Type: model.JobEventProgress, RobotID: "robot_1", ItemsDone: 3, Timestamp: time.Now()}) // stale, lower count

	updated, ok := tr.GetByRobot("robot_1")
	require.True(t, ok)
	assert.Equal(t, 5, updated.ItemsDone, "items_done must never regress")

	time.Sleep(30 * time.Millisecond)
	stored, err := store.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, stored.ItemsDone, "coalesced flush eventually reaches the store")
}

func TestRestore_SeedsFromEntityStoreActiveJobs(t *testing.T) {
	store := entitystore.NewMemoryStore()
	ctx := context.Background()
	_, err := store.UpsertJob(ctx, model.Job{
		RobotID: "robot_9", TaskName: "resumed", Status: model.JobActive,
		ItemsTotal: 5, ItemsDone: 2, StartTime: time.Now(),
	})
	require.NoError(t, err)

	logger := logging.New("jobtracker-test", "error", "text")
	tr := New(store, nil, logger, nil, time.Minute)
	require.NoError(t, tr.Restore(ctx))

	j, ok := tr.GetByRobot("robot_9")
	require.True(t, ok)
	assert.Equal(t, "resumed", j.TaskName)
}
