package entitystore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonypi-fleet/control-plane/internal/model"
)

func TestUpsertRobotOnSeen_ConcurrentCallsAreIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.UpsertRobotOnSeen(ctx, "robot_1", "10.0.0.5:9000", time.Now())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	robots, err := store.ListRobots(ctx)
	require.NoError(t, err)
	require.Len(t, robots, 1)
	assert.Equal(t, "robot_1", robots[0].RobotID)
	assert.Equal(t, model.RobotOnline, robots[0].Status)
}

func TestCreateAlert_DedupesConcurrentOpens(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_, err := store.UpsertRobotOnSeen(ctx, "robot_1", "", time.Now())
	require.NoError(t, err)

	var wg sync.WaitGroup
	created := make([]bool, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, isNew, err := store.CreateAlert(ctx, model.Alert{
				RobotID:  "robot_1",
				Metric:   "cpu_temperature",
				Severity: model.SeverityWarning,
				Value:    85,
			})
			assert.NoError(t, err)
			created[idx] = isNew
		}(i)
	}
	wg.Wait()

	newCount := 0
	for _, c := range created {
		if c {
			newCount++
		}
	}
	assert.Equal(t, 1, newCount, "exactly one caller should have created the alert")

	open, err := store.ListOpenAlerts(ctx, "robot_1")
	require.NoError(t, err)
	require.Len(t, open, 1)

	// Every alert references a robot that exists in the store.
	_, err = store.GetRobot(ctx, open[0].RobotID)
	assert.NoError(t, err)
}

func TestResolveAlert_AllowsReopeningAfterResolve(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	a, isNew, err := store.CreateAlert(ctx, model.Alert{
		RobotID: "robot_1", Metric: "battery_level", Severity: model.SeverityCritical,
	})
	require.NoError(t, err)
	require.True(t, isNew)

	require.NoError(t, store.ResolveAlert(ctx, a.DedupKey, time.Now()))

	_, isNew, err = store.CreateAlert(ctx, model.Alert{
		RobotID: "robot_1", Metric: "battery_level", Severity: model.SeverityCritical,
	})
	require.NoError(t, err)
	assert.True(t, isNew, "a new alert can open once the previous one is resolved")
}

func TestTransitionJob_AtMostOnceTerminalTransition(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	j, err := store.UpsertJob(ctx, model.Job{
		RobotID:    "robot_1",
		TaskName:   "line_follow",
		Phase:      model.PhaseExecuting,
		Status:     model.JobActive,
		ItemsTotal: 10,
		StartTime:  time.Now(),
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, err := store.TransitionJob(ctx, j.ID, func(job *model.Job) {
				job.Status = model.JobCompleted
				job.ItemsDone = job.ItemsTotal
				now := time.Now()
				job.EndTime = &now
			})
			results[idx] = err
		}(i)
	}
	wg.Wait()

	successes := 0
	conflicts := 0
	for _, err := range results {
		switch err {
		case nil:
			successes++
		case ErrConflict:
			conflicts++
		}
	}
	assert.Equal(t, 1, successes, "exactly one transition should win the terminal state race")
	assert.Equal(t, 9, conflicts)

	final, err := store.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.True(t, final.Status.IsTerminal())
	assert.Equal(t, 100.0, final.PercentComplete)
}
