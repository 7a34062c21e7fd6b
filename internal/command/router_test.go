package command

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonypi-fleet/control-plane/internal/entitystore"
	"github.com/tonypi-fleet/control-plane/internal/model"
	"github.com/tonypi-fleet/control-plane/internal/platform/logging"
	"github.com/tonypi-fleet/control-plane/internal/platform/metrics"
)

func newTestRouter(ackTimeout time.Duration) (*Router, entitystore.Store) {
	store := entitystore.NewMemoryStore()
	logger := logging.New("command-test", "error", "text")
	m := metrics.NewWithRegistry("command-test", prometheus.NewRegistry())
	r := New(nil, store, nil, logger, m, "tonypi", ackTimeout)
	return r, store
}

func TestEnqueue_HandleAckDeliversResultToCaller(t *testing.T) {
	r, _ := newTestRouter(time.Hour)
	ctx := context.Background()

	cmd := model.Command{RobotID: "robot_1", CommandID: "cmd-1", Type: model.CommandMove}
	ch, err := r.Enqueue(ctx, cmd)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return pendingCount(r, "robot_1") == 1 }, time.Second, time.Millisecond)

	r.HandleAck("robot_1", model.CommandAck{CommandID: "cmd-1", Status: model.AckSuccess})

	select {
	case ack := <-ch:
		assert.Equal(t, model.AckSuccess, ack.Status)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ack to reach the caller")
	}
}

func TestEnqueue_TimesOutWithoutAck(t *testing.T) {
	r, store := newTestRouter(20 * time.Millisecond)
	ctx := context.Background()

	cmd := model.Command{RobotID: "robot_1", CommandID: "cmd-2", Type: model.CommandStop}
	ch, err := r.Enqueue(ctx, cmd)
	require.NoError(t, err)

	select {
	case ack := <-ch:
		assert.Equal(t, model.AckTimeout, ack.Status)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the synthesized timeout ack")
	}

	logs, err := store.ListAuditLogs(ctx, "robot_1", time.Time{}, "", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "command_ack_timeout", logs[0].Event)
}

func TestEnqueue_EmergencyStopSplicesAheadOfQueuedCommands(t *testing.T) {
	r, _ := newTestRouter(time.Hour)
	ctx := context.Background()

	inFlight := model.Command{RobotID: "robot_1", CommandID: "in-flight", Type: model.CommandMove, Timeout: time.Hour}
	_, err := r.Enqueue(ctx, inFlight)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return pendingCount(r, "robot_1") == 1 }, time.Second, time.Millisecond)

	queuedMove := model.Command{RobotID: "robot_1", CommandID: "queued-move", Type: model.CommandMove, Timeout: time.Hour}
	_, err = r.Enqueue(ctx, queuedMove)
	require.NoError(t, err)

	eStop := model.Command{RobotID: "robot_1", CommandID: "e-stop", Type: model.CommandEmergencyStop, Timeout: time.Hour}
	_, err = r.Enqueue(ctx, eStop)
	require.NoError(t, err)

	r.mu.Lock()
	q := r.queues["robot_1"]
	r.mu.Unlock()

	q.mu.Lock()
	defer q.mu.Unlock()
	require.Equal(t, 2, q.dq.Len(), "the in-flight command is not in the deque")
	front := q.dq.Front().Value.(*queuedCommand)
	assert.Equal(t, model.CommandEmergencyStop, front.cmd.Type, "emergency stop must splice ahead of already-queued commands")
	assert.Equal(t, "e-stop", front.cmd.CommandID)
}

func TestBroadcast_FansOutToEveryKnownRobot(t *testing.T) {
	r, store := newTestRouter(time.Hour)
	ctx := context.Background()
	_, err := store.UpsertRobotOnSeen(ctx, "robot_a", "", time.Now())
	require.NoError(t, err)
	_, err = store.UpsertRobotOnSeen(ctx, "robot_b", "", time.Now())
	require.NoError(t, err)

	chans, err := r.Broadcast(ctx, model.Command{Type: model.CommandStatusQuery, Timeout: time.Hour})
	require.NoError(t, err)
	assert.Len(t, chans, 2)
	assert.Contains(t, chans, "robot_a")
	assert.Contains(t, chans, "robot_b")
}

func pendingCount(r *Router, robotID string) int {
	r.mu.Lock()
	q, ok := r.queues[robotID]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
