package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tonypi-fleet/control-plane/internal/model"
)

func newTestDispatcher() (*commandDispatcher, *AgentContext) {
	actx := &AgentContext{
		RobotID:   "robot_1",
		Namespace: "tonypi",
		Source:    make(map[string]Source),
		Light:     NewSimulatedGPIOLight(),
		state:     &motionState{},
	}
	return newCommandDispatcher(actx, newTestLogger()), actx
}

func TestExecute_EmergencyStopRejectsSubsequentMotion(t *testing.T) {
	d, actx := newTestDispatcher()
	ctx := context.Background()

	status, _ := d.execute(ctx, incomingCommand{CommandID: "c1", Type: model.CommandEmergencyStop})
	assert.Equal(t, model.AckSuccess, status)
	assert.True(t, actx.state.stopped())

	status, detail := d.execute(ctx, incomingCommand{CommandID: "c2", Type: model.CommandMove})
	assert.Equal(t, model.AckFailure, status)
	assert.Contains(t, detail, "emergency stop")
}

func TestExecute_ResumeClearsEmergencyStopAndAllowsMotion(t *testing.T) {
	d, actx := newTestDispatcher()
	ctx := context.Background()

	_, _ = d.execute(ctx, incomingCommand{CommandID: "c1", Type: model.CommandEmergencyStop})
	status, _ := d.execute(ctx, incomingCommand{CommandID: "c2", Type: model.CommandResume})
	assert.Equal(t, model.AckSuccess, status)
	assert.False(t, actx.state.stopped())

	status, _ = d.execute(ctx, incomingCommand{CommandID: "c3", Type: model.CommandMove, Parameters: map[string]interface{}{"x": 1.0}})
	assert.Equal(t, model.AckSuccess, status)
}

func TestExecute_UnknownCommandTypeFails(t *testing.T) {
	d, _ := newTestDispatcher()
	status, detail := d.execute(context.Background(), incomingCommand{CommandID: "c1", Type: "teleport"})
	assert.Equal(t, model.AckFailure, status)
	assert.Contains(t, detail, "unknown command type")
}
