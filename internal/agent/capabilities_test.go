package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulatedSonar_WithinSchemaBounds(t *testing.T) {
	sonar := NewSimulatedSonar()
	for i := 0; i < 20; i++ {
		v, err := sonar.Read(context.Background())
		require.NoError(t, err)
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 500.0)
	}
}

func TestSimulatedServoBus_ProducesOneReadingPerID(t *testing.T) {
	bus := NewSimulatedServoBus([]int{1, 2, 3})
	readings, err := bus.ReadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, readings, 3)
	for _, r := range readings {
		assert.GreaterOrEqual(t, r.Position, 0.0)
		assert.LessOrEqual(t, r.Position, 1023.0)
	}
}

func TestSimulatedCamera_ReportsConfidenceInUnitRange(t *testing.T) {
	cam := NewSimulatedCamera()
	r, err := cam.Capture(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, r.Confidence, 0.0)
	assert.LessOrEqual(t, r.Confidence, 1.0)
}

func TestAcquireCapabilities_FallsBackToSimulatedWithNoDevicePaths(t *testing.T) {
	cfg := Config{RobotID: "robot_1", Namespace: "tonypi", ServoIDs: []int{1, 2}}
	actx := &AgentContext{Source: make(map[string]Source), state: &motionState{}}

	acquireCapabilities(cfg, actx, newTestLogger(), nil)

	assert.Equal(t, SourceSimulated, actx.Source["imu"])
	assert.Equal(t, SourceSimulated, actx.Source["sonar"])
	assert.Equal(t, SourceSimulated, actx.Source["camera"])
	assert.Equal(t, SourceSimulated, actx.Source["servo_bus"])
	assert.Equal(t, SourceSimulated, actx.Source["light"])
	assert.NotNil(t, actx.IMU)
	assert.NotNil(t, actx.Sonar)
	assert.NotNil(t, actx.Camera)
	assert.NotNil(t, actx.ServoBus)
	assert.NotNil(t, actx.Light)
}
