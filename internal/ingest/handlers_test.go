package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonypi-fleet/control-plane/internal/broker"
	"github.com/tonypi-fleet/control-plane/internal/model"
	"github.com/tonypi-fleet/control-plane/internal/platform/logging"
	"github.com/tonypi-fleet/control-plane/internal/platform/metrics"
)

type fakeWriter struct {
	mu     sync.Mutex
	points []model.Point
}

func (f *fakeWriter) Write(_ context.Context, p model.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points = append(f.points, p)
	return nil
}
func (f *fakeWriter) Flush(context.Context) error { return nil }
func (f *fakeWriter) Close() error                { return nil }

func (f *fakeWriter) snapshot() []model.Point {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Point, len(f.points))
	copy(out, f.points)
	return out
}

func newTestDispatcher() (*Dispatcher, *fakeWriter) {
	w := &fakeWriter{}
	logger := logging.New("ingest-test", "error", "text")
	d := New(nil, w, nil, nil, nil, logger, metrics.NewWithRegistry("ingest-test", prometheus.NewRegistry()), "tonypi")
	return d, w
}

func TestHandleSensor_RejectsUnknownSensorType(t *testing.T) {
	d, w := newTestDispatcher()
	payload, _ := json.Marshal(map[string]interface{}{
		"timestamp":   time.Now(),
		"sensor_type": "made_up_sensor",
		"value":       10,
	})
	d.handleSensor(context.Background(), broker.Message{Topic: "tonypi/sensors/robot_1", Payload: payload})
	assert.Empty(t, w.snapshot())
}

func TestHandleSensor_ClampsOutOfRangeValue(t *testing.T) {
	d, w := newTestDispatcher()
	payload, _ := json.Marshal(map[string]interface{}{
		"timestamp":   time.Now(),
		"sensor_type": "ultrasonic_distance",
		"value":       9000,
	})
	d.handleSensor(context.Background(), broker.Message{Topic: "tonypi/sensors/robot_1", Payload: payload})

	points := w.snapshot()
	require.Len(t, points, 1)
	assert.Equal(t, 500.0, points[0].Fields["ultrasonic_distance"])
}

func TestHandleSensor_AcceptsInRangeValue(t *testing.T) {
	d, w := newTestDispatcher()
	payload, _ := json.Marshal(map[string]interface{}{
		"timestamp":   time.Now(),
		"sensor_type": "cpu_temperature",
		"value":       55.5,
	})
	d.handleSensor(context.Background(), broker.Message{Topic: "tonypi/sensors/robot_1", Payload: payload})

	points := w.snapshot()
	require.Len(t, points, 1)
	assert.Equal(t, 55.5, points[0].Fields["cpu_temperature"])
}

func TestHandleServo_ClampsPosition(t *testing.T) {
	d, w := newTestDispatcher()
	payload, _ := json.Marshal(map[string]interface{}{
		"timestamp": time.Now(),
		"servos": map[string]interface{}{
			"servo_1": map[string]interface{}{"id": 1, "position": 5000, "temperature": 30, "voltage": 7.4},
		},
	})
	d.handleServo(context.Background(), broker.Message{Topic: "tonypi/servos/robot_1", Payload: payload})

	points := w.snapshot()
	require.Len(t, points, 1)
	assert.Equal(t, 1023.0, points[0].Fields["position"])
	assert.Equal(t, "1", points[0].Tags["servo_id"])
	assert.Equal(t, "servo_1", points[0].Tags["servo_name"])
}

func TestHandleServo_EmitsOnePointPerServo(t *testing.T) {
	d, w := newTestDispatcher()
	payload, _ := json.Marshal(map[string]interface{}{
		"timestamp": time.Now(),
		"servos": map[string]interface{}{
			"servo_1": map[string]interface{}{"id": 1, "position": 100, "temperature": 30, "voltage": 7.4, "torque_enabled": true, "offset": 2, "angle_min": -90, "angle_max": 90},
			"servo_2": map[string]interface{}{"id": 2, "position": 200, "temperature": 32, "voltage": 7.5, "torque_enabled": false, "offset": -1, "angle_min": -90, "angle_max": 90},
		},
	})
	d.handleServo(context.Background(), broker.Message{Topic: "tonypi/servos/robot_1", Payload: payload})

	points := w.snapshot()
	require.Len(t, points, 2, "each servo must be addressable as its own point")
	for _, p := range points {
		assert.NotEmpty(t, p.Tags["servo_id"])
		assert.NotEmpty(t, p.Tags["servo_name"])
		assert.Contains(t, p.Fields, "offset")
		assert.Contains(t, p.Fields, "angle_min")
		assert.Contains(t, p.Fields, "angle_max")
		assert.Contains(t, p.Fields, "torque_enabled")
	}
}

func TestHandleSensor_MalformedTopicIsRejected(t *testing.T) {
	d, w := newTestDispatcher()
	d.handleSensor(context.Background(), broker.Message{Topic: "tonypi/sensors", Payload: []byte(`{}`)})
	assert.Empty(t, w.snapshot())
}
