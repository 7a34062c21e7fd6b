package agent

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/tonypi-fleet/control-plane/internal/broker"
	"github.com/tonypi-fleet/control-plane/internal/model"
)

// criticalServoTemp is the hard-coded local pre-alert threshold from the
// agent's safety contract; the server-side Alert Engine remains the source
// of truth, this is only an advisory fast-path.
const criticalServoTemp = 70.0

func (c *AgentContext) publish(stream broker.Stream, payload interface{}) {
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	topic := broker.Topic(c.Namespace, stream, c.RobotID)
	c.pub.Publish(stream, topic, b)
}

// statusTask samples system health through gopsutil on real hardware, or
// synthesizes a plausible reading in simulated mode. It runs every 5s.
func statusTask(ctx context.Context, c *AgentContext) error {
	sample := model.StatusSample{
		RobotID:   c.RobotID,
		Timestamp: time.Now().UTC(),
		IsOnline:  true,
		IPAddress: localIPAddress(),
		Source:    c.sourceFor("status"),
	}

	if c.Source["status"] == SourceReal {
		if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
			sample.CPUPercent = pct[0]
		}
		if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
			sample.MemoryPercent = vm.UsedPercent
		}
		if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
			sample.DiskPercent = du.UsedPercent
		}
		if temps, err := host.SensorsTemperaturesWithContext(ctx); err == nil && len(temps) > 0 {
			sample.Temperature = temps[0].Temperature
		}
	} else {
		sample.CPUPercent = 15 + randFloat(20)
		sample.MemoryPercent = 30 + randFloat(25)
		sample.DiskPercent = 40 + randFloat(10)
		sample.Temperature = 45 + randFloat(10)
	}

	c.publish(broker.StreamStatus, sample)
	return nil
}

// sensorsTask samples the IMU and sonar every 1s and publishes one message
// per sensor type, clamped to the declared schema bounds so downstream
// ingestion never has to reject a well-formed agent payload.
func sensorsTask(ctx context.Context, c *AgentContext) error {
	now := time.Now().UTC()
	source := c.sourceFor("imu")

	if c.IMU != nil {
		reading, err := c.IMU.Read(ctx)
		if err != nil {
			return err
		}
		for sensorType, v := range map[string]float64{
			"accelerometer_x": reading.AccelX, "accelerometer_y": reading.AccelY, "accelerometer_z": reading.AccelZ,
			"gyroscope_x": reading.GyroX, "gyroscope_y": reading.GyroY, "gyroscope_z": reading.GyroZ,
		} {
			emitSensorSample(c, now, sensorType, v, source)
		}
	}

	if c.Sonar != nil {
		distance, err := c.Sonar.Read(ctx)
		if err != nil {
			return err
		}
		emitSensorSample(c, now, "ultrasonic_distance", distance, c.sourceFor("sonar"))
	}

	return nil
}

func emitSensorSample(c *AgentContext, ts time.Time, sensorType string, value float64, source string) {
	schema, ok := model.SensorSchemas[sensorType]
	if ok {
		value, _ = model.Clamp(value, schema.Min, schema.Max)
	}
	c.publish(broker.StreamSensors, model.SensorSample{
		RobotID:    c.RobotID,
		Timestamp:  ts,
		SensorType: sensorType,
		Value:      value,
		Unit:       schema.Unit,
		Source:     source,
	})
}

// servosTask samples every servo's position/temperature/voltage every 5s
// and evaluates the local critical-temperature pre-alert.
func servosTask(ctx context.Context, c *AgentContext) error {
	if c.ServoBus == nil {
		return nil
	}
	readings, err := c.ServoBus.ReadAll(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	c.publish(broker.StreamServos, model.ServoSample{
		RobotID:   c.RobotID,
		Timestamp: now,
		Servos:    readings,
		Source:    c.sourceFor("servo_bus"),
	})

	for _, r := range readings {
		if r.Temperature >= criticalServoTemp {
			emitLocalPrealert(c, now, "servo_temperature", r.Temperature, criticalServoTemp)
		}
	}
	return nil
}

// emitLocalPrealert is the agent-side fast path described in the hardware
// degradation / local pre-alert contract: advisory only, the Alert Engine
// on the server remains authoritative.
func emitLocalPrealert(c *AgentContext, ts time.Time, metric string, value, threshold float64) {
	c.publish(broker.StreamAlerts, map[string]interface{}{
		"robot_id":  c.RobotID,
		"timestamp": ts,
		"metric":    metric,
		"severity":  "critical",
		"value":     value,
		"threshold": threshold,
		"source":    "agent_local_prealert",
	})
}

// heartbeatTask runs every 10s and exists purely so the broker's
// LWT/heartbeat watchdog (internal/broker/lwt.go) has regular liveness
// traffic to key off of even when status hasn't changed.
func heartbeatTask(_ context.Context, c *AgentContext) error {
	c.publish(broker.StreamStatus, model.StatusSample{
		RobotID:   c.RobotID,
		Timestamp: time.Now().UTC(),
		IsOnline:  true,
		Source:    c.sourceFor("status"),
	})
	return nil
}

// visionTask publishes on-change: the camera task runs on a fixed poll
// interval but only emits a message when the reading differs from the
// last one published.
type visionState struct {
	lastObjectsSeen int
	initialized     bool
}

func newVisionTask() (Task, *visionState) {
	vs := &visionState{}
	return Task{
		Name:     "vision",
		Interval: 2 * time.Second,
		Run: func(ctx context.Context, c *AgentContext) error {
			if c.Camera == nil {
				return nil
			}
			reading, err := c.Camera.Capture(ctx)
			if err != nil {
				return err
			}
			if vs.initialized && reading.ObjectsSeen == vs.lastObjectsSeen {
				return nil
			}
			vs.initialized = true
			vs.lastObjectsSeen = reading.ObjectsSeen
			c.publish(broker.StreamVision, model.VisionSample{
				RobotID:     c.RobotID,
				Timestamp:   time.Now().UTC(),
				ObjectsSeen: reading.ObjectsSeen,
				Confidence:  reading.Confidence,
				Source:      c.sourceFor("camera"),
			})
			return nil
		},
	}, vs
}

func localIPAddress() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() && ipNet.IP.To4() != nil {
			return ipNet.IP.String()
		}
	}
	return ""
}
