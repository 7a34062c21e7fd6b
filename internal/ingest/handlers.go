package ingest

import (
	"context"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/tonypi-fleet/control-plane/internal/broker"
	"github.com/tonypi-fleet/control-plane/internal/model"
)

// sensorWire is the on-wire shape of an `<ns>/sensors/<robot_id>` message.
// extras carries any additional self-describing fields a firmware revision
// adds; the dispatcher never promotes it into the typed core, reading only
// the one or two keys it cares about via gjson where needed.
type sensorWire struct {
	Timestamp  time.Time `json:"timestamp"`
	SensorType string    `json:"sensor_type"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit"`
	Source     string    `json:"source"`
	Extras     string    `json:"extras,omitempty"`
}

func (d *Dispatcher) handleSensor(ctx context.Context, msg broker.Message) {
	const stream = "sensors"
	robotID := broker.RobotIDFromTopic(msg.Topic)
	if robotID == "" {
		d.reject("", stream, "malformed_topic")
		return
	}

	var w sensorWire
	if err := decode(msg.Payload, &w); err != nil {
		d.reject(robotID, stream, "invalid_payload")
		return
	}

	schema, ok := model.SensorSchemas[w.SensorType]
	if !ok {
		d.reject(robotID, stream, "unknown_sensor_type")
		return
	}

	value := w.Value
	if clamped, wasClamped := model.Clamp(value, schema.Min, schema.Max); wasClamped {
		value = clamped
		d.clamped(stream)
		d.logDrop(ctx, robotID, stream, "clamped_"+w.SensorType)
	}

	if w.Extras != "" {
		// Firmware revisions occasionally add a calibration tag; read it
		// without promoting the whole blob into the typed sample.
		if cal := gjson.Get(w.Extras, "calibration_id"); cal.Exists() {
			_ = cal.String()
		}
	}

	ts := w.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	d.accept(stream)
	_ = d.writer.Write(ctx, model.Point{
		Measurement: model.MeasurementSensor,
		Tags:        map[string]string{"robot_id": robotID, "source": w.Source},
		Fields:      map[string]float64{w.SensorType: value},
		Timestamp:   ts,
	})

	if d.alerts != nil {
		d.alerts.Observe(ctx, robotID, w.SensorType, value)
	}
}

type servoWire struct {
	Timestamp time.Time             `json:"timestamp"`
	Source    string                `json:"source"`
	Servos    map[string]servoEntry `json:"servos"`
}

type servoEntry struct {
	ID            int     `json:"id"`
	Position      float64 `json:"position"`
	Temperature   float64 `json:"temperature"`
	Voltage       float64 `json:"voltage"`
	TorqueEnabled bool    `json:"torque_enabled"`
	Offset        float64 `json:"offset"`
	AngleMin      float64 `json:"angle_min"`
	AngleMax      float64 `json:"angle_max"`
}

// handleServo emits one Point per servo, tagged by (servo_id, servo_name) so
// each servo is independently addressable by latest/history queries, rather
// than flattening every servo's fields into one message-wide point.
func (d *Dispatcher) handleServo(ctx context.Context, msg broker.Message) {
	const stream = "servos"
	robotID := broker.RobotIDFromTopic(msg.Topic)
	if robotID == "" {
		d.reject("", stream, "malformed_topic")
		return
	}

	var w servoWire
	if err := decode(msg.Payload, &w); err != nil || w.Servos == nil {
		d.reject(robotID, stream, "invalid_payload")
		return
	}

	ts := w.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	d.accept(stream)
	for name, s := range w.Servos {
		pos, wasClamped := model.Clamp(s.Position, model.ServoPositionMin, model.ServoPositionMax)
		if wasClamped {
			d.clamped(stream)
			d.logDrop(ctx, robotID, stream, "clamped_position_"+name)
		}

		_ = d.writer.Write(ctx, model.Point{
			Measurement: model.MeasurementServo,
			Tags: map[string]string{
				"robot_id":   robotID,
				"source":     w.Source,
				"servo_id":   strconv.Itoa(s.ID),
				"servo_name": name,
			},
			Fields: map[string]float64{
				"position":       pos,
				"temperature":    s.Temperature,
				"voltage":        s.Voltage,
				"torque_enabled": boolToFloat(s.TorqueEnabled),
				"offset":         s.Offset,
				"angle_min":      s.AngleMin,
				"angle_max":      s.AngleMax,
			},
			Timestamp: ts,
		})
	}
}

type batteryWire struct {
	Timestamp  time.Time `json:"timestamp"`
	Voltage    float64   `json:"voltage"`
	Percentage float64   `json:"percentage"`
	Charging   bool      `json:"charging"`
	Source     string    `json:"source"`
}

func (d *Dispatcher) handleBattery(ctx context.Context, msg broker.Message) {
	const stream = "battery"
	robotID := broker.RobotIDFromTopic(msg.Topic)
	if robotID == "" {
		d.reject("", stream, "malformed_topic")
		return
	}

	var w batteryWire
	if err := decode(msg.Payload, &w); err != nil {
		d.reject(robotID, stream, "invalid_payload")
		return
	}

	pct, wasClamped := model.Clamp(w.Percentage, 0, 100)
	if wasClamped {
		d.clamped(stream)
	}

	ts := w.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	d.accept(stream)
	_ = d.writer.Write(ctx, model.Point{
		Measurement: model.MeasurementBattery,
		Tags:        map[string]string{"robot_id": robotID, "source": w.Source},
		Fields:      map[string]float64{"voltage": w.Voltage, "percent": pct, "charging": boolToFloat(w.Charging)},
		Timestamp:   ts,
	})

	if d.alerts != nil {
		d.alerts.Observe(ctx, robotID, "battery_level", pct)
	}
}

type statusWire struct {
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	DiskPercent   float64   `json:"disk_percent"`
	Temperature   float64   `json:"temperature"`
	IsOnline      bool      `json:"is_online"`
	IPAddress     string    `json:"ip_address"`
	Source        string    `json:"source"`
}

func (d *Dispatcher) handleStatus(ctx context.Context, msg broker.Message) {
	const stream = "status"
	robotID := broker.RobotIDFromTopic(msg.Topic)
	if robotID == "" {
		d.reject("", stream, "malformed_topic")
		return
	}

	var w statusWire
	if err := decode(msg.Payload, &w); err != nil {
		d.reject(robotID, stream, "invalid_payload")
		return
	}

	ts := w.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	if d.store != nil {
		if _, err := d.store.UpsertRobotOnSeen(ctx, robotID, w.IPAddress, ts); err != nil {
			d.logger.WithError(err).Error("upsert robot on seen failed")
		}
	}

	d.accept(stream)
	_ = d.writer.Write(ctx, model.Point{
		Measurement: model.MeasurementStatus,
		Tags:        map[string]string{"robot_id": robotID, "source": w.Source},
		Fields: map[string]float64{
			"cpu_percent": w.CPUPercent, "memory_percent": w.MemoryPercent,
			"disk_percent": w.DiskPercent, "temperature": w.Temperature,
		},
		Timestamp: ts,
	})

	if d.alerts != nil {
		d.alerts.Observe(ctx, robotID, "cpu_temperature", w.Temperature)
	}
}

type locationWire struct {
	Timestamp time.Time `json:"timestamp"`
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	Z         float64   `json:"z"`
	Source    string    `json:"source"`
}

func (d *Dispatcher) handleLocation(ctx context.Context, msg broker.Message) {
	const stream = "location"
	robotID := broker.RobotIDFromTopic(msg.Topic)
	if robotID == "" {
		d.reject("", stream, "malformed_topic")
		return
	}

	var w locationWire
	if err := decode(msg.Payload, &w); err != nil {
		d.reject(robotID, stream, "invalid_payload")
		return
	}

	ts := w.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	d.accept(stream)
	_ = d.writer.Write(ctx, model.Point{
		Measurement: model.MeasurementLocation,
		Tags:        map[string]string{"robot_id": robotID, "source": w.Source},
		Fields:      map[string]float64{"x": w.X, "y": w.Y, "z": w.Z},
		Timestamp:   ts,
	})
}

type visionWire struct {
	Timestamp   time.Time `json:"timestamp"`
	ObjectsSeen int       `json:"objects_seen"`
	Confidence  float64   `json:"confidence"`
	Source      string    `json:"source"`
}

func (d *Dispatcher) handleVision(ctx context.Context, msg broker.Message) {
	const stream = "vision"
	robotID := broker.RobotIDFromTopic(msg.Topic)
	if robotID == "" {
		d.reject("", stream, "malformed_topic")
		return
	}

	var w visionWire
	if err := decode(msg.Payload, &w); err != nil {
		d.reject(robotID, stream, "invalid_payload")
		return
	}

	ts := w.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	d.accept(stream)
	_ = d.writer.Write(ctx, model.Point{
		Measurement: model.MeasurementVision,
		Tags:        map[string]string{"robot_id": robotID, "source": w.Source},
		Fields:      map[string]float64{"objects_seen": float64(w.ObjectsSeen), "confidence": w.Confidence},
		Timestamp:   ts,
	})
}

type jobWire struct {
	JobID           string  `json:"job_id"`
	TaskName        string  `json:"task_name"`
	EventType       string  `json:"event_type"`
	Phase           string  `json:"phase"`
	ItemsTotal      int     `json:"items_total"`
	ItemsDone       int     `json:"items_done"`
	LastItem        string  `json:"last_item"`
	CancelReason    string  `json:"cancel_reason"`
	Success         *bool   `json:"success"`
}

func (d *Dispatcher) handleJob(ctx context.Context, msg broker.Message) {
	const stream = "job"
	robotID := broker.RobotIDFromTopic(msg.Topic)
	if robotID == "" {
		d.reject("", stream, "malformed_topic")
		return
	}

	var w jobWire
	if err := decode(msg.Payload, &w); err != nil {
		d.reject(robotID, stream, "invalid_payload")
		return
	}

	d.accept(stream)
	if d.jobs == nil {
		return
	}
	d.jobs.HandleEvent(ctx, model.JobEvent{
		Type:         model.JobEventType(w.EventType),
		JobID:        w.JobID,
		RobotID:      robotID,
		TaskName:     w.TaskName,
		Phase:        model.JobPhase(w.Phase),
		ItemsTotal:   w.ItemsTotal,
		ItemsDone:    w.ItemsDone,
		LastItem:     w.LastItem,
		CancelReason: w.CancelReason,
		Success:      w.Success,
		Timestamp:    time.Now().UTC(),
	})
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
