package model

import "time"

// Measurement names the time-series families the agent publishes.
type Measurement string

const (
	MeasurementSensor   Measurement = "sensor"
	MeasurementServo    Measurement = "servo"
	MeasurementBattery  Measurement = "battery"
	MeasurementStatus   Measurement = "status"
	MeasurementLocation Measurement = "location"
	MeasurementVision   Measurement = "vision"
)

// Point is a single immutable time-series observation accepted by the
// Time-Series Writer: Point(measurement, tags, fields, timestamp).
type Point struct {
	Measurement Measurement
	Tags        map[string]string
	Fields      map[string]float64
	Timestamp   time.Time
}

// SensorSample is the parsed payload of an `<ns>/sensors/<robot_id>` message.
type SensorSample struct {
	RobotID    string
	Timestamp  time.Time
	SensorType string
	Value      float64
	Unit       string
	Source     string // real|simulated
}

// ServoReading is one entry of the `servos` map in a `<ns>/servos/<robot_id>` message.
type ServoReading struct {
	ID            int
	Name          string
	Position      float64
	Temperature   float64
	Voltage       float64
	TorqueEnabled bool
	Offset        float64
	AngleMin      float64
	AngleMax      float64
}

// ServoSample is the parsed payload of an `<ns>/servos/<robot_id>` message.
type ServoSample struct {
	RobotID   string
	Timestamp time.Time
	Servos    []ServoReading
	Source    string
}

// BatterySample is the parsed payload of an `<ns>/battery/<robot_id>` message.
type BatterySample struct {
	RobotID    string
	Timestamp  time.Time
	Voltage    float64
	Percentage float64
	Charging   bool
	Source     string
}

// StatusSample is the parsed payload of an `<ns>/status/<robot_id>` message.
type StatusSample struct {
	RobotID       string
	Timestamp     time.Time
	CPUPercent    float64
	MemoryPercent float64
	DiskPercent   float64
	Temperature   float64
	IsOnline      bool
	IPAddress     string
	Source        string
}

// LocationSample is the parsed payload of an `<ns>/location/<robot_id>` message.
type LocationSample struct {
	RobotID   string
	Timestamp time.Time
	X, Y, Z   float64
	Source    string
}

// VisionSample is the parsed payload of an `<ns>/vision/<robot_id>` message.
// Vision publishes on-change rather than on a fixed interval.
type VisionSample struct {
	RobotID    string
	Timestamp  time.Time
	ObjectsSeen int
	Confidence float64
	Source     string
}

// SensorSchema describes the closed set of valid bounds for one sensor_type.
type SensorSchema struct {
	Name string
	Unit string
	Min  float64
	Max  float64
}

// SensorSchemas is the canonical sensor schema table from the ingestion
// dispatcher's declared measurement schema.
var SensorSchemas = map[string]SensorSchema{
	"accelerometer_x":     {Name: "accelerometer_x", Unit: "m/s^2", Min: -20, Max: 20},
	"accelerometer_y":     {Name: "accelerometer_y", Unit: "m/s^2", Min: -20, Max: 20},
	"accelerometer_z":     {Name: "accelerometer_z", Unit: "m/s^2", Min: -20, Max: 20},
	"gyroscope_x":         {Name: "gyroscope_x", Unit: "deg/s", Min: -500, Max: 500},
	"gyroscope_y":         {Name: "gyroscope_y", Unit: "deg/s", Min: -500, Max: 500},
	"gyroscope_z":         {Name: "gyroscope_z", Unit: "deg/s", Min: -500, Max: 500},
	"ultrasonic_distance": {Name: "ultrasonic_distance", Unit: "cm", Min: 0, Max: 500},
	"cpu_temperature":     {Name: "cpu_temperature", Unit: "degC", Min: 0, Max: 100},
	"light_level":         {Name: "light_level", Unit: "pct", Min: 0, Max: 100},
}

// ServoFieldBounds declares the valid range for the servo position field;
// the remaining servo fields are unbounded readings.
const (
	ServoPositionMin = 0.0
	ServoPositionMax = 1023.0
)

// Clamp restricts v to [min, max], reporting whether clamping occurred.
func Clamp(v, min, max float64) (float64, bool) {
	if v < min {
		return min, true
	}
	if v > max {
		return max, true
	}
	return v, false
}
