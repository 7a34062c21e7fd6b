// Package agent implements the edge-device process: a cooperative scheduler
// running a small set of named periodic tasks against narrow hardware
// capability interfaces, publishing self-describing samples to the broker
// and handling directed/broadcast commands.
package agent

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"

	"github.com/tonypi-fleet/control-plane/internal/model"
)

// Source tags every emitted sample with where the reading actually came
// from, so downstream consumers can distinguish degraded telemetry.
type Source string

const (
	SourceReal      Source = "real"
	SourceSimulated Source = "simulated"
)

// IMUReading is one inertial-measurement sample: linear acceleration in
// m/s^2 and angular rate in deg/s on each axis.
type IMUReading struct {
	AccelX, AccelY, AccelZ float64
	GyroX, GyroY, GyroZ    float64
}

// IMU reads the inertial measurement unit. Implementations must return
// quickly; the sensors task runs at 1s intervals under a soft deadline.
type IMU interface {
	Read(ctx context.Context) (IMUReading, error)
}

// Sonar reads the ultrasonic ranging sensor, in centimeters.
type Sonar interface {
	Read(ctx context.Context) (float64, error)
}

// VisionReading summarizes one camera frame's object-detection pass. The
// vision task publishes on-change: it compares ObjectsSeen with the last
// published reading and skips the publish when it is unchanged.
type VisionReading struct {
	ObjectsSeen int
	Confidence  float64
}

// Camera captures and analyzes one frame.
type Camera interface {
	Capture(ctx context.Context) (VisionReading, error)
}

// ServoBus reads the state of every servo on the bus in one pass. Bus
// implementations are not reentrant, matching the scheduler's
// one-task-at-a-time contract.
type ServoBus interface {
	ReadAll(ctx context.Context) ([]model.ServoReading, error)
}

// GPIOLight drives the status indicator LED/light bar.
type GPIOLight interface {
	Set(ctx context.Context, on bool) error
}

// acquireDevice opens devicePath for read/write and is the shared "does the
// hardware actually respond" probe every real capability runs at startup.
// An empty devicePath always fails, which is the expected case off real
// hardware (CI, developer machines, this teaching exercise).
func acquireDevice(devicePath string) (*os.File, error) {
	if devicePath == "" {
		return nil, fmt.Errorf("no device path configured")
	}
	f, err := os.OpenFile(devicePath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", devicePath, err)
	}
	return f, nil
}

// LinuxIMU reads fixed-width binary records from a character device exposed
// by the kernel IMU driver (e.g. an i2c-gpio backed /dev/imu0).
type LinuxIMU struct{ dev *os.File }

// NewLinuxIMU probes devicePath and returns an error if the device cannot
// be opened, so the caller can fall back to SimulatedIMU.
func NewLinuxIMU(devicePath string) (*LinuxIMU, error) {
	dev, err := acquireDevice(devicePath)
	if err != nil {
		return nil, err
	}
	return &LinuxIMU{dev: dev}, nil
}

func (l *LinuxIMU) Read(_ context.Context) (IMUReading, error) {
	var buf [24]byte
	if _, err := l.dev.ReadAt(buf[:], 0); err != nil {
		return IMUReading{}, fmt.Errorf("read imu device: %w", err)
	}
	return decodeIMURecord(buf), nil
}

func decodeIMURecord(buf [24]byte) IMUReading {
	f := func(off int) float64 {
		bits := uint32(buf[off]) | uint32(buf[off+1])<<8 | uint32(buf[off+2])<<16 | uint32(buf[off+3])<<24
		return float64(math.Float32frombits(bits))
	}
	return IMUReading{
		AccelX: f(0), AccelY: f(4), AccelZ: f(8),
		GyroX: f(12), GyroY: f(16), GyroZ: f(20),
	}
}

// LinuxSonar reads a single float32 distance record from an ultrasonic
// ranging device.
type LinuxSonar struct{ dev *os.File }

func NewLinuxSonar(devicePath string) (*LinuxSonar, error) {
	dev, err := acquireDevice(devicePath)
	if err != nil {
		return nil, err
	}
	return &LinuxSonar{dev: dev}, nil
}

func (l *LinuxSonar) Read(_ context.Context) (float64, error) {
	var buf [4]byte
	if _, err := l.dev.ReadAt(buf[:], 0); err != nil {
		return 0, fmt.Errorf("read sonar device: %w", err)
	}
	bits := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
	return float64(math.Float32frombits(bits)), nil
}

// LinuxCamera reads a small fixed-width detection summary record written by
// a separate vision process onto a device/fifo, rather than doing frame
// capture and inference itself.
type LinuxCamera struct{ dev *os.File }

func NewLinuxCamera(devicePath string) (*LinuxCamera, error) {
	dev, err := acquireDevice(devicePath)
	if err != nil {
		return nil, err
	}
	return &LinuxCamera{dev: dev}, nil
}

func (l *LinuxCamera) Capture(_ context.Context) (VisionReading, error) {
	var buf [8]byte
	if _, err := l.dev.ReadAt(buf[:], 0); err != nil {
		return VisionReading{}, fmt.Errorf("read camera device: %w", err)
	}
	objects := int32(buf[0]) | int32(buf[1])<<8 | int32(buf[2])<<16 | int32(buf[3])<<24
	bits := uint32(buf[4]) | uint32(buf[5])<<8 | uint32(buf[6])<<16 | uint32(buf[7])<<24
	return VisionReading{ObjectsSeen: int(objects), Confidence: float64(math.Float32frombits(bits))}, nil
}

// LinuxServoBus talks to a servo controller board over a serial device,
// reading back position/temperature/voltage for every configured servo.
type LinuxServoBus struct {
	dev     *os.File
	servoIDs []int
}

func NewLinuxServoBus(devicePath string, servoIDs []int) (*LinuxServoBus, error) {
	dev, err := acquireDevice(devicePath)
	if err != nil {
		return nil, err
	}
	return &LinuxServoBus{dev: dev, servoIDs: servoIDs}, nil
}

func (l *LinuxServoBus) ReadAll(_ context.Context) ([]model.ServoReading, error) {
	out := make([]model.ServoReading, 0, len(l.servoIDs))
	for _, id := range l.servoIDs {
		var buf [16]byte
		if _, err := l.dev.ReadAt(buf[:], int64(id*16)); err != nil {
			return nil, fmt.Errorf("read servo %d: %w", id, err)
		}
		f := func(off int) float64 {
			bits := uint32(buf[off]) | uint32(buf[off+1])<<8 | uint32(buf[off+2])<<16 | uint32(buf[off+3])<<24
			return float64(math.Float32frombits(bits))
		}
		out = append(out, model.ServoReading{
			ID:            id,
			Name:          fmt.Sprintf("servo_%d", id),
			Position:      f(0),
			Temperature:   f(4),
			Voltage:       f(8),
			TorqueEnabled: buf[12] != 0,
		})
	}
	return out, nil
}

// LinuxGPIOLight writes a single byte to a GPIO character device.
type LinuxGPIOLight struct{ dev *os.File }

func NewLinuxGPIOLight(devicePath string) (*LinuxGPIOLight, error) {
	dev, err := acquireDevice(devicePath)
	if err != nil {
		return nil, err
	}
	return &LinuxGPIOLight{dev: dev}, nil
}

func (l *LinuxGPIOLight) Set(_ context.Context, on bool) error {
	b := byte(0)
	if on {
		b = 1
	}
	_, err := l.dev.WriteAt([]byte{b}, 0)
	return err
}

// --- Simulated fallbacks. Each produces synthetic but schema-valid values
// so downstream consumers (ingestion, time-series, alerting) see the same
// shape of data regardless of whether hardware is present. ---

type SimulatedIMU struct{ rng *rand.Rand }

func NewSimulatedIMU() *SimulatedIMU { return &SimulatedIMU{rng: rand.New(rand.NewSource(1))} }

func (s *SimulatedIMU) Read(_ context.Context) (IMUReading, error) {
	jitter := func(scale float64) float64 { return (s.rng.Float64()*2 - 1) * scale }
	return IMUReading{
		AccelX: jitter(0.5), AccelY: jitter(0.5), AccelZ: 9.8 + jitter(0.3),
		GyroX: jitter(5), GyroY: jitter(5), GyroZ: jitter(5),
	}, nil
}

type SimulatedSonar struct{ rng *rand.Rand }

func NewSimulatedSonar() *SimulatedSonar { return &SimulatedSonar{rng: rand.New(rand.NewSource(2))} }

func (s *SimulatedSonar) Read(_ context.Context) (float64, error) {
	return 30 + s.rng.Float64()*120, nil
}

type SimulatedCamera struct {
	rng  *rand.Rand
	last VisionReading
}

func NewSimulatedCamera() *SimulatedCamera { return &SimulatedCamera{rng: rand.New(rand.NewSource(3))} }

func (s *SimulatedCamera) Capture(_ context.Context) (VisionReading, error) {
	r := VisionReading{
		ObjectsSeen: s.rng.Intn(3),
		Confidence:  0.5 + s.rng.Float64()*0.5,
	}
	s.last = r
	return r, nil
}

type SimulatedServoBus struct {
	rng      *rand.Rand
	servoIDs []int
}

func NewSimulatedServoBus(servoIDs []int) *SimulatedServoBus {
	return &SimulatedServoBus{rng: rand.New(rand.NewSource(4)), servoIDs: servoIDs}
}

func (s *SimulatedServoBus) ReadAll(_ context.Context) ([]model.ServoReading, error) {
	out := make([]model.ServoReading, 0, len(s.servoIDs))
	for _, id := range s.servoIDs {
		out = append(out, model.ServoReading{
			ID:            id,
			Name:          fmt.Sprintf("servo_%d", id),
			Position:      model.ServoPositionMin + s.rng.Float64()*(model.ServoPositionMax-model.ServoPositionMin),
			Temperature:   35 + s.rng.Float64()*10,
			Voltage:       7.0 + s.rng.Float64()*0.4,
			TorqueEnabled: true,
		})
	}
	return out, nil
}

type SimulatedGPIOLight struct{ on bool }

func NewSimulatedGPIOLight() *SimulatedGPIOLight { return &SimulatedGPIOLight{} }

func (s *SimulatedGPIOLight) Set(_ context.Context, on bool) error {
	s.on = on
	return nil
}
