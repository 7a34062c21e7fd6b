package agent

import (
	"strconv"
	"strings"
	"time"

	"github.com/tonypi-fleet/control-plane/internal/config"
)

// Config configures one agent process: its identity, the devices backing
// each capability (empty means "no real hardware, run simulated"), and the
// broker connection it publishes to / subscribes on.
type Config struct {
	RobotID        string
	Namespace      string
	BrokerURL      string
	NetworkAddress string

	IMUDevicePath      string
	SonarDevicePath    string
	CameraDevicePath   string
	ServoBusDevicePath string
	ServoIDs           []int
	LightDevicePath    string

	StatusInterval    time.Duration
	SensorsInterval   time.Duration
	ServosInterval    time.Duration
	HeartbeatInterval time.Duration

	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	ReconnectJitter  float64
}

// FromAppConfig derives an agent Config from the shared control-plane
// configuration (loaded via config.Load in cmd/agent), so broker and
// interval settings come from one source of truth shared with cmd/server.
func FromAppConfig(c *config.Config) Config {
	return Config{
		RobotID:            c.Agent.RobotID,
		Namespace:          c.Broker.Namespace,
		BrokerURL:          c.Broker.URL,
		NetworkAddress:     c.Agent.NetworkAddress,
		IMUDevicePath:      c.Agent.IMUDevice,
		SonarDevicePath:    c.Agent.SonarDevice,
		CameraDevicePath:   c.Agent.CameraDevice,
		ServoBusDevicePath: c.Agent.ServoBusDevice,
		ServoIDs:           parseIntList(c.Agent.ServoIDs),
		LightDevicePath:    c.Agent.LightDevice,
		StatusInterval:     c.Agent.StatusInterval,
		SensorsInterval:    c.Agent.SensorsInterval,
		ServosInterval:     c.Agent.ServosInterval,
		HeartbeatInterval:  c.Agent.HeartbeatInterval,
		ReconnectInitial:   c.Broker.ReconnectInitial,
		ReconnectMax:       c.Broker.ReconnectMax,
		ReconnectJitter:    c.Broker.ReconnectJitter,
	}
}

func parseIntList(raw string) []int {
	parts := strings.Split(raw, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}
