package agent

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/tonypi-fleet/control-plane/internal/broker"
	"github.com/tonypi-fleet/control-plane/internal/model"
	"github.com/tonypi-fleet/control-plane/internal/platform/logging"
	"github.com/tonypi-fleet/control-plane/internal/platform/metrics"
)

// Agent is one edge-device process: a broker connection, an AgentContext
// wired to real-or-simulated capabilities, a cooperative scheduler, and a
// command dispatcher.
type Agent struct {
	cfg     Config
	logger  *logging.Logger
	metrics *metrics.Metrics

	adapter    *broker.Adapter
	actx       *AgentContext
	scheduler  *Scheduler
	dispatcher *commandDispatcher
}

// New wires an Agent from cfg. Capability acquisition happens here: every
// peripheral that fails to open falls back to its simulated implementation,
// and the transition is logged once at startup.
func New(cfg Config, logger *logging.Logger, m *metrics.Metrics) *Agent {
	actx := &AgentContext{
		RobotID:   cfg.RobotID,
		Namespace: cfg.Namespace,
		Source:    make(map[string]Source),
		state:     &motionState{},
	}
	acquireCapabilities(cfg, actx, logger, m)

	a := &Agent{cfg: cfg, logger: logger, metrics: m, actx: actx}

	adapter := broker.New(broker.Config{
		URL:              cfg.BrokerURL,
		Namespace:        cfg.Namespace,
		ClientName:       "agent-" + cfg.RobotID,
		ReconnectInitial: cfg.ReconnectInitial,
		ReconnectMax:     cfg.ReconnectMax,
		ReconnectJitter:  cfg.ReconnectJitter,
		OnReconnect:      a.publishFreshStatus,
	}, logger, m)
	actx.pub = newPublisher(adapter, logger, m)
	a.adapter = adapter
	a.dispatcher = newCommandDispatcher(actx, logger)

	vision, _ := newVisionTask()
	a.scheduler = NewScheduler(actx, logger, m, []Task{
		{Name: "status", Interval: cfg.StatusInterval, Run: statusTask},
		{Name: "sensors", Interval: cfg.SensorsInterval, Run: sensorsTask},
		{Name: "servos", Interval: cfg.ServosInterval, Run: servosTask},
		{Name: "heartbeat", Interval: cfg.HeartbeatInterval, Run: heartbeatTask},
		vision,
	})
	return a
}

// acquireCapabilities attempts the real implementation of every peripheral
// and falls back to the Simulated* implementation on failure, tagging the
// outcome on actx.Source and the agent_simulated_capabilities gauge.
func acquireCapabilities(cfg Config, actx *AgentContext, logger *logging.Logger, m *metrics.Metrics) {
	setCapability(logger, m, actx, "imu", func() (IMU, error) { return NewLinuxIMU(cfg.IMUDevicePath) }, NewSimulatedIMU(),
		func(v IMU) { actx.IMU = v })

	setCapability(logger, m, actx, "sonar", func() (Sonar, error) { return NewLinuxSonar(cfg.SonarDevicePath) }, NewSimulatedSonar(),
		func(v Sonar) { actx.Sonar = v })

	setCapability(logger, m, actx, "camera", func() (Camera, error) { return NewLinuxCamera(cfg.CameraDevicePath) }, NewSimulatedCamera(),
		func(v Camera) { actx.Camera = v })

	setCapability(logger, m, actx, "servo_bus", func() (ServoBus, error) { return NewLinuxServoBus(cfg.ServoBusDevicePath, cfg.ServoIDs) }, NewSimulatedServoBus(cfg.ServoIDs),
		func(v ServoBus) { actx.ServoBus = v })

	setCapability(logger, m, actx, "light", func() (GPIOLight, error) { return NewLinuxGPIOLight(cfg.LightDevicePath) }, NewSimulatedGPIOLight(),
		func(v GPIOLight) { actx.Light = v })

	// System health has no device handle: the status task reads it through
	// gopsutil, so a successful gopsutil probe marks it real.
	setCapability(logger, m, actx, "status", func() (struct{}, error) {
		_, err := mem.VirtualMemory()
		return struct{}{}, err
	}, struct{}{}, func(struct{}) {})
}

func setCapability[T any](logger *logging.Logger, m *metrics.Metrics, actx *AgentContext, name string, acquireReal func() (T, error), simulated T, assign func(T)) {
	real, err := acquireReal()
	if err != nil {
		logger.WithFields(map[string]interface{}{"capability": name}).
			Info("agent: capability unavailable, running in simulated mode")
		actx.Source[name] = SourceSimulated
		assign(simulated)
	} else {
		actx.Source[name] = SourceReal
		assign(real)
	}
	if m != nil {
		v := 0.0
		if actx.Source[name] == SourceSimulated {
			v = 1.0
		}
		m.AgentSimulatedCapabilities.WithLabelValues(name).Set(v)
	}
}

// Run connects to the broker, subscribes to directed and broadcast command
// topics, and runs the scheduler until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	runErrCh := make(chan error, 1)
	go func() { runErrCh <- a.adapter.Run(ctx) }()

	// Give the adapter a moment to establish its connection before the
	// first subscribe/publish; broker.Adapter.Subscribe fails fast if not
	// yet connected.
	if err := waitConnected(ctx, a.adapter, 10*time.Second); err != nil {
		return err
	}

	if err := a.adapter.Subscribe(broker.CommandTopic(a.cfg.Namespace, a.cfg.RobotID), a.dispatcher.handle); err != nil {
		return err
	}
	if err := a.adapter.Subscribe(broker.BroadcastCommandTopic(a.cfg.Namespace), a.dispatcher.handle); err != nil {
		return err
	}

	a.publishFreshStatus()
	go a.scheduler.Run(ctx)

	select {
	case <-ctx.Done():
		return a.adapter.Stop(context.Background())
	case err := <-runErrCh:
		return err
	}
}

func (a *Agent) publishFreshStatus() {
	a.actx.publish(broker.StreamStatus, model.StatusSample{
		RobotID:   a.cfg.RobotID,
		Timestamp: time.Now().UTC(),
		IsOnline:  true,
		IPAddress: localIPAddress(),
		Source:    a.actx.sourceFor("status"),
	})
}

func waitConnected(ctx context.Context, adapter *broker.Adapter, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if adapter.Connected() {
			return nil
		}
		if time.Now().After(deadline) {
			return context.DeadlineExceeded
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
