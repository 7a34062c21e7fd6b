package agent

// AgentContext carries every collaborator a cooperative task needs: typed
// capability handles plus the outbound publisher. Tasks take *AgentContext
// as their only input so sampling, publishing and command handling never
// reach into mutable globals or package-level state.
type AgentContext struct {
	RobotID   string
	Namespace string

	IMU       IMU
	Sonar     Sonar
	Camera    Camera
	ServoBus  ServoBus
	Light     GPIOLight

	// Source records, per capability, whether it is backed by real
	// hardware or a Simulated* fallback. Populated once at startup by
	// acquireCapabilities and never mutated afterward.
	Source map[string]Source

	pub   *publisher
	state *motionState
}

func (c *AgentContext) sourceFor(capability string) string {
	return string(c.Source[capability])
}
