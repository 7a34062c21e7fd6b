package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tonypi-fleet/control-plane/internal/broker"
	"github.com/tonypi-fleet/control-plane/internal/model"
	"github.com/tonypi-fleet/control-plane/internal/platform/logging"
)

// motionState tracks the agent's emergency-stop latch. Once tripped, only
// resume or shutdown clears it; every other command handler checks it
// before touching an actuator.
type motionState struct {
	mu               sync.Mutex
	emergencyStopped bool
}

func (m *motionState) stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emergencyStopped
}

func (m *motionState) trip() {
	m.mu.Lock()
	m.emergencyStopped = true
	m.mu.Unlock()
}

func (m *motionState) resume() {
	m.mu.Lock()
	m.emergencyStopped = false
	m.mu.Unlock()
}

// incomingCommand is the wire shape published by the Command Router
// (internal/command.Router.send): {command_id, type, parameters}.
type incomingCommand struct {
	CommandID  string                 `json:"command_id"`
	Type       model.CommandType      `json:"type"`
	Parameters map[string]interface{} `json:"parameters"`
}

// outgoingAck is the wire shape the agent publishes on
// <ns>/commands/<robot_id>/ack, matching model.CommandAck's fields.
type outgoingAck struct {
	CommandID string `json:"command_id"`
	Status    string `json:"status"`
	Detail    string `json:"detail"`
}

// commandDispatcher handles directed and broadcast command deliveries. It
// is registered against the broker adapter for both
// <ns>/commands/<robot_id> and <ns>/commands/broadcast.
type commandDispatcher struct {
	actx   *AgentContext
	logger *logging.Logger
}

func newCommandDispatcher(actx *AgentContext, logger *logging.Logger) *commandDispatcher {
	return &commandDispatcher{actx: actx, logger: logger}
}

func (d *commandDispatcher) handle(ctx context.Context, msg broker.Message) {
	var cmd incomingCommand
	if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
		d.logger.WithError(err).Warn("agent: undecodable command payload")
		return
	}

	status, detail := d.execute(ctx, cmd)
	d.ack(cmd.CommandID, status, detail)
}

func (d *commandDispatcher) execute(ctx context.Context, cmd incomingCommand) (model.CommandAckStatus, string) {
	state := d.actx.state

	switch cmd.Type {
	case model.CommandEmergencyStop:
		state.trip()
		if d.actx.Light != nil {
			_ = d.actx.Light.Set(ctx, true)
		}
		d.logger.Warn("agent: emergency stop engaged")
		return model.AckSuccess, "emergency stop engaged"

	case model.CommandResume:
		state.resume()
		if d.actx.Light != nil {
			_ = d.actx.Light.Set(ctx, false)
		}
		return model.AckSuccess, "resumed from emergency stop"

	case model.CommandShutdown:
		state.resume()
		return model.AckSuccess, "shutting down"

	case model.CommandStatusQuery, model.CommandBatteryQuery:
		// Read-only; answered by the regular status/battery telemetry
		// streams rather than a bespoke reply payload.
		return model.AckSuccess, "see status stream"

	case model.CommandStop:
		return model.AckSuccess, "stopped"

	default:
		if cmd.Type.IsMotion() && state.stopped() {
			return model.AckFailure, "rejected: emergency stop is engaged, send resume first"
		}
		if !cmd.Type.IsMotion() {
			return model.AckFailure, fmt.Sprintf("unknown command type %q", cmd.Type)
		}
		// Actual actuation for move/gesture is hardware-specific and not
		// modeled here; the handler reports success once dispatched.
		return model.AckSuccess, "dispatched"
	}
}

func (d *commandDispatcher) ack(commandID string, status model.CommandAckStatus, detail string) {
	payload, err := json.Marshal(outgoingAck{CommandID: commandID, Status: string(status), Detail: detail})
	if err != nil {
		return
	}
	topic := broker.CommandAckTopic(d.actx.Namespace, d.actx.RobotID)
	d.actx.pub.Publish(broker.StreamCommands, topic, payload)
}
