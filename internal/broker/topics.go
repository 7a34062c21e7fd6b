package broker

import "strings"

// Stream names the broker topic segments the agent publishes and the
// dispatcher subscribes to.
type Stream string

const (
	StreamStatus    Stream = "status"
	StreamSensors   Stream = "sensors"
	StreamServos    Stream = "servos"
	StreamBattery   Stream = "battery"
	StreamLocation  Stream = "location"
	StreamVision    Stream = "vision"
	StreamJob       Stream = "job"
	StreamScan      Stream = "scan"
	StreamAlerts    Stream = "alerts"
	StreamCommands  Stream = "commands"
)

const broadcastToken = "broadcast"

// Topic builds a `<ns>/<stream>/<robot_id>` topic string. NATS subjects are
// dot-delimited, so '/' tokens are mapped to '.' on the wire by SubjectPattern.
func Topic(namespace string, stream Stream, robotID string) string {
	return namespace + "/" + string(stream) + "/" + robotID
}

// CommandTopic builds the directed command topic for one robot.
func CommandTopic(namespace, robotID string) string {
	return Topic(namespace, StreamCommands, robotID)
}

// BroadcastCommandTopic builds the fleet-wide command topic.
func BroadcastCommandTopic(namespace string) string {
	return Topic(namespace, StreamCommands, broadcastToken)
}

// CommandAckTopic builds the topic a robot acks commands on.
func CommandAckTopic(namespace, robotID string) string {
	return Topic(namespace, StreamCommands, robotID) + "/ack"
}

// SubjectPattern converts a `<ns>/<stream>/<robot_id>` topic (robot_id may be
// "*" as a single-level wildcard) into a NATS subject, since NATS subjects
// use '.' rather than '/' as the token delimiter.
func SubjectPattern(topic string) string {
	return strings.ReplaceAll(topic, "/", ".")
}

// TopicFromSubject converts a NATS subject back into `<ns>/<stream>/<robot_id>` form.
func TopicFromSubject(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}

// RobotIDFromTopic extracts the robot_id token from a `<ns>/<stream>/<robot_id>` topic.
func RobotIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}
