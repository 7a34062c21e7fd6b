package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopic(t *testing.T) {
	assert.Equal(t, "tonypi/status/robot_1", Topic("tonypi", StreamStatus, "robot_1"))
}

func TestSubjectPattern_RoundTrip(t *testing.T) {
	topic := Topic("tonypi", StreamSensors, "*")
	subject := SubjectPattern(topic)
	assert.Equal(t, "tonypi.sensors.*", subject)
	assert.Equal(t, topic, TopicFromSubject(subject))
}

func TestRobotIDFromTopic(t *testing.T) {
	assert.Equal(t, "robot_42", RobotIDFromTopic("tonypi/commands/robot_42"))
	assert.Equal(t, "", RobotIDFromTopic("tonypi/commands"))
}

func TestCommandTopics(t *testing.T) {
	assert.Equal(t, "tonypi/commands/robot_1", CommandTopic("tonypi", "robot_1"))
	assert.Equal(t, "tonypi/commands/broadcast", BroadcastCommandTopic("tonypi"))
	assert.Equal(t, "tonypi/commands/robot_1/ack", CommandAckTopic("tonypi", "robot_1"))
}
