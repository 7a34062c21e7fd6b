package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClamp(t *testing.T) {
	v, clamped := Clamp(750, 0, 500)
	assert.Equal(t, 500.0, v)
	assert.True(t, clamped)

	v, clamped = Clamp(250, 0, 500)
	assert.Equal(t, 250.0, v)
	assert.False(t, clamped)

	v, clamped = Clamp(-10, 0, 500)
	assert.Equal(t, 0.0, v)
	assert.True(t, clamped)
}

func TestSensorSchemas_CanonicalSet(t *testing.T) {
	schema, ok := SensorSchemas["ultrasonic_distance"]
	assert.True(t, ok)
	assert.Equal(t, 0.0, schema.Min)
	assert.Equal(t, 500.0, schema.Max)

	_, ok = SensorSchemas["not_a_sensor"]
	assert.False(t, ok)
}
