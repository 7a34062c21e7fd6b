package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJob_RecomputePercent(t *testing.T) {
	j := &Job{ItemsTotal: 3, ItemsDone: 1}
	j.RecomputePercent()
	assert.InDelta(t, 33.3, j.PercentComplete, 0.01)

	j.ItemsDone = 3
	j.RecomputePercent()
	assert.Equal(t, 100.0, j.PercentComplete)
}

func TestJob_RecomputePercent_ZeroTotal(t *testing.T) {
	j := &Job{ItemsTotal: 0, ItemsDone: 0, PercentComplete: 0}
	j.RecomputePercent()
	assert.Equal(t, 0.0, j.PercentComplete)
}

func TestJobStatus_IsTerminal(t *testing.T) {
	assert.True(t, JobCompleted.IsTerminal())
	assert.True(t, JobCancelled.IsTerminal())
	assert.True(t, JobFailed.IsTerminal())
	assert.False(t, JobActive.IsTerminal())
}
