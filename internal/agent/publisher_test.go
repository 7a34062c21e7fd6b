package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueDropOldest_DropsOldestNeverNewest(t *testing.T) {
	q := make(chan outboundSample, 2)

	require.False(t, enqueueDropOldest(q, outboundSample{topic: "t", payload: []byte("1")}))
	require.False(t, enqueueDropOldest(q, outboundSample{topic: "t", payload: []byte("2")}))

	// Queue is now full (1, 2); this third publish must drop "1", not "2",
	// and the newest sample ("3") must always make it onto the queue.
	dropped := enqueueDropOldest(q, outboundSample{topic: "t", payload: []byte("3")})
	require.True(t, dropped)

	first := <-q
	second := <-q
	assert.Equal(t, "2", string(first.payload))
	assert.Equal(t, "3", string(second.payload))
}

func TestEnqueueDropOldest_NoDropWhileQueueHasRoom(t *testing.T) {
	q := make(chan outboundSample, 4)
	for i := 0; i < 4; i++ {
		dropped := enqueueDropOldest(q, outboundSample{topic: "t", payload: []byte{byte(i)}})
		assert.False(t, dropped)
	}
	assert.Len(t, q, 4)
}
