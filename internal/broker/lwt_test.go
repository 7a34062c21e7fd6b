package broker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHeartbeatWatchdog_DeclaresOfflineAfterMissedHeartbeats(t *testing.T) {
	var mu sync.Mutex
	var offlined []string

	w := NewHeartbeatWatchdog(20*time.Millisecond, 2, func(robotID string) {
		mu.Lock()
		offlined = append(offlined, robotID)
		mu.Unlock()
	})
	go w.Run(5 * time.Millisecond)
	defer w.Stop()

	w.Touch("robot_1", 20*time.Millisecond)

	time.Sleep(80 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, offlined, "robot_1")
}

func TestHeartbeatWatchdog_StaysOnlineWithRegularHeartbeats(t *testing.T) {
	var mu sync.Mutex
	offlined := false

	w := NewHeartbeatWatchdog(20*time.Millisecond, 3, func(robotID string) {
		mu.Lock()
		offlined = true
		mu.Unlock()
	})
	go w.Run(5 * time.Millisecond)
	defer w.Stop()

	stop := time.After(60 * time.Millisecond)
loop:
	for {
		select {
		case <-stop:
			break loop
		default:
			w.Touch("robot_1", 20*time.Millisecond)
			time.Sleep(10 * time.Millisecond)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, offlined)
}
