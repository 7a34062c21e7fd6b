package broker

import (
	"sync"
	"time"
)

// HeartbeatWatchdog emulates a Last-Will-and-Testament for transports (like
// NATS core) that have no native LWT concept: it tracks each robot's most
// recent status/heartbeat arrival and synthesizes an "offline" callback when
// a robot misses its declared heartbeat interval by more than a grace
// multiplier, rather than waiting on a broker-side will message.
type HeartbeatWatchdog struct {
	mu            sync.Mutex
	lastSeen      map[string]time.Time
	interval      map[string]time.Duration
	graceFactor   float64
	defaultPeriod time.Duration
	onOffline     func(robotID string)

	stopCh chan struct{}
}

// NewHeartbeatWatchdog creates a watchdog. onOffline is invoked (from the
// watchdog's own goroutine) the first time a robot is judged offline.
func NewHeartbeatWatchdog(defaultPeriod time.Duration, graceFactor float64, onOffline func(robotID string)) *HeartbeatWatchdog {
	if graceFactor <= 1 {
		graceFactor = 3
	}
	return &HeartbeatWatchdog{
		lastSeen:      make(map[string]time.Time),
		interval:      make(map[string]time.Duration),
		graceFactor:   graceFactor,
		defaultPeriod: defaultPeriod,
		onOffline:     onOffline,
		stopCh:        make(chan struct{}),
	}
}

// Touch records a heartbeat/status arrival for robotID, optionally updating
// its declared heartbeat interval.
func (h *HeartbeatWatchdog) Touch(robotID string, interval time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastSeen[robotID] = time.Now()
	if interval > 0 {
		h.interval[robotID] = interval
	}
}

// Forget removes a robot from tracking, used when it is explicitly retired.
func (h *HeartbeatWatchdog) Forget(robotID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.lastSeen, robotID)
	delete(h.interval, robotID)
}

// Run polls for stale robots every sweepInterval until Stop is called.
func (h *HeartbeatWatchdog) Run(sweepInterval time.Duration) {
	if sweepInterval <= 0 {
		sweepInterval = time.Second
	}
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	reported := make(map[string]bool)

	for {
		select {
		case <-ticker.C:
			h.sweep(reported)
		case <-h.stopCh:
			return
		}
	}
}

func (h *HeartbeatWatchdog) sweep(reported map[string]bool) {
	h.mu.Lock()
	now := time.Now()
	type stale struct {
		robotID string
	}
	var staleRobots []stale
	for robotID, last := range h.lastSeen {
		period := h.interval[robotID]
		if period <= 0 {
			period = h.defaultPeriod
		}
		if period <= 0 {
			continue
		}
		deadline := float64(period) * h.graceFactor
		if now.Sub(last) > time.Duration(deadline) {
			if !reported[robotID] {
				staleRobots = append(staleRobots, stale{robotID: robotID})
				reported[robotID] = true
			}
		} else {
			delete(reported, robotID)
		}
	}
	h.mu.Unlock()

	for _, s := range staleRobots {
		if h.onOffline != nil {
			h.onOffline(s.robotID)
		}
	}
}

// Stop terminates the watchdog's sweep loop.
func (h *HeartbeatWatchdog) Stop() {
	close(h.stopCh)
}
