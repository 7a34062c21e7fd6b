// Package alertengine implements the hysteresis-band alert state machine:
// two thresholds (warn/crit) and two hysteresis bands per (robot_id,
// metric), so a value oscillating around a threshold doesn't flap between
// open and resolved alerts.
package alertengine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tonypi-fleet/control-plane/internal/broker"
	"github.com/tonypi-fleet/control-plane/internal/entitystore"
	"github.com/tonypi-fleet/control-plane/internal/model"
	"github.com/tonypi-fleet/control-plane/internal/platform/logging"
	"github.com/tonypi-fleet/control-plane/internal/platform/metrics"
)

// level is the engine's internal escalation state for one (robot_id, metric)
// pair. It tracks more than model.AlertSeverity because "none" (no open
// alert) is itself a state in the hysteresis machine.
type level int

const (
	levelNone level = iota
	levelWarning
	levelCritical
)

func (l level) severity() model.AlertSeverity {
	switch l {
	case levelCritical:
		return model.SeverityCritical
	case levelWarning:
		return model.SeverityWarning
	default:
		return ""
	}
}

func (l level) String() string {
	switch l {
	case levelCritical:
		return "critical"
	case levelWarning:
		return "warning"
	default:
		return "none"
	}
}

// Engine is the per-(robot_id, metric) hysteresis state machine. State is
// partitioned by a sharded lock map so unrelated metrics never contend.
type Engine struct {
	store     entitystore.Store
	adapter   *broker.Adapter
	cache     thresholdCache
	logger    *logging.Logger
	metrics   *metrics.Metrics
	namespace string

	mu     sync.Mutex
	shards map[string]*sync.Mutex
	state  map[string]level // key: robotID|metric
}

// New creates an Engine. If redisAddr is non-empty the threshold cache is
// backed by Redis (shared across server processes); otherwise it falls back
// to a process-local TTL cache so the engine runs standalone in development.
func New(store entitystore.Store, adapter *broker.Adapter, redisAddr string, logger *logging.Logger, m *metrics.Metrics, namespace string) *Engine {
	var c thresholdCache
	if redisAddr != "" {
		c = newRedisThresholdCache(redisAddr)
	} else {
		c = newLocalThresholdCache()
	}
	return &Engine{
		store:     store,
		adapter:   adapter,
		cache:     c,
		logger:    logger,
		metrics:   m,
		namespace: namespace,
		shards:    make(map[string]*sync.Mutex),
		state:     make(map[string]level),
	}
}

func stateKey(robotID, metric string) string { return robotID + "|" + metric }

func (e *Engine) lockFor(key string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.shards[key]
	if !ok {
		l = &sync.Mutex{}
		e.shards[key] = l
	}
	return l
}

// Observe feeds one sample into the state machine for (robotID, metric). It
// is the Ingestion Dispatcher's only entry point into the Alert Engine.
func (e *Engine) Observe(ctx context.Context, robotID, metric string, value float64) {
	def, ok := DefaultMetrics[metric]
	rt, hasOverride := e.resolveThreshold(ctx, robotID, metric, def, ok)
	if !ok && !hasOverride {
		return // no alerting configured for this metric at all
	}

	key := stateKey(robotID, metric)
	lock := e.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	current := e.state[key]
	next := nextLevel(current, value, rt)
	if next == current {
		return
	}
	e.state[key] = next
	e.transition(ctx, robotID, metric, value, rt, current, next)
}

// nextLevel applies the two-threshold, two-hysteresis-band rule: reaching a
// threshold escalates immediately, but de-escalating only happens once the
// value has retreated to threshold-hysteresis or beyond (direction-aware),
// so a value oscillating exactly at the threshold does not flap.
func nextLevel(current level, value float64, t resolvedThreshold) level {
	worse := func(a, b float64) bool {
		if t.Direction == string(model.DirectionLow) {
			return a <= b
		}
		return a >= b
	}
	better := func(a, b float64) bool {
		if t.Direction == string(model.DirectionLow) {
			return a >= b
		}
		return a <= b
	}

	switch current {
	case levelNone:
		if worse(value, t.CritValue) {
			return levelCritical
		}
		if worse(value, t.WarnValue) {
			return levelWarning
		}
		return levelNone
	case levelWarning:
		if worse(value, t.CritValue) {
			return levelCritical
		}
		if better(value, t.WarnValue-signedHyst(t.Direction, t.HysteresisW)) {
			return levelNone
		}
		return levelWarning
	case levelCritical:
		if better(value, t.CritValue-signedHyst(t.Direction, t.HysteresisC)) {
			if worse(value, t.WarnValue) {
				return levelWarning
			}
			return levelNone
		}
		return levelCritical
	default:
		return current
	}
}

// signedHyst returns the hysteresis offset in the direction that makes
// de-escalation stricter than escalation: for a "high is bad" metric the
// value must drop hysteresis below the threshold to de-escalate; for a
// "low is bad" metric it must rise hysteresis above it.
func signedHyst(direction string, h float64) float64 {
	if direction == string(model.DirectionLow) {
		return -h
	}
	return h
}

func (e *Engine) transition(ctx context.Context, robotID, metric string, value float64, t resolvedThreshold, from, to level) {
	e.logger.LogAlertTransition(ctx, robotID, metric, from.String(), to.String(), value)
	if e.metrics != nil {
		e.metrics.AlertTransitionsTotal.WithLabelValues(metric, from.String(), to.String()).Inc()
	}

	if to == levelNone {
		// De-escalating to "none" resolves whichever alert is currently open,
		// keyed off the state we're leaving, not the one we're entering.
		dedupKey := model.DedupKey(robotID, metric, string(from.severity()))
		if err := e.store.ResolveAlert(ctx, dedupKey, time.Now().UTC()); err != nil && err != entitystore.ErrNotFound {
			e.logger.WithError(err).Error("resolve alert failed")
		}
		e.publish(ctx, robotID, metric, "resolved", to, value, t)
		if e.metrics != nil {
			e.metrics.AlertsOpen.Dec()
		}
		return
	}

	// A direct none -> critical jump skips the warning state entirely, but a
	// warning alert must still be emitted (and immediately resolved) so the
	// history shows the crossing, even though only the critical alert stays open.
	if from == levelNone && to == levelCritical {
		e.emitAndResolveWarning(ctx, robotID, metric, value, t)
	}

	// Escalating past warning while already critical-bound, or warning -> critical,
	// resolves the lower-severity alert (if any) before opening the new one so at
	// most one open alert per (robot_id, metric) exists, matching the dedup
	// key's (robot_id, metric, severity) granularity.
	if from != levelNone {
		_ = e.store.ResolveAlert(ctx, model.DedupKey(robotID, metric, string(from.severity())), time.Now().UTC())
	}

	threshold := t.WarnValue
	if to == levelCritical {
		threshold = t.CritValue
	}
	a, isNew, err := e.store.CreateAlert(ctx, model.Alert{
		RobotID:   robotID,
		Metric:    metric,
		Severity:  to.severity(),
		DedupKey:  model.DedupKey(robotID, metric, string(to.severity())),
		Value:     value,
		Threshold: threshold,
		Message:   fmt.Sprintf("%s crossed %s threshold: %.2f (threshold %.2f)", metric, to.severity(), value, threshold),
	})
	if err != nil {
		e.logger.WithError(err).Error("create alert failed")
		return
	}
	status := "opened"
	if !isNew {
		status = "deduped"
	}
	e.publish(ctx, robotID, metric, status, to, value, t)
	// The gauge tracks open (robot_id, metric) pairs, not open alert rows: an
	// escalation from warning to critical resolves the warning row above but
	// keeps the pair "open", so the gauge only moves on none<->non-none edges.
	if isNew && from == levelNone && e.metrics != nil {
		e.metrics.AlertsOpen.Inc()
	}
	_ = a
}

// emitAndResolveWarning handles a direct none -> critical jump: it creates the
// warning-severity alert row the value also crossed, then resolves it right
// away, so the critical alert (created by the caller) is the only one left open.
func (e *Engine) emitAndResolveWarning(ctx context.Context, robotID, metric string, value float64, t resolvedThreshold) {
	dedupKey := model.DedupKey(robotID, metric, string(model.SeverityWarning))
	_, _, err := e.store.CreateAlert(ctx, model.Alert{
		RobotID:   robotID,
		Metric:    metric,
		Severity:  model.SeverityWarning,
		DedupKey:  dedupKey,
		Value:     value,
		Threshold: t.WarnValue,
		Message:   fmt.Sprintf("%s crossed %s threshold: %.2f (threshold %.2f)", metric, model.SeverityWarning, value, t.WarnValue),
	})
	if err != nil {
		e.logger.WithError(err).Error("create interim warning alert failed")
		return
	}
	if err := e.store.ResolveAlert(ctx, dedupKey, time.Now().UTC()); err != nil && err != entitystore.ErrNotFound {
		e.logger.WithError(err).Error("resolve interim warning alert failed")
	}
	e.publish(ctx, robotID, metric, "resolved", levelWarning, value, t)
}

// publish announces a transition on <ns>/alerts/<robot_id> so dashboards
// subscribed through the WebSocket hub see alert state changes live.
func (e *Engine) publish(ctx context.Context, robotID, metric, status string, to level, value float64, t resolvedThreshold) {
	if e.adapter == nil {
		return
	}
	payload, err := json.Marshal(map[string]interface{}{
		"robot_id":  robotID,
		"metric":    metric,
		"status":    status,
		"severity":  to.String(),
		"value":     value,
		"warn":      t.WarnValue,
		"crit":      t.CritValue,
		"timestamp": time.Now().UTC(),
	})
	if err != nil {
		return
	}
	topic := broker.Topic(e.namespace, broker.StreamAlerts, robotID)
	if err := e.adapter.Publish(ctx, topic, payload, broker.QoS1); err != nil {
		e.logger.WithError(err).Warn("publish alert transition failed")
	}
}

// resolveThreshold loads the effective threshold for (robotID, metric),
// preferring a cached value, then an operator override from the Entity
// Store, then falling back to the compiled-in MetricDefault. It returns
// ok=false only when neither an override nor a default exists.
func (e *Engine) resolveThreshold(ctx context.Context, robotID, metric string, def MetricDefault, hasDefault bool) (resolvedThreshold, bool) {
	key := thresholdCacheKey(robotID, metric)
	if cached, hit := e.cache.get(ctx, key); hit {
		return cached, cached.Configured
	}

	rt := resolvedThreshold{
		WarnValue:   def.WarnValue,
		CritValue:   def.CritValue,
		HysteresisW: def.HysteresisW,
		HysteresisC: def.HysteresisC,
		Direction:   string(def.Direction),
		Configured:  hasDefault,
	}

	override, err := e.store.GetThreshold(ctx, robotID, metric)
	if err == nil && override.Enabled {
		rt.WarnValue = override.WarnValue
		rt.CritValue = override.CritValue
		rt.Configured = true
		if rt.Direction == "" {
			rt.Direction = string(model.DirectionHigh)
		}
	}

	e.cache.set(ctx, key, rt)
	return rt, rt.Configured
}

// InvalidateThreshold drops the cached threshold for robotID so the next
// Observe call re-reads the Entity Store, used after an admin edits a
// threshold through the HTTP API.
func (e *Engine) InvalidateThreshold(ctx context.Context, robotID string) {
	e.cache.invalidate(ctx, robotID)
}

// redisAddrFromEnv reads REDIS_ADDR, trimmed; callers use "" to mean
// "no Redis configured, use the process-local cache".
func redisAddrFromEnv() string {
	return strings.TrimSpace(os.Getenv("REDIS_ADDR"))
}
