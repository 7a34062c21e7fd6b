package alertengine

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonypi-fleet/control-plane/internal/entitystore"
	"github.com/tonypi-fleet/control-plane/internal/model"
	"github.com/tonypi-fleet/control-plane/internal/platform/logging"
	"github.com/tonypi-fleet/control-plane/internal/platform/metrics"
)

func newTestEngine() (*Engine, entitystore.Store) {
	store := entitystore.NewMemoryStore()
	logger := logging.New("alertengine-test", "error", "text")
	m := metrics.NewWithRegistry("alertengine-test", prometheus.NewRegistry())
	e := New(store, nil, "", logger, m, "tonypi")
	return e, store
}

func TestObserve_UnconfiguredMetricNeverAlerts(t *testing.T) {
	e, store := newTestEngine()
	ctx := context.Background()

	e.Observe(ctx, "robot_1", "light_level", 999)

	open, err := store.ListOpenAlerts(ctx, "robot_1")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestObserve_CrossingWarnThenCritOpensAndEscalates(t *testing.T) {
	e, store := newTestEngine()
	ctx := context.Background()

	e.Observe(ctx, "robot_1", "battery_level", 15) // below warn (20), above crit (10)
	open, err := store.ListOpenAlerts(ctx, "robot_1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, model.SeverityWarning, open[0].Severity)

	e.Observe(ctx, "robot_1", "battery_level", 9) // below crit
	open, err = store.ListOpenAlerts(ctx, "robot_1")
	require.NoError(t, err)
	require.Len(t, open, 1, "escalation replaces the warning alert with a critical one")
	assert.Equal(t, model.SeverityCritical, open[0].Severity)
}

func TestObserve_RecoveryPastHysteresisResolvesAlert(t *testing.T) {
	e, store := newTestEngine()
	ctx := context.Background()

	e.Observe(ctx, "robot_1", "battery_level", 9) // critical
	require.Len(t, mustOpen(t, store, "robot_1"), 1)

	e.Observe(ctx, "robot_1", "battery_level", 21) // well past warn+hysteresis
	open := mustOpen(t, store, "robot_1")
	assert.Empty(t, open, "recovering past the hysteresis band resolves the open alert")
}

func TestObserve_ValueOscillatingWithinHysteresisBandDoesNotFlap(t *testing.T) {
	e, store := newTestEngine()
	ctx := context.Background()

	e.Observe(ctx, "robot_1", "battery_level", 15) // opens warning
	require.Len(t, mustOpen(t, store, "robot_1"), 1)

	// battery_level is low-is-bad: 20.3 has recovered above warn(20) but is
	// still within the de-escalation hysteresis band (20 + 0.5 = 20.5 is the
	// de-escalation line), so it must stay open.
	e.Observe(ctx, "robot_1", "battery_level", 20.3)
	assert.Len(t, mustOpen(t, store, "robot_1"), 1, "value inside the hysteresis band must not resolve the alert")
}

func TestObserve_RepeatedCrossingIsIdempotent(t *testing.T) {
	e, store := newTestEngine()
	ctx := context.Background()

	e.Observe(ctx, "robot_1", "cpu_temperature", 75)
	e.Observe(ctx, "robot_1", "cpu_temperature", 76)
	e.Observe(ctx, "robot_1", "cpu_temperature", 77)

	open := mustOpen(t, store, "robot_1")
	require.Len(t, open, 1, "repeated observations within the same band must not duplicate the alert")
}

func TestObserve_DirectNoneToCriticalEmitsBothAlertsButOnlyCriticalStaysOpen(t *testing.T) {
	e, store := newTestEngine()
	ctx := context.Background()

	e.Observe(ctx, "robot_1", "battery_level", 5) // jumps straight past warn(20) and crit(10)

	open := mustOpen(t, store, "robot_1")
	require.Len(t, open, 1, "only the critical alert stays open on a direct jump")
	assert.Equal(t, model.SeverityCritical, open[0].Severity)

	all, err := store.ListAlerts(ctx, "robot_1", 10)
	require.NoError(t, err)
	require.Len(t, all, 2, "a warning alert must still be emitted and recorded, even though it is resolved immediately")

	var sawResolvedWarning bool
	for _, a := range all {
		if a.Severity == model.SeverityWarning {
			assert.NotNil(t, a.ResolvedAt, "the interim warning alert must be resolved, not left open")
			sawResolvedWarning = true
		}
	}
	assert.True(t, sawResolvedWarning, "expected a warning alert row among the alerts for this robot")
}

func mustOpen(t *testing.T, store entitystore.Store, robotID string) []model.Alert {
	t.Helper()
	open, err := store.ListOpenAlerts(context.Background(), robotID)
	require.NoError(t, err)
	return open
}
