package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonypi-fleet/control-plane/internal/command"
	"github.com/tonypi-fleet/control-plane/internal/entitystore"
	"github.com/tonypi-fleet/control-plane/internal/jobtracker"
	"github.com/tonypi-fleet/control-plane/internal/model"
	"github.com/tonypi-fleet/control-plane/internal/platform/logging"
	"github.com/tonypi-fleet/control-plane/internal/platform/metrics"
	"github.com/tonypi-fleet/control-plane/internal/wshub"
)

func newTestServer(t *testing.T) (http.Handler, entitystore.Store) {
	t.Helper()
	store := entitystore.NewMemoryStore()
	logger := logging.New("httpapi-test", "error", "text")
	m := metrics.NewWithRegistry("httpapi-test", prometheus.NewRegistry())
	hub := wshub.New(logger, m)
	tracker := jobtracker.New(store, hub, logger, m, time.Minute)
	router := command.New(nil, store, nil, logger, m, "tonypi", time.Hour)

	handler := New(Config{
		Store:   store,
		Router:  router,
		Tracker: tracker,
		Hub:     hub,
		Logger:  logger,
		Metrics: m,
	})
	return handler, store
}

func TestListRobots_ReturnsSeededRobots(t *testing.T) {
	handler, store := newTestServer(t)
	_, err := store.UpsertRobotOnSeen(context.Background(), "robot_1", "10.0.0.5", time.Now())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/robots", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var robots []model.Robot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &robots))
	require.Len(t, robots, 1)
	assert.Equal(t, "robot_1", robots[0].RobotID)
}

func TestGetRobot_UnknownRobotReturns404(t *testing.T) {
	handler, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/robots/missing", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListAlerts_RequiresRobotID(t *testing.T) {
	handler, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/alerts", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostCommand_EnqueuesAndReturnsCommandID(t *testing.T) {
	handler, _ := newTestServer(t)

	body, err := json.Marshal(map[string]interface{}{
		"robot_id": "robot_1",
		"type":     string(model.CommandStop),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/commands", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp commandResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.CommandID)
}

func TestPostCommand_MissingRobotIDFails(t *testing.T) {
	handler, _ := newTestServer(t)

	body, err := json.Marshal(map[string]interface{}{"type": string(model.CommandStop)})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/commands", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListJobs_ActiveOnlyServesFromTracker(t *testing.T) {
	handler, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs?active=true", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var jobs []model.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	assert.Empty(t, jobs)
}

func TestListAuditLogs_FiltersByRobotIDAndLevel(t *testing.T) {
	handler, store := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, store.AppendAuditLog(ctx, model.AuditLog{RobotID: "robot_1", Level: model.AuditInfo, Event: "seen"}))
	require.NoError(t, store.AppendAuditLog(ctx, model.AuditLog{RobotID: "robot_1", Level: model.AuditWarning, Event: "stale_job_superseded"}))
	require.NoError(t, store.AppendAuditLog(ctx, model.AuditLog{RobotID: "robot_2", Level: model.AuditInfo, Event: "seen"}))

	req := httptest.NewRequest(http.MethodGet, "/api/audit-logs?robot_id=robot_1&level=warning", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var logs []model.AuditLog
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &logs))
	require.Len(t, logs, 1)
	assert.Equal(t, "stale_job_superseded", logs[0].Event)
}

func TestListAuditLogs_NoFiltersReturnsAllRecent(t *testing.T) {
	handler, store := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, store.AppendAuditLog(ctx, model.AuditLog{RobotID: "robot_1", Level: model.AuditInfo, Event: "seen"}))
	require.NoError(t, store.AppendAuditLog(ctx, model.AuditLog{RobotID: "robot_2", Level: model.AuditInfo, Event: "seen"}))

	req := httptest.NewRequest(http.MethodGet, "/api/audit-logs", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var logs []model.AuditLog
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &logs))
	require.Len(t, logs, 2)
}
