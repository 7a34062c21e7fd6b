package entitystore

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonypi-fleet/control-plane/internal/model"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db), mock
}

func TestGetRobot_ReturnsErrNotFoundOnNoRows(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT robot_id, name, description, network_address, status, first_seen, last_seen, settings").
		WithArgs("robot_missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetRobot(context.Background(), "robot_missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRobot_ScansRow(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC().Truncate(time.Second)
	rows := sqlmock.NewRows([]string{"robot_id", "name", "description", "network_address", "status", "first_seen", "last_seen", "settings"}).
		AddRow("robot_1", "robot_1", "", "10.0.0.5", string(model.RobotOnline), now, now, "{}")
	mock.ExpectQuery("SELECT robot_id, name, description, network_address, status, first_seen, last_seen, settings").
		WithArgs("robot_1").
		WillReturnRows(rows)

	r, err := store.GetRobot(context.Background(), "robot_1")
	require.NoError(t, err)
	assert.Equal(t, "robot_1", r.RobotID)
	assert.Equal(t, model.RobotOnline, r.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkRobotStatus_ReturnsErrNotFoundWhenNoRowsAffected(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE robots SET status").
		WithArgs("robot_missing", model.RobotOffline).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.MarkRobotStatus(context.Background(), "robot_missing", model.RobotOffline)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateAlert_FallsBackToExistingOpenAlertOnDedupConflict(t *testing.T) {
	store, mock := newMockStore(t)
	a := model.Alert{RobotID: "robot_1", Metric: "battery_pct", Severity: model.SeverityWarning, Value: 15, Threshold: 20}

	mock.ExpectExec("INSERT INTO alerts").
		WillReturnError(&pq.Error{Code: "23505"})

	existingOpened := time.Now().UTC().Truncate(time.Second)
	rows := sqlmock.NewRows([]string{
		"alert_id", "robot_id", "metric", "severity", "dedup_key", "value", "threshold", "message", "opened_at", "resolved_at", "acked_at", "acked_by",
	}).AddRow("alert-1", "robot_1", "battery_pct", string(model.SeverityWarning), "robot_1|battery_pct|warning", 15.0, 20.0, "", existingOpened, nil, nil, "")
	mock.ExpectQuery("SELECT alert_id, robot_id, metric, severity, dedup_key, value, threshold, message, opened_at, resolved_at, acked_at, acked_by").
		WillReturnRows(rows)

	got, created, err := store.CreateAlert(context.Background(), a)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "alert-1", got.AlertID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcknowledgeAlert_ReturnsErrNotFoundWhenNoRowsAffected(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE alerts SET acked_at").
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := store.AcknowledgeAlert(context.Background(), "alert-missing", "operator", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcknowledgeAlert_FetchesUpdatedRowAfterExec(t *testing.T) {
	store, mock := newMockStore(t)
	ackedAt := time.Now().UTC().Truncate(time.Second)

	mock.ExpectExec("UPDATE alerts SET acked_at").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rows := sqlmock.NewRows([]string{
		"alert_id", "robot_id", "metric", "severity", "dedup_key", "value", "threshold", "message", "opened_at", "resolved_at", "acked_at", "acked_by",
	}).AddRow("alert-1", "robot_1", "battery_pct", string(model.SeverityWarning), "robot_1|battery_pct|warning", 15.0, 20.0, "", ackedAt, nil, ackedAt, "operator")
	mock.ExpectQuery("SELECT alert_id, robot_id, metric, severity, dedup_key, value, threshold, message, opened_at, resolved_at, acked_at, acked_by").
		WithArgs("alert-1").
		WillReturnRows(rows)

	got, err := store.AcknowledgeAlert(context.Background(), "alert-1", "operator", ackedAt)
	require.NoError(t, err)
	require.NotNil(t, got.AckedAt)
	assert.Equal(t, "operator", got.AckedBy)
	assert.NoError(t, mock.ExpectationsWereMet())
}
