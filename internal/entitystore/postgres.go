package entitystore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/tonypi-fleet/control-plane/internal/model"
)

// PostgresStore is the production Store backed by lib/pq over database/sql.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an already-opened, already-migrated connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) UpsertRobotOnSeen(ctx context.Context, robotID, networkAddress string, seenAt time.Time) (model.Robot, error) {
	var r model.Robot
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO robots (robot_id, name, network_address, status, first_seen, last_seen)
		VALUES ($1, $1, $2, 'online', $3, $3)
		ON CONFLICT (robot_id) DO UPDATE SET
			network_address = $2,
			status = 'online',
			last_seen = $3
		RETURNING robot_id, name, description, network_address, status, first_seen, last_seen, settings
	`, robotID, networkAddress, seenAt).Scan(
		&r.RobotID, &r.Name, &r.Description, &r.NetworkAddress, &r.Status, &r.FirstSeen, &r.LastSeen, &r.Settings,
	)
	if err != nil {
		return model.Robot{}, fmt.Errorf("upsert robot on seen: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) MarkRobotStatus(ctx context.Context, robotID string, status model.RobotStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE robots SET status = $2 WHERE robot_id = $1`, robotID, status)
	if err != nil {
		return fmt.Errorf("mark robot status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetRobot(ctx context.Context, robotID string) (model.Robot, error) {
	var r model.Robot
	err := s.db.QueryRowContext(ctx, `
		SELECT robot_id, name, description, network_address, status, first_seen, last_seen, settings
		FROM robots WHERE robot_id = $1
	`, robotID).Scan(&r.RobotID, &r.Name, &r.Description, &r.NetworkAddress, &r.Status, &r.FirstSeen, &r.LastSeen, &r.Settings)
	if err == sql.ErrNoRows {
		return model.Robot{}, ErrNotFound
	}
	if err != nil {
		return model.Robot{}, fmt.Errorf("get robot: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) ListRobots(ctx context.Context) ([]model.Robot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT robot_id, name, description, network_address, status, first_seen, last_seen, settings
		FROM robots ORDER BY robot_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list robots: %w", err)
	}
	defer rows.Close()

	var out []model.Robot
	for rows.Next() {
		var r model.Robot
		if err := rows.Scan(&r.RobotID, &r.Name, &r.Description, &r.NetworkAddress, &r.Status, &r.FirstSeen, &r.LastSeen, &r.Settings); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetThreshold(ctx context.Context, robotID, metric string) (model.Threshold, error) {
	var t model.Threshold
	err := s.db.QueryRowContext(ctx, `
		SELECT robot_id, metric, warn_value, crit_value, enabled, updated_at
		FROM thresholds WHERE robot_id = $1 AND metric = $2
	`, robotID, metric).Scan(&t.RobotID, &t.Metric, &t.WarnValue, &t.CritValue, &t.Enabled, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return model.Threshold{}, ErrNotFound
	}
	if err != nil {
		return model.Threshold{}, fmt.Errorf("get threshold: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) ListThresholds(ctx context.Context, robotID string) ([]model.Threshold, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT robot_id, metric, warn_value, crit_value, enabled, updated_at
		FROM thresholds WHERE robot_id = $1 ORDER BY metric
	`, robotID)
	if err != nil {
		return nil, fmt.Errorf("list thresholds: %w", err)
	}
	defer rows.Close()

	var out []model.Threshold
	for rows.Next() {
		var t model.Threshold
		if err := rows.Scan(&t.RobotID, &t.Metric, &t.WarnValue, &t.CritValue, &t.Enabled, &t.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertThreshold(ctx context.Context, t model.Threshold) (model.Threshold, error) {
	t.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thresholds (robot_id, metric, warn_value, crit_value, enabled, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (robot_id, metric) DO UPDATE SET
			warn_value = $3, crit_value = $4, enabled = $5, updated_at = $6
	`, t.RobotID, t.Metric, t.WarnValue, t.CritValue, t.Enabled, t.UpdatedAt)
	if err != nil {
		return model.Threshold{}, fmt.Errorf("upsert threshold: %w", err)
	}
	return t, nil
}

// CreateAlert relies on the unique partial index alerts_open_dedup_key_idx
// (dedup_key WHERE resolved_at IS NULL) to make "one open alert per dedup
// key" atomic: a racing insert either succeeds or hits a unique violation,
// in which case the existing open row is fetched and returned instead.
func (s *PostgresStore) CreateAlert(ctx context.Context, a model.Alert) (model.Alert, bool, error) {
	if a.AlertID == "" {
		a.AlertID = uuid.NewString()
	}
	if a.DedupKey == "" {
		a.DedupKey = model.DedupKey(a.RobotID, a.Metric, string(a.Severity))
	}
	if a.OpenedAt.IsZero() {
		a.OpenedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (alert_id, robot_id, metric, severity, dedup_key, value, threshold, message, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, a.AlertID, a.RobotID, a.Metric, a.Severity, a.DedupKey, a.Value, a.Threshold, a.Message, a.OpenedAt)
	if err == nil {
		return a, true, nil
	}
	if !isUniqueViolation(err) {
		return model.Alert{}, false, fmt.Errorf("create alert: %w", err)
	}

	existing, getErr := s.getOpenAlertByDedupKey(ctx, a.DedupKey)
	if getErr != nil {
		return model.Alert{}, false, fmt.Errorf("create alert (lookup existing after conflict): %w", getErr)
	}
	return existing, false, nil
}

func (s *PostgresStore) getOpenAlertByDedupKey(ctx context.Context, dedupKey string) (model.Alert, error) {
	var a model.Alert
	var resolvedAt, ackedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT alert_id, robot_id, metric, severity, dedup_key, value, threshold, message, opened_at, resolved_at, acked_at, acked_by
		FROM alerts WHERE dedup_key = $1 AND resolved_at IS NULL
	`, dedupKey).Scan(&a.AlertID, &a.RobotID, &a.Metric, &a.Severity, &a.DedupKey, &a.Value, &a.Threshold, &a.Message, &a.OpenedAt, &resolvedAt, &ackedAt, &a.AckedBy)
	if err != nil {
		return model.Alert{}, err
	}
	if resolvedAt.Valid {
		a.ResolvedAt = &resolvedAt.Time
	}
	if ackedAt.Valid {
		a.AckedAt = &ackedAt.Time
	}
	return a, nil
}

func (s *PostgresStore) ResolveAlert(ctx context.Context, dedupKey string, resolvedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET resolved_at = $2 WHERE dedup_key = $1 AND resolved_at IS NULL
	`, dedupKey, resolvedAt)
	if err != nil {
		return fmt.Errorf("resolve alert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AcknowledgeAlert is independent of ResolveAlert: an operator can ack an
// alert whose underlying condition is still active.
func (s *PostgresStore) AcknowledgeAlert(ctx context.Context, alertID, ackedBy string, ackedAt time.Time) (model.Alert, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET acked_at = $2, acked_by = $3 WHERE alert_id = $1
	`, alertID, ackedAt, ackedBy)
	if err != nil {
		return model.Alert{}, fmt.Errorf("acknowledge alert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Alert{}, ErrNotFound
	}
	return s.getAlertByID(ctx, alertID)
}

func (s *PostgresStore) getAlertByID(ctx context.Context, alertID string) (model.Alert, error) {
	var a model.Alert
	var resolvedAt, ackedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT alert_id, robot_id, metric, severity, dedup_key, value, threshold, message, opened_at, resolved_at, acked_at, acked_by
		FROM alerts WHERE alert_id = $1
	`, alertID).Scan(&a.AlertID, &a.RobotID, &a.Metric, &a.Severity, &a.DedupKey, &a.Value, &a.Threshold, &a.Message, &a.OpenedAt, &resolvedAt, &ackedAt, &a.AckedBy)
	if err == sql.ErrNoRows {
		return model.Alert{}, ErrNotFound
	}
	if err != nil {
		return model.Alert{}, fmt.Errorf("get alert: %w", err)
	}
	if resolvedAt.Valid {
		a.ResolvedAt = &resolvedAt.Time
	}
	if ackedAt.Valid {
		a.AckedAt = &ackedAt.Time
	}
	return a, nil
}

func (s *PostgresStore) ListOpenAlerts(ctx context.Context, robotID string) ([]model.Alert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT alert_id, robot_id, metric, severity, dedup_key, value, threshold, message, opened_at, resolved_at, acked_at, acked_by
		FROM alerts WHERE robot_id = $1 AND resolved_at IS NULL ORDER BY opened_at DESC
	`, robotID)
	if err != nil {
		return nil, fmt.Errorf("list open alerts: %w", err)
	}
	defer rows.Close()
	return scanAlerts(rows)
}

func (s *PostgresStore) ListAlerts(ctx context.Context, robotID string, limit int) ([]model.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT alert_id, robot_id, metric, severity, dedup_key, value, threshold, message, opened_at, resolved_at, acked_at, acked_by
		FROM alerts WHERE robot_id = $1 ORDER BY opened_at DESC LIMIT $2
	`, robotID, limit)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()
	return scanAlerts(rows)
}

func scanAlerts(rows *sql.Rows) ([]model.Alert, error) {
	var out []model.Alert
	for rows.Next() {
		var a model.Alert
		var resolvedAt, ackedAt sql.NullTime
		if err := rows.Scan(&a.AlertID, &a.RobotID, &a.Metric, &a.Severity, &a.DedupKey, &a.Value, &a.Threshold, &a.Message, &a.OpenedAt, &resolvedAt, &ackedAt, &a.AckedBy); err != nil {
			return nil, err
		}
		if resolvedAt.Valid {
			a.ResolvedAt = &resolvedAt.Time
		}
		if ackedAt.Valid {
			a.AckedAt = &ackedAt.Time
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertJob(ctx context.Context, j model.Job) (model.Job, error) {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	j.UpdatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (job_id, robot_id, task_name, phase, status, items_total, items_done,
			percent_complete, start_time, end_time, last_item, cancel_reason, success, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (job_id) DO UPDATE SET
			phase = $4, status = $5, items_total = $6, items_done = $7, percent_complete = $8,
			end_time = $10, last_item = $11, cancel_reason = $12, success = $13, updated_at = $14
	`, j.ID, j.RobotID, j.TaskName, j.Phase, j.Status, j.ItemsTotal, j.ItemsDone,
		j.PercentComplete, j.StartTime, toNullTime(j.EndTime), j.LastItem, j.CancelReason, j.Success, j.UpdatedAt)
	if err != nil {
		return model.Job{}, fmt.Errorf("upsert job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (model.Job, error) {
	return s.scanOneJob(ctx, `
		SELECT job_id, robot_id, task_name, phase, status, items_total, items_done,
			percent_complete, start_time, end_time, last_item, cancel_reason, success, updated_at
		FROM jobs WHERE job_id = $1
	`, jobID)
}

func (s *PostgresStore) scanOneJob(ctx context.Context, query string, args ...interface{}) (model.Job, error) {
	var j model.Job
	var endTime sql.NullTime
	var success sql.NullBool
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&j.ID, &j.RobotID, &j.TaskName, &j.Phase, &j.Status, &j.ItemsTotal, &j.ItemsDone,
		&j.PercentComplete, &j.StartTime, &endTime, &j.LastItem, &j.CancelReason, &success, &j.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return model.Job{}, ErrNotFound
	}
	if err != nil {
		return model.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if endTime.Valid {
		j.EndTime = &endTime.Time
	}
	if success.Valid {
		j.Success = &success.Bool
	}
	return j, nil
}

// TransitionJob applies mutate only while the row's status is still
// "active", mirroring the admin store's conditional-UPDATE idiom for
// enforcing at-most-once terminal transitions without a separate lock
// table: the WHERE clause on the UPDATE is the concurrency control.
func (s *PostgresStore) TransitionJob(ctx context.Context, jobID string, mutate func(*model.Job)) (model.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Job{}, fmt.Errorf("transition job begin: %w", err)
	}
	defer tx.Rollback()

	var j model.Job
	var endTime sql.NullTime
	var success sql.NullBool
	err = tx.QueryRowContext(ctx, `
		SELECT job_id, robot_id, task_name, phase, status, items_total, items_done,
			percent_complete, start_time, end_time, last_item, cancel_reason, success, updated_at
		FROM jobs WHERE job_id = $1 FOR UPDATE
	`, jobID).Scan(&j.ID, &j.RobotID, &j.TaskName, &j.Phase, &j.Status, &j.ItemsTotal, &j.ItemsDone,
		&j.PercentComplete, &j.StartTime, &endTime, &j.LastItem, &j.CancelReason, &success, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return model.Job{}, ErrNotFound
	}
	if err != nil {
		return model.Job{}, fmt.Errorf("transition job lookup: %w", err)
	}
	if endTime.Valid {
		j.EndTime = &endTime.Time
	}
	if success.Valid {
		j.Success = &success.Bool
	}

	if j.Status.IsTerminal() {
		return j, ErrConflict
	}

	mutate(&j)
	j.RecomputePercent()
	j.UpdatedAt = time.Now().UTC()

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET phase = $2, status = $3, items_total = $4, items_done = $5,
			percent_complete = $6, end_time = $7, last_item = $8, cancel_reason = $9,
			success = $10, updated_at = $11
		WHERE job_id = $1 AND status = 'active'
	`, j.ID, j.Phase, j.Status, j.ItemsTotal, j.ItemsDone, j.PercentComplete,
		toNullTime(j.EndTime), j.LastItem, j.CancelReason, j.Success, j.UpdatedAt)
	if err != nil {
		return model.Job{}, fmt.Errorf("transition job update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Job{}, ErrConflict
	}

	if err := tx.Commit(); err != nil {
		return model.Job{}, fmt.Errorf("transition job commit: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListActiveJobs(ctx context.Context) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, robot_id, task_name, phase, status, items_total, items_done,
			percent_complete, start_time, end_time, last_item, cancel_reason, success, updated_at
		FROM jobs WHERE status = 'active' ORDER BY start_time
	`)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *PostgresStore) ListJobsForRobot(ctx context.Context, robotID string, limit int) ([]model.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, robot_id, task_name, phase, status, items_total, items_done,
			percent_complete, start_time, end_time, last_item, cancel_reason, success, updated_at
		FROM jobs WHERE robot_id = $1 ORDER BY start_time DESC LIMIT $2
	`, robotID, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs for robot: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func scanJobs(rows *sql.Rows) ([]model.Job, error) {
	var out []model.Job
	for rows.Next() {
		var j model.Job
		var endTime sql.NullTime
		var success sql.NullBool
		if err := rows.Scan(&j.ID, &j.RobotID, &j.TaskName, &j.Phase, &j.Status, &j.ItemsTotal, &j.ItemsDone,
			&j.PercentComplete, &j.StartTime, &endTime, &j.LastItem, &j.CancelReason, &success, &j.UpdatedAt); err != nil {
			return nil, err
		}
		if endTime.Valid {
			j.EndTime = &endTime.Time
		}
		if success.Valid {
			j.Success = &success.Bool
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendAuditLog(ctx context.Context, log model.AuditLog) error {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	detailsJSON, _ := json.Marshal(log.Details)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, robot_id, level, event, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, log.ID, log.RobotID, log.Level, log.Event, detailsJSON, log.CreatedAt)
	if err != nil {
		return fmt.Errorf("append audit log: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAuditLogs(ctx context.Context, robotID string, since time.Time, level string, limit int) ([]model.AuditLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, robot_id, level, event, details, created_at
		FROM audit_logs
		WHERE ($1 = '' OR robot_id = $1)
		  AND ($2 = '' OR level = $2)
		  AND created_at >= $3
		ORDER BY created_at DESC LIMIT $4
	`, robotID, level, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	defer rows.Close()

	var out []model.AuditLog
	for rows.Next() {
		var log model.AuditLog
		var detailsJSON []byte
		if err := rows.Scan(&log.ID, &log.RobotID, &log.Level, &log.Event, &detailsJSON, &log.CreatedAt); err != nil {
			return nil, err
		}
		if len(detailsJSON) > 0 {
			_ = json.Unmarshal(detailsJSON, &log.Details)
		}
		out = append(out, log)
	}
	return out, rows.Err()
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// isUniqueViolation recognizes a postgres unique_violation (SQLSTATE 23505),
// the error the alerts_open_dedup_key_idx partial unique index raises when a
// racing CreateAlert loses to an already-open alert with the same dedup key.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
