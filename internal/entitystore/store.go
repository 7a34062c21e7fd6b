// Package entitystore owns durable robot, threshold, alert, job, and audit
// log state. It is the single place other components go to answer "what do
// we believe about this robot right now."
package entitystore

import (
	"context"
	"errors"
	"time"

	"github.com/tonypi-fleet/control-plane/internal/model"
)

// ErrNotFound is returned when a lookup by ID/key finds nothing.
var ErrNotFound = errors.New("entitystore: not found")

// ErrConflict is returned when a conditional write (e.g. a job transition)
// loses the race because the current row no longer matches the expected
// precondition.
var ErrConflict = errors.New("entitystore: conflict")

// Store is the durable state interface every other component depends on.
// Two implementations exist: postgres (production) and memory (tests, and
// the default when no DATABASE_DSN is configured).
type Store interface {
	// UpsertRobotOnSeen records that robotID was just heard from, creating
	// the robot row on first contact and marking it online. It is safe to
	// call concurrently for the same robot from multiple goroutines.
	UpsertRobotOnSeen(ctx context.Context, robotID string, networkAddress string, seenAt time.Time) (model.Robot, error)

	// MarkRobotStatus sets a robot's status explicitly, used when the
	// heartbeat watchdog declares it offline.
	MarkRobotStatus(ctx context.Context, robotID string, status model.RobotStatus) error

	GetRobot(ctx context.Context, robotID string) (model.Robot, error)
	ListRobots(ctx context.Context) ([]model.Robot, error)

	GetThreshold(ctx context.Context, robotID, metric string) (model.Threshold, error)
	ListThresholds(ctx context.Context, robotID string) ([]model.Threshold, error)
	UpsertThreshold(ctx context.Context, t model.Threshold) (model.Threshold, error)

	// CreateAlert opens a new alert, unless an open alert with the same
	// dedup key already exists, in which case it returns the existing row
	// unchanged. The unique partial index on (dedup_key) WHERE resolved_at
	// IS NULL is what the postgres implementation leans on for this; the
	// memory implementation enforces the same invariant in-process.
	CreateAlert(ctx context.Context, a model.Alert) (model.Alert, bool, error)
	ResolveAlert(ctx context.Context, dedupKey string, resolvedAt time.Time) error
	// AcknowledgeAlert records that an operator has seen alertID, without
	// affecting whether the underlying condition is still open.
	AcknowledgeAlert(ctx context.Context, alertID string, ackedBy string, ackedAt time.Time) (model.Alert, error)
	ListOpenAlerts(ctx context.Context, robotID string) ([]model.Alert, error)
	ListAlerts(ctx context.Context, robotID string, limit int) ([]model.Alert, error)

	// UpsertJob creates or fully replaces a job row (used by the job
	// tracker's startup reconstruction and initial "start" transition).
	UpsertJob(ctx context.Context, j model.Job) (model.Job, error)
	GetJob(ctx context.Context, jobID string) (model.Job, error)
	// TransitionJob applies mutate to the job identified by jobID only if
	// its current status is still "active" (at-most-once terminal
	// transition). It returns ErrConflict if the job already reached a
	// terminal status.
	TransitionJob(ctx context.Context, jobID string, mutate func(*model.Job)) (model.Job, error)
	ListActiveJobs(ctx context.Context) ([]model.Job, error)
	ListJobsForRobot(ctx context.Context, robotID string, limit int) ([]model.Job, error)

	AppendAuditLog(ctx context.Context, log model.AuditLog) error
	// ListAuditLogs returns audit rows created at or after since, newest
	// first. robotID and level are optional filters; an empty robotID
	// matches every robot and an empty level matches every level.
	ListAuditLogs(ctx context.Context, robotID string, since time.Time, level string, limit int) ([]model.AuditLog, error)

	Close() error
}
