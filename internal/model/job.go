package model

import "time"

// JobPhase is the coarse stage a Job is in.
type JobPhase string

const (
	PhaseScanning  JobPhase = "scanning"
	PhaseSearching JobPhase = "searching"
	PhaseExecuting JobPhase = "executing"
	PhaseDone      JobPhase = "done"
)

// JobStatus is a Job's lifecycle status.
type JobStatus string

const (
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobCancelled JobStatus = "cancelled"
	JobFailed    JobStatus = "failed"
)

// IsTerminal reports whether status is one that never transitions further.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobCancelled || s == JobFailed
}

// Job tracks a single in-flight (or completed) task for one robot.
type Job struct {
	ID             string
	RobotID        string
	TaskName       string
	Phase          JobPhase
	Status         JobStatus
	ItemsTotal     int
	ItemsDone      int
	PercentComplete float64
	StartTime      time.Time
	EndTime        *time.Time
	LastItem       string
	CancelReason   string
	Success        *bool
	UpdatedAt      time.Time
}

// RecomputePercent sets PercentComplete from ItemsDone/ItemsTotal, matching
// the invariant percent_complete = round(100*items_done/items_total, 1).
func (j *Job) RecomputePercent() {
	if j.ItemsTotal <= 0 {
		return
	}
	raw := 100 * float64(j.ItemsDone) / float64(j.ItemsTotal)
	j.PercentComplete = float64(int(raw*10+0.5)) / 10
}

// JobEventType is the kind of message the Job Tracker consumes on the job stream.
type JobEventType string

const (
	JobEventStart    JobEventType = "start"
	JobEventProgress JobEventType = "progress"
	JobEventItem     JobEventType = "item"
	JobEventComplete JobEventType = "complete"
	JobEventCancel   JobEventType = "cancel"
	JobEventFail     JobEventType = "fail"
)

// JobEvent is a parsed message from the `job` stream.
type JobEvent struct {
	Type         JobEventType
	JobID        string
	RobotID      string
	TaskName     string
	Phase        JobPhase
	ItemsTotal   int
	ItemsDone    int
	LastItem     string
	CancelReason string
	Success      *bool
	Timestamp    time.Time
}
