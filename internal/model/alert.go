package model

import "time"

// AlertSeverity is the escalation level of an Alert.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is a row produced by the Alert Engine (or the agent's local
// pre-alert) when an observation crosses a threshold. At most one open
// (ResolvedAt == nil) Alert exists per DedupKey at any time.
type Alert struct {
	AlertID   string
	RobotID   string
	Metric    string
	Severity  AlertSeverity
	DedupKey  string
	Value     float64
	Threshold float64
	Message   string
	OpenedAt  time.Time
	ResolvedAt *time.Time
	AckedAt    *time.Time
	AckedBy    string
}

// IsAcknowledged reports whether an operator has acknowledged the alert.
func (a Alert) IsAcknowledged() bool {
	return a.AckedAt != nil
}

// DedupKey builds the (robot_id, metric, severity) dedup key used to
// enforce at most one open Alert per key.
func DedupKey(robotID, metric, severity string) string {
	return robotID + "|" + metric + "|" + severity
}

// IsOpen reports whether the alert is unresolved.
func (a Alert) IsOpen() bool {
	return a.ResolvedAt == nil
}

// AuditLevel mirrors the logger's levels so audit rows can be produced
// directly from logging hooks.
type AuditLevel string

const (
	AuditDebug    AuditLevel = "debug"
	AuditInfo     AuditLevel = "info"
	AuditWarning  AuditLevel = "warning"
	AuditError    AuditLevel = "error"
	AuditCritical AuditLevel = "critical"
)

// AuditLog is an append-only record of a noteworthy event.
type AuditLog struct {
	ID        string
	RobotID   string
	Level     AuditLevel
	Event     string
	Details   map[string]interface{}
	CreatedAt time.Time
}
