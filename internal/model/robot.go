// Package model holds the shared domain types flowing between the broker
// adapter, ingestion dispatcher, entity store, alert engine, job tracker and
// command router.
package model

import "time"

// RobotStatus is a Robot's lifecycle state.
type RobotStatus string

const (
	RobotOnline      RobotStatus = "online"
	RobotOffline     RobotStatus = "offline"
	RobotError       RobotStatus = "error"
	RobotMaintenance RobotStatus = "maintenance"
)

// Robot is the canonical identity and liveness record for one fleet member.
type Robot struct {
	RobotID        string
	Name           string
	Description    string
	NetworkAddress string
	Status         RobotStatus
	LastSeen       time.Time
	FirstSeen      time.Time
	Settings       string // opaque JSON blob, read at the edges with gjson
}

// Threshold is a per-robot, per-metric alerting configuration.
type Threshold struct {
	RobotID   string
	Metric    string
	WarnValue float64
	CritValue float64
	Enabled   bool
	UpdatedAt time.Time
}

// MetricDirection says which direction of travel is adverse for a metric.
type MetricDirection string

const (
	DirectionHigh MetricDirection = "high" // temperature, cpu: higher is worse
	DirectionLow  MetricDirection = "low"  // battery: lower is worse
)
