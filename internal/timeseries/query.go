package timeseries

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Query serves read-side access to the time-series store: latest value per
// (robot, measurement, field) and bounded historical ranges.
type Query struct {
	db *sql.DB
}

// NewQuery wraps a database handle for read access.
func NewQuery(db *sql.DB) *Query {
	return &Query{db: db}
}

// Sample is one (possibly rolled-up) reading returned to API callers.
type Sample struct {
	RobotID     string
	Measurement string
	Field       string
	Value       float64
	RecordedAt  time.Time
}

// Latest returns the most recent raw value for one (robot, measurement,
// field) tuple.
func (q *Query) Latest(ctx context.Context, robotID, measurement, field string) (Sample, error) {
	var s Sample
	s.RobotID, s.Measurement, s.Field = robotID, measurement, field
	err := q.db.QueryRowContext(ctx, `
		SELECT value, recorded_at FROM samples_raw
		WHERE robot_id = $1 AND measurement = $2 AND field = $3
		ORDER BY recorded_at DESC LIMIT 1
	`, robotID, measurement, field).Scan(&s.Value, &s.RecordedAt)
	if err != nil {
		return Sample{}, fmt.Errorf("latest sample: %w", err)
	}
	return s, nil
}

// Tier selects which retention table a history query reads from.
type Tier string

const (
	TierRaw    Tier = "raw"
	TierHourly Tier = "hourly"
	TierDaily  Tier = "daily"
)

func (t Tier) table() string {
	switch t {
	case TierHourly:
		return "samples_hourly"
	case TierDaily:
		return "samples_daily"
	default:
		return "samples_raw"
	}
}

// History returns samples for one (robot, measurement, field) tuple across
// [from, to], reading whichever retention tier the caller selects.
func (q *Query) History(ctx context.Context, tier Tier, robotID, measurement, field string, from, to time.Time) ([]Sample, error) {
	var rows *sql.Rows
	var err error
	if tier == TierRaw {
		rows, err = q.db.QueryContext(ctx, `
			SELECT value, recorded_at FROM samples_raw
			WHERE robot_id = $1 AND measurement = $2 AND field = $3 AND recorded_at BETWEEN $4 AND $5
			ORDER BY recorded_at
		`, robotID, measurement, field, from, to)
	} else {
		rows, err = q.db.QueryContext(ctx, fmt.Sprintf(`
			SELECT avg_value, bucket FROM %s
			WHERE robot_id = $1 AND measurement = $2 AND field = $3 AND bucket BETWEEN $4 AND $5
			ORDER BY bucket
		`, tier.table()), robotID, measurement, field, from, to)
	}
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		s := Sample{RobotID: robotID, Measurement: measurement, Field: field}
		if err := rows.Scan(&s.Value, &s.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func tagsJSON(tags map[string]string) []byte {
	b, err := json.Marshal(tags)
	if err != nil {
		return []byte("{}")
	}
	return b
}
