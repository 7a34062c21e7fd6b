package timeseries

import (
	"context"
	"database/sql"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tonypi-fleet/control-plane/internal/platform/logging"
)

// RetentionConfig controls how long each tier is kept and how the rollup
// aggregates raw points into coarser buckets.
type RetentionConfig struct {
	RawRetention    time.Duration
	HourlyRetention time.Duration
	DailyRetention  time.Duration
}

// DefaultRetentionConfig matches the spec's 7d/30d/365d tiers.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		RawRetention:    7 * 24 * time.Hour,
		HourlyRetention: 30 * 24 * time.Hour,
		DailyRetention:  365 * 24 * time.Hour,
	}
}

// RetentionScheduler runs the hourly and daily rollups, and the raw/hourly
// pruning, on a cron schedule.
type RetentionScheduler struct {
	db     *sql.DB
	cfg    RetentionConfig
	logger *logging.Logger
	cron   *cron.Cron
}

// NewRetentionScheduler creates the scheduler around a single cron.Cron
// instance per process, matching the teacher repo's pattern of registering
// recurring maintenance jobs against it; Start registers the jobs.
func NewRetentionScheduler(db *sql.DB, cfg RetentionConfig, logger *logging.Logger) *RetentionScheduler {
	r := &RetentionScheduler{
		db:     db,
		cfg:    cfg,
		logger: logger,
		cron:   cron.New(),
	}
	return r
}

// Start registers the rollup/prune jobs and starts the cron scheduler.
func (r *RetentionScheduler) Start() error {
	if _, err := r.cron.AddFunc("@hourly", r.runHourlyRollup); err != nil {
		return err
	}
	if _, err := r.cron.AddFunc("@daily", r.runDailyRollup); err != nil {
		return err
	}
	if _, err := r.cron.AddFunc("@hourly", r.runPrune); err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight job to finish.
func (r *RetentionScheduler) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

func (r *RetentionScheduler) runHourlyRollup() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := r.rollupInto(ctx, "samples_hourly", "hour"); err != nil {
		r.logger.WithError(err).Error("hourly rollup failed")
	}
}

func (r *RetentionScheduler) runDailyRollup() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := r.rollupInto(ctx, "samples_daily", "day"); err != nil {
		r.logger.WithError(err).Error("daily rollup failed")
	}
}

// rollupInto aggregates samples_raw into the named tier table, truncating
// recorded_at to the given bucket granularity and computing avg/min/max/count
// per (bucket, robot_id, measurement, field).
func (r *RetentionScheduler) rollupInto(ctx context.Context, table, granularity string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO `+table+` (bucket, robot_id, measurement, field, avg_value, min_value, max_value, sample_count)
		SELECT date_trunc($1, recorded_at) AS bucket, robot_id, measurement, field,
			AVG(value), MIN(value), MAX(value), COUNT(*)
		FROM samples_raw
		WHERE recorded_at >= date_trunc($1, now()) - ('1 ' || $1)::interval
		GROUP BY bucket, robot_id, measurement, field
		ON CONFLICT (bucket, robot_id, measurement, field) DO UPDATE SET
			avg_value = EXCLUDED.avg_value,
			min_value = EXCLUDED.min_value,
			max_value = EXCLUDED.max_value,
			sample_count = EXCLUDED.sample_count
	`, granularity)
	return err
}

func (r *RetentionScheduler) runPrune() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM samples_raw WHERE recorded_at < $1`, time.Now().Add(-r.cfg.RawRetention)); err != nil {
		r.logger.WithError(err).Error("prune samples_raw failed")
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM samples_hourly WHERE bucket < $1`, time.Now().Add(-r.cfg.HourlyRetention)); err != nil {
		r.logger.WithError(err).Error("prune samples_hourly failed")
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM samples_daily WHERE bucket < $1`, time.Now().Add(-r.cfg.DailyRetention)); err != nil {
		r.logger.WithError(err).Error("prune samples_daily failed")
	}
}
