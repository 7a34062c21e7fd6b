// Package timeseries owns the high-volume sample stream: batched writes to
// the raw table and the cron-driven rollups that downsample it into hourly
// and daily retention tiers.
package timeseries

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/tonypi-fleet/control-plane/internal/model"
	"github.com/tonypi-fleet/control-plane/internal/platform/logging"
	"github.com/tonypi-fleet/control-plane/internal/platform/metrics"
	"github.com/tonypi-fleet/control-plane/internal/platform/resilience"
)

// Writer accepts points from the ingestion dispatcher and durably stores
// them, batching to amortize round-trips against the raw samples table.
type Writer interface {
	Write(ctx context.Context, p model.Point) error
	Flush(ctx context.Context) error
	Close() error
}

// Config tunes batching behaviour.
type Config struct {
	BatchMaxPoints int
	BatchMaxWait   time.Duration
}

// DefaultConfig matches the spec's batching parameters.
func DefaultConfig() Config {
	return Config{BatchMaxPoints: 500, BatchMaxWait: 2 * time.Second}
}

// NoopWriter discards every point. Used when no time-series DSN is
// configured, so the rest of the pipeline (ingestion, alerting, jobs) still
// runs without a Postgres dependency in development.
type NoopWriter struct{}

func (NoopWriter) Write(context.Context, model.Point) error { return nil }
func (NoopWriter) Flush(context.Context) error               { return nil }
func (NoopWriter) Close() error                              { return nil }

// PostgresWriter buffers points in memory and flushes them as a single
// multi-row INSERT whenever the batch fills or BatchMaxWait elapses,
// whichever comes first.
type PostgresWriter struct {
	db      *sql.DB
	cfg     Config
	logger  *logging.Logger
	metrics *metrics.Metrics

	retryCfg resilience.RetryConfig
	breaker  *resilience.CircuitBreaker

	mu      sync.Mutex
	buf     []model.Point
	flushCh chan struct{}
	doneCh  chan struct{}
}

// flushRetryConfig caps the batch-write retry budget well below the next
// flush tick, so a retrying batch never piles up behind the one after it.
func flushRetryConfig() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// NewPostgresWriter creates a writer and starts its background flush loop.
func NewPostgresWriter(db *sql.DB, cfg Config, logger *logging.Logger, m *metrics.Metrics) *PostgresWriter {
	if cfg.BatchMaxPoints <= 0 {
		cfg.BatchMaxPoints = 500
	}
	if cfg.BatchMaxWait <= 0 {
		cfg.BatchMaxWait = 2 * time.Second
	}
	w := &PostgresWriter{
		db:       db,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		retryCfg: flushRetryConfig(),
		breaker:  resilience.New(resilience.DefaultConfig()),
		flushCh:  make(chan struct{}, 1),
		doneCh:   make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *PostgresWriter) Write(_ context.Context, p model.Point) error {
	w.mu.Lock()
	w.buf = append(w.buf, p)
	full := len(w.buf) >= w.cfg.BatchMaxPoints
	w.mu.Unlock()

	if full {
		select {
		case w.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (w *PostgresWriter) loop() {
	ticker := time.NewTicker(w.cfg.BatchMaxWait)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = w.Flush(context.Background())
		case <-w.flushCh:
			_ = w.Flush(context.Background())
		case <-w.doneCh:
			_ = w.Flush(context.Background())
			return
		}
	}
}

// Flush writes the buffered points as one multi-row INSERT and clears the
// buffer. If the write still fails once the retry budget is spent (or the
// breaker is open), the whole batch is dropped and its points are counted
// in timeseries_points_dropped_total.
func (w *PostgresWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	batch := w.buf
	w.buf = nil
	w.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	defer func() {
		if w.metrics != nil {
			w.metrics.TSFlushDuration.WithLabelValues("batch").Observe(time.Since(start).Seconds())
		}
	}()

	query := `INSERT INTO samples_raw (robot_id, measurement, field, value, tags, recorded_at) VALUES `
	args := make([]interface{}, 0, len(batch)*6)
	written := 0
	perMeasurement := make(map[string]int)
	for _, p := range batch {
		for field, value := range p.Fields {
			n := len(args)
			if n > 0 {
				query += ","
			}
			query += fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d)", n+1, n+2, n+3, n+4, n+5, n+6)
			args = append(args, p.Tags["robot_id"], string(p.Measurement), field, value, tagsJSON(p.Tags), p.Timestamp)
			written++
			perMeasurement[string(p.Measurement)]++
		}
	}
	if written == 0 {
		return nil
	}

	err := resilience.Retry(ctx, w.retryCfg, func() error {
		return w.breaker.Execute(ctx, func() error {
			_, execErr := w.db.ExecContext(ctx, query, args...)
			return execErr
		})
	})
	if err != nil {
		// Retries exhausted (or the breaker is open): drop the whole batch
		// rather than stall ingestion behind a database that is still down.
		if w.metrics != nil {
			for measurement, n := range perMeasurement {
				w.metrics.TSPointsDroppedTotal.WithLabelValues(measurement).Add(float64(n))
			}
			w.metrics.TSBatchesFlushedTotal.WithLabelValues("error").Inc()
		}
		w.logger.WithError(err).Error("flush samples failed after retries, dropping batch")
		return fmt.Errorf("flush samples: %w", err)
	}
	if w.metrics != nil {
		w.metrics.TSBatchesFlushedTotal.WithLabelValues("ok").Inc()
		for measurement, n := range perMeasurement {
			w.metrics.TSPointsWrittenTotal.WithLabelValues(measurement).Add(float64(n))
		}
	}
	return nil
}

func (w *PostgresWriter) Close() error {
	close(w.doneCh)
	return nil
}
