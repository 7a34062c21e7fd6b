package timeseries

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonypi-fleet/control-plane/internal/model"
	"github.com/tonypi-fleet/control-plane/internal/platform/logging"
	"github.com/tonypi-fleet/control-plane/internal/platform/resilience"
)

func newTestWriter(db *sql.DB, cfg Config) *PostgresWriter {
	return &PostgresWriter{
		db:       db,
		cfg:      cfg,
		logger:   logging.New("timeseries-test", "error", "text"),
		retryCfg: flushRetryConfig(),
		breaker:  resilience.New(resilience.DefaultConfig()),
		doneCh:   make(chan struct{}),
		flushCh:  make(chan struct{}, 1),
	}
}

func TestPostgresWriter_FlushInsertsBufferedPoints(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO samples_raw").WillReturnResult(sqlmock.NewResult(0, 2))

	w := newTestWriter(db, Config{BatchMaxPoints: 500, BatchMaxWait: time.Hour})

	require.NoError(t, w.Write(context.Background(), model.Point{
		Measurement: model.MeasurementSensor,
		Tags:        map[string]string{"robot_id": "robot_1"},
		Fields:      map[string]float64{"cpu_temperature": 42.5},
		Timestamp:   time.Now(),
	}))
	require.NoError(t, w.Write(context.Background(), model.Point{
		Measurement: model.MeasurementBattery,
		Tags:        map[string]string{"robot_id": "robot_1"},
		Fields:      map[string]float64{"percent": 80},
		Timestamp:   time.Now(),
	}))

	require.NoError(t, w.Flush(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresWriter_FlushNoopOnEmptyBuffer(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	w := newTestWriter(db, DefaultConfig())
	require.NoError(t, w.Flush(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresWriter_FlushRetriesTransientFailureThenDropsBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO samples_raw").WillReturnError(assert.AnError)
	mock.ExpectExec("INSERT INTO samples_raw").WillReturnError(assert.AnError)
	mock.ExpectExec("INSERT INTO samples_raw").WillReturnError(assert.AnError)

	w := newTestWriter(db, Config{BatchMaxPoints: 500, BatchMaxWait: time.Hour})
	w.retryCfg.InitialDelay = time.Millisecond
	w.retryCfg.MaxDelay = 5 * time.Millisecond

	require.NoError(t, w.Write(context.Background(), model.Point{
		Measurement: model.MeasurementSensor,
		Tags:        map[string]string{"robot_id": "robot_1"},
		Fields:      map[string]float64{"cpu_temperature": 42.5},
		Timestamp:   time.Now(),
	}))

	err = w.Flush(context.Background())
	require.Error(t, err, "the batch is dropped once the retry budget is exhausted")
	require.NoError(t, mock.ExpectationsWereMet(), "all three configured attempts must have been made")
}
