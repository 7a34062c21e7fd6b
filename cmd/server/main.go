// Command server runs the fleet control plane: broker adapter, ingestion
// dispatcher, time-series writer, entity store, alert engine, job tracker,
// command router and the dashboard/API HTTP boundary, all in one process.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tonypi-fleet/control-plane/internal/alertengine"
	"github.com/tonypi-fleet/control-plane/internal/broker"
	"github.com/tonypi-fleet/control-plane/internal/command"
	"github.com/tonypi-fleet/control-plane/internal/config"
	"github.com/tonypi-fleet/control-plane/internal/entitystore"
	"github.com/tonypi-fleet/control-plane/internal/httpapi"
	"github.com/tonypi-fleet/control-plane/internal/ingest"
	"github.com/tonypi-fleet/control-plane/internal/jobtracker"
	"github.com/tonypi-fleet/control-plane/internal/model"
	"github.com/tonypi-fleet/control-plane/internal/platform/database"
	"github.com/tonypi-fleet/control-plane/internal/platform/logging"
	"github.com/tonypi-fleet/control-plane/internal/platform/metrics"
	"github.com/tonypi-fleet/control-plane/internal/platform/ratelimit"
	"github.com/tonypi-fleet/control-plane/internal/timeseries"
	"github.com/tonypi-fleet/control-plane/internal/wshub"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("server", "info", "json").WithError(err).Fatal("load config")
	}

	logger := logging.New("server", cfg.Logging.Level, cfg.Logging.Format)
	m := metrics.New("server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore, err := openEntityStore(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("open entity store")
	}
	defer closeStore()

	tsWriter, tsQuery, retention, closeTimeseries, err := openTimeseries(ctx, cfg, logger, m)
	if err != nil {
		logger.WithError(err).Fatal("open time-series store")
	}
	defer closeTimeseries()

	adapter := broker.New(broker.Config{
		URL:              cfg.Broker.URL,
		Namespace:        cfg.Broker.Namespace,
		ClientName:       "control-plane-server",
		ReconnectInitial: cfg.Broker.ReconnectInitial,
		ReconnectMax:     cfg.Broker.ReconnectMax,
		ReconnectJitter:  cfg.Broker.ReconnectJitter,
		IngressBuffer:    256,
		OutboundQueueLen: cfg.Broker.OutboundQueueLen,
	}, logger, m)

	engine := alertengine.New(store, adapter, cfg.Redis.Addr, logger, m, cfg.Broker.Namespace)
	hub := wshub.New(logger, m)
	tracker := jobtracker.New(store, hub, logger, m, cfg.Job.StaleTimeout)
	if err := tracker.Restore(ctx); err != nil {
		logger.WithError(err).Fatal("restore job tracker")
	}

	dispatcher := ingest.New(adapter, tsWriter, store, engine, tracker, logger, m, cfg.Broker.Namespace)

	limiters := ratelimit.NewPerRobot(ratelimit.Config{
		RequestsPerSecond: cfg.HTTP.RateLimitPerSecond,
		Burst:             cfg.HTTP.RateLimitBurst,
	})
	router := command.New(adapter, store, limiters, logger, m, cfg.Broker.Namespace, cfg.Command.AckTimeout)

	watchdog := broker.NewHeartbeatWatchdog(cfg.Agent.HeartbeatInterval, 3, func(robotID string) {
		logger.WithFields(map[string]interface{}{"robot_id": robotID}).Warn("robot heartbeat missed, marking offline")
		if err := store.MarkRobotStatus(ctx, robotID, model.RobotOffline); err != nil {
			logger.WithError(err).Error("mark robot offline")
		}
	})
	go watchdog.Run(time.Second)
	defer watchdog.Stop()

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- adapter.Run(ctx) }()

	if err := waitConnected(ctx, adapter, 10*time.Second); err != nil {
		logger.WithError(err).Fatal("connect to broker")
	}

	if err := dispatcher.Start(); err != nil {
		logger.WithError(err).Fatal("start ingestion dispatcher")
	}
	if err := hub.SubscribeAlerts(adapter, cfg.Broker.Namespace); err != nil {
		logger.WithError(err).Fatal("subscribe dashboard hub to alerts")
	}
	if err := adapter.Subscribe(broker.Topic(cfg.Broker.Namespace, broker.StreamCommands, "*")+"/ack", func(_ context.Context, msg broker.Message) {
		handleAck(logger, router, msg)
	}); err != nil {
		logger.WithError(err).Fatal("subscribe to command acks")
	}
	watchAllStatus(adapter, cfg.Broker.Namespace, watchdog, logger)

	if retention != nil {
		if err := retention.Start(); err != nil {
			logger.WithError(err).Fatal("start retention scheduler")
		}
	}

	handler := httpapi.New(httpapi.Config{
		Store:             store,
		Router:            router,
		Engine:            engine,
		Tracker:           tracker,
		Query:             tsQuery,
		Hub:               hub,
		Logger:            logger,
		Metrics:           m,
		AllowedOrigins:    cfg.HTTP.CORSOriginList(),
		RequestsPerSecond: cfg.HTTP.RateLimitPerSecond,
		RequestBurst:      cfg.HTTP.RateLimitBurst,
	})

	httpSrv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	httpErrCh := make(chan error, 1)
	go func() {
		logger.WithFields(map[string]interface{}{"addr": cfg.HTTP.Addr}).Info("http server listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- err
			return
		}
		httpErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("shutting down")
	case err := <-runErrCh:
		if err != nil {
			logger.WithError(err).Error("broker adapter stopped with error")
		}
	case err := <-httpErrCh:
		if err != nil {
			logger.WithError(err).Error("http server stopped with error")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("http server shutdown")
	}
	cancel()
	_ = adapter.Stop(shutdownCtx)
}

// wireAck is the shape a robot agent's command dispatcher publishes on
// `<ns>/commands/<robot_id>/ack`.
type wireAck struct {
	CommandID string `json:"command_id"`
	Status    string `json:"status"`
	Detail    string `json:"detail"`
}

// handleAck extracts the robot_id from the ack topic and correlates it with
// the router's waiting caller.
func handleAck(logger *logging.Logger, router *command.Router, msg broker.Message) {
	var wa wireAck
	if err := json.Unmarshal(msg.Payload, &wa); err != nil {
		logger.WithError(err).WithFields(map[string]interface{}{"topic": msg.Topic}).Warn("discard malformed command ack")
		return
	}
	robotID := broker.RobotIDFromTopic(msg.Topic)
	router.HandleAck(robotID, model.CommandAck{
		CommandID: wa.CommandID,
		Status:    model.CommandAckStatus(wa.Status),
		Detail:    wa.Detail,
	})
}

// watchAllStatus feeds every robot's status/heartbeat arrival into the
// heartbeat watchdog, since the watchdog has no broker knowledge of its own.
func watchAllStatus(adapter *broker.Adapter, namespace string, watchdog *broker.HeartbeatWatchdog, logger *logging.Logger) {
	touch := func(_ context.Context, msg broker.Message) {
		watchdog.Touch(broker.RobotIDFromTopic(msg.Topic), 0)
	}
	if err := adapter.Subscribe(broker.Topic(namespace, broker.StreamStatus, "*"), touch); err != nil {
		logger.WithError(err).Error("subscribe heartbeat watchdog to status stream")
	}
}

func openEntityStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (entitystore.Store, func(), error) {
	if cfg.Database.DSN == "" {
		logger.Warn("DATABASE_DSN not set, using in-memory entity store")
		return entitystore.NewMemoryStore(), func() {}, nil
	}

	if cfg.Database.MigrateOnStart {
		if err := database.MigrateEntityStore(cfg.Database.DSN); err != nil {
			return nil, nil, err
		}
	}

	db, err := database.Open(ctx, cfg.Database.DSN, database.Config{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
	})
	if err != nil {
		return nil, nil, err
	}
	return entitystore.NewPostgresStore(db), func() { db.Close() }, nil
}

func openTimeseries(ctx context.Context, cfg *config.Config, logger *logging.Logger, m *metrics.Metrics) (timeseries.Writer, *timeseries.Query, *timeseries.RetentionScheduler, func(), error) {
	if cfg.Timeseries.DSN == "" {
		logger.Warn("TIMESERIES_DSN not set, time-series samples will be dropped and history queries will be empty")
		return timeseries.NoopWriter{}, timeseries.NewQuery(nil), nil, func() {}, nil
	}

	if cfg.Database.MigrateOnStart {
		if err := database.MigrateTimeseries(cfg.Timeseries.DSN); err != nil {
			return nil, nil, nil, nil, err
		}
	}

	db, err := database.Open(ctx, cfg.Timeseries.DSN, database.Config{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
	})
	if err != nil {
		return nil, nil, nil, nil, err
	}

	writer := timeseries.NewPostgresWriter(db, timeseries.Config{
		BatchMaxPoints: cfg.Timeseries.BatchMaxPoints,
		BatchMaxWait:   cfg.Timeseries.BatchMaxWait,
	}, logger, m)
	query := timeseries.NewQuery(db)
	retention := timeseries.NewRetentionScheduler(db, timeseries.RetentionConfig{
		RawRetention:    cfg.Timeseries.RawRetention,
		HourlyRetention: cfg.Timeseries.HourlyRetention,
		DailyRetention:  cfg.Timeseries.DailyRetention,
	}, logger)
	return writer, query, retention, func() { db.Close() }, nil
}

func waitConnected(ctx context.Context, adapter *broker.Adapter, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if adapter.Connected() {
			return nil
		}
		if time.Now().After(deadline) {
			return context.DeadlineExceeded
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
