// Command agent runs one robot agent process: the cooperative scheduler,
// hardware capability acquisition, and broker connectivity described in
// internal/agent.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/tonypi-fleet/control-plane/internal/agent"
	"github.com/tonypi-fleet/control-plane/internal/config"
	"github.com/tonypi-fleet/control-plane/internal/platform/logging"
	"github.com/tonypi-fleet/control-plane/internal/platform/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("agent", "info", "json").WithError(err).Fatal("load config")
	}

	logger := logging.New("agent", cfg.Logging.Level, cfg.Logging.Format)
	if cfg.Agent.RobotID == "" {
		logger.Fatal("ROBOT_ID is required")
	}

	m := metrics.New("agent")
	a := agent.New(agent.FromAppConfig(cfg), logger, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("shutting down")
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil {
			logger.WithError(err).Error("agent stopped with error")
		}
	}
}
