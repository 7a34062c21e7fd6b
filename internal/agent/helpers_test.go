package agent

import "github.com/tonypi-fleet/control-plane/internal/platform/logging"

func newTestLogger() *logging.Logger {
	return logging.New("agent-test", "error", "text")
}
