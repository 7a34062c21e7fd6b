package httpapi

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tonypi-fleet/control-plane/internal/model"
	"github.com/tonypi-fleet/control-plane/internal/platform/errors"
	"github.com/tonypi-fleet/control-plane/internal/platform/httputil"
)

type commandRequest struct {
	RobotID    string                 `json:"robot_id"`
	Type       model.CommandType      `json:"type"`
	Parameters map[string]interface{} `json:"parameters"`
	TimeoutSec int                    `json:"timeout"`
}

type commandResponse struct {
	CommandID string `json:"command_id"`
}

// postCommand serves POST /api/commands. It enqueues the command and
// returns immediately with its command_id; the ack itself is not surfaced
// synchronously over HTTP (the dashboard observes command state indirectly
// through job/alert updates pushed on the WebSocket feed).
func (s *Server) postCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.RobotID == "" {
		httputil.WriteErrorResponse(w, r, http.StatusBadRequest, "", "robot_id is required", nil)
		return
	}

	cmd := model.Command{
		CommandID:  uuid.NewString(),
		RobotID:    req.RobotID,
		Type:       req.Type,
		Parameters: req.Parameters,
	}
	if req.TimeoutSec > 0 {
		cmd.Timeout = time.Duration(req.TimeoutSec) * time.Second
	}

	if _, err := s.router.Enqueue(r.Context(), cmd); err != nil {
		s.writeCommandError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, commandResponse{CommandID: cmd.CommandID})
}

type broadcastRequest struct {
	Type       model.CommandType      `json:"type"`
	Parameters map[string]interface{} `json:"parameters"`
	TimeoutSec int                    `json:"timeout"`
}

type broadcastResponse struct {
	RobotIDs []string `json:"robot_ids"`
}

func (s *Server) postBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	cmd := model.Command{Type: req.Type, Parameters: req.Parameters}
	if req.TimeoutSec > 0 {
		cmd.Timeout = time.Duration(req.TimeoutSec) * time.Second
	}

	chans, err := s.router.Broadcast(r.Context(), cmd)
	if err != nil {
		s.writeCommandError(w, r, err)
		return
	}
	ids := make([]string, 0, len(chans))
	for robotID := range chans {
		ids = append(ids, robotID)
	}
	httputil.WriteJSON(w, http.StatusAccepted, broadcastResponse{RobotIDs: ids})
}

func (s *Server) writeCommandError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, errors.ErrCodeRobotUnknown) {
		httputil.WriteErrorResponse(w, r, http.StatusNotFound, string(errors.ErrCodeRobotUnknown), "robot is not currently known to the fleet", nil)
		return
	}
	if s.metrics != nil {
		s.metrics.ErrorsTotal.WithLabelValues("httpapi", "command", "SVC_5001").Inc()
	}
	httputil.WriteErrorResponse(w, r, http.StatusInternalServerError, "SVC_5001", "internal error", nil)
}
