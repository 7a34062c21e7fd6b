package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/tonypi-fleet/control-plane/internal/entitystore"
	"github.com/tonypi-fleet/control-plane/internal/model"
	"github.com/tonypi-fleet/control-plane/internal/platform/httputil"
	"github.com/tonypi-fleet/control-plane/internal/timeseries"
)

func (s *Server) listRobots(w http.ResponseWriter, r *http.Request) {
	robots, err := s.store.ListRobots(r.Context())
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, robots)
}

func (s *Server) getRobot(w http.ResponseWriter, r *http.Request) {
	robotID := mux.Vars(r)["id"]
	robot, err := s.store.GetRobot(r.Context(), robotID)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, robot)
}

// listAlerts serves GET /api/alerts?robot_id=&status=. status=open (the
// default) returns only unresolved alerts; any other value returns the most
// recent alerts for the robot regardless of resolution state.
func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	robotID := httputil.QueryString(r, "robot_id", "")
	if robotID == "" {
		httputil.WriteErrorResponse(w, r, http.StatusBadRequest, "", "robot_id is required", nil)
		return
	}
	status := httputil.QueryString(r, "status", "open")

	var (
		alerts []model.Alert
		err    error
	)
	if status == "open" {
		alerts, err = s.store.ListOpenAlerts(r.Context(), robotID)
	} else {
		_, limit := httputil.PaginationParams(r, 100, 500)
		alerts, err = s.store.ListAlerts(r.Context(), robotID, limit)
	}
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, alerts)
}

type ackAlertRequest struct {
	AckedBy string `json:"acked_by"`
}

func (s *Server) ackAlert(w http.ResponseWriter, r *http.Request) {
	alertID := mux.Vars(r)["id"]
	var body ackAlertRequest
	if !httputil.DecodeJSON(w, r, &body) {
		return
	}
	alert, err := s.store.AcknowledgeAlert(r.Context(), alertID, body.AckedBy, time.Now().UTC())
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, alert)
}

// listJobs serves GET /api/jobs?robot_id=&active=true. active=true answers
// from the Job Tracker's in-memory table (the live view); otherwise it
// reads recent job history from the Entity Store.
func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	robotID := httputil.QueryString(r, "robot_id", "")
	activeOnly := httputil.QueryString(r, "active", "") == "true"

	if activeOnly {
		var out []model.Job
		for _, j := range s.tracker.ListActive() {
			if robotID == "" || j.RobotID == robotID {
				out = append(out, j)
			}
		}
		httputil.WriteJSON(w, http.StatusOK, out)
		return
	}

	if robotID == "" {
		httputil.WriteErrorResponse(w, r, http.StatusBadRequest, "", "robot_id is required unless active=true", nil)
		return
	}
	_, limit := httputil.PaginationParams(r, 50, 200)
	jobs, err := s.store.ListJobsForRobot(r.Context(), robotID, limit)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, jobs)
}

func (s *Server) timeseriesLatest(w http.ResponseWriter, r *http.Request) {
	robotID := httputil.QueryString(r, "robot_id", "")
	measurement := httputil.QueryString(r, "measurement", "")
	field := httputil.QueryString(r, "field", "")
	if robotID == "" || measurement == "" || field == "" {
		httputil.WriteErrorResponse(w, r, http.StatusBadRequest, "", "robot_id, measurement and field are required", nil)
		return
	}
	sample, err := s.query.Latest(r.Context(), robotID, measurement, field)
	if err != nil {
		httputil.WriteErrorResponse(w, r, http.StatusNotFound, "", "no sample found", nil)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sample)
}

func (s *Server) timeseriesHistory(w http.ResponseWriter, r *http.Request) {
	robotID := httputil.QueryString(r, "robot_id", "")
	measurement := httputil.QueryString(r, "measurement", "")
	field := httputil.QueryString(r, "field", "")
	if robotID == "" || measurement == "" || field == "" {
		httputil.WriteErrorResponse(w, r, http.StatusBadRequest, "", "robot_id, measurement and field are required", nil)
		return
	}
	tier := timeseries.Tier(httputil.QueryString(r, "tier", string(timeseries.TierRaw)))
	now := time.Now().UTC()
	from := parseTime(httputil.QueryString(r, "from", ""), now.Add(-time.Hour))
	to := parseTime(httputil.QueryString(r, "to", ""), now)

	samples, err := s.query.History(r.Context(), tier, robotID, measurement, field, from, to)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, samples)
}

// listAuditLogs serves GET /api/audit-logs?robot_id=&since=&level=. robot_id
// and level are optional filters; since defaults to 24h ago.
func (s *Server) listAuditLogs(w http.ResponseWriter, r *http.Request) {
	robotID := httputil.QueryString(r, "robot_id", "")
	level := httputil.QueryString(r, "level", "")
	since := parseTime(httputil.QueryString(r, "since", ""), time.Now().UTC().Add(-24*time.Hour))

	_, limit := httputil.PaginationParams(r, 100, 500)
	logs, err := s.store.ListAuditLogs(r.Context(), robotID, since, level, limit)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, logs)
}

func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	if err == entitystore.ErrNotFound {
		httputil.WriteErrorResponse(w, r, http.StatusNotFound, "STO_2001", "not found", nil)
		return
	}
	if s.metrics != nil {
		s.metrics.ErrorsTotal.WithLabelValues("httpapi", "store", "SVC_5001").Inc()
	}
	httputil.WriteErrorResponse(w, r, http.StatusInternalServerError, "SVC_5001", "internal error", nil)
}
