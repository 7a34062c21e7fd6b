// Package httpapi exposes the dashboard/API boundary: read access to
// robots, alerts, jobs and time-series history, and write access to submit
// commands and acknowledge alerts. It is a thin, interface-only layer —
// authentication, RBAC and rendering are explicitly out of scope.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tonypi-fleet/control-plane/internal/alertengine"
	"github.com/tonypi-fleet/control-plane/internal/command"
	"github.com/tonypi-fleet/control-plane/internal/entitystore"
	"github.com/tonypi-fleet/control-plane/internal/jobtracker"
	"github.com/tonypi-fleet/control-plane/internal/platform/logging"
	"github.com/tonypi-fleet/control-plane/internal/platform/metrics"
	"github.com/tonypi-fleet/control-plane/internal/platform/middleware"
	"github.com/tonypi-fleet/control-plane/internal/timeseries"
	"github.com/tonypi-fleet/control-plane/internal/wshub"
)

// Server wires every read/write collaborator the route handlers need.
type Server struct {
	store   entitystore.Store
	router  *command.Router
	engine  *alertengine.Engine
	tracker *jobtracker.Tracker
	query   *timeseries.Query
	hub     *wshub.Hub
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// Config bundles the collaborators and CORS/rate-limit policy for New.
type Config struct {
	Store            entitystore.Store
	Router           *command.Router
	Engine           *alertengine.Engine
	Tracker          *jobtracker.Tracker
	Query            *timeseries.Query
	Hub              *wshub.Hub
	Logger           *logging.Logger
	Metrics          *metrics.Metrics
	AllowedOrigins   []string
	RequestsPerSecond float64
	RequestBurst      int
}

// New builds the gorilla/mux router with the full middleware chain applied.
func New(cfg Config) http.Handler {
	s := &Server{
		store:   cfg.Store,
		router:  cfg.Router,
		engine:  cfg.Engine,
		tracker: cfg.Tracker,
		query:   cfg.Query,
		hub:     cfg.Hub,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}

	r := mux.NewRouter()
	r.Use(middleware.Recovery(cfg.Logger, cfg.Metrics))
	r.Use(middleware.Logging(cfg.Logger))
	r.Use(middleware.Metrics("httpapi", cfg.Metrics))
	r.Use(middleware.CORS(middleware.CORSConfig{AllowCredentials: false, AllowedOrigins: cfg.AllowedOrigins}))
	r.Use(middleware.BodyLimit(0))
	if cfg.RequestsPerSecond > 0 {
		r.Use(middleware.RateLimit(cfg.RequestsPerSecond, cfg.RequestBurst))
	}

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/robots", s.listRobots).Methods(http.MethodGet)
	api.HandleFunc("/robots/{id}", s.getRobot).Methods(http.MethodGet)
	api.HandleFunc("/alerts", s.listAlerts).Methods(http.MethodGet)
	api.HandleFunc("/alerts/{id}/ack", s.ackAlert).Methods(http.MethodPost)
	api.HandleFunc("/jobs", s.listJobs).Methods(http.MethodGet)
	api.HandleFunc("/commands", s.postCommand).Methods(http.MethodPost)
	api.HandleFunc("/commands/broadcast", s.postBroadcast).Methods(http.MethodPost)
	api.HandleFunc("/timeseries/latest", s.timeseriesLatest).Methods(http.MethodGet)
	api.HandleFunc("/timeseries/history", s.timeseriesHistory).Methods(http.MethodGet)
	api.HandleFunc("/audit-logs", s.listAuditLogs).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws", cfg.Hub.ServeHTTP).Methods(http.MethodGet)

	return r
}

func parseTime(raw string, fallback time.Time) time.Time {
	if raw == "" {
		return fallback
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return fallback
	}
	return t
}
