// Package middleware provides HTTP middleware for the control plane's
// dashboard/API boundary.
package middleware

import (
	"fmt"
	"net/http"
	"net/url"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/tonypi-fleet/control-plane/internal/platform/httputil"
	"github.com/tonypi-fleet/control-plane/internal/platform/logging"
	"github.com/tonypi-fleet/control-plane/internal/platform/metrics"
)

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// Logging attaches/propagates a trace ID and logs each request on completion.
func Logging(logger *logging.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			traceID := r.Header.Get("X-Trace-ID")
			if traceID == "" {
				traceID = logging.NewTraceID()
			}

			ctx := logging.WithTraceID(r.Context(), traceID)
			r = r.WithContext(ctx)
			r.Header.Set("X-Trace-ID", traceID)
			w.Header().Set("X-Trace-ID", traceID)

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			logger.WithContext(ctx).WithFields(map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      wrapped.statusCode,
				"duration_ms": time.Since(start).Milliseconds(),
			}).Info("http request")
		})
	}
}

// Recovery catches panics from downstream handlers, logs them, increments
// errors_total and answers 500. It appends no audit log row and applies no
// panic-rate threshold.
func Recovery(logger *logging.Logger, m *metrics.Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					stack := debug.Stack()
					logger.WithContext(r.Context()).WithFields(map[string]interface{}{
						"panic":  fmt.Sprintf("%v", err),
						"stack":  string(stack),
						"path":   r.URL.Path,
						"method": r.Method,
					}).Error("panic recovered")

					if m != nil {
						m.ErrorsTotal.WithLabelValues("httpapi", "recovery", "SVC_5001").Inc()
					}

					httputil.WriteErrorResponse(w, r, http.StatusInternalServerError, "SVC_5001", "internal server error", nil)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// Metrics records request counts, durations and in-flight gauge for every request.
func Metrics(serviceName string, m *metrics.Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)
			status := strconv.Itoa(wrapped.statusCode)
			path := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if tmpl, err := route.GetPathTemplate(); err == nil {
					path = tmpl
				}
			}

			m.RequestsTotal.WithLabelValues(serviceName, r.Method, path, status).Inc()
			m.RequestDuration.WithLabelValues(serviceName, r.Method, path).Observe(duration.Seconds())
		})
	}
}

// CORSConfig configures cross-origin access for the dashboard frontend.
type CORSConfig struct {
	AllowedOrigins []string
	AllowCredentials bool
}

// CORS applies a conservative cross-origin policy for the dashboard's SPA.
func CORS(cfg CORSConfig) mux.MiddlewareFunc {
	allowAll := false
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			allowAll = true
		}
	}

	allowedMethods := strings.Join([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}, ", ")
	allowedHeaders := strings.Join([]string{"Content-Type", "X-Trace-ID"}, ", ")

	isAllowed := func(origin string) bool {
		if allowAll {
			return true
		}
		parsed, err := url.Parse(origin)
		if err != nil {
			return false
		}
		host := parsed.Hostname()
		for _, o := range cfg.AllowedOrigins {
			if o == origin || o == host {
				return true
			}
		}
		return false
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && isAllowed(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods", allowedMethods)
				w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
				if cfg.AllowCredentials {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

const defaultMaxRequestBodyBytes int64 = 1 << 20 // 1MiB, command/alert payloads are small

// BodyLimit caps request bodies to reduce memory pressure from oversized payloads.
func BodyLimit(maxBytes int64) mux.MiddlewareFunc {
	if maxBytes <= 0 {
		maxBytes = defaultMaxRequestBodyBytes
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				httputil.WriteErrorResponse(w, r, http.StatusRequestEntityTooLarge, "", "request body too large", map[string]any{"limit_bytes": maxBytes})
				return
			}
			if r.Body != nil && r.Body != http.NoBody {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// perKeyLimiter rate-limits requests keyed by client IP.
type perKeyLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func newPerKeyLimiter(requestsPerSecond float64, burst int) *perKeyLimiter {
	return &perKeyLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
	}
}

func (l *perKeyLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.rate, l.burst)
		l.limiters[key] = lim
	}
	return lim
}

// RateLimit rejects requests beyond requestsPerSecond per client IP.
func RateLimit(requestsPerSecond float64, burst int) mux.MiddlewareFunc {
	limiter := newPerKeyLimiter(requestsPerSecond, burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientIP(r)
			if !limiter.get(key).Allow() {
				w.Header().Set("Retry-After", "1")
				httputil.WriteErrorResponse(w, r, http.StatusTooManyRequests, "SVC_5002", "rate limit exceeded", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	if host, _, err := splitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func splitHostPort(addr string) (string, string, error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return addr, "", fmt.Errorf("no port in address")
	}
	return addr[:idx], addr[idx+1:], nil
}
