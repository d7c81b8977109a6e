package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/drip/logger"
)

// setupRoutes registers every route on the server mux
func (s *DripServer) setupRoutes() {
	run := s.requireAuth(s.throttle(s.HandleRun))

	s.mux.HandleFunc("GET /healthz", s.logRequests(s.HandleHealth))
	s.mux.HandleFunc("POST /api/drip/run", s.logRequests(run))
	s.mux.HandleFunc("GET /api/drip/run", s.logRequests(run)) // cron services that only issue GET
	s.mux.HandleFunc("GET /api/drip/executions", s.logRequests(s.requireAuth(s.HandleExecutions)))
	s.mux.HandleFunc("GET /api/drip/executions/{id}", s.logRequests(s.requireAuth(s.HandleExecution)))
	s.mux.HandleFunc("GET /ws/runs", s.requireAuth(s.hub.ServeWS))
}

// statusRecorder captures the response status for request logging
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// logRequests tags the request context with an id and logs the outcome
func (s *DripServer) logRequests(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", requestID)
		r = r.WithContext(logger.WithRequestID(r.Context(), requestID))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)

		logger.FromContext(r.Context(), s.logger).Debugw("Request served",
			logger.FieldMethod, r.Method,
			logger.FieldPath, r.URL.Path,
			logger.FieldStatus, rec.status,
			logger.FieldDurationMS, time.Since(start).Milliseconds())
	}
}
