package server

import (
	"fmt"
	"net/http"

	"github.com/teranos/drip/logger"
	"github.com/teranos/drip/pulse/schedule"
	"github.com/teranos/drip/version"
)

// HandleRun performs one engine invocation.
// POST /api/drip/run
//
// Skips and completed runs answer 200. A fatal error answers 500 with the
// claimed execution id so the failed record can be inspected.
func (s *DripServer) HandleRun(w http.ResponseWriter, r *http.Request) {
	if s.getState() != ServerStateRunning {
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}

	res, err := s.runner.Run(r.Context())
	if err != nil {
		body := RunErrorResponse{Error: err.Error()}
		if res != nil {
			body.ExecutionID = res.ExecutionID
		}
		logger.FromContext(r.Context(), s.logger).Errorw("Run failed",
			logger.FieldExecutionID, body.ExecutionID,
			logger.FieldError, err)
		writeJSON(w, http.StatusInternalServerError, body)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// HandleExecutions lists execution records newest first.
// GET /api/drip/executions?limit=50&offset=0&status=completed
func (s *DripServer) HandleExecutions(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQueryParam(r, "limit", 50, 1, 100)
	offset := parseIntQueryParam(r, "offset", 0, 0, 1000000)
	statusFilter := r.URL.Query().Get("status")

	if statusFilter != "" {
		validStatuses := map[string]bool{
			schedule.ExecutionStatusRunning:   true,
			schedule.ExecutionStatusCompleted: true,
			schedule.ExecutionStatusFailed:    true,
		}
		if !validStatuses[statusFilter] {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid status: %s", statusFilter))
			return
		}
	}

	executions, total, err := s.executions.ListExecutions(r.Context(), limit, offset, statusFilter)
	if err != nil {
		writeStoreError(w, s.logger, err, "failed to list executions")
		return
	}

	out := make([]schedule.Execution, 0, len(executions))
	for _, exec := range executions {
		out = append(out, *exec)
	}

	writeJSON(w, http.StatusOK, ListExecutionsResponse{
		Executions: out,
		Count:      len(out),
		Total:      total,
		HasMore:    offset+len(out) < total,
	})
}

// HandleExecution returns one execution record.
// GET /api/drip/executions/{id}
func (s *DripServer) HandleExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.executions.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, s.logger, err, "failed to get execution")
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// HandleHealth reports liveness without touching the store.
// GET /healthz
func (s *DripServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	info := version.Get()
	state := s.getState()

	status := http.StatusOK
	health := HealthResponse{
		Status:      "ok",
		State:       stateString(state),
		Version:     info.Version,
		Commit:      info.Short(),
		Subscribers: s.hub.ClientCount(),
	}
	if state != ServerStateRunning {
		status = http.StatusServiceUnavailable
		health.Status = "unavailable"
	}
	writeJSON(w, status, health)
}
