package server

import (
	"time"

	"github.com/teranos/drip/pulse/schedule"
)

const (
	// MaxClients is the maximum number of concurrent /ws/runs subscribers
	MaxClients = 100

	// ShutdownTimeout is how long to wait for in-flight requests on Stop
	ShutdownTimeout = 30 * time.Second

	// Server timeouts. The write timeout covers a full engine run, so it is
	// generous; the invocation deadline proper comes from the request context.
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 5 * time.Minute
	idleTimeout       = 2 * time.Minute

	// eventBufferSize bounds queued run events per subscriber
	eventBufferSize = 256
)

// ServerState represents the server lifecycle state
type ServerState int

const (
	ServerStateRunning  ServerState = iota // Normal operation
	ServerStateDraining                    // Graceful shutdown in progress
	ServerStateStopped                     // Shutdown complete
)

// ListExecutionsResponse is the body of GET /api/drip/executions
type ListExecutionsResponse struct {
	Executions []schedule.Execution `json:"executions"`
	Count      int                  `json:"count"`
	Total      int                  `json:"total"`
	HasMore    bool                 `json:"has_more"`
}

// RunErrorResponse is the body of a fatal run failure
type RunErrorResponse struct {
	Error       string `json:"error"`
	ExecutionID string `json:"execution_id,omitempty"`
}

// HealthResponse is the body of GET /healthz
type HealthResponse struct {
	Status      string `json:"status"`
	State       string `json:"state"`
	Version     string `json:"version"`
	Commit      string `json:"commit"`
	Subscribers int    `json:"subscribers"`
}

// Run event types relayed on /ws/runs
const (
	EventStage    = "stage"
	EventProgress = "progress"
	EventComplete = "complete"
	EventError    = "error"
)

// RunEvent is one live progress update of an engine invocation
type RunEvent struct {
	Type      string                 `json:"type"`
	Stage     string                 `json:"stage,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Count     int                    `json:"count,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Timestamp string                 `json:"timestamp"`
}
