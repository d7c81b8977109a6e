// Package server exposes the drip engine over HTTP: the authenticated run
// trigger, execution history, a health probe and the /ws/runs live feed.
package server

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/teranos/drip/am"
	"github.com/teranos/drip/drip"
	"github.com/teranos/drip/logger"
	"github.com/teranos/drip/pulse/budget"
	"github.com/teranos/drip/pulse/schedule"
)

// Runner performs one engine invocation
type Runner interface {
	Run(ctx context.Context) (*drip.RunResult, error)
}

// DripServer serves the trigger endpoint and run history
type DripServer struct {
	runner     Runner
	executions *schedule.ExecutionStore
	hub        *Hub
	limiter    *budget.Limiter

	secretMu      sync.RWMutex
	triggerSecret string

	mux        *http.ServeMux
	httpServer *http.Server
	state      atomic.Int32
	logger     *zap.SugaredLogger
}

// New creates a server over a migrated database. A nil hub disables the
// live feed's producer side; subscribers can still connect.
func New(db *sql.DB, runner Runner, hub *Hub, cfg *am.Config, log *zap.SugaredLogger) *DripServer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if hub == nil {
		hub = NewHub(log.Named("hub"))
	}

	s := &DripServer{
		runner:        runner,
		executions:    schedule.NewExecutionStore(db),
		hub:           hub,
		limiter:       budget.NewLimiter(cfg.Auth.MaxTriggersPerMinute),
		triggerSecret: cfg.Auth.TriggerSecret,
		mux:           http.NewServeMux(),
		logger:        log,
	}
	if cfg.Auth.TriggerSecret == "" {
		log.Warnw("No trigger secret configured; every authenticated route will answer 401",
			"setting", "auth.trigger_secret")
	}
	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler with all routes registered
func (s *DripServer) Handler() http.Handler {
	return s.mux
}

// Hub returns the live feed hub
func (s *DripServer) Hub() *Hub {
	return s.hub
}

// Apply updates the auth settings from a reloaded config
func (s *DripServer) Apply(cfg *am.Config) {
	s.secretMu.Lock()
	s.triggerSecret = cfg.Auth.TriggerSecret
	s.secretMu.Unlock()
	s.limiter.SetLimit(cfg.Auth.MaxTriggersPerMinute)
	s.logger.Infow("Server configuration applied", "max_triggers_per_minute", cfg.Auth.MaxTriggersPerMinute)
}

func (s *DripServer) secret() string {
	s.secretMu.RLock()
	defer s.secretMu.RUnlock()
	return s.triggerSecret
}

// getState returns the current server state
func (s *DripServer) getState() ServerState {
	return ServerState(s.state.Load())
}

// setState atomically updates the server state
func (s *DripServer) setState(newState ServerState) {
	s.state.Store(int32(newState))
	s.logger.Infow("Server state changed", logger.FieldStatus, stateString(newState))
}

// stateString returns human-readable state name
func stateString(state ServerState) string {
	switch state {
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
