package server

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/teranos/drip/errors"
	"github.com/teranos/drip/logger"
	"github.com/teranos/drip/sym"
)

// Start starts the live feed and serves HTTP on port until Stop is called.
// Returns nil after a graceful shutdown.
func (s *DripServer) Start(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return errors.Wrapf(err, "failed to listen on port %d", port)
	}
	return s.Serve(ln)
}

// Serve serves HTTP on an existing listener
func (s *DripServer) Serve(ln net.Listener) error {
	s.hub.Start()

	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}
	s.setState(ServerStateRunning)

	s.logger.Infow(fmt.Sprintf("%s Trigger server listening", sym.Drip),
		logger.FieldAddress, ln.Addr().String())

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server failed")
	}
	return nil
}

// Stop drains in-flight requests, then disconnects subscribers.
// A run in progress keeps its own context and finishes recording its outcome.
func (s *DripServer) Stop(ctx context.Context) error {
	s.logger.Infow("Initiating server shutdown")
	s.setState(ServerStateDraining)

	ctx, cancel := context.WithTimeout(ctx, ShutdownTimeout)
	defer cancel()

	var shutdownErr error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			shutdownErr = errors.Wrap(err, "graceful shutdown incomplete")
			s.logger.Warnw("Graceful shutdown timed out", logger.FieldError, err)
		}
	}

	s.hub.Stop()
	s.setState(ServerStateStopped)
	s.logger.Infow("Server shutdown complete", "event_drops", s.hub.Drops())
	return shutdownErr
}
