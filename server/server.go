// Package server exposes simulator modules and the broker over HTTP. Every
// module serves the same surface (spec, setup, start, peek, step, triggered,
// reservable, finish); the broker adds run control, planning and the event
// stream on top.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"mobsim.dev/mobsim/config"
	"mobsim.dev/mobsim/internal/logging"
)

const shutdownTimeout = 10 * time.Second

// Server wraps http.Server with graceful shutdown on context cancellation.
type Server struct {
	srv *http.Server
	log logging.Logger
}

// New builds a server for the handler with the configured timeouts.
func New(cfg config.Server, handler http.Handler, log logging.Logger) *Server {
	if log == nil {
		log = logging.Noop()
	}
	return &Server{
		srv: &http.Server{
			Addr:         cfg.Addr(),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: log,
	}
}

// Run serves until ctx is canceled, then drains connections and returns.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info(ctx, "listening", logging.String("addr", s.srv.Addr))
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// writeJSON writes data as a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes the error as the standard {"error": ...} body.
func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type messageResponse struct {
	Message string `json:"message"`
}

var okResponse = messageResponse{Message: "ok"}
