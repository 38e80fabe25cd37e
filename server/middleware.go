package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"mobsim.dev/mobsim/internal/logging"
)

// RequestObserver receives one observation per handled request.
type RequestObserver interface {
	ObserveRequest(method, path, code string, seconds float64)
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// RequestLogger stamps a request ID onto the context and logs every request
// with method, path, status and latency.
func RequestLogger(log logging.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx, reqLog := logging.WithRequestID(r.Context(), log)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			reqLog.Info(ctx, "request",
				logging.String("method", r.Method),
				logging.String("path", r.URL.Path),
				logging.Int("status", rec.status),
				logging.Float64("seconds", time.Since(start).Seconds()))
		})
	}
}

// Recoverer turns handler panics into 500 responses instead of taking the
// whole module down.
func Recoverer(log logging.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if v := recover(); v != nil {
					log.Error(r.Context(), "handler panicked",
						logging.String("method", r.Method),
						logging.String("path", r.URL.Path),
						logging.Any("panic", v))
					writeError(w, http.StatusInternalServerError, fmt.Errorf("internal error"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// Instrument reports per-request metrics, labeling by the route template to
// keep cardinality bounded.
func Instrument(obs RequestObserver) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			path := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if tmpl, err := route.GetPathTemplate(); err == nil {
					path = tmpl
				}
			}
			obs.ObserveRequest(r.Method, path, fmt.Sprintf("%d", rec.status), time.Since(start).Seconds())
		})
	}
}
