// Package recovery centralizes panic containment for both HTTP handlers and
// the goroutines spawned per connection, so a single bad peer or handler
// bug never takes down the process.
package recovery

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/pion/logging"
)

// Middleware recovers from panics in the HTTP handler chain and logs them
// with a stack trace.
func Middleware(logger logging.LeveledLogger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorf("PANIC: %v\nStack trace:\n%s", err, debug.Stack())

				if !isHeaderWritten(w) {
					http.Error(w, fmt.Sprintf("internal server error: %v", err), http.StatusInternalServerError)
				}
			}
		}()

		next.ServeHTTP(w, r)
	})
}

func isHeaderWritten(w http.ResponseWriter) bool {
	return w.Header().Get("Content-Type") != "" || w.Header().Get("Content-Length") != ""
}

// Guard runs fn and recovers any panic, logging it under name rather than
// letting it escape the goroutine. Used to wrap each of the supervisor's
// send, receive, and ping tasks so one peer's malformed input can never
// crash the server.
func Guard(logger logging.LeveledLogger, name string, fn func()) {
	defer func() {
		if err := recover(); err != nil && logger != nil {
			logger.Errorf("PANIC in %s: %v\nStack trace:\n%s", name, err, debug.Stack())
		}
	}()
	fn()
}

// SafeCloser wraps a close operation to prevent panics during teardown from
// interrupting the rest of the cleanup sequence.
func SafeCloser(logger logging.LeveledLogger, fn func() error, name string) {
	defer func() {
		if err := recover(); err != nil && logger != nil {
			logger.Errorf("PANIC during %s close: %v", name, err)
		}
	}()

	if err := fn(); err != nil && logger != nil {
		logger.Errorf("error closing %s: %v", name, err)
	}
}
