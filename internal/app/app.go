// Package app wires together the signaling core's components into a
// runnable HTTP/WebSocket server, and owns the out-of-core HTTP adapter
// routes (health, version, metrics, session-status introspection) that the
// core never talks to directly.
package app

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"
	"github.com/urfave/negroni/v3"

	"github.com/signalcore/rendezvous/internal/config"
	"github.com/signalcore/rendezvous/internal/connhub"
	"github.com/signalcore/rendezvous/internal/introspect"
	"github.com/signalcore/rendezvous/internal/liveness"
	"github.com/signalcore/rendezvous/internal/metrics"
	"github.com/signalcore/rendezvous/internal/protocol"
	"github.com/signalcore/rendezvous/internal/recovery"
	"github.com/signalcore/rendezvous/internal/registry"
	"github.com/signalcore/rendezvous/internal/supervisor"
)

// buildVersion is stamped into the root route's response. Unset in tests.
var buildVersion = "dev"

// App holds the application state: the signaling core's components and the
// HTTP server wrapping them.
type App struct {
	cfg        *config.Config
	httpServer *http.Server
	mux        *http.ServeMux
	upgrader   websocket.Upgrader
	log        logging.LeveledLogger

	registry *registry.Registry
	conns    *connhub.Registry
	liveness *liveness.Tracker
	metrics  *metrics.Recorder
	query    introspect.Query
}

// New creates and initializes a new App. args is typically os.Args[1:]; its
// first element, if present, becomes the listen address.
func New(args []string) *App {
	cfg := config.Load(args)
	log := createLogger(cfg)

	reg := registry.New()
	conns := connhub.New()
	live := liveness.NewTracker()
	rec := metrics.New()

	mux := http.NewServeMux()
	httpServer := &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &App{
		cfg:        cfg,
		httpServer: httpServer,
		mux:        mux,
		upgrader:   websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		log:        log,
		registry:   reg,
		conns:      conns,
		liveness:   live,
		metrics:    rec,
		query:      introspect.New(live),
	}
}

// Handler returns the fully wired HTTP handler, for use by both Run and
// integration tests via httptest.Server.
func (a *App) Handler() http.Handler {
	n := negroni.New()
	n.Use(negroni.NewLogger())
	n.Use(negroni.HandlerFunc(func(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
		recovery.Middleware(a.log, http.HandlerFunc(next)).ServeHTTP(w, r)
	}))

	a.mux.HandleFunc("/", a.rootHandler)
	a.mux.HandleFunc("/health", a.healthHandler)
	a.mux.HandleFunc("/metrics", a.metricsHandler)
	a.mux.HandleFunc("/status/", a.statusHandler)
	a.mux.HandleFunc("/one-to-many", a.signalingHandler)

	n.UseHandler(a.mux)
	return n
}

// Run starts the HTTP server and blocks until a shutdown signal arrives or
// the server fails, then shuts down gracefully.
func (a *App) Run() error {
	a.httpServer.Handler = a.Handler()

	serverErrors := make(chan error, 1)
	go func() {
		a.log.Infof("listening on %s", a.httpServer.Addr)
		serverErrors <- a.httpServer.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		a.log.Infof("received signal %v, shutting down", sig)
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			a.log.Errorf("server error: %v", err)
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.httpServer.Shutdown(ctx); err != nil {
		a.log.Errorf("server shutdown error: %v", err)
		return err
	}

	a.log.Infof("server shutdown complete")
	return nil
}

func (a *App) rootHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(map[string]any{"status": 200, "build": buildVersion})
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(map[string]any{
		"status":             "healthy",
		"active_connections": a.conns.Len(),
	})
}

func (a *App) metricsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Write(a.metrics.ToJSON())
}

// statusHandler implements GET /status/{session_id}, the sole read-only
// query escaping the signaling core.
func (a *App) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.URL.Path[len("/status/"):]
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(map[string]bool{"online": a.query.Status(protocol.SessionID(sessionID))})
}

// signalingHandler upgrades to WebSocket and hands the connection to the
// per-connection supervisor.
func (a *App) signalingHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warnf("upgrade failed: %v", err)
		return
	}

	go supervisor.Serve(a.supervisorDeps(), conn)
}

func (a *App) supervisorDeps() supervisor.Deps {
	return supervisor.Deps{
		Registry:          a.registry,
		Conns:             a.conns,
		Liveness:          a.liveness,
		Metrics:           a.metrics,
		Logger:            a.log,
		PingInterval:      a.cfg.PingInterval,
		HostConflictGrace: a.cfg.HostConflictGrace,
		SinkBuffer:        a.cfg.SinkBuffer,
		WriteTimeout:      a.cfg.WriteTimeout,
	}
}

// createLogger creates a logger with the appropriate level from config.
func createLogger(cfg *config.Config) logging.LeveledLogger {
	loggerFactory := logging.NewDefaultLoggerFactory()

	switch cfg.LogLevel {
	case "debug":
		loggerFactory.DefaultLogLevel = logging.LogLevelDebug
	case "warn":
		loggerFactory.DefaultLogLevel = logging.LogLevelWarn
	case "error":
		loggerFactory.DefaultLogLevel = logging.LogLevelError
	default:
		loggerFactory.DefaultLogLevel = logging.LogLevelInfo
	}

	return loggerFactory.NewLogger("rendezvous")
}
