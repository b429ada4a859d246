// Package supervisor implements the per-connection supervisor: for each
// accepted socket it spawns cooperating send, receive, and ping tasks and
// guarantees their cleanup runs exactly once, in a fixed order, regardless
// of which task exits first.
package supervisor

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/logging"

	"github.com/signalcore/rendezvous/internal/connhub"
	"github.com/signalcore/rendezvous/internal/liveness"
	"github.com/signalcore/rendezvous/internal/protocol"
	"github.com/signalcore/rendezvous/internal/recovery"
	"github.com/signalcore/rendezvous/internal/registry"
	"github.com/signalcore/rendezvous/internal/router"
)

// userIDCounter is the process-wide monotonic UserId allocator. Values
// start at 1 so the zero value of protocol.UserID never denotes a real
// connection.
var userIDCounter atomic.Uint64

// NextUserID allocates the next UserId. Exported so the HTTP adapter can
// use it directly without importing an unrelated internal detail.
func NextUserID() protocol.UserID {
	return protocol.UserID(userIDCounter.Add(1))
}

// Metrics is the subset of internal/metrics.Recorder the supervisor needs.
type Metrics interface {
	RecordConnectionCreated()
	RecordConnectionClosed()
	RecordMessageProcessed()
	RecordLivenessEviction()
	router.Metrics
}

// Deps bundles the supervisor's collaborators and timing knobs.
type Deps struct {
	Registry          *registry.Registry
	Conns             *connhub.Registry
	Liveness          *liveness.Tracker
	Metrics           Metrics
	Logger            logging.LeveledLogger
	PingInterval      time.Duration
	HostConflictGrace time.Duration
	SinkBuffer        int
	WriteTimeout      time.Duration
}

func (d Deps) pingInterval() time.Duration {
	if d.PingInterval <= 0 {
		return 60 * time.Second
	}
	return d.PingInterval
}

func (d Deps) sinkBuffer() int {
	if d.SinkBuffer <= 0 {
		return 64
	}
	return d.SinkBuffer
}

// tracedLogger prefixes every log line with a short per-connection trace id,
// so one peer's lifecycle can be grep'd out of interleaved logs across
// hundreds of concurrent sockets.
type tracedLogger struct {
	logging.LeveledLogger
	traceID string
}

func (t tracedLogger) Tracef(format string, args ...interface{}) {
	t.LeveledLogger.Tracef("["+t.traceID+"] "+format, args...)
}
func (t tracedLogger) Debugf(format string, args ...interface{}) {
	t.LeveledLogger.Debugf("["+t.traceID+"] "+format, args...)
}
func (t tracedLogger) Infof(format string, args ...interface{}) {
	t.LeveledLogger.Infof("["+t.traceID+"] "+format, args...)
}
func (t tracedLogger) Warnf(format string, args ...interface{}) {
	t.LeveledLogger.Warnf("["+t.traceID+"] "+format, args...)
}
func (t tracedLogger) Errorf(format string, args ...interface{}) {
	t.LeveledLogger.Errorf("["+t.traceID+"] "+format, args...)
}

func (d Deps) withTrace() Deps {
	if d.Logger == nil {
		return d
	}
	d.Logger = tracedLogger{LeveledLogger: d.Logger, traceID: uuid.NewString()[:8]}
	return d
}

func (d Deps) routerContext() router.Context {
	return router.Context{
		Registry:          d.Registry,
		Conns:             d.Conns,
		Liveness:          d.Liveness,
		Metrics:           d.Metrics,
		Logger:            d.Logger,
		HostConflictGrace: d.HostConflictGrace,
	}
}

// Serve runs the three-task supervisor for conn until one of them exits,
// then tears the connection down. It blocks until teardown is complete, so
// callers typically invoke it from the goroutine handling the HTTP
// upgrade.
func Serve(deps Deps, conn *websocket.Conn) {
	deps = deps.withTrace()
	userID := NextUserID()
	sink := connhub.NewSink(deps.sinkBuffer())
	deps.Conns.Register(userID, sink)
	deps.Metrics.RecordConnectionCreated()

	if deps.Logger != nil {
		deps.Logger.Debugf("connection %d: supervisor starting", userID)
	}

	done := make(chan string, 3)

	// Each completion signal is sent from a defer inside the guarded
	// closure, not after the task call returns: a recovered panic unwinds
	// straight through Guard's recover without ever reaching code that
	// follows the call, so a done-signal placed there would never fire and
	// the other two tasks, and this connection's registry entries, would
	// leak forever.
	go recovery.Guard(deps.Logger, "send-task", func() {
		defer func() { done <- "send" }()
		sendTask(deps, conn, sink, userID)
	})
	go recovery.Guard(deps.Logger, "receive-task", func() {
		defer func() { done <- "receive" }()
		receiveTask(deps, conn, userID)
	})
	go recovery.Guard(deps.Logger, "ping-task", func() {
		defer func() { done <- "ping" }()
		pingTask(deps, sink, userID)
	})

	exited := <-done
	if deps.Logger != nil {
		deps.Logger.Debugf("connection %d: %s task exited first, tearing down", userID, exited)
	}

	recovery.SafeCloser(deps.Logger, func() error { sink.Close(); return nil }, "sink")
	recovery.SafeCloser(deps.Logger, conn.Close, "connection")

	teardown(deps, userID)
}

// sendTask drains the sink to the socket until the sink closes or a write
// fails.
func sendTask(deps Deps, conn *websocket.Conn, sink *connhub.Sink, userID protocol.UserID) {
	for frame := range sink.Frames() {
		if deps.WriteTimeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(deps.WriteTimeout))
		}

		if frame.Close {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(frame.Code, frame.Reason),
				time.Now().Add(deps.WriteTimeout))
			return
		}

		if err := conn.WriteMessage(websocket.TextMessage, frame.Payload); err != nil {
			if deps.Logger != nil {
				deps.Logger.Warnf("connection %d: write error: %v", userID, err)
			}
			return
		}
	}

	// Sink closed from elsewhere (another task exited): best-effort goodbye.
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(1000, "Goodbye"),
		time.Now().Add(time.Second))
}

// receiveTask reads frames from the socket and hands text frames to the
// router until a read error occurs.
func receiveTask(deps Deps, conn *websocket.Conn, userID protocol.UserID) {
	ctx := deps.routerContext()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		switch messageType {
		case websocket.TextMessage:
			text := string(data)
			if protocol.IsIgnorableFrame(text) {
				continue
			}

			msg, err := protocol.Decode(data)
			if err != nil {
				if deps.Logger != nil {
					deps.Logger.Warnf("connection %d: decode error: %v", userID, err)
				}
				continue
			}

			deps.Metrics.RecordMessageProcessed()
			router.Dispatch(ctx, userID, msg)

		case websocket.BinaryMessage:
			if deps.Logger != nil {
				deps.Logger.Debugf("connection %d: discarding binary frame", userID)
			}

		default:
			// Close/ping/pong control frames are handled by gorilla/websocket
			// internally and never surface here.
		}
	}
}

// pingTask ticks every PingInterval, consulting and updating the Liveness
// Tracker for this connection. Two consecutive ticks without a KeepAlive
// cause it to exit, which tears down the whole supervisor.
func pingTask(deps Deps, sink *connhub.Sink, userID protocol.UserID) {
	ticker := time.NewTicker(deps.pingInterval())
	defer ticker.Stop()

	for range ticker.C {
		if deps.Liveness.Tick(userID) {
			deps.Metrics.RecordLivenessEviction()
			return
		}

		payload, err := protocol.Encode(protocol.PingMessage{IsHost: true, UserID: userID})
		if err != nil {
			continue
		}
		if err := sink.Send(connhub.TextFrame(payload)); err != nil {
			return
		}
	}
}

// teardown runs the fixed cleanup order: liveness, then connection
// registry, then session registry, deleting any session that becomes
// empty.
func teardown(deps Deps, userID protocol.UserID) {
	deps.Liveness.Remove(userID)
	deps.Conns.Remove(userID)
	deps.Registry.Leave(userID)
	deps.Metrics.RecordConnectionClosed()

	if deps.Logger != nil {
		deps.Logger.Debugf("connection %d: teardown complete", userID)
	}
}
