// Package connhub implements the Connection Registry: a concurrent map from
// UserId to an outbound message sink for each live socket.
package connhub

import (
	"errors"
	"sync"

	"github.com/signalcore/rendezvous/internal/protocol"
)

// ErrSinkClosed is returned by Sink.Send once the connection it belongs to
// has begun tearing down.
var ErrSinkClosed = errors.New("connhub: sink closed")

// Frame is one outbound unit: either a text payload to deliver, or an
// instruction to close the socket with a given code and reason.
type Frame struct {
	Payload []byte
	Close   bool
	Code    int
	Reason  string
}

// TextFrame wraps an already-encoded payload for delivery.
func TextFrame(payload []byte) Frame {
	return Frame{Payload: payload}
}

// CloseFrame instructs the send task to terminate the connection with the
// given WebSocket close code and reason.
func CloseFrame(code int, reason string) Frame {
	return Frame{Close: true, Code: code, Reason: reason}
}

// Sink is a bounded-buffered channel of outbound frames bound to one
// connection. Send blocks while the buffer is full, giving a slow peer
// backpressure that is contained to its own connection; it only returns an
// error once the sink has been closed.
type Sink struct {
	out  chan Frame
	done chan struct{}
	once sync.Once
}

// NewSink creates a sink with the given outbound buffer capacity.
func NewSink(buffer int) *Sink {
	return &Sink{
		out:  make(chan Frame, buffer),
		done: make(chan struct{}),
	}
}

// Send enqueues a frame, blocking while the buffer is full. It returns
// ErrSinkClosed if the connection has already begun tearing down.
func (s *Sink) Send(f Frame) error {
	select {
	case <-s.done:
		return ErrSinkClosed
	default:
	}

	select {
	case s.out <- f:
		return nil
	case <-s.done:
		return ErrSinkClosed
	}
}

// Frames is the channel the send task drains.
func (s *Sink) Frames() <-chan Frame {
	return s.out
}

// Close marks the sink as closed, unblocking any pending or future Send
// calls with ErrSinkClosed. Idempotent.
func (s *Sink) Close() {
	s.once.Do(func() { close(s.done) })
}

// Registry maps a connected peer's UserId to its outbound sink. Get
// returns the sink directly rather than a clone: the sink is itself a cheap
// handle safe for concurrent use without further locking.
type Registry struct {
	mu    sync.RWMutex
	sinks map[protocol.UserID]*Sink
}

// New creates an empty Connection Registry.
func New() *Registry {
	return &Registry{sinks: make(map[protocol.UserID]*Sink)}
}

// Register binds userID to sink. Callers must only do this once the sink's
// send task is already running.
func (r *Registry) Register(userID protocol.UserID, sink *Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[userID] = sink
}

// Remove unbinds userID, if present.
func (r *Registry) Remove(userID protocol.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sinks, userID)
}

// Get returns the sink bound to userID, if any.
func (r *Registry) Get(userID protocol.UserID) (*Sink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sinks[userID]
	return s, ok
}

// Len reports the number of live connections, used by health/metrics.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sinks)
}
