// Package introspect implements the Introspection API: the single
// read-only query that escapes the signaling core for the HTTP adapter.
package introspect

import (
	"github.com/signalcore/rendezvous/internal/liveness"
	"github.com/signalcore/rendezvous/internal/protocol"
)

// Query answers read-only questions about session liveness, backed
// directly by the Liveness Tracker.
type Query struct {
	liveness *liveness.Tracker
}

// New creates a Query over the given Liveness Tracker.
func New(l *liveness.Tracker) Query {
	return Query{liveness: l}
}

// Status reports whether sessionID has an online host, per 4.G: scan the
// Liveness Tracker for any entry bound to sessionID and return its online
// flag, or false if none is found.
func (q Query) Status(sessionID protocol.SessionID) bool {
	return q.liveness.StatusForSession(sessionID)
}
