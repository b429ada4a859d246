// Package liveness implements the Liveness Tracker: a concurrent map from
// UserId to Ping, and the introspection scan over it.
package liveness

import (
	"sync"

	"github.com/signalcore/rendezvous/internal/protocol"
)

// Entry is the per-user liveness record.
type Entry struct {
	Online    bool
	SessionID *protocol.SessionID
}

// Tracker owns all Ping entries behind a single mutex.
type Tracker struct {
	mu      sync.Mutex
	entries map[protocol.UserID]Entry
}

// NewTracker creates an empty Liveness Tracker.
func NewTracker() *Tracker {
	return &Tracker{entries: make(map[protocol.UserID]Entry)}
}

// MarkAlive records that userID self-identified as online, optionally bound
// to a session. Called by the router for KeepAlive and host Ping messages.
// A nil sessionID does not clear a previously bound one: it falls back to
// whatever session the entry was already bound to, since a re-ping that
// omits session_id is not declaring the peer sessionless.
func (t *Tracker) MarkAlive(userID protocol.UserID, sessionID *protocol.SessionID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if sessionID == nil {
		if prev, ok := t.entries[userID]; ok {
			sessionID = prev.SessionID
		}
	}
	t.entries[userID] = Entry{Online: true, SessionID: sessionID}
}

// Get returns the current entry for userID, if one exists.
func (t *Tracker) Get(userID protocol.UserID) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[userID]
	return e, ok
}

// Tick runs one liveness check for userID, as performed by the supervisor's
// ping task on every tick:
//   - no entry yet: the caller still sends a probe, but no timeout is armed
//     (returns false).
//   - entry online: flips it to offline, preserving the bound session
//     (returns false).
//   - entry already offline: the peer failed to respond to the previous
//     probe (returns true — the caller must terminate the connection).
func (t *Tracker) Tick(userID protocol.UserID) (shouldEvict bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[userID]
	if !ok {
		return false
	}
	if e.Online {
		t.entries[userID] = Entry{Online: false, SessionID: e.SessionID}
		return false
	}
	return true
}

// Remove deletes the entry for userID, called on connection teardown.
func (t *Tracker) Remove(userID protocol.UserID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, userID)
}

// StatusForSession implements the Introspection API's read-only query:
// scan for any Ping bound to sessionID and return its online flag, or false
// if none is found.
func (t *Tracker) StatusForSession(sessionID protocol.SessionID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range t.entries {
		if e.SessionID != nil && *e.SessionID == sessionID {
			return e.Online
		}
	}
	return false
}
