// Package registry implements the Session Registry: the authoritative
// mapping from session id to {host, member set}, with host-uniqueness
// enforced under a single writer lock.
package registry

import (
	"sync"

	"github.com/signalcore/rendezvous/internal/protocol"
)

// Outcome classifies the result of a Join call.
type Outcome int

const (
	// BecameHost means the caller was accepted as host of the session.
	BecameHost Outcome = iota
	// JoinedAsMember means the caller was added to the session's member set.
	JoinedAsMember
	// HostConflict means the session already has a host and the caller asked
	// to be one too.
	HostConflict
)

// JoinResult is the plan returned by Join. The router executes any I/O
// described by it after the registry's lock has been released.
type JoinResult struct {
	Outcome Outcome

	// ExistingMembers is populated for BecameHost: the caller must receive a
	// SessionReady for each of them.
	ExistingMembers []protocol.UserID

	// HostID is populated for JoinedAsMember when a host is already present:
	// the host must receive a SessionReady naming the caller.
	HostID *protocol.UserID
}

type session struct {
	host  *protocol.UserID
	users map[protocol.UserID]struct{}
}

// Snapshot is a read-only view of a session, used by tests and introspection.
type Snapshot struct {
	Host  *protocol.UserID
	Users []protocol.UserID
}

// Registry is the authoritative session map. All mutation is serialized
// under a single writer lock; lookups use the same lock in read mode. Lock
// scope never spans I/O — Join returns a plan, not a side effect.
type Registry struct {
	mu       sync.RWMutex
	sessions map[protocol.SessionID]*session
}

// New creates an empty Session Registry.
func New() *Registry {
	return &Registry{sessions: make(map[protocol.SessionID]*session)}
}

// Join admits userID into sessionID, creating the session on first mention.
// SessionJoin handling is atomic under the writer lock: two concurrent
// host-joins for the same empty session elect exactly one host.
func (r *Registry) Join(sessionID protocol.SessionID, userID protocol.UserID, isHost bool) JoinResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		s = &session{users: make(map[protocol.UserID]struct{})}
		r.sessions[sessionID] = s
	}

	if isHost {
		if s.host == nil {
			host := userID
			s.host = &host

			members := make([]protocol.UserID, 0, len(s.users))
			for u := range s.users {
				members = append(members, u)
			}
			return JoinResult{Outcome: BecameHost, ExistingMembers: members}
		}
		return JoinResult{Outcome: HostConflict}
	}

	// A non-host is absorbed into the member set regardless of whether a
	// host is present yet; joining an ownerless session yields no
	// notification, preserved intentionally (see DESIGN.md Open Questions).
	s.users[userID] = struct{}{}

	var hostID *protocol.UserID
	if s.host != nil {
		h := *s.host
		hostID = &h
	}
	return JoinResult{Outcome: JoinedAsMember, HostID: hostID}
}

// Leave removes userID from whichever session it occupies (host slot or
// member set) and returns the ids of any sessions that became empty as a
// result, so the caller can delete them.
func (r *Registry) Leave(userID protocol.UserID) []protocol.SessionID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var emptied []protocol.SessionID
	for sessionID, s := range r.sessions {
		changed := false
		if s.host != nil && *s.host == userID {
			s.host = nil
			changed = true
		} else if _, ok := s.users[userID]; ok {
			delete(s.users, userID)
			changed = true
		}

		if changed && s.host == nil && len(s.users) == 0 {
			delete(r.sessions, sessionID)
			emptied = append(emptied, sessionID)
		}
	}
	return emptied
}

// Lookup returns a read-only snapshot of a session, for tests and
// introspection. The second return value is false if the session does not
// exist.
func (r *Registry) Lookup(sessionID protocol.SessionID) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return Snapshot{}, false
	}

	snap := Snapshot{}
	if s.host != nil {
		h := *s.host
		snap.Host = &h
	}
	for u := range s.users {
		snap.Users = append(snap.Users, u)
	}
	return snap, true
}
