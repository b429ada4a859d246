// Package router implements the signaling message dispatcher: it
// interprets decoded signal messages, mutates the Session Registry and
// Liveness Tracker under their own lock discipline, and forwards relayed
// messages to targets via the Connection Registry.
package router

import (
	"time"

	"github.com/pion/logging"

	"github.com/signalcore/rendezvous/internal/connhub"
	"github.com/signalcore/rendezvous/internal/liveness"
	"github.com/signalcore/rendezvous/internal/protocol"
	"github.com/signalcore/rendezvous/internal/registry"
)

// DefaultHostConflictGrace is the spec-mandated grace window before a
// duplicate host is force-closed.
const DefaultHostConflictGrace = 60 * time.Second

// Metrics is the subset of internal/metrics.Recorder the router needs.
// Defined here, rather than imported concretely, so tests can supply a
// lightweight fake without constructing a full Recorder.
type Metrics interface {
	RecordMessageRelayed()
	RecordHostConflict()
}

// Context bundles the Router's collaborators plus the one tunable timing
// parameter (host-conflict grace), so tests can shrink it instead of
// sleeping for a full minute.
type Context struct {
	Registry          *registry.Registry
	Conns             *connhub.Registry
	Liveness          *liveness.Tracker
	Metrics           Metrics
	Logger            logging.LeveledLogger
	HostConflictGrace time.Duration
}

func (c Context) grace() time.Duration {
	if c.HostConflictGrace <= 0 {
		return DefaultHostConflictGrace
	}
	return c.HostConflictGrace
}

// Dispatch interprets one decoded message from senderID. It never blocks on
// I/O under any registry lock: Registry.Join already returns a plan, and all
// sends happen after the lock is released.
func Dispatch(ctx Context, senderID protocol.UserID, msg protocol.SignalMessage) {
	switch m := msg.(type) {
	case protocol.SessionJoin:
		handleSessionJoin(ctx, senderID, m)
	case protocol.SdpOffer:
		relay(ctx, senderID, m.SessionID, m.UserID, SdpOffer(m, senderID))
	case protocol.SdpAnswer:
		relay(ctx, senderID, m.SessionID, m.UserID, SdpAnswer(m, senderID))
	case protocol.IceCandidate:
		relay(ctx, senderID, m.SessionID, m.UserID, IceCandidate(m, senderID))
	case protocol.KeepAlive:
		handleKeepAlive(ctx, m)
	case protocol.PingMessage:
		if m.IsHost {
			ctx.Liveness.MarkAlive(m.UserID, m.SessionID)
		}
	default:
		// SessionReady, Error, and anything else arriving from a peer carry
		// no server-side action.
	}
}

// SdpOffer builds the relay envelope with the sender substituted for the
// target, per the spec's relay rule.
func SdpOffer(m protocol.SdpOffer, senderID protocol.UserID) protocol.SignalMessage {
	return protocol.SdpOffer{SessionID: m.SessionID, UserID: senderID, SDP: m.SDP}
}

// SdpAnswer builds the relay envelope with the sender substituted for the
// target.
func SdpAnswer(m protocol.SdpAnswer, senderID protocol.UserID) protocol.SignalMessage {
	return protocol.SdpAnswer{SessionID: m.SessionID, UserID: senderID, SDP: m.SDP}
}

// IceCandidate builds the relay envelope with the sender substituted for the
// target; the candidate payload is forwarded byte-for-byte.
func IceCandidate(m protocol.IceCandidate, senderID protocol.UserID) protocol.SignalMessage {
	return protocol.IceCandidate{SessionID: m.SessionID, UserID: senderID, Candidate: m.Candidate}
}

func handleSessionJoin(ctx Context, senderID protocol.UserID, m protocol.SessionJoin) {
	result := ctx.Registry.Join(m.SessionID, senderID, m.IsHost)

	switch result.Outcome {
	case registry.BecameHost:
		for _, member := range result.ExistingMembers {
			sendTo(ctx, senderID, protocol.SessionReady{SessionID: m.SessionID, PeerUserID: member})
		}

	case registry.JoinedAsMember:
		if result.HostID != nil {
			sendTo(ctx, *result.HostID, protocol.SessionReady{SessionID: m.SessionID, PeerUserID: senderID})
		}

	case registry.HostConflict:
		if ctx.Logger != nil {
			ctx.Logger.Warnf("session %q: user %d requested host but one is already present; closing in %s", m.SessionID, senderID, ctx.grace())
		}
		if ctx.Metrics != nil {
			ctx.Metrics.RecordHostConflict()
		}
		scheduleHostConflictClose(ctx, senderID, m.SessionID)
	}
}

// handleKeepAlive marks the sender alive only when it self-identifies as a
// session host: liveness tracking exists to detect a silent host, and a
// member never gets a liveness entry, so no timeout is armed for it.
func handleKeepAlive(ctx Context, m protocol.KeepAlive) {
	if m.Status.IsHost != nil && *m.Status.IsHost {
		ctx.Liveness.MarkAlive(m.UserID, m.Status.SessionID)
	}
}

// relay forwards out to the connection bound to target. If no such
// connection exists, the message is logged and dropped: the sender is never
// informed.
func relay(ctx Context, senderID protocol.UserID, sessionID protocol.SessionID, target protocol.UserID, out protocol.SignalMessage) {
	payload, err := protocol.Encode(out)
	if err != nil {
		if ctx.Logger != nil {
			ctx.Logger.Errorf("session %q: failed to encode relay from %d to %d: %v", sessionID, senderID, target, err)
		}
		return
	}

	sink, ok := ctx.Conns.Get(target)
	if !ok {
		if ctx.Logger != nil {
			ctx.Logger.Warnf("session %q: relay target %d not connected, dropping", sessionID, target)
		}
		return
	}

	if err := sink.Send(connhub.TextFrame(payload)); err != nil {
		if ctx.Logger != nil {
			ctx.Logger.Warnf("session %q: failed to deliver to %d: %v", sessionID, target, err)
		}
		return
	}
	if ctx.Metrics != nil {
		ctx.Metrics.RecordMessageRelayed()
	}
}

func sendTo(ctx Context, target protocol.UserID, out protocol.SignalMessage) {
	payload, err := protocol.Encode(out)
	if err != nil {
		if ctx.Logger != nil {
			ctx.Logger.Errorf("failed to encode message to %d: %v", target, err)
		}
		return
	}

	sink, ok := ctx.Conns.Get(target)
	if !ok {
		if ctx.Logger != nil {
			ctx.Logger.Warnf("tried to notify %d but no connection found", target)
		}
		return
	}

	if err := sink.Send(connhub.TextFrame(payload)); err != nil && ctx.Logger != nil {
		ctx.Logger.Warnf("failed to deliver message to %d: %v", target, err)
	}
}

// scheduleHostConflictClose implements the 60-second deferred eviction: the
// conflicting peer stays fully live (its messages are still routed) during
// the grace window.
func scheduleHostConflictClose(ctx Context, userID protocol.UserID, sessionID protocol.SessionID) {
	grace := ctx.grace()
	go func() {
		time.Sleep(grace)

		sink, ok := ctx.Conns.Get(userID)
		if !ok {
			return
		}
		if err := sink.Send(connhub.CloseFrame(3001, "Multiple hosts")); err != nil && ctx.Logger != nil {
			ctx.Logger.Warnf("session %q: failed to close duplicate host %d: %v", sessionID, userID, err)
		}
	}()
}
