// Package protocol implements the wire codec for signaling messages: an
// externally-tagged JSON union where each variant is a single-key object
// whose value is the variant's positional argument tuple.
package protocol

import (
	"encoding/json"
	"fmt"
)

// SessionID is an opaque, peer-supplied identifier with no syntactic validation.
type SessionID string

// UserID is a server-assigned monotonic positive integer, never reused within
// a process lifetime.
type UserID uint64

// SignalMessage is implemented by every decodable/encodable variant of the
// wire envelope.
type SignalMessage interface {
	signalMessage()
}

// SessionJoin is sent by a peer naming the session it wants to join, and
// whether it wants to be the host.
type SessionJoin struct {
	SessionID SessionID
	IsHost    bool
}

func (SessionJoin) signalMessage() {}

// SessionReady tells a peer that another peer has joined its session.
type SessionReady struct {
	SessionID  SessionID
	PeerUserID UserID
}

func (SessionReady) signalMessage() {}

// SdpOffer carries an opaque SDP offer. UserID names the target peer on the
// way in and the original sender on the way out (the router substitutes it).
type SdpOffer struct {
	SessionID SessionID
	UserID    UserID
	SDP       string
}

func (SdpOffer) signalMessage() {}

// SdpAnswer carries an opaque SDP answer, same shape as SdpOffer.
type SdpAnswer struct {
	SessionID SessionID
	UserID    UserID
	SDP       string
}

func (SdpAnswer) signalMessage() {}

// IceCandidate carries an opaque, JSON-encoded ICE candidate string. The
// router never parses it; it only forwards it verbatim.
type IceCandidate struct {
	SessionID SessionID
	UserID    UserID
	Candidate string
}

func (IceCandidate) signalMessage() {}

// KeepAliveStatus is the second element of a KeepAlive message. Metadata is
// carried opaquely: the router never inspects it.
type KeepAliveStatus struct {
	SessionID *SessionID      `json:"session_id,omitempty"`
	IsHost    *bool           `json:"is_host,omitempty"`
	Version   string          `json:"version,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// KeepAlive self-identifies a peer as online, optionally declaring that it is
// a session host.
type KeepAlive struct {
	UserID UserID
	Status KeepAliveStatus
}

func (KeepAlive) signalMessage() {}

// PingMessage is the server-to-peer liveness probe. SessionID is nil when the
// probe is outbound from the server; inbound Ping messages from a peer (an
// alternate liveness self-report) may carry one.
type PingMessage struct {
	IsHost    bool
	UserID    UserID
	SessionID *SessionID
}

func (PingMessage) signalMessage() {}

// ErrorMessage is a generic, free-form error report.
type ErrorMessage struct {
	SessionID SessionID
	UserID    UserID
	Reason    string
}

func (ErrorMessage) signalMessage() {}

// IsIgnorableFrame reports whether a text frame must be silently ignored
// rather than decoded: the empty string, or the literal "ping" used by some
// clients as a transport-level keepalive outside the JSON envelope.
func IsIgnorableFrame(text string) bool {
	return text == "" || text == "ping"
}

// Encode marshals a SignalMessage into its externally-tagged wire form.
func Encode(msg SignalMessage) ([]byte, error) {
	var key string
	var args any

	switch m := msg.(type) {
	case SessionJoin:
		key, args = "SessionJoin", []any{m.SessionID, m.IsHost}
	case SessionReady:
		key, args = "SessionReady", []any{m.SessionID, m.PeerUserID}
	case SdpOffer:
		key, args = "SdpOffer", []any{m.SessionID, m.UserID, m.SDP}
	case SdpAnswer:
		key, args = "SdpAnswer", []any{m.SessionID, m.UserID, m.SDP}
	case IceCandidate:
		key, args = "IceCandidate", []any{m.SessionID, m.UserID, m.Candidate}
	case KeepAlive:
		key, args = "KeepAlive", []any{m.UserID, m.Status}
	case PingMessage:
		key, args = "Ping", []any{m.IsHost, m.UserID, m.SessionID}
	case ErrorMessage:
		key, args = "Error", []any{m.SessionID, m.UserID, m.Reason}
	default:
		return nil, fmt.Errorf("protocol: unknown signal message type %T", msg)
	}

	return json.Marshal(map[string]any{key: args})
}

// Decode parses a wire envelope into its typed SignalMessage.
func Decode(data []byte) (SignalMessage, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("protocol: malformed envelope: %w", err)
	}
	if len(envelope) != 1 {
		return nil, fmt.Errorf("protocol: expected exactly one variant key, got %d", len(envelope))
	}

	for key, raw := range envelope {
		var tuple []json.RawMessage
		if err := json.Unmarshal(raw, &tuple); err != nil {
			return nil, fmt.Errorf("protocol: %s: not a tuple: %w", key, err)
		}

		switch key {
		case "SessionJoin":
			if len(tuple) != 2 {
				return nil, fmt.Errorf("protocol: SessionJoin: expected 2 fields, got %d", len(tuple))
			}
			var sid SessionID
			var isHost bool
			if err := unmarshalAll(tuple, &sid, &isHost); err != nil {
				return nil, err
			}
			return SessionJoin{SessionID: sid, IsHost: isHost}, nil

		case "SessionReady":
			if len(tuple) != 2 {
				return nil, fmt.Errorf("protocol: SessionReady: expected 2 fields, got %d", len(tuple))
			}
			var sid SessionID
			var uid UserID
			if err := unmarshalAll(tuple, &sid, &uid); err != nil {
				return nil, err
			}
			return SessionReady{SessionID: sid, PeerUserID: uid}, nil

		case "SdpOffer":
			sid, uid, sdp, err := decodeSdpTuple(key, tuple)
			if err != nil {
				return nil, err
			}
			return SdpOffer{SessionID: sid, UserID: uid, SDP: sdp}, nil

		case "SdpAnswer":
			sid, uid, sdp, err := decodeSdpTuple(key, tuple)
			if err != nil {
				return nil, err
			}
			return SdpAnswer{SessionID: sid, UserID: uid, SDP: sdp}, nil

		case "IceCandidate":
			if len(tuple) != 3 {
				return nil, fmt.Errorf("protocol: IceCandidate: expected 3 fields, got %d", len(tuple))
			}
			var sid SessionID
			var uid UserID
			var candidate string
			if err := unmarshalAll(tuple, &sid, &uid, &candidate); err != nil {
				return nil, err
			}
			return IceCandidate{SessionID: sid, UserID: uid, Candidate: candidate}, nil

		case "KeepAlive":
			if len(tuple) != 2 {
				return nil, fmt.Errorf("protocol: KeepAlive: expected 2 fields, got %d", len(tuple))
			}
			var uid UserID
			var status KeepAliveStatus
			if err := unmarshalAll(tuple, &uid, &status); err != nil {
				return nil, err
			}
			return KeepAlive{UserID: uid, Status: status}, nil

		case "Ping":
			if len(tuple) != 3 {
				return nil, fmt.Errorf("protocol: Ping: expected 3 fields, got %d", len(tuple))
			}
			var isHost bool
			var uid UserID
			var sid *SessionID
			if err := unmarshalAll(tuple, &isHost, &uid, &sid); err != nil {
				return nil, err
			}
			return PingMessage{IsHost: isHost, UserID: uid, SessionID: sid}, nil

		case "Error":
			if len(tuple) != 3 {
				return nil, fmt.Errorf("protocol: Error: expected 3 fields, got %d", len(tuple))
			}
			var sid SessionID
			var uid UserID
			var reason string
			if err := unmarshalAll(tuple, &sid, &uid, &reason); err != nil {
				return nil, err
			}
			return ErrorMessage{SessionID: sid, UserID: uid, Reason: reason}, nil

		default:
			return nil, fmt.Errorf("protocol: unknown signal message variant %q", key)
		}
	}

	panic("unreachable")
}

func decodeSdpTuple(variant string, tuple []json.RawMessage) (SessionID, UserID, string, error) {
	if len(tuple) != 3 {
		return "", 0, "", fmt.Errorf("protocol: %s: expected 3 fields, got %d", variant, len(tuple))
	}
	var sid SessionID
	var uid UserID
	var sdp string
	if err := unmarshalAll(tuple, &sid, &uid, &sdp); err != nil {
		return "", 0, "", err
	}
	return sid, uid, sdp, nil
}

func unmarshalAll(tuple []json.RawMessage, targets ...any) error {
	for i, target := range targets {
		if err := json.Unmarshal(tuple[i], target); err != nil {
			return fmt.Errorf("protocol: field %d: %w", i, err)
		}
	}
	return nil
}
