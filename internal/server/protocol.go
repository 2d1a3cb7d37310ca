package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Message types exchanged over the collaboration socket.
const (
	TypeJoinRoom        = "join-room"
	TypeLeaveRoom       = "leave-room"
	TypeDocUpdate       = "doc-update"
	TypeAwarenessUpdate = "awareness-update"

	TypeWelcome      = "welcome"
	TypeSyncDoc      = "sync-doc"
	TypePresenceSync = "presence-sync"
	TypeMemberJoined = "member-joined"
	TypeMemberLeft   = "member-left"
)

const maxIdentifierLength = 256

var (
	// ErrUnknownMessage is returned for a well-formed frame whose type is not
	// understood.
	ErrUnknownMessage = errors.New("server: unknown message type")
	// ErrInvalidMessage is returned for frames that are not a JSON object with
	// a string "type" or whose payload does not match that type.
	ErrInvalidMessage = errors.New("server: invalid message")
	// ErrNotAttached is reported when a room-scoped message arrives from a
	// session that has not joined a room.
	ErrNotAttached = errors.New("server: session is not attached to a room")
)

// Request is one decoded client frame.
type Request interface {
	Type() string
}

// JoinRequest asks to attach the session to a room.
type JoinRequest struct {
	RoomID   string `json:"roomId"`
	ClientID string `json:"clientId,omitempty"`
	UserID   string `json:"userId,omitempty"`
}

func (JoinRequest) Type() string { return TypeJoinRoom }

// LeaveRequest detaches the session from its room without closing it.
type LeaveRequest struct{}

func (LeaveRequest) Type() string { return TypeLeaveRoom }

// DocUpdateRequest carries an encoded document delta.
type DocUpdateRequest struct {
	Update []byte `json:"update"`
}

func (DocUpdateRequest) Type() string { return TypeDocUpdate }

// AwarenessRequest carries the sender's opaque presence state.
type AwarenessRequest struct {
	State json.RawMessage `json:"state"`
}

func (AwarenessRequest) Type() string { return TypeAwarenessUpdate }

// DecodeRequest parses a client frame. The "type" field is inspected first so
// the payload is only unmarshalled once into the matching request.
func DecodeRequest(raw []byte) (Request, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: not valid JSON", ErrInvalidMessage)
	}
	typ := gjson.GetBytes(raw, "type")
	if typ.Type != gjson.String {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}

	switch typ.Str {
	case TypeJoinRoom:
		var req JoinRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
		}
		req.RoomID = strings.TrimSpace(req.RoomID)
		if req.RoomID == "" {
			return nil, fmt.Errorf("%w: join-room without roomId", ErrInvalidMessage)
		}
		if len(req.RoomID) > maxIdentifierLength || len(req.ClientID) > maxIdentifierLength || len(req.UserID) > maxIdentifierLength {
			return nil, fmt.Errorf("%w: identifier too long", ErrInvalidMessage)
		}
		return req, nil

	case TypeLeaveRoom:
		return LeaveRequest{}, nil

	case TypeDocUpdate:
		var req DocUpdateRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
		}
		if len(req.Update) == 0 {
			return nil, fmt.Errorf("%w: empty update", ErrInvalidMessage)
		}
		return req, nil

	case TypeAwarenessUpdate:
		state := gjson.GetBytes(raw, "state")
		if !state.Exists() {
			return nil, fmt.Errorf("%w: awareness-update without state", ErrInvalidMessage)
		}
		return AwarenessRequest{State: json.RawMessage(state.Raw)}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, typ.Str)
	}
}

// WelcomeMessage is the first frame on every connection.
type WelcomeMessage struct {
	Type        string `json:"type"`
	TransportID string `json:"transportId"`
}

// SyncDocMessage carries a full room snapshot to a single session.
type SyncDocMessage struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
	Epoch  string `json:"epoch"`
	Update []byte `json:"update"`
}

// PresenceSyncMessage carries the last known presence of every other member.
type PresenceSyncMessage struct {
	Type   string                     `json:"type"`
	RoomID string                     `json:"roomId"`
	States map[string]json.RawMessage `json:"states"`
}

// DocUpdateMessage relays a peer's delta byte-for-byte.
type DocUpdateMessage struct {
	Type   string `json:"type"`
	Update []byte `json:"update"`
}

// AwarenessMessage relays a peer's presence, tagged with its transport id.
type AwarenessMessage struct {
	Type  string          `json:"type"`
	From  string          `json:"from"`
	State json.RawMessage `json:"state"`
}

// MemberEvent announces a member joining or leaving a room.
type MemberEvent struct {
	Type        string    `json:"type"`
	RoomID      string    `json:"roomId"`
	TransportID string    `json:"transportId"`
	ClientID    string    `json:"clientId,omitempty"`
	UserID      string    `json:"userId,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

func encodeMessage(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return payload, nil
}
