package server

import (
	"errors"
	"net"

	"github.com/gorilla/websocket"
)

// DisconnectReason classifies why a session ended. Only recoverable
// reasons put the member into the reconnection grace window.
type DisconnectReason int32

const (
	ReasonNone DisconnectReason = iota
	// ReasonClientClose: the peer closed the socket on purpose.
	ReasonClientClose
	// ReasonLeave: the peer left its room explicitly before closing.
	ReasonLeave
	// ReasonGoingAway: page reload or navigation.
	ReasonGoingAway
	// ReasonAbnormal: the transport dropped without a close handshake.
	ReasonAbnormal
	// ReasonTimeout: no pong within the liveness window.
	ReasonTimeout
	// ReasonProtocol: oversized frame or protocol violation.
	ReasonProtocol
	// ReasonSlowConsumer: the peer could not keep up with its send queue.
	ReasonSlowConsumer
	ReasonServerShutdown
)

var reasonNames = map[DisconnectReason]string{
	ReasonNone:           "none",
	ReasonClientClose:    "client_close",
	ReasonLeave:          "leave",
	ReasonGoingAway:      "going_away",
	ReasonAbnormal:       "abnormal",
	ReasonTimeout:        "timeout",
	ReasonProtocol:       "protocol",
	ReasonSlowConsumer:   "slow_consumer",
	ReasonServerShutdown: "server_shutdown",
}

func (r DisconnectReason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return "unknown"
}

// Recoverable reports whether a disconnect for this reason is likely to be
// followed by a reconnect.
func (r DisconnectReason) Recoverable() bool {
	switch r {
	case ReasonGoingAway, ReasonAbnormal, ReasonTimeout, ReasonSlowConsumer:
		return true
	default:
		return false
	}
}

// classifyReadError maps a WebSocket read error to a DisconnectReason.
func classifyReadError(err error) DisconnectReason {
	if err == nil {
		return ReasonNone
	}

	if errors.Is(err, websocket.ErrReadLimit) {
		return ReasonProtocol
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.CloseNormalClosure, websocket.CloseNoStatusReceived:
			return ReasonClientClose
		case websocket.CloseGoingAway:
			return ReasonGoingAway
		case websocket.CloseAbnormalClosure:
			return ReasonAbnormal
		default:
			return ReasonProtocol
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonTimeout
	}

	// EOF, reset, and "use of closed network connection" all land here.
	return ReasonAbnormal
}
