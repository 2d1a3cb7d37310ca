package server

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/flowsync/internal/config"
)

// SessionState is the lifecycle position of a Session.
type SessionState int32

const (
	StateUnattached SessionState = iota
	StateAttached
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateUnattached:
		return "unattached"
	case StateAttached:
		return "attached"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one WebSocket connection. The hub owns its lifecycle; the read
// pump owns its room membership fields.
type Session struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	addr   string
	closed bool // guarded by hub.mutex
	logger *zap.Logger

	limiter   *rateLimiter
	transport config.TransportConfig

	state  atomic.Int32
	kicked atomic.Int32

	// Only touched from the read pump.
	roomID   string
	clientID string
	userID   string
}

// NewSession wraps conn in a Session with a fresh transport id. clientID is
// the stable identity the peer announced at connect time and may be empty.
func NewSession(conn *websocket.Conn, hub *Hub, addr, clientID string) *Session {
	cfg := hub.cfg
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	id := uuid.NewString()
	return &Session{
		id:        id,
		conn:      conn,
		send:      make(chan []byte, cfg.Transport.SendBufferSize),
		hub:       hub,
		addr:      addr,
		logger:    hub.logger.With(zap.String("transport_id", id), zap.String("remote_addr", addr)),
		limiter:   newRateLimiter(cfg.RateLimit),
		transport: cfg.Transport,
		clientID:  clientID,
	}
}

// ID returns the transport id.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

func (s *Session) attach(roomID string) {
	s.roomID = roomID
	s.state.Store(int32(StateAttached))
}

func (s *Session) detach() {
	s.roomID = ""
	s.state.Store(int32(StateUnattached))
}

// evict closes the session from the server side. The first reason wins and
// is reported by the read pump instead of the resulting read error.
func (s *Session) evict(reason DisconnectReason) {
	if !s.kicked.CompareAndSwap(int32(ReasonNone), int32(reason)) {
		return
	}
	s.logger.Info("closing session", zap.Stringer("reason", reason))
	if s.conn == nil {
		return
	}

	// Slow consumers are not reading; writing a close frame would block.
	if reason != ReasonSlowConsumer {
		deadline := time.Now().Add(s.transport.WriteWait)
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason.String())
		if err := s.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil && !isExpectedCloseError(err) {
			s.logger.Debug("error writing close frame", zap.Error(err))
		}
	}
	s.closeConnection()
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (s *Session) setupReadConnection() {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.transport.PongWait)); err != nil {
		s.logger.Warn("error setting initial read deadline", zap.Error(err))
	}
	s.conn.SetPongHandler(func(string) error {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.transport.PongWait)); err != nil {
			s.logger.Warn("error setting read deadline in pong handler", zap.Error(err))
		}
		return nil
	})
}

func (s *Session) readErrorReason(err error) DisconnectReason {
	if kicked := DisconnectReason(s.kicked.Load()); kicked != ReasonNone {
		return kicked
	}

	reason := classifyReadError(err)
	switch reason {
	case ReasonProtocol:
		s.logger.Warn("protocol violation", zap.Error(err), zap.Int64("max_message_size", s.hub.cfg.MaxMessageSize))
	case ReasonClientClose, ReasonGoingAway:
		s.logger.Debug("client disconnected", zap.Error(err))
	default:
		s.logger.Info("connection lost", zap.Stringer("reason", reason), zap.Error(err))
	}
	return reason
}

// checkRateLimit reports whether the next frame may be processed.
func (s *Session) checkRateLimit() bool {
	if s.limiter.allow() {
		return true
	}
	s.hub.metrics.RateLimited.Inc()
	s.logger.Warn("rate limit exceeded; discarding message",
		zap.Int("burst", s.limiter.cfg.Burst),
		zap.Duration("refill_interval", s.limiter.cfg.RefillInterval),
	)
	return false
}

// processMessage decodes one frame and dispatches it. A panic while handling
// a frame is logged and the frame dropped; the session stays open.
func (s *Session) processMessage(raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("recovered from panic while handling message", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	req, err := DecodeRequest(raw)
	if err != nil {
		s.hub.metrics.Messages.WithLabelValues("invalid").Inc()
		s.logger.Debug("discarding frame", zap.Error(err))
		return
	}
	s.hub.metrics.Messages.WithLabelValues(req.Type()).Inc()

	switch req := req.(type) {
	case JoinRequest:
		s.hub.join(s, req)
	case LeaveRequest:
		err = s.hub.leave(s)
	case DocUpdateRequest:
		err = s.hub.applyUpdate(s, req)
	case AwarenessRequest:
		err = s.hub.relayAwareness(s, req)
	}
	if err != nil {
		s.logger.Debug("message not applied", zap.String("type", req.Type()), zap.Error(err))
	}
}

func (s *Session) readPump() {
	reason := ReasonAbnormal
	defer func() {
		s.hub.disconnect(s, reason)
		s.hub.release(s)
		s.closeConnection()
	}()

	s.setupReadConnection()
	s.greet()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			reason = s.readErrorReason(err)
			return
		}

		if !s.checkRateLimit() {
			continue
		}

		s.processMessage(raw)
	}
}

// greet sends the transport id and, when the peer announced a client id at
// connect time, resumes a membership held in the grace window.
func (s *Session) greet() {
	s.hub.sendTo(s, WelcomeMessage{Type: TypeWelcome, TransportID: s.id})
	if s.clientID != "" {
		s.hub.resume(s, "")
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.transport.PingPeriod)
	defer func() {
		ticker.Stop()
		s.closeConnection()
	}()

	for s.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (s *Session) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-s.send:
		return s.handleMessage(message, ok)
	case <-ticker.C:
		return s.handlePing()
	}
}

func (s *Session) closeConnection() {
	if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
		s.logger.Debug("error closing connection", zap.Error(err))
	}
}

// handleMessage writes one outgoing frame plus whatever is already queued and
// returns false if the connection should be closed.
func (s *Session) handleMessage(message []byte, ok bool) bool {
	if !ok {
		return s.writeCloseMessage()
	}
	if !s.writeTextMessage(message) {
		return false
	}
	return s.writeQueuedMessages()
}

func (s *Session) writeCloseMessage() bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.transport.WriteWait)); err != nil {
		return false
	}
	if err := s.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
		s.logger.Debug("error writing close message", zap.Error(err))
	}
	return false
}

func (s *Session) writeTextMessage(message []byte) bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.transport.WriteWait)); err != nil {
		s.logger.Debug("error setting write deadline", zap.Error(err))
		return false
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			s.logger.Info("error writing message", zap.Error(err))
		}
		return false
	}
	return true
}

// writeQueuedMessages flushes messages queued while the previous frame was
// being written. Every message keeps its own frame.
func (s *Session) writeQueuedMessages() bool {
	n := len(s.send)
	for i := 0; i < n; i++ {
		message, ok := <-s.send
		if !ok {
			return s.writeCloseMessage()
		}
		if !s.writeTextMessage(message) {
			return false
		}
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (s *Session) handlePing() bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.transport.WriteWait)); err != nil {
		s.logger.Debug("error setting write deadline for ping", zap.Error(err))
		return false
	}
	if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			s.logger.Info("error writing ping", zap.Error(err))
		}
		return false
	}
	return true
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
