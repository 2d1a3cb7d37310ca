package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Tyrowin/flowsync/internal/config"
	"github.com/Tyrowin/flowsync/internal/grace"
	"github.com/Tyrowin/flowsync/internal/room"
)

var (
	errSessionGone = errors.New("session is not registered")
	errQueueFull   = errors.New("send queue full")
)

// Hub owns the directory of open sessions and their lifecycle. Room state
// lives in the room registry; the hub only routes frames to the sessions
// that a room lists as members.
type Hub struct {
	cfg     *config.Config
	rooms   *room.Registry
	grace   *grace.Tracker
	metrics *Metrics
	logger  *zap.Logger

	sessions   map[string]*Session
	register   chan *Session
	unregister chan *Session
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewHub creates a Hub routing for rooms. Run must be started before
// sessions are registered.
func NewHub(cfg *config.Config, rooms *room.Registry, metrics *Metrics, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(prometheus.NewRegistry())
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:        cfg,
		rooms:      rooms,
		metrics:    metrics,
		logger:     logger.Named("hub"),
		sessions:   make(map[string]*Session),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	h.grace = grace.NewTracker(cfg.Grace.Window, h.expire, logger)
	return h
}

// Rooms returns the room registry the hub routes for.
func (h *Hub) Rooms() *room.Registry { return h.rooms }

// Grace returns the reconnection grace tracker.
func (h *Hub) Grace() *grace.Tracker { return h.grace }

// SessionCount returns the number of registered sessions.
func (h *Hub) SessionCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.sessions)
}

// Register hands a new session to the hub, which starts its pumps. It
// returns false once the hub is shutting down.
func (h *Hub) Register(s *Session) bool {
	select {
	case h.register <- s:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// release removes s from the directory. After Run has returned the caller
// does the bookkeeping itself.
func (h *Hub) release(s *Session) {
	select {
	case h.unregister <- s:
	case <-h.done:
		h.dropSession(s)
	}
}

// Run starts the hub's main event loop, handling session registration and
// unregistration. This method should be called in a separate goroutine.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownSessions()
			return

		case s := <-h.register:
			if s == nil {
				h.logger.Warn("received nil session registration; skipping")
				continue
			}

			h.mutex.Lock()
			s.closed = false
			h.sessions[s.id] = s
			count := len(h.sessions)
			h.mutex.Unlock()
			h.metrics.Sessions.Set(float64(count))
			s.logger.Debug("session registered", zap.Int("sessions", count))

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				s.writePump()
			}()
			go func() {
				defer h.wg.Done()
				s.readPump()
			}()

		case s := <-h.unregister:
			h.dropSession(s)
		}
	}
}

func (h *Hub) dropSession(s *Session) {
	h.mutex.Lock()
	if current, ok := h.sessions[s.id]; !ok || current != s {
		h.mutex.Unlock()
		return
	}
	delete(h.sessions, s.id)
	s.closed = true
	count := len(h.sessions)
	h.mutex.Unlock()

	// Close the channel after releasing the lock
	close(s.send)
	h.metrics.Sessions.Set(float64(count))
	s.logger.Debug("session unregistered", zap.Int("sessions", count))
}

// safeSend queues payload on s without blocking.
func (h *Hub) safeSend(s *Session, payload []byte) error {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if current, ok := h.sessions[s.id]; !ok || current != s || s.closed {
		return errSessionGone
	}
	select {
	case s.send <- payload:
		return nil
	default:
		return errQueueFull
	}
}

// sendTo encodes v and queues it on s. A full queue evicts s.
func (h *Hub) sendTo(s *Session, v any) bool {
	payload, err := encodeMessage(v)
	if err != nil {
		h.logger.Error("dropping outbound message", zap.Error(err))
		return false
	}

	switch err := h.safeSend(s, payload); {
	case err == nil:
		return true
	case errors.Is(err, errQueueFull):
		s.evict(ReasonSlowConsumer)
	}
	return false
}

// fanout queues payload on every member session of r except the one with
// transport id except. Members without a live session, such as those in the
// grace window, are skipped. Sessions with a full queue are evicted.
func (h *Hub) fanout(r *room.Room, payload []byte, except string) int {
	ids := r.Clients()

	var slow []*Session
	sent := 0
	h.mutex.RLock()
	for _, id := range ids {
		if id == except {
			continue
		}
		target, ok := h.sessions[id]
		if !ok || target.closed {
			continue
		}
		select {
		case target.send <- payload:
			sent++
		default:
			slow = append(slow, target)
		}
	}
	h.mutex.RUnlock()

	for _, target := range slow {
		target.logger.Warn("send queue full; evicting session", zap.String("room_id", r.ID()))
		target.evict(ReasonSlowConsumer)
	}
	h.metrics.Deliveries.Add(float64(sent))
	return sent
}

// shutdownSessions closes every open session.
func (h *Hub) shutdownSessions() {
	h.logger.Info("shutting down all sessions")

	h.mutex.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mutex.RUnlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.evict(ReasonServerShutdown)
		}()
	}
	wg.Wait()

	dropped := h.grace.Stop()
	h.metrics.GracePending.Set(0)
	h.logger.Info("closed sessions", zap.Int("sessions", len(sessions)), zap.Int("grace_dropped", len(dropped)))
}

// Shutdown initiates graceful shutdown of the hub and waits for all goroutines to complete.
// It returns after all session pumps have finished, or when the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("initiating hub shutdown")
	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("hub shutdown timeout reached, some sessions may still be running")
		return context.DeadlineExceeded
	}
}
