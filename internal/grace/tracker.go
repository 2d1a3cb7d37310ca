// Package grace defers the membership side effects of recoverable
// disconnects so that a client reconnecting within a short window keeps
// its place in the room without the rest of the room noticing.
package grace

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Entry is the membership of a transport that dropped recoverably.
type Entry struct {
	RoomID         string
	ClientID       string
	TransportID    string
	DisconnectedAt time.Time
}

// ExpireFunc is invoked once for every entry whose window elapses without
// a matching reconnect. It runs on the timer goroutine.
type ExpireFunc func(Entry)

type pending struct {
	entry Entry
	timer *time.Timer
}

// Tracker holds pending entries keyed by transport id. The entry map is the
// single source of truth: a claim and an expiry race for the same entry
// under mu, and exactly one of them wins.
type Tracker struct {
	window   time.Duration
	onExpire ExpireFunc
	logger   *zap.Logger

	mu      sync.Mutex
	entries map[string]*pending
	stopped bool
}

// NewTracker creates a tracker that expires entries after window.
func NewTracker(window time.Duration, onExpire ExpireFunc, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		window:   window,
		onExpire: onExpire,
		logger:   logger.Named("grace"),
		entries:  make(map[string]*pending),
	}
}

// Window returns the configured grace window.
func (t *Tracker) Window() time.Duration {
	return t.window
}

// Hold starts the grace window for e. It returns false, and does nothing,
// when the transport already has a pending entry or the tracker is stopped.
func (t *Tracker) Hold(e Entry) bool {
	if e.DisconnectedAt.IsZero() {
		e.DisconnectedAt = time.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return false
	}
	if _, exists := t.entries[e.TransportID]; exists {
		return false
	}

	p := &pending{entry: e}
	p.timer = time.AfterFunc(t.window, func() { t.expire(p) })
	t.entries[e.TransportID] = p

	t.logger.Debug("holding membership",
		zap.String("room_id", e.RoomID),
		zap.String("client_id", e.ClientID),
		zap.String("transport_id", e.TransportID),
		zap.Duration("window", t.window),
	)
	return true
}

// Claim removes and returns the most recent pending entry for clientID,
// cancelling its timer.
func (t *Tracker) Claim(clientID string) (Entry, bool) {
	if clientID == "" {
		return Entry{}, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var match *pending
	for _, p := range t.entries {
		if p.entry.ClientID != clientID {
			continue
		}
		if match == nil || p.entry.DisconnectedAt.After(match.entry.DisconnectedAt) {
			match = p
		}
	}
	if match == nil {
		return Entry{}, false
	}

	match.timer.Stop()
	delete(t.entries, match.entry.TransportID)
	return match.entry, true
}

// Cancel drops the pending entry of transportID without running the expiry
// callback. Cancelling an unknown transport is a no-op.
func (t *Tracker) Cancel(transportID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.entries[transportID]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(t.entries, transportID)
	return true
}

// Pending returns the number of entries awaiting reconnect or expiry.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Stop cancels every pending timer and returns the dropped entries. Hold
// is refused afterwards.
func (t *Tracker) Stop() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopped = true
	dropped := make([]Entry, 0, len(t.entries))
	for id, p := range t.entries {
		p.timer.Stop()
		dropped = append(dropped, p.entry)
		delete(t.entries, id)
	}
	return dropped
}

func (t *Tracker) expire(p *pending) {
	t.mu.Lock()
	current, ok := t.entries[p.entry.TransportID]
	if !ok || current != p {
		t.mu.Unlock()
		return
	}
	delete(t.entries, p.entry.TransportID)
	t.mu.Unlock()

	t.logger.Debug("grace window expired",
		zap.String("room_id", p.entry.RoomID),
		zap.String("client_id", p.entry.ClientID),
		zap.String("transport_id", p.entry.TransportID),
	)
	if t.onExpire != nil {
		t.onExpire(p.entry)
	}
}
