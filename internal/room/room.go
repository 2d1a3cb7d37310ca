// Package room maps room identifiers to their shared document, presence
// state and the set of attached transports.
package room

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/Tyrowin/flowsync/internal/crdt"
	"github.com/Tyrowin/flowsync/internal/presence"
)

// ClientMeta describes the participant behind an attached transport.
type ClientMeta struct {
	ClientID string
	UserID   string
	JoinedAt time.Time
}

// Room is one collaboration space. The document serializes its own
// merges; mu only guards the client set.
type Room struct {
	id        string
	epoch     ulid.ULID
	createdAt time.Time

	doc      *crdt.Document
	presence *presence.Store

	mu      sync.RWMutex
	clients map[string]ClientMeta
	dead    atomic.Bool
}

func newRoom(id string, maxPresenceBytes int) *Room {
	return &Room{
		id:        id,
		epoch:     ulid.Make(),
		createdAt: time.Now(),
		doc:       crdt.NewDocument(0),
		presence:  presence.NewStore(maxPresenceBytes),
		clients:   make(map[string]ClientMeta),
	}
}

// ID returns the room identifier.
func (r *Room) ID() string { return r.id }

// Epoch identifies this incarnation of the room. A room that is emptied
// and later recreated under the same id gets a new epoch.
func (r *Room) Epoch() string { return r.epoch.String() }

// CreatedAt returns when this incarnation of the room was created.
func (r *Room) CreatedAt() time.Time { return r.createdAt }

// ApplyUpdate merges a document delta into the room's document.
func (r *Room) ApplyUpdate(update []byte) error {
	return r.doc.Apply(update)
}

// Snapshot returns the room document's full state.
func (r *Room) Snapshot() []byte {
	return r.doc.Snapshot()
}

// Document exposes the room document for observers.
func (r *Room) Document() *crdt.Document {
	return r.doc
}

// Presence returns the room's presence store.
func (r *Room) Presence() *presence.Store {
	return r.presence
}

// Clients returns a snapshot of the attached transport ids in sorted order.
func (r *Room) Clients() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Member returns the participant metadata recorded for transportID.
func (r *Room) Member(transportID string) (ClientMeta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	meta, ok := r.clients[transportID]
	return meta, ok
}

// Members returns a copy of the transport id to participant mapping.
func (r *Room) Members() map[string]ClientMeta {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]ClientMeta, len(r.clients))
	for id, meta := range r.clients {
		out[id] = meta
	}
	return out
}

// Len returns the number of attached transports.
func (r *Room) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
