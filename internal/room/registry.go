package room

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Info is the introspection view of a room.
type Info struct {
	ID      string `json:"id"`
	Clients int    `json:"clients"`
}

// Option configures a Registry.
type Option func(*Registry)

// WithPresenceLimit bounds the size of a single presence payload.
func WithPresenceLimit(maxBytes int) Option {
	return func(r *Registry) {
		r.maxPresenceBytes = maxBytes
	}
}

// WithOnCreate registers fn to run for every newly created room. fn runs
// while the registry lock is held and must not call back into the registry.
func WithOnCreate(fn func(*Room)) Option {
	return func(r *Registry) {
		r.onCreate = fn
	}
}

// Registry owns every live room. Rooms are created lazily on first join and
// discarded as soon as their last transport detaches.
type Registry struct {
	logger *zap.Logger

	mu    sync.RWMutex
	rooms map[string]*Room

	// transport id -> room id; written only while holding the room's mu.
	byTransport sync.Map

	maxPresenceBytes int
	onCreate         func(*Room)
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		logger: logger.Named("rooms"),
		rooms:  make(map[string]*Room),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreate returns the live room for roomID, creating it if needed.
// Concurrent calls for the same id observe the same room. A room created
// here and never joined stays registered until a client attaches and
// detaches, so callers normally go through AddClient.
func (r *Registry) GetOrCreate(roomID string) (*Room, bool) {
	r.mu.RLock()
	room, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if ok && !room.dead.Load() {
		return room, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if room, ok := r.rooms[roomID]; ok && !room.dead.Load() {
		return room, false
	}
	room = newRoom(roomID, r.maxPresenceBytes)
	r.rooms[roomID] = room
	if r.onCreate != nil {
		r.onCreate(room)
	}
	r.logger.Info("room created", zap.String("room_id", roomID), zap.String("epoch", room.Epoch()))
	return room, true
}

// Lookup returns the live room for roomID without creating it.
func (r *Registry) Lookup(roomID string) (*Room, bool) {
	r.mu.RLock()
	room, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok || room.dead.Load() {
		return nil, false
	}
	return room, true
}

// RoomOf returns the id of the room transportID is attached to.
func (r *Registry) RoomOf(transportID string) (string, bool) {
	v, ok := r.byTransport.Load(transportID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// AddClient attaches transportID to roomID, creating the room if needed.
// It reports false when the transport was already attached.
func (r *Registry) AddClient(roomID, transportID string, meta ClientMeta) (*Room, bool) {
	for {
		room, _ := r.GetOrCreate(roomID)

		room.mu.Lock()
		if room.dead.Load() {
			// Lost a race with the removal of the last client; retry
			// against a fresh room.
			room.mu.Unlock()
			continue
		}
		if _, ok := room.clients[transportID]; ok {
			room.mu.Unlock()
			return room, false
		}
		room.clients[transportID] = meta
		r.byTransport.Store(transportID, roomID)
		count := len(room.clients)
		room.mu.Unlock()

		r.logger.Info("client joined room",
			zap.String("room_id", roomID),
			zap.String("transport_id", transportID),
			zap.String("client_id", meta.ClientID),
			zap.Int("clients", count),
		)
		return room, true
	}
}

// RemoveClient detaches transportID from roomID and deletes the room when
// no transports remain. It reports whether the room was deleted.
func (r *Registry) RemoveClient(roomID, transportID string) bool {
	room, ok := r.Lookup(roomID)
	if !ok {
		return false
	}

	room.mu.Lock()
	if _, ok := room.clients[transportID]; !ok {
		room.mu.Unlock()
		return false
	}
	delete(room.clients, transportID)
	r.byTransport.CompareAndDelete(transportID, roomID)
	room.presence.Remove(transportID)
	empty := len(room.clients) == 0
	if empty {
		room.dead.Store(true)
	}
	count := len(room.clients)
	room.mu.Unlock()

	r.logger.Info("client left room",
		zap.String("room_id", roomID),
		zap.String("transport_id", transportID),
		zap.Int("clients", count),
	)
	if !empty {
		return false
	}

	r.mu.Lock()
	if r.rooms[roomID] == room {
		delete(r.rooms, roomID)
	}
	r.mu.Unlock()
	r.logger.Info("room deleted (empty)", zap.String("room_id", roomID))
	return true
}

// UpdateClientTransportID moves the membership held by oldID to newID in
// whichever room holds it. Participant metadata and presence follow the
// move. It returns the room id, or false when oldID is not attached.
func (r *Registry) UpdateClientTransportID(oldID, newID string) (string, bool) {
	roomID, ok := r.RoomOf(oldID)
	if !ok {
		return "", false
	}
	room, ok := r.Lookup(roomID)
	if !ok {
		return "", false
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	meta, ok := room.clients[oldID]
	if !ok || room.dead.Load() {
		return "", false
	}
	delete(room.clients, oldID)
	room.clients[newID] = meta
	room.presence.Rekey(oldID, newID)
	r.byTransport.Delete(oldID)
	r.byTransport.Store(newID, roomID)

	r.logger.Info("client transport resumed",
		zap.String("room_id", roomID),
		zap.String("old_transport_id", oldID),
		zap.String("transport_id", newID),
		zap.String("client_id", meta.ClientID),
	)
	return roomID, true
}

// ListRooms returns every live room with its attached client count, sorted
// by id. It never touches room documents.
func (r *Registry) ListRooms() []Info {
	r.mu.RLock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.RUnlock()

	out := make([]Info, 0, len(rooms))
	for _, room := range rooms {
		if room.dead.Load() {
			continue
		}
		out = append(out, Info{ID: room.id, Clients: room.Len()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of live rooms.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
