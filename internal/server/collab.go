package server

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/flowsync/internal/grace"
	"github.com/Tyrowin/flowsync/internal/room"
)

// join attaches s to req.RoomID. Joining the room s is already a member of
// does nothing, so a session receives the room state once per attachment.
// Joining a different room first leaves the old one.
func (h *Hub) join(s *Session, req JoinRequest) {
	if req.ClientID != "" {
		s.clientID = req.ClientID
	}
	if req.UserID != "" {
		s.userID = req.UserID
	}

	if s.roomID == req.RoomID {
		if r, ok := h.rooms.Lookup(req.RoomID); ok {
			if _, member := r.Member(s.id); member {
				return
			}
		}
	}
	if s.roomID != "" {
		_ = h.leave(s)
	}

	if s.clientID != "" && h.resume(s, req.RoomID) {
		return
	}

	meta := room.ClientMeta{ClientID: s.clientID, UserID: s.userID, JoinedAt: time.Now().UTC()}
	r, added := h.rooms.AddClient(req.RoomID, s.id, meta)
	s.attach(r.ID())
	h.metrics.Rooms.Set(float64(h.rooms.Len()))

	h.sendRoomState(s, r)
	if added {
		h.announce(r, TypeMemberJoined, s.id, meta)
	}
}

// resume hands a membership held in the grace window for s.clientID over to
// s. When roomID is set and differs from the held room, the held membership
// ends instead. Reports whether s is now attached.
func (h *Hub) resume(s *Session, roomID string) bool {
	entry, ok := h.grace.Claim(s.clientID)
	if !ok {
		return false
	}
	h.metrics.GracePending.Set(float64(h.grace.Pending()))

	if roomID != "" && entry.RoomID != roomID {
		s.logger.Info("client moved to another room during grace window",
			zap.String("held_room_id", entry.RoomID),
			zap.String("room_id", roomID),
		)
		h.removeMember(entry.RoomID, entry.TransportID)
		return false
	}

	resumedRoom, ok := h.rooms.UpdateClientTransportID(entry.TransportID, s.id)
	if !ok {
		return false
	}
	r, ok := h.rooms.Lookup(resumedRoom)
	if !ok {
		return false
	}
	if meta, ok := r.Member(s.id); ok && s.userID == "" {
		s.userID = meta.UserID
	}

	s.attach(resumedRoom)
	h.metrics.GraceResumes.Inc()
	s.logger.Info("session resumed membership",
		zap.String("room_id", resumedRoom),
		zap.String("client_id", s.clientID),
		zap.String("previous_transport_id", entry.TransportID),
		zap.Duration("offline", time.Since(entry.DisconnectedAt)),
	)
	h.sendRoomState(s, r)
	return true
}

// leave detaches s from its room and tells the remaining members.
func (h *Hub) leave(s *Session) error {
	if s.roomID == "" {
		return ErrNotAttached
	}
	roomID := s.roomID
	s.detach()
	s.logger.Debug("session left room", zap.String("room_id", roomID), zap.Stringer("reason", ReasonLeave))
	h.removeMember(roomID, s.id)
	return nil
}

// disconnect settles the membership of a session whose transport ended.
// Recoverable drops from a client with a stable id enter the grace window;
// everything else leaves the room now.
func (h *Hub) disconnect(s *Session, reason DisconnectReason) {
	s.state.Store(int32(StateClosed))
	h.metrics.Disconnects.WithLabelValues(reason.String()).Inc()

	roomID := s.roomID
	if roomID == "" {
		return
	}
	s.roomID = ""

	if reason.Recoverable() && s.clientID != "" {
		held := h.grace.Hold(grace.Entry{RoomID: roomID, ClientID: s.clientID, TransportID: s.id})
		if held {
			h.metrics.GracePending.Set(float64(h.grace.Pending()))
			return
		}
	}
	h.removeMember(roomID, s.id)
}

// expire ends a membership whose grace window elapsed.
func (h *Hub) expire(e grace.Entry) {
	h.metrics.GraceExpiries.Inc()
	h.metrics.GracePending.Set(float64(h.grace.Pending()))
	h.removeMember(e.RoomID, e.TransportID)
}

// removeMember detaches transportID from roomID and announces the departure
// to whoever remains.
func (h *Hub) removeMember(roomID, transportID string) {
	r, ok := h.rooms.Lookup(roomID)
	if !ok {
		return
	}
	meta, ok := r.Member(transportID)
	if !ok {
		return
	}

	deleted := h.rooms.RemoveClient(roomID, transportID)
	h.metrics.Rooms.Set(float64(h.rooms.Len()))
	if !deleted {
		h.announce(r, TypeMemberLeft, transportID, meta)
	}
}

func (h *Hub) announce(r *room.Room, typ, transportID string, meta room.ClientMeta) {
	payload, err := encodeMessage(MemberEvent{
		Type:        typ,
		RoomID:      r.ID(),
		TransportID: transportID,
		ClientID:    meta.ClientID,
		UserID:      meta.UserID,
		Timestamp:   time.Now().UTC(),
	})
	if err != nil {
		h.logger.Error("dropping member event", zap.Error(err))
		return
	}
	h.fanout(r, payload, transportID)
}

// sendRoomState sends the document snapshot followed by the presence of the
// other members to s alone.
func (h *Hub) sendRoomState(s *Session, r *room.Room) {
	if !h.sendTo(s, SyncDocMessage{Type: TypeSyncDoc, RoomID: r.ID(), Epoch: r.Epoch(), Update: r.Snapshot()}) {
		return
	}
	h.sendTo(s, PresenceSyncMessage{Type: TypePresenceSync, RoomID: r.ID(), States: r.Presence().Snapshot(s.id)})
}

// attachedRoom returns the room s is a live member of.
func (h *Hub) attachedRoom(s *Session) (*room.Room, error) {
	if s.roomID == "" {
		return nil, ErrNotAttached
	}
	r, ok := h.rooms.Lookup(s.roomID)
	if !ok {
		return nil, fmt.Errorf("%w: room %q is gone", ErrNotAttached, s.roomID)
	}
	if _, ok := r.Member(s.id); !ok {
		return nil, fmt.Errorf("%w: not a member of %q", ErrNotAttached, s.roomID)
	}
	return r, nil
}

// applyUpdate merges a delta into the sender's room and relays the unchanged
// bytes to every other member. Malformed deltas are dropped without a relay.
func (h *Hub) applyUpdate(s *Session, req DocUpdateRequest) error {
	r, err := h.attachedRoom(s)
	if err != nil {
		return err
	}
	if err := r.ApplyUpdate(req.Update); err != nil {
		h.metrics.UpdatesRejected.Inc()
		s.logger.Warn("rejected document update", zap.String("room_id", r.ID()), zap.Int("bytes", len(req.Update)), zap.Error(err))
		return err
	}
	h.metrics.UpdatesApplied.Inc()

	payload, err := encodeMessage(DocUpdateMessage{Type: TypeDocUpdate, Update: req.Update})
	if err != nil {
		return err
	}
	h.fanout(r, payload, s.id)
	return nil
}

// relayAwareness records the sender's presence and relays it, tagged with
// the sender's transport id, to every other member.
func (h *Hub) relayAwareness(s *Session, req AwarenessRequest) error {
	r, err := h.attachedRoom(s)
	if err != nil {
		return err
	}
	if err := r.Presence().Update(s.id, req.State); err != nil {
		return err
	}

	payload, err := encodeMessage(AwarenessMessage{Type: TypeAwarenessUpdate, From: s.id, State: req.State})
	if err != nil {
		return err
	}
	h.fanout(r, payload, s.id)
	return nil
}
