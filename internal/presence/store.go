// Package presence keeps the ephemeral cursor and identity payloads that
// room members broadcast to each other. Nothing here is ever merged into
// the shared document or persisted.
package presence

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrInvalidState is returned for payloads that are not well-formed JSON or
// exceed the configured size.
var ErrInvalidState = errors.New("presence: invalid state")

// State is the last presence payload received from one transport.
type State struct {
	Payload   json.RawMessage
	UpdatedAt time.Time
}

// Store holds the most recent presence payload per transport id.
type Store struct {
	mu       sync.RWMutex
	states   map[string]State
	maxBytes int
}

// NewStore creates an empty store. Payloads larger than maxBytes are
// rejected; a non-positive maxBytes disables the limit.
func NewStore(maxBytes int) *Store {
	return &Store{
		states:   make(map[string]State),
		maxBytes: maxBytes,
	}
}

// Update replaces the recorded state of transportID with payload. Earlier
// payloads are discarded, not merged.
func (s *Store) Update(transportID string, payload json.RawMessage) error {
	if s.maxBytes > 0 && len(payload) > s.maxBytes {
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrInvalidState, len(payload), s.maxBytes)
	}
	if !json.Valid(payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidState)
	}

	s.mu.Lock()
	s.states[transportID] = State{
		Payload:   append(json.RawMessage(nil), payload...),
		UpdatedAt: time.Now(),
	}
	s.mu.Unlock()
	return nil
}

// Remove forgets the state of transportID.
func (s *Store) Remove(transportID string) {
	s.mu.Lock()
	delete(s.states, transportID)
	s.mu.Unlock()
}

// Rekey moves the state recorded under oldID to newID.
func (s *Store) Rekey(oldID, newID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.states[oldID]; ok {
		delete(s.states, oldID)
		s.states[newID] = st
	}
}

// Snapshot returns the payloads of every transport except the excluded one.
func (s *Store) Snapshot(exclude string) map[string]json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]json.RawMessage, len(s.states))
	for id, st := range s.states {
		if id == exclude {
			continue
		}
		out[id] = st.Payload
	}
	return out
}

// Len returns the number of transports with a recorded state.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}
