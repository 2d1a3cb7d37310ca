package crdt

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
)

// ErrMalformedUpdate is returned when update bytes cannot be decoded.
var ErrMalformedUpdate = errors.New("crdt: malformed update")

const (
	// textKey is the root map key holding the shared text object.
	textKey = "text"

	// seedActor authors the change that creates the text object. It is one
	// byte long so it never collides with a replica actor.
	seedActor = "00"
)

// seed is the change every replica starts from. It carries no timestamp so
// its hash is identical in every process, which lets replicas edit the same
// text object instead of racing to create their own.
var seed = sync.OnceValues(func() ([]*automerge.Change, error) {
	doc := automerge.New()
	if err := doc.SetActorID(seedActor); err != nil {
		return nil, err
	}
	if err := doc.RootMap().Set(textKey, automerge.NewText("")); err != nil {
		return nil, err
	}
	if _, err := doc.Commit("", automerge.CommitOptions{Time: &time.Time{}}); err != nil {
		return nil, err
	}
	return doc.Changes()
})

// actorFor derives the automerge actor of a replica from its client number.
func actorFor(client uint64) string {
	return fmt.Sprintf("%016x", client)
}

// encodeUpdate concatenates the raw change chunks. An empty slice encodes
// to an empty update.
func encodeUpdate(changes []*automerge.Change) []byte {
	if len(changes) == 0 {
		return []byte{}
	}
	return automerge.SaveChanges(changes)
}

// decodeUpdate parses every change chunk in data. Nothing is applied when
// any chunk fails to parse.
func decodeUpdate(data []byte) ([]*automerge.Change, error) {
	if len(data) == 0 {
		return nil, nil
	}
	changes, err := automerge.LoadChanges(data)
	if err != nil {
		return nil, malformed(err)
	}
	return changes, nil
}

func malformed(err error) error {
	return fmt.Errorf("%w: %w", ErrMalformedUpdate, err)
}
