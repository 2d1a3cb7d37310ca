package crdt

import (
	"fmt"
	"sync"

	"github.com/automerge/automerge-go"
)

// Document is a replicated text document. It is safe for concurrent use.
type Document struct {
	mu sync.Mutex

	doc  *automerge.Doc
	base []automerge.ChangeHash

	// pending holds changes whose dependencies have not arrived yet.
	// automerge queues them internally but leaves them out of its history.
	pending map[automerge.ChangeHash]*automerge.Change

	observers  map[int]func([]byte)
	nextObsKey int
}

// NewDocument creates an empty document whose local edits are attributed
// to client. Replicas that edit concurrently must use distinct clients.
func NewDocument(client uint64) *Document {
	base := must(seed())
	doc := automerge.New()
	if err := doc.SetActorID(actorFor(client)); err != nil {
		panic(fmt.Errorf("crdt: set actor: %w", err))
	}
	if err := doc.Apply(base...); err != nil {
		panic(fmt.Errorf("crdt: apply seed: %w", err))
	}

	return &Document{
		doc:       doc,
		base:      doc.Heads(),
		pending:   make(map[automerge.ChangeHash]*automerge.Change),
		observers: make(map[int]func([]byte)),
	}
}

// Snapshot encodes the full document state as an update. Applying it to an
// empty document reproduces the same text. Changes still waiting for their
// dependencies are included.
func (d *Document) Snapshot() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	changes := must(d.doc.Changes(d.base...))
	for _, ch := range d.pending {
		changes = append(changes, ch)
	}
	return encodeUpdate(changes)
}

// Apply merges an update produced by any replica. It fails only when the
// update cannot be decoded, in which case the document is left untouched.
// Applying an update more than once, or out of order, is harmless.
func (d *Document) Apply(data []byte) error {
	changes, err := decodeUpdate(data)
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		return nil
	}

	d.mu.Lock()
	effective, err := d.merge(changes)
	d.mu.Unlock()
	if err != nil {
		return err
	}

	if len(effective) > 0 {
		d.notify(encodeUpdate(effective))
	}
	return nil
}

// Observe registers fn to receive the effective delta of every mutation of
// the document, local or merged. Each observer receives every delta. The
// returned function removes the observer.
func (d *Document) Observe(fn func(update []byte)) (cancel func()) {
	d.mu.Lock()
	key := d.nextObsKey
	d.nextObsKey++
	d.observers[key] = fn
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.observers, key)
			d.mu.Unlock()
		})
	}
}

// Insert inserts text at the rune position pos and returns the update
// describing the edit. pos is clamped to the document bounds. It returns nil
// when nothing changed.
func (d *Document) Insert(pos int, text string) []byte {
	if text == "" {
		return nil
	}
	return d.edit(func(t *automerge.Text) (bool, error) {
		return true, t.Insert(min(max(pos, 0), t.Len()), text)
	})
}

// Delete removes up to n runes starting at pos and returns the update
// describing the edit, or nil when nothing was removed.
func (d *Document) Delete(pos, n int) []byte {
	return d.edit(func(t *automerge.Text) (bool, error) {
		size := t.Len()
		if pos < 0 || pos >= size || n <= 0 {
			return false, nil
		}
		return true, t.Delete(pos, min(n, size-pos))
	})
}

// String returns the visible text.
func (d *Document) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, err := d.text().Get()
	if err != nil {
		return ""
	}
	return s
}

// Len returns the number of visible runes.
func (d *Document) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.text().Len()
}

func (d *Document) text() *automerge.Text {
	return d.doc.Path(textKey).Text()
}

// merge applies changes and returns the ones that entered the history,
// including queued changes released by them. Callers hold d.mu.
func (d *Document) merge(changes []*automerge.Change) ([]*automerge.Change, error) {
	before := d.doc.Heads()
	if err := d.doc.Apply(changes...); err != nil {
		return nil, malformed(err)
	}

	for _, ch := range changes {
		d.pending[ch.Hash()] = ch
	}
	for hash := range d.pending {
		if d.known(hash) {
			delete(d.pending, hash)
		}
	}

	applied, err := d.doc.Changes(before...)
	if err != nil {
		return nil, fmt.Errorf("crdt: collect applied changes: %w", err)
	}
	return applied, nil
}

func (d *Document) known(hash automerge.ChangeHash) bool {
	_, err := d.doc.Change(hash)
	return err == nil
}

// edit runs fn against the text and commits the result as one change.
func (d *Document) edit(fn func(t *automerge.Text) (bool, error)) []byte {
	d.mu.Lock()
	before := d.doc.Heads()
	changed, err := fn(d.text())
	if err != nil || !changed {
		d.mu.Unlock()
		return nil
	}
	must(d.doc.Commit(""))
	delta := encodeUpdate(must(d.doc.Changes(before...)))
	d.mu.Unlock()

	d.notify(delta)
	return delta
}

func (d *Document) notify(data []byte) {
	d.mu.Lock()
	observers := make([]func([]byte), 0, len(d.observers))
	for _, fn := range d.observers {
		observers = append(observers, fn)
	}
	d.mu.Unlock()

	for _, fn := range observers {
		fn(data)
	}
}

// must panics on errors automerge can only return for corrupted state.
func must[T any](v T, err error) T {
	if err != nil {
		panic(fmt.Errorf("crdt: %w", err))
	}
	return v
}
