// Package crdt holds the replicated text document shared by every member of
// a room.
//
// The document is an automerge text object. Every replica starts from the
// same seed change that creates the text, so concurrent edits from any
// replica land in one object. Updates are automerge change chunks: merging
// them is idempotent and order independent, and changes that arrive before
// their dependencies wait until the dependencies are applied.
package crdt
