// Package speaker maintains the registry of known voices and clusters
// unknown ones.
//
// The registry maps a speaker name to a stored [voiceprint] embedding and
// answers identification queries by cosine similarity against every
// record. Two implementations exist: the disk-backed [DiskRegistry] in
// this package, which keeps one binary record file per speaker, and the
// pgvector-backed variant in the postgres subpackage. The [Diarize]
// function clusters a batch of window embeddings into distinct voices
// without needing any registry at all.
package speaker

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Delete when no record exists under the
	// given name.
	ErrNotFound = errors.New("speaker: not found")

	// ErrEmptyName is returned by Train for blank speaker names.
	ErrEmptyName = errors.New("speaker: name must not be empty")
)

// Match is the result of an identification query. Matched reports whether
// Similarity cleared the registry threshold; Name is only set when it did.
// Similarity always carries the best score found, matched or not.
type Match struct {
	Name       string
	Similarity float64
	Matched    bool
}

// Registry is the persistent map of name → embedding consulted by the
// batch pipeline and the streaming sessions.
//
// Implementations must guarantee that a Train observed to complete is
// visible to every subsequent Identify. Concurrent reads are safe; writes
// are serialized internally.
type Registry interface {
	// Train stores an embedding under name, replacing any existing
	// record. samples is the number of canonical PCM samples the
	// embedding was extracted from, kept for diagnostics.
	Train(ctx context.Context, name string, embedding []float64, samples int) error

	// Identify returns the best match for the embedding. When no record
	// clears the threshold, Matched is false and Name is empty but
	// Similarity still reports the best score seen (0 for an empty
	// registry).
	Identify(ctx context.Context, embedding []float64) (Match, error)

	// List returns all registered speaker names, sorted.
	List(ctx context.Context) ([]string, error)

	// Delete removes the record under name from memory and from the
	// backing store. Returns ErrNotFound for unknown names.
	Delete(ctx context.Context, name string) error
}
