// Package checkpoint persists orchestrator state snapshots between workflow
// nodes so an interrupted turn can be inspected or resumed.
//
// Snapshots are opaque serialized blobs keyed by thread (the session id) and
// a checkpoint id derived from timestamp and step. The package ships an
// in-memory Saver; sub-package postgres adds the durable implementation.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a thread has no checkpoints.
var ErrNotFound = errors.New("checkpoint: not found")

// Checkpoint is one stored snapshot.
type Checkpoint struct {
	// ThreadID groups checkpoints belonging to one session.
	ThreadID string `json:"thread_id"`

	// ID orders checkpoints within a thread: timestamp plus step.
	ID string `json:"checkpoint_id"`

	// Snapshot is the opaque serialized state blob.
	Snapshot []byte `json:"snapshot"`

	// Metadata is structured bookkeeping stored alongside the blob
	// (node name, step counter, and similar).
	Metadata map[string]any `json:"metadata"`

	// CreatedAt is when the checkpoint was written.
	CreatedAt time.Time `json:"created_at"`
}

// ListOptions narrows List results.
type ListOptions struct {
	// Limit caps the number of returned checkpoints. Zero means no cap.
	Limit int

	// Before keeps only checkpoints with an id strictly smaller than this
	// value. Empty means no bound.
	Before string
}

// Saver stores and retrieves checkpoints. Implementations must be safe for
// concurrent use.
type Saver interface {
	// Get returns the latest snapshot blob for the thread, or ErrNotFound.
	Get(ctx context.Context, threadID string) ([]byte, error)

	// GetTuple returns the latest checkpoint with its metadata, or
	// ErrNotFound.
	GetTuple(ctx context.Context, threadID string) (*Checkpoint, error)

	// Put stores a snapshot and returns the assigned checkpoint id.
	Put(ctx context.Context, threadID string, snapshot []byte, metadata map[string]any) (string, error)

	// List returns the thread's checkpoints, newest first.
	List(ctx context.Context, threadID string, opts ListOptions) ([]Checkpoint, error)

	// Delete removes all checkpoints for the thread. Unknown threads are a
	// no-op.
	Delete(ctx context.Context, threadID string) error
}

// NewID builds a checkpoint id from a timestamp and step counter. The fixed
// widths make lexical order match chronological order.
func NewID(ts time.Time, step int) string {
	return fmt.Sprintf("%s-%06d", ts.UTC().Format("20060102T150405.000000000"), step)
}

// StepFromMetadata extracts the "step" counter from a metadata map, tolerant
// of JSON round-trips that turn ints into float64.
func StepFromMetadata(metadata map[string]any) int {
	switch v := metadata["step"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
