// Package checkpoint defines the durable checkpoint contract used by the
// Agent Execution Loop to persist and resume per-thread state.
package checkpoint

import (
	"context"
	"errors"

	"github.com/nstogner/agentserver/pkg/domain"
)

// ErrStaleParent is returned by Put when the caller's ParentSequence does
// not match the sequence currently holding the thread's latest checkpoint.
// The caller must reload the latest checkpoint and retry.
var ErrStaleParent = errors.New("checkpoint: stale parent sequence")

// ErrNotFound is returned when no checkpoint exists for a thread.
var ErrNotFound = errors.New("checkpoint: not found")

// Store persists opaque checkpoint blobs keyed by thread and enforces the
// monotonic sequence chain. Implementations must serialize writes per thread;
// callers never need their own locking around Put.
type Store interface {
	// Put appends a new checkpoint for threadID. It fails with
	// ErrStaleParent if parentSeq does not match the sequence of the
	// thread's current latest checkpoint (0 if the thread has none yet).
	Put(ctx context.Context, threadID string, parentSeq int64, blob []byte) (domain.Checkpoint, error)

	// Latest returns the most recent checkpoint for threadID, or
	// ErrNotFound if the thread has never been checkpointed.
	Latest(ctx context.Context, threadID string) (domain.Checkpoint, error)

	// List returns all checkpoints for a thread in ascending sequence
	// order. Used only by the read-only introspection endpoint.
	List(ctx context.Context, threadID string) ([]domain.Checkpoint, error)

	// Reset drops every checkpoint held for a thread. Used by tests and by
	// operator tooling to force a thread to start a fresh lineage.
	Reset(ctx context.Context, threadID string) error
}
