// Package memory implements checkpoint.Store in process memory, for tests
// and for running the server without a SQLite file.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/nstogner/agentserver/pkg/checkpoint"
	"github.com/nstogner/agentserver/pkg/domain"
)

// Store is an in-memory checkpoint.Store; one mutex serializes access for
// all threads.
type Store struct {
	mu       sync.Mutex
	byThread map[string][]domain.Checkpoint
}

// New returns an empty in-memory Store.
func New() *Store {
	return &Store{byThread: make(map[string][]domain.Checkpoint)}
}

var _ checkpoint.Store = (*Store)(nil)

func (s *Store) Put(ctx context.Context, threadID string, parentSeq int64, blob []byte) (domain.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.byThread[threadID]
	var current int64
	if len(existing) > 0 {
		current = existing[len(existing)-1].Sequence
	}
	if current != parentSeq {
		return domain.Checkpoint{}, checkpoint.ErrStaleParent
	}

	cp := domain.Checkpoint{
		ThreadID:       threadID,
		Sequence:       current + 1,
		ParentSequence: parentSeq,
		Blob:           append([]byte(nil), blob...),
		CreatedAt:      time.Now().UTC(),
	}
	s.byThread[threadID] = append(existing, cp)
	return cp, nil
}

func (s *Store) Latest(ctx context.Context, threadID string) (domain.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.byThread[threadID]
	if len(existing) == 0 {
		return domain.Checkpoint{}, checkpoint.ErrNotFound
	}
	return existing[len(existing)-1], nil
}

func (s *Store) List(ctx context.Context, threadID string) ([]domain.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Checkpoint, len(s.byThread[threadID]))
	copy(out, s.byThread[threadID])
	return out, nil
}

func (s *Store) Reset(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byThread, threadID)
	return nil
}
