// Package sqlite implements checkpoint.Store on top of a WAL-mode SQLite
// database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nstogner/agentserver/pkg/checkpoint"
	"github.com/nstogner/agentserver/pkg/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	thread_id       TEXT NOT NULL,
	sequence        INTEGER NOT NULL,
	parent_sequence INTEGER NOT NULL,
	blob            BLOB NOT NULL,
	created_at      TIMESTAMP NOT NULL,
	PRIMARY KEY (thread_id, sequence)
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON checkpoints(thread_id, sequence);
`

// Store is a SQLite-backed checkpoint.Store.
type Store struct {
	db *sql.DB
	// mu serializes Put per-process; SQLite's own locking handles
	// cross-process safety, but a single *sql.DB is shared by many
	// threads so we additionally protect the read-max-then-insert
	// transaction from interleaving within this process.
	mu sync.Mutex
}

// New opens (creating if necessary) a SQLite database at path and runs
// migrations.
func New(path string) (*Store, error) {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite3", path+sep+"_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("checkpoint/sqlite: open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint/sqlite: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

var _ checkpoint.Store = (*Store)(nil)

func (s *Store) Put(ctx context.Context, threadID string, parentSeq int64, blob []byte) (domain.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Checkpoint{}, fmt.Errorf("checkpoint/sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM checkpoints WHERE thread_id = ?`, threadID,
	).Scan(&maxSeq); err != nil {
		return domain.Checkpoint{}, fmt.Errorf("checkpoint/sqlite: query max: %w", err)
	}

	current := int64(0)
	if maxSeq.Valid {
		current = maxSeq.Int64
	}
	if current != parentSeq {
		return domain.Checkpoint{}, checkpoint.ErrStaleParent
	}

	next := current + 1
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO checkpoints (thread_id, sequence, parent_sequence, blob, created_at) VALUES (?, ?, ?, ?, ?)`,
		threadID, next, parentSeq, blob, now,
	); err != nil {
		return domain.Checkpoint{}, fmt.Errorf("checkpoint/sqlite: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.Checkpoint{}, fmt.Errorf("checkpoint/sqlite: commit: %w", err)
	}

	return domain.Checkpoint{
		ThreadID:       threadID,
		Sequence:       next,
		ParentSequence: parentSeq,
		Blob:           blob,
		CreatedAt:      now,
	}, nil
}

func (s *Store) Latest(ctx context.Context, threadID string) (domain.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT sequence, parent_sequence, blob, created_at FROM checkpoints
		 WHERE thread_id = ? ORDER BY sequence DESC LIMIT 1`, threadID)

	var cp domain.Checkpoint
	cp.ThreadID = threadID
	if err := row.Scan(&cp.Sequence, &cp.ParentSequence, &cp.Blob, &cp.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return domain.Checkpoint{}, checkpoint.ErrNotFound
		}
		return domain.Checkpoint{}, fmt.Errorf("checkpoint/sqlite: latest: %w", err)
	}
	return cp, nil
}

func (s *Store) List(ctx context.Context, threadID string) ([]domain.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, parent_sequence, blob, created_at FROM checkpoints
		 WHERE thread_id = ? ORDER BY sequence ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint/sqlite: list: %w", err)
	}
	defer rows.Close()

	var out []domain.Checkpoint
	for rows.Next() {
		cp := domain.Checkpoint{ThreadID: threadID}
		if err := rows.Scan(&cp.Sequence, &cp.ParentSequence, &cp.Blob, &cp.CreatedAt); err != nil {
			return nil, fmt.Errorf("checkpoint/sqlite: scan: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *Store) Reset(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("checkpoint/sqlite: reset: %w", err)
	}
	return nil
}
