// Package queue implements the durable offline outbound queue: messages
// composed while disconnected wait here until the connection manager
// reports a live connection, then drain strictly in FIFO order.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/sanctum-app/chatsync/internal/kv"
	"go.uber.org/zap"
)

// storageKey is the well-known durable-store key the queue lives under.
const storageKey = "outbound_queue"

// MaxEntries caps the queue. Enqueueing beyond the cap evicts the oldest
// entry; the newest message is never the one dropped.
const MaxEntries = 50

// Entry is a durable copy of a pending message's payload, enough to
// resubmit it verbatim after a restart.
type Entry struct {
	LocalID        string `json:"local_id"`
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	MessageType    string `json:"message_type,omitempty"`
	QueuedAt       int64  `json:"queued_at"`
}

// Queue is the durable FIFO buffer. All mutations persist to the KV store
// before returning, so the queue survives a process restart in order.
type Queue struct {
	store  *kv.Store
	logger *zap.Logger

	mu      sync.Mutex
	entries []Entry
}

// New creates a queue, loading any entries persisted by a previous run.
func New(store *kv.Store, logger *zap.Logger) (*Queue, error) {
	q := &Queue{store: store, logger: logger}

	data, err := store.Get(storageKey)
	if errors.Is(err, kv.ErrNotFound) {
		return q, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	if err := json.Unmarshal(data, &q.entries); err != nil {
		return nil, fmt.Errorf("decode queue: %w", err)
	}
	return q, nil
}

// Enqueue appends an entry, evicting the oldest if the cap is exceeded.
func (q *Queue) Enqueue(e Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.entries = append(q.entries, e)
	if len(q.entries) > MaxEntries {
		evicted := q.entries[0]
		q.entries = q.entries[len(q.entries)-MaxEntries:]
		if q.logger != nil {
			q.logger.Warn("offline queue full, evicted oldest entry",
				zap.String("local_id", evicted.LocalID))
		}
	}
	return q.persistLocked()
}

// Remove deletes the entry with the given local id, if present.
func (q *Queue) Remove(localID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.LocalID == localID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return q.persistLocked()
		}
	}
	return nil
}

// Entries returns a snapshot of the queue in FIFO order.
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Drain transmits entries in FIFO order through send. Each entry is
// removed from durable storage only after send returns nil for it. The
// first send error stops the drain; remaining entries stay queued for the
// next connection.
func (q *Queue) Drain(ctx context.Context, send func(ctx context.Context, e Entry) error) (int, error) {
	sent := 0
	for {
		q.mu.Lock()
		if len(q.entries) == 0 {
			q.mu.Unlock()
			return sent, nil
		}
		head := q.entries[0]
		q.mu.Unlock()

		if err := send(ctx, head); err != nil {
			return sent, fmt.Errorf("drain %s: %w", head.LocalID, err)
		}

		q.mu.Lock()
		if len(q.entries) > 0 && q.entries[0].LocalID == head.LocalID {
			q.entries = q.entries[1:]
		}
		err := q.persistLocked()
		q.mu.Unlock()
		if err != nil {
			return sent, err
		}
		sent++
	}
}

func (q *Queue) persistLocked() error {
	data, err := json.Marshal(q.entries)
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}
	if err := q.store.Set(storageKey, data); err != nil {
		return fmt.Errorf("persist queue: %w", err)
	}
	return nil
}
