package stores

import (
	"context"
	"sync"

	"github.com/keelhq/keel/pkg/engine"
)

// MemoryQueue is an in-process ExecutionQueue. Queued ids are lost on restart;
// GraphExecutor.Start re-seeds them from the state store.
type MemoryQueue struct {
	mu  sync.Mutex
	ids []string
}

var _ engine.ExecutionQueue = (*MemoryQueue)(nil)

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

// Take removes and returns the oldest id.
func (q *MemoryQueue) Take(_ context.Context) (string, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ids) == 0 {
		return "", false, nil
	}
	id := q.ids[0]
	q.ids = q.ids[1:]
	return id, true, nil
}

// Add appends an id.
func (q *MemoryQueue) Add(_ context.Context, executionID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, executionID)
	return nil
}

// Delete removes every queued copy of an id.
func (q *MemoryQueue) Delete(_ context.Context, executionID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.ids[:0]
	for _, id := range q.ids {
		if id != executionID {
			kept = append(kept, id)
		}
	}
	q.ids = kept
	return nil
}

// Bootstrap appends the ids that are not queued yet.
func (q *MemoryQueue) Bootstrap(_ context.Context, executionIDs []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	queued := make(map[string]bool, len(q.ids))
	for _, id := range q.ids {
		queued[id] = true
	}
	for _, id := range executionIDs {
		if !queued[id] {
			q.ids = append(q.ids, id)
			queued[id] = true
		}
	}
	return nil
}

// IsEmpty reports whether the queue holds no ids.
func (q *MemoryQueue) IsEmpty(_ context.Context) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids) == 0, nil
}
