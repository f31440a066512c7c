package tasksync

import (
	"context"
	"sync"
	"time"
)

// MutationKind identifies the server call a queued mutation replays.
type MutationKind string

const (
	MutationCreateComment MutationKind = "create_comment"
	MutationDeleteComment MutationKind = "delete_comment"
	MutationUpdateTask    MutationKind = "update_task"
)

// QueuedMutation is a mutation made while offline, persisted for ordered
// replay once connectivity returns.
type QueuedMutation struct {
	ID         string       `json:"id"`
	Kind       MutationKind `json:"kind"`
	TaskID     string       `json:"taskId"`
	Comment    *Comment     `json:"comment,omitempty"`
	CommentID  string       `json:"commentId,omitempty"`
	Fields     *TaskFields  `json:"fields,omitempty"`
	EnqueuedAt time.Time    `json:"enqueuedAt"`
}

// MutationQueue is the durable ordered replay queue for offline mutations.
type MutationQueue interface {
	TryEnqueue(m QueuedMutation) bool
	Enqueue(ctx context.Context, m QueuedMutation) bool
	Dequeue(ctx context.Context) (QueuedMutation, bool)
	Depth() int
	Capacity() int
	Close() error
}

type mutationQueueSnapshotter interface {
	SnapshotMutations() []QueuedMutation
}

type inMemoryMutationQueue struct {
	ch    chan QueuedMutation
	items map[string]QueuedMutation
	mu    sync.Mutex
}

func NewInMemoryMutationQueue(capacity int) MutationQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &inMemoryMutationQueue{
		ch:    make(chan QueuedMutation, capacity),
		items: make(map[string]QueuedMutation),
	}
}

func (q *inMemoryMutationQueue) TryEnqueue(m QueuedMutation) bool {
	if q == nil || m.ID == "" {
		return false
	}
	select {
	case q.ch <- m:
		q.mu.Lock()
		q.items[m.ID] = m
		q.mu.Unlock()
		return true
	default:
		return false
	}
}

func (q *inMemoryMutationQueue) Enqueue(ctx context.Context, m QueuedMutation) bool {
	if q == nil || m.ID == "" {
		return false
	}
	select {
	case q.ch <- m:
		q.mu.Lock()
		q.items[m.ID] = m
		q.mu.Unlock()
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemoryMutationQueue) Dequeue(ctx context.Context) (QueuedMutation, bool) {
	if q == nil {
		return QueuedMutation{}, false
	}
	select {
	case m := <-q.ch:
		q.mu.Lock()
		delete(q.items, m.ID)
		q.mu.Unlock()
		return m, true
	case <-ctx.Done():
		return QueuedMutation{}, false
	}
}

func (q *inMemoryMutationQueue) SnapshotMutations() []QueuedMutation {
	if q == nil {
		return []QueuedMutation{}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	result := make([]QueuedMutation, 0, len(q.items))
	for _, m := range q.items {
		result = append(result, m)
	}
	return result
}

func (q *inMemoryMutationQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemoryMutationQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemoryMutationQueue) Close() error {
	return nil
}
