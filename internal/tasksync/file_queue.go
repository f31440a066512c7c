package tasksync

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type fileMutationQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []QueuedMutation
}

type fileMutationQueueState struct {
	Items []QueuedMutation `json:"items"`
}

// NewFileMutationQueue opens a JSON-file-backed mutation queue so offline
// mutations survive a process restart.
func NewFileMutationQueue(path string, capacity int) (MutationQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	q := &fileMutationQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []QueuedMutation{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileMutationQueue) TryEnqueue(m QueuedMutation) bool {
	if strings.TrimSpace(m.ID) == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, m)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileMutationQueue) Enqueue(ctx context.Context, m QueuedMutation) bool {
	for {
		if q.TryEnqueue(m) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileMutationQueue) Dequeue(ctx context.Context) (QueuedMutation, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			if err := q.saveLocked(); err != nil {
				q.items = append([]QueuedMutation{item}, q.items...)
				q.mu.Unlock()
				select {
				case <-ctx.Done():
					return QueuedMutation{}, false
				case <-time.After(q.pollInterval):
					continue
				}
			}
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return QueuedMutation{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileMutationQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileMutationQueue) Capacity() int {
	return q.capacity
}

func (q *fileMutationQueue) SnapshotMutations() []QueuedMutation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]QueuedMutation(nil), q.items...)
}

func (q *fileMutationQueue) Close() error {
	return nil
}

func (q *fileMutationQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileMutationQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Items) > q.capacity {
		q.items = append([]QueuedMutation(nil), snapshot.Items[len(snapshot.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]QueuedMutation(nil), snapshot.Items...)
	return nil
}

func (q *fileMutationQueue) saveLocked() error {
	snapshot := fileMutationQueueState{
		Items: append([]QueuedMutation(nil), q.items...),
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
