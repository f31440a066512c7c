package tasksync

import "sync"

// CommentCache is the durable local key-value store for comments, keyed by
// task id and comment id. The engine writes optimistic entries here so
// they survive a reload, and removes them once resolved or rolled back.
type CommentCache interface {
	Put(taskID string, c Comment) error
	Delete(taskID, commentID string) error
	List(taskID string) ([]Comment, error)
	Close() error
}

type inMemoryCommentCache struct {
	mu    sync.Mutex
	tasks map[string]map[string]Comment
}

func NewInMemoryCommentCache() CommentCache {
	return &inMemoryCommentCache{
		tasks: map[string]map[string]Comment{},
	}
}

func (c *inMemoryCommentCache) Put(taskID string, comment Comment) error {
	if taskID == "" || comment.ID == "" {
		return ErrInvalidInput
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	byID, ok := c.tasks[taskID]
	if !ok {
		byID = map[string]Comment{}
		c.tasks[taskID] = byID
	}
	byID[comment.ID] = comment.clone()
	return nil
}

func (c *inMemoryCommentCache) Delete(taskID, commentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if byID, ok := c.tasks[taskID]; ok {
		delete(byID, commentID)
	}
	return nil
}

func (c *inMemoryCommentCache) List(taskID string) ([]Comment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	byID := c.tasks[taskID]
	out := make([]Comment, 0, len(byID))
	for _, comment := range byID {
		out = append(out, comment.clone())
	}
	sortComments(out)
	return out, nil
}

func (c *inMemoryCommentCache) Close() error {
	return nil
}
