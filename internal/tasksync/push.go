package tasksync

import "time"

// PushEventType names one of the four notification kinds delivered over
// the push channel.
type PushEventType string

const (
	EventCommentCreated PushEventType = "comment_created"
	EventCommentUpdated PushEventType = "comment_updated"
	EventCommentDeleted PushEventType = "comment_deleted"
	EventTaskUpdated    PushEventType = "task_updated"
)

// SubscribedEventTypes is the fixed subscription set for the push channel.
// Changing the set at runtime forces a resubscription, so consumers treat
// it as a constant.
func SubscribedEventTypes() []string {
	return []string{
		string(EventCommentCreated),
		string(EventCommentUpdated),
		string(EventCommentDeleted),
		string(EventTaskUpdated),
	}
}

// PushEvent is one inbound notification about another session's edit.
// Exactly one of Comment, CommentID, or Task is populated depending on
// Type.
type PushEvent struct {
	Type              PushEventType
	TaskID            string
	OriginatingUserID string
	Comment           *Comment
	CommentID         string
	Task              *Task
}

func (e PushEvent) affectsComments() bool {
	switch e.Type {
	case EventCommentCreated, EventCommentUpdated, EventCommentDeleted:
		return true
	default:
		return false
	}
}

// HandlePush merges one push event into the local snapshot. It returns
// true when the event changed local state. Events for other tasks, for
// unsaved local-only tasks, or originated by this engine's own user are
// discarded; comment events are dropped while a refresh is in flight
// because the refresh result supersedes them. Duplicate delivery is
// expected and is a no-op.
func (e *Engine) HandlePush(evt PushEvent) bool {
	e.mu.Lock()

	if evt.TaskID == "" || evt.TaskID != e.task.ID || IsTempID(e.task.ID) {
		e.stats.DiscardedTotal++
		e.mu.Unlock()
		return false
	}
	if evt.OriginatingUserID != "" && evt.OriginatingUserID == e.userID {
		e.stats.DiscardedTotal++
		e.mu.Unlock()
		return false
	}
	if e.refreshing && evt.affectsComments() {
		e.stats.SuppressedTotal++
		e.mu.Unlock()
		return false
	}

	changed := false
	var cachePut *Comment
	var cacheDelete string

	switch evt.Type {
	case EventCommentCreated:
		if evt.Comment == nil || evt.Comment.ID == "" {
			e.stats.MalformedTotal++
			break
		}
		if findComment(e.task.Comments, evt.Comment.ID) >= 0 {
			e.stats.DuplicateTotal++
			break
		}
		incoming := evt.Comment.clone()
		e.task.Comments = append(e.task.Comments, incoming)
		sortComments(e.task.Comments)
		cachePut = &incoming
		changed = true
	case EventCommentUpdated:
		if evt.Comment == nil || evt.Comment.ID == "" {
			e.stats.MalformedTotal++
			break
		}
		idx := findComment(e.task.Comments, evt.Comment.ID)
		if idx < 0 {
			// Already resolved by another path.
			break
		}
		incoming := evt.Comment.clone()
		e.task.Comments[idx] = incoming
		sortComments(e.task.Comments)
		cachePut = &incoming
		changed = true
	case EventCommentDeleted:
		id := evt.CommentID
		if id == "" {
			e.stats.MalformedTotal++
			break
		}
		idx := findComment(e.task.Comments, id)
		if idx < 0 {
			break
		}
		e.task.Comments = append(e.task.Comments[:idx], e.task.Comments[idx+1:]...)
		cacheDelete = id
		changed = true
	case EventTaskUpdated:
		if evt.Task == nil {
			e.stats.MalformedTotal++
			break
		}
		changed = e.mergeTaskUpdateLocked(*evt.Task)
	default:
		e.stats.MalformedTotal++
	}

	if changed {
		e.stats.AppliedTotal++
	}
	snap := e.task.Clone()
	taskID := e.task.ID
	e.mu.Unlock()

	if cachePut != nil {
		e.cachePut(taskID, *cachePut)
	}
	if cacheDelete != "" {
		e.cacheDelete(taskID, cacheDelete)
	}
	if changed {
		e.notify(snap)
	}
	return changed
}

// mergeTaskUpdateLocked applies a task_updated payload: scalar fields are
// taken verbatim, the embedded comment array merges additively. Comments
// present locally but missing from the echo are preserved; a stale or
// partial echo must never delete comments.
func (e *Engine) mergeTaskUpdateLocked(incoming Task) bool {
	changed := false
	if e.task.Title != incoming.Title {
		e.task.Title = incoming.Title
		changed = true
	}
	if e.task.Description != incoming.Description {
		e.task.Description = incoming.Description
		changed = true
	}
	if e.task.Priority != incoming.Priority {
		e.task.Priority = incoming.Priority
		changed = true
	}
	if !equalDueDate(e.task.DueDate, incoming.DueDate) {
		if incoming.DueDate == nil {
			e.task.DueDate = nil
		} else {
			due := *incoming.DueDate
			e.task.DueDate = &due
		}
		changed = true
	}
	if e.task.ListID != incoming.ListID && incoming.ListID != "" {
		e.task.ListID = incoming.ListID
		changed = true
	}
	if e.task.OwnerID != incoming.OwnerID && incoming.OwnerID != "" {
		e.task.OwnerID = incoming.OwnerID
		changed = true
	}
	if !incoming.UpdatedAt.IsZero() && !incoming.UpdatedAt.Equal(e.task.UpdatedAt) {
		e.task.UpdatedAt = incoming.UpdatedAt
		changed = true
	}

	if e.refreshing {
		// Comment portion is superseded by the in-flight refresh.
		return changed
	}
	for _, c := range incoming.Comments {
		if c.ID == "" || findComment(e.task.Comments, c.ID) >= 0 {
			continue
		}
		e.task.Comments = append(e.task.Comments, c.clone())
		changed = true
	}
	sortComments(e.task.Comments)
	return changed
}

func equalDueDate(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
