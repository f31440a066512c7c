package tasksync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskAPI is the authoritative mutation surface, transport abstracted.
type TaskAPI interface {
	CreateComment(ctx context.Context, taskID string, c Comment) (Comment, error)
	// DeleteComment must treat an absent id as success; deleting a
	// comment that another session already removed is not an error.
	DeleteComment(ctx context.Context, taskID, commentID string) error
	UpdateTask(ctx context.Context, taskID string, fields TaskFields) (Task, error)
	FetchTask(ctx context.Context, taskID string) (Task, error)
}

// PermissionFunc reports whether userID may mutate the task in its current
// collaboration context. The engine never inspects membership fields
// itself; the policy is injected.
type PermissionFunc func(task Task, userID string) bool

// Logger matches the stdlib log.Printf signature.
type Logger interface {
	Printf(format string, args ...any)
}

// CommentDraft is the user's raw input for a new comment or reply. It is
// retained until the mutation resolves so a failure can hand it back
// verbatim.
type CommentDraft struct {
	Body        string
	Kind        CommentKind
	ParentID    string
	Attachments []Attachment
}

// EngineStats counts event and mutation outcomes for diagnostics.
type EngineStats struct {
	AppliedTotal    uint64
	DiscardedTotal  uint64
	SuppressedTotal uint64
	DuplicateTotal  uint64
	MalformedTotal  uint64
	RefreshTotal    uint64
	QueuedTotal     uint64
	RolledBackTotal uint64
}

type EngineOptions struct {
	API        TaskAPI
	UserID     string
	Cache      CommentCache
	Queue      MutationQueue
	Permission PermissionFunc
	Online     func() bool
	Logger     Logger
}

// Engine owns the materialized snapshot of one open task and reconciles
// the three sources of truth that mutate it: the user's own optimistic
// edits, the eventual server responses to those edits, and push events
// describing other sessions' edits. All snapshot transitions are pure
// copy-on-write under one lock; UI surfaces subscribe to the single
// snapshot instead of holding their own copies.
type Engine struct {
	mu          sync.Mutex
	task        Task
	userID      string
	api         TaskAPI
	cache       CommentCache
	queue       MutationQueue
	permission  PermissionFunc
	online      func() bool
	logger      Logger
	refreshing  bool
	drafts      map[string]CommentDraft
	cancelled   map[string]bool
	subscribers []func(Task)
	stats       EngineStats
}

func NewEngine(task Task, opts EngineOptions) (*Engine, error) {
	if opts.API == nil {
		return nil, fmt.Errorf("%w: api is required", ErrInvalidInput)
	}
	if strings.TrimSpace(task.ID) == "" {
		return nil, fmt.Errorf("%w: task id is required", ErrInvalidInput)
	}
	permission := opts.Permission
	if permission == nil {
		permission = func(Task, string) bool { return true }
	}
	e := &Engine{
		task:       task.Clone(),
		userID:     opts.UserID,
		api:        opts.API,
		cache:      opts.Cache,
		queue:      opts.Queue,
		permission: permission,
		online:     opts.Online,
		logger:     opts.Logger,
		drafts:     map[string]CommentDraft{},
		cancelled:  map[string]bool{},
	}
	e.hydrateFromCache()
	return e, nil
}

// hydrateFromCache merges durably cached comments back into the snapshot
// so optimistic entries written before a reload are not lost.
func (e *Engine) hydrateFromCache() {
	if e.cache == nil {
		return
	}
	cached, err := e.cache.List(e.task.ID)
	if err != nil {
		e.logf("cache list for %s: %v", e.task.ID, err)
		return
	}
	for _, c := range cached {
		if findComment(e.task.Comments, c.ID) >= 0 {
			continue
		}
		e.task.Comments = append(e.task.Comments, c.clone())
	}
	sortComments(e.task.Comments)
}

// Snapshot returns a deep copy of the current task. Callers can render it
// freely while the engine keeps reconciling.
func (e *Engine) Snapshot() Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task.Clone()
}

// OnChange registers fn to run with a fresh snapshot after every state
// transition. Subscribers must treat the snapshot as read-only.
func (e *Engine) OnChange(fn func(Task)) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subscribers = append(e.subscribers, fn)
}

func (e *Engine) Stats() EngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// CreateComment applies the optimistic entry synchronously, then settles
// it against the server. Offline, the mutation is queued for ordered
// replay and the call reports soft success. When the injected permission
// policy denies edit rights, the provisional entry stays invisible: the
// server call still fires, and the comment appears only once confirmed
// or pushed, instead of flashing and then reverting.
func (e *Engine) CreateComment(ctx context.Context, draft CommentDraft) (Comment, error) {
	if strings.TrimSpace(draft.Body) == "" && len(draft.Attachments) == 0 {
		return Comment{}, fmt.Errorf("%w: empty comment", ErrInvalidInput)
	}
	kind := draft.Kind
	if kind == "" {
		kind = CommentKindText
		if len(draft.Attachments) > 0 {
			kind = CommentKindAttachment
		}
	}

	e.mu.Lock()
	if draft.ParentID != "" {
		idx := findComment(e.task.Comments, draft.ParentID)
		if idx < 0 {
			e.mu.Unlock()
			return Comment{}, fmt.Errorf("%w: unknown parent comment %s", ErrInvalidInput, draft.ParentID)
		}
		if e.task.Comments[idx].ParentID != "" {
			e.mu.Unlock()
			return Comment{}, fmt.Errorf("%w: replies cannot be nested", ErrInvalidInput)
		}
	}
	temp := Comment{
		ID:          NewTempID(),
		TaskID:      e.task.ID,
		AuthorID:    e.userID,
		Body:        draft.Body,
		Kind:        kind,
		ParentID:    draft.ParentID,
		Attachments: append([]Attachment(nil), draft.Attachments...),
		CreatedAt:   time.Now().UTC(),
	}
	visible := e.permission(e.task, e.userID)
	if visible {
		e.task.Comments = append(e.task.Comments, temp.clone())
		sortComments(e.task.Comments)
	}
	e.drafts[temp.ID] = draft
	taskID := e.task.ID
	snap := e.task.Clone()
	e.mu.Unlock()

	if visible {
		e.cachePut(taskID, temp)
		e.notify(snap)
	}

	if e.isOffline() && e.queue != nil {
		m := QueuedMutation{
			ID:         uuid.NewString(),
			Kind:       MutationCreateComment,
			TaskID:     taskID,
			Comment:    &temp,
			EnqueuedAt: time.Now().UTC(),
		}
		if e.queue.TryEnqueue(m) {
			e.mu.Lock()
			e.stats.QueuedTotal++
			e.mu.Unlock()
			return temp, nil
		}
		restored := e.rollbackCreate(taskID, temp.ID)
		return Comment{}, &MutationError{Op: "create_comment", Draft: restored, Err: ErrQueueFull}
	}

	confirmed, err := e.api.CreateComment(ctx, taskID, temp)
	if err != nil {
		restored := e.rollbackCreate(taskID, temp.ID)
		return Comment{}, &MutationError{Op: "create_comment", Draft: restored, Err: err}
	}
	e.resolveTemp(taskID, temp.ID, confirmed)
	return confirmed, nil
}

// rollbackCreate removes the provisional entry and returns the original
// draft so the caller can restore the user's input verbatim.
func (e *Engine) rollbackCreate(taskID, tempID string) CommentDraft {
	e.mu.Lock()
	restored := e.drafts[tempID]
	delete(e.drafts, tempID)
	removed := false
	if idx := findComment(e.task.Comments, tempID); idx >= 0 {
		e.task.Comments = append(e.task.Comments[:idx], e.task.Comments[idx+1:]...)
		removed = true
	}
	e.stats.RolledBackTotal++
	snap := e.task.Clone()
	e.mu.Unlock()

	e.cacheDelete(taskID, tempID)
	if removed {
		e.notify(snap)
	}
	return restored
}

// resolveTemp swaps the provisional entry for the server-confirmed one in
// the same slot. The replacement is id-keyed, so a late-resolving
// mutation lands correctly against whatever the snapshot has become.
func (e *Engine) resolveTemp(taskID, tempID string, confirmed Comment) {
	e.mu.Lock()
	delete(e.drafts, tempID)
	tempIdx := findComment(e.task.Comments, tempID)
	confirmedIdx := findComment(e.task.Comments, confirmed.ID)
	switch {
	case tempIdx >= 0 && confirmedIdx >= 0 && confirmedIdx != tempIdx:
		// A refresh already delivered the confirmed entity; the temp slot
		// would be a duplicate.
		e.task.Comments = append(e.task.Comments[:tempIdx], e.task.Comments[tempIdx+1:]...)
	case tempIdx >= 0:
		e.task.Comments[tempIdx] = confirmed.clone()
	case confirmedIdx < 0:
		e.task.Comments = append(e.task.Comments, confirmed.clone())
	}
	sortComments(e.task.Comments)
	snap := e.task.Clone()
	e.mu.Unlock()

	e.cacheDelete(taskID, tempID)
	e.cachePut(taskID, confirmed)
	e.notify(snap)
}

// DeleteComment removes the comment optimistically and settles the
// deletion against the server. Deleting an id that is already gone is a
// no-op. Deleting a still-unconfirmed temp entry never reaches the
// server; a queued create for it is cancelled instead.
func (e *Engine) DeleteComment(ctx context.Context, commentID string) error {
	if strings.TrimSpace(commentID) == "" {
		return fmt.Errorf("%w: comment id is required", ErrInvalidInput)
	}
	e.mu.Lock()
	idx := findComment(e.task.Comments, commentID)
	if idx < 0 {
		e.mu.Unlock()
		return nil
	}
	removed := e.task.Comments[idx].clone()
	e.task.Comments = append(e.task.Comments[:idx], e.task.Comments[idx+1:]...)
	if IsTempID(commentID) {
		delete(e.drafts, commentID)
		e.cancelled[commentID] = true
	}
	taskID := e.task.ID
	snap := e.task.Clone()
	e.mu.Unlock()

	e.cacheDelete(taskID, commentID)
	e.notify(snap)

	if IsTempID(commentID) {
		return nil
	}

	if e.isOffline() && e.queue != nil {
		m := QueuedMutation{
			ID:         uuid.NewString(),
			Kind:       MutationDeleteComment,
			TaskID:     taskID,
			CommentID:  commentID,
			EnqueuedAt: time.Now().UTC(),
		}
		if e.queue.TryEnqueue(m) {
			e.mu.Lock()
			e.stats.QueuedTotal++
			e.mu.Unlock()
			return nil
		}
		return e.rollbackDelete(taskID, removed, ErrQueueFull)
	}

	if err := e.api.DeleteComment(ctx, taskID, commentID); err != nil {
		return e.rollbackDelete(taskID, removed, err)
	}
	return nil
}

// rollbackDelete reinserts an optimistically removed comment.
func (e *Engine) rollbackDelete(taskID string, removed Comment, cause error) error {
	e.mu.Lock()
	if findComment(e.task.Comments, removed.ID) < 0 {
		e.task.Comments = append(e.task.Comments, removed)
		sortComments(e.task.Comments)
	}
	e.stats.RolledBackTotal++
	snap := e.task.Clone()
	e.mu.Unlock()
	e.cachePut(taskID, removed)
	e.notify(snap)
	return &MutationError{Op: "delete_comment", Err: cause}
}

// UpdateTask applies a field edit optimistically and settles it against
// the server. On failure the previous field values are restored and the
// attempted fields are handed back on the error.
func (e *Engine) UpdateTask(ctx context.Context, fields TaskFields) (Task, error) {
	if fields.isEmpty() {
		return e.Snapshot(), nil
	}
	e.mu.Lock()
	prev := e.task.Clone()
	applyTaskFields(&e.task, fields)
	taskID := e.task.ID
	snap := e.task.Clone()
	e.mu.Unlock()
	e.notify(snap)

	if e.isOffline() && e.queue != nil {
		f := fields
		m := QueuedMutation{
			ID:         uuid.NewString(),
			Kind:       MutationUpdateTask,
			TaskID:     taskID,
			Fields:     &f,
			EnqueuedAt: time.Now().UTC(),
		}
		if e.queue.TryEnqueue(m) {
			e.mu.Lock()
			e.stats.QueuedTotal++
			e.mu.Unlock()
			return snap, nil
		}
		return e.rollbackUpdate(prev, fields, ErrQueueFull)
	}

	updated, err := e.api.UpdateTask(ctx, taskID, fields)
	if err != nil {
		return e.rollbackUpdate(prev, fields, err)
	}

	e.mu.Lock()
	e.mergeTaskUpdateLocked(updated)
	confirmed := e.task.Clone()
	e.mu.Unlock()
	e.notify(confirmed)
	return confirmed, nil
}

// rollbackUpdate restores the scalar fields a failed edit touched.
func (e *Engine) rollbackUpdate(prev Task, fields TaskFields, cause error) (Task, error) {
	e.mu.Lock()
	e.task.Title = prev.Title
	e.task.Description = prev.Description
	e.task.Priority = prev.Priority
	e.task.DueDate = prev.DueDate
	e.stats.RolledBackTotal++
	restored := e.task.Clone()
	e.mu.Unlock()
	e.notify(restored)
	f := fields
	return restored, &MutationError{Op: "update_task", Fields: &f, Err: cause}
}

// Refresh fetches the canonical task and swaps it in atomically,
// preserving unconfirmed temp-id comments so an in-flight optimistic
// mutation is never cancelled by a refresh. At most one refresh is in
// flight; a second request while refreshing is a no-op and reports
// (false, nil). The Refreshing state is released on every path,
// including errors, so a failed fetch can never leave the task
// permanently un-refreshable.
func (e *Engine) Refresh(ctx context.Context) (bool, error) {
	e.mu.Lock()
	if IsTempID(e.task.ID) {
		e.mu.Unlock()
		return false, nil
	}
	if e.refreshing {
		e.mu.Unlock()
		return false, nil
	}
	e.refreshing = true
	taskID := e.task.ID
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.refreshing = false
		e.mu.Unlock()
	}()

	fetched, err := e.api.FetchTask(ctx, taskID)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	merged := fetched.Clone()
	merged.ID = taskID
	for _, c := range e.task.Comments {
		if IsTempID(c.ID) && findComment(merged.Comments, c.ID) < 0 {
			merged.Comments = append(merged.Comments, c.clone())
		}
	}
	sortComments(merged.Comments)
	e.task = merged
	e.stats.RefreshTotal++
	snap := e.task.Clone()
	e.mu.Unlock()

	e.notify(snap)
	return true, nil
}

// ReplayQueued replays mutations queued while offline, in order. On the
// first failure the failed mutation and the unreplayed tail are put back
// so a later replay resumes from the same point.
func (e *Engine) ReplayQueued(ctx context.Context) error {
	if e.queue == nil {
		return nil
	}
	depth := e.queue.Depth()
	pending := make([]QueuedMutation, 0, depth)
	for i := 0; i < depth; i++ {
		m, ok := e.queue.Dequeue(ctx)
		if !ok {
			break
		}
		pending = append(pending, m)
	}
	for i, m := range pending {
		if err := e.replayOne(ctx, m); err != nil {
			for _, rest := range pending[i:] {
				if !e.queue.TryEnqueue(rest) {
					e.logf("requeue of mutation %s failed; dropping", rest.ID)
				}
			}
			return fmt.Errorf("replay %s: %w", m.Kind, err)
		}
	}
	return nil
}

func (e *Engine) replayOne(ctx context.Context, m QueuedMutation) error {
	switch m.Kind {
	case MutationCreateComment:
		if m.Comment == nil {
			return nil
		}
		e.mu.Lock()
		wasCancelled := e.cancelled[m.Comment.ID]
		delete(e.cancelled, m.Comment.ID)
		e.mu.Unlock()
		if wasCancelled {
			e.cacheDelete(m.TaskID, m.Comment.ID)
			return nil
		}
		confirmed, err := e.api.CreateComment(ctx, m.TaskID, *m.Comment)
		if err != nil {
			return err
		}
		e.resolveTemp(m.TaskID, m.Comment.ID, confirmed)
		return nil
	case MutationDeleteComment:
		return e.api.DeleteComment(ctx, m.TaskID, m.CommentID)
	case MutationUpdateTask:
		if m.Fields == nil {
			return nil
		}
		updated, err := e.api.UpdateTask(ctx, m.TaskID, *m.Fields)
		if err != nil {
			return err
		}
		e.mu.Lock()
		if m.TaskID == e.task.ID {
			e.mergeTaskUpdateLocked(updated)
		}
		snap := e.task.Clone()
		e.mu.Unlock()
		e.notify(snap)
		return nil
	default:
		e.logf("unknown queued mutation kind %q; skipping", m.Kind)
		return nil
	}
}

func (e *Engine) isOffline() bool {
	return e.online != nil && !e.online()
}

func (e *Engine) notify(snap Task) {
	e.mu.Lock()
	subs := append(([]func(Task))(nil), e.subscribers...)
	e.mu.Unlock()
	for _, fn := range subs {
		fn(snap)
	}
}

func (e *Engine) cachePut(taskID string, c Comment) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Put(taskID, c); err != nil {
		e.logf("cache put %s: %v", c.ID, err)
	}
}

func (e *Engine) cacheDelete(taskID, commentID string) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Delete(taskID, commentID); err != nil {
		e.logf("cache delete %s: %v", commentID, err)
	}
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}
