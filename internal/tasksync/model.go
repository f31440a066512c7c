package tasksync

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CommentKind distinguishes plain text comments from attachment comments.
type CommentKind string

const (
	CommentKindText       CommentKind = "text"
	CommentKindAttachment CommentKind = "attachment"
)

// TempIDPrefix marks client-generated placeholder identifiers. The prefix
// keeps the temp namespace disjoint from server-assigned ids.
const TempIDPrefix = "temp-"

func NewTempID() string {
	return TempIDPrefix + uuid.NewString()
}

func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

type Attachment struct {
	ID       string `json:"id"`
	FileName string `json:"fileName,omitempty"`
	URL      string `json:"url,omitempty"`
}

// Comment is one entry in a task's comment log. AuthorID is empty for
// system-generated comments. ParentID refers to a top-level comment;
// replies cannot themselves have replies.
type Comment struct {
	ID          string       `json:"id"`
	TaskID      string       `json:"taskId"`
	AuthorID    string       `json:"authorId,omitempty"`
	Body        string       `json:"body"`
	Kind        CommentKind  `json:"kind"`
	ParentID    string       `json:"parentId,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
}

func (c Comment) clone() Comment {
	out := c
	if c.Attachments != nil {
		out.Attachments = append([]Attachment(nil), c.Attachments...)
	}
	return out
}

// Task is the materialized representation of the currently open task.
type Task struct {
	ID          string     `json:"id"`
	ListID      string     `json:"listId,omitempty"`
	OwnerID     string     `json:"ownerId,omitempty"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Priority    int        `json:"priority,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	Comments    []Comment  `json:"comments,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt,omitempty"`
}

// Clone returns a deep copy so callers can hold a snapshot while the
// engine keeps mutating its own state.
func (t Task) Clone() Task {
	out := t
	if t.DueDate != nil {
		due := *t.DueDate
		out.DueDate = &due
	}
	if t.Comments != nil {
		out.Comments = make([]Comment, len(t.Comments))
		for i, c := range t.Comments {
			out.Comments[i] = c.clone()
		}
	}
	return out
}

// TaskFields carries a partial task-field edit. Nil pointers leave the
// corresponding field unchanged.
type TaskFields struct {
	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	Priority    *int       `json:"priority,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
}

func (f TaskFields) isEmpty() bool {
	return f.Title == nil && f.Description == nil && f.Priority == nil && f.DueDate == nil
}

func applyTaskFields(task *Task, fields TaskFields) {
	if fields.Title != nil {
		task.Title = *fields.Title
	}
	if fields.Description != nil {
		task.Description = *fields.Description
	}
	if fields.Priority != nil {
		task.Priority = *fields.Priority
	}
	if fields.DueDate != nil {
		due := *fields.DueDate
		task.DueDate = &due
	}
}

// sortComments orders by creation timestamp ascending with the id as
// tiebreak, so ordering is total regardless of arrival order.
func sortComments(comments []Comment) {
	sort.SliceStable(comments, func(i, j int) bool {
		lt := comments[i].CreatedAt
		rt := comments[j].CreatedAt
		if lt.Equal(rt) {
			return comments[i].ID < comments[j].ID
		}
		return lt.Before(rt)
	})
}

func findComment(comments []Comment, id string) int {
	for i := range comments {
		if comments[i].ID == id {
			return i
		}
	}
	return -1
}
