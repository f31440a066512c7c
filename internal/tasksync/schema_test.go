package tasksync

import (
	"errors"
	"testing"
)

func TestParsePushEventCommentCreated(t *testing.T) {
	raw := []byte(`{
		"type": "comment_created",
		"originatingUserId": "user_other",
		"data": {
			"id": "srv_1",
			"taskId": "task_1",
			"authorId": "user_other",
			"body": "hello",
			"createdAt": "2026-06-01T10:00:00Z"
		}
	}`)
	evt, err := ParsePushEvent(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if evt.Type != EventCommentCreated || evt.TaskID != "task_1" {
		t.Fatalf("wrong event envelope: %+v", evt)
	}
	if evt.Comment == nil || evt.Comment.ID != "srv_1" || evt.Comment.Body != "hello" {
		t.Fatalf("comment payload wrong: %+v", evt.Comment)
	}
	if evt.Comment.Kind != CommentKindText {
		t.Fatalf("kind not defaulted to text: %q", evt.Comment.Kind)
	}
}

func TestParsePushEventCommentDeleted(t *testing.T) {
	raw := []byte(`{
		"type": "comment_deleted",
		"originatingUserId": "user_other",
		"data": {"taskId": "task_1", "commentId": "srv_2"}
	}`)
	evt, err := ParsePushEvent(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if evt.Type != EventCommentDeleted || evt.TaskID != "task_1" || evt.CommentID != "srv_2" {
		t.Fatalf("deletion payload wrong: %+v", evt)
	}
}

func TestParsePushEventTaskUpdated(t *testing.T) {
	raw := []byte(`{
		"type": "task_updated",
		"originatingUserId": "user_other",
		"data": {
			"id": "task_1",
			"title": "Retitled",
			"priority": 3,
			"comments": [
				{"id": "srv_1", "taskId": "task_1", "body": "kept", "createdAt": "2026-06-01T10:00:00Z"}
			]
		}
	}`)
	evt, err := ParsePushEvent(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if evt.Task == nil || evt.Task.Title != "Retitled" || evt.Task.Priority != 3 {
		t.Fatalf("task payload wrong: %+v", evt.Task)
	}
	if len(evt.Task.Comments) != 1 || evt.Task.Comments[0].ID != "srv_1" {
		t.Fatalf("embedded comments wrong: %+v", evt.Task.Comments)
	}
}

func TestParsePushEventRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":          `{`,
		"unknown type":      `{"type": "task_archived", "originatingUserId": "u", "data": {}}`,
		"missing user":      `{"type": "comment_deleted", "data": {"taskId": "t", "commentId": "c"}}`,
		"missing data":      `{"type": "comment_created", "originatingUserId": "u"}`,
		"comment no id":     `{"type": "comment_created", "originatingUserId": "u", "data": {"taskId": "t", "createdAt": "2026-06-01T10:00:00Z"}}`,
		"deletion no id":    `{"type": "comment_deleted", "originatingUserId": "u", "data": {"taskId": "t"}}`,
		"task without id":   `{"type": "task_updated", "originatingUserId": "u", "data": {"title": "x"}}`,
		"data wrong shape":  `{"type": "comment_created", "originatingUserId": "u", "data": "text"}`,
		"bad comment kind":  `{"type": "comment_created", "originatingUserId": "u", "data": {"id": "c", "taskId": "t", "kind": "video", "createdAt": "2026-06-01T10:00:00Z"}}`,
		"empty comment ids": `{"type": "comment_created", "originatingUserId": "u", "data": {"id": "", "taskId": "", "createdAt": "2026-06-01T10:00:00Z"}}`,
	}
	for name, raw := range cases {
		if _, err := ParsePushEvent([]byte(raw)); !errors.Is(err, ErrMalformedEvent) {
			t.Fatalf("%s: expected ErrMalformedEvent, got %v", name, err)
		}
	}
}
