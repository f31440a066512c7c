package tasksync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// pushEventSchemaJSON is validated against every inbound push message
// before any of it can touch local state. Unknown types and missing
// required fields are rejected here rather than deep in the merge code.
const pushEventSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["type", "data", "originatingUserId"],
	"properties": {
		"type": {
			"enum": ["comment_created", "comment_updated", "comment_deleted", "task_updated"]
		},
		"originatingUserId": {"type": "string"},
		"data": {"type": "object"}
	},
	"allOf": [
		{
			"if": {"properties": {"type": {"enum": ["comment_created", "comment_updated"]}}},
			"then": {"properties": {"data": {"$ref": "#/$defs/comment"}}}
		},
		{
			"if": {"properties": {"type": {"const": "comment_deleted"}}},
			"then": {"properties": {"data": {"$ref": "#/$defs/deletion"}}}
		},
		{
			"if": {"properties": {"type": {"const": "task_updated"}}},
			"then": {"properties": {"data": {"$ref": "#/$defs/task"}}}
		}
	],
	"$defs": {
		"comment": {
			"type": "object",
			"required": ["id", "taskId", "createdAt"],
			"properties": {
				"id": {"type": "string", "minLength": 1},
				"taskId": {"type": "string", "minLength": 1},
				"authorId": {"type": "string"},
				"body": {"type": "string"},
				"kind": {"enum": ["text", "attachment"]},
				"parentId": {"type": "string"},
				"createdAt": {"type": "string"}
			}
		},
		"deletion": {
			"type": "object",
			"required": ["taskId", "commentId"],
			"properties": {
				"taskId": {"type": "string", "minLength": 1},
				"commentId": {"type": "string", "minLength": 1}
			}
		},
		"task": {
			"type": "object",
			"required": ["id"],
			"properties": {
				"id": {"type": "string", "minLength": 1}
			}
		}
	}
}`

var (
	pushEventSchemaOnce sync.Once
	pushEventSchema     *jsonschema.Schema
	pushEventSchemaErr  error
)

func compiledPushEventSchema() (*jsonschema.Schema, error) {
	pushEventSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(pushEventSchemaJSON))
		if err != nil {
			pushEventSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("push_event.json", doc); err != nil {
			pushEventSchemaErr = err
			return
		}
		pushEventSchema, pushEventSchemaErr = compiler.Compile("push_event.json")
	})
	return pushEventSchema, pushEventSchemaErr
}

type wirePushEvent struct {
	Type              string          `json:"type"`
	OriginatingUserID string          `json:"originatingUserId"`
	Data              json.RawMessage `json:"data"`
}

type wireCommentDeletion struct {
	TaskID    string `json:"taskId"`
	CommentID string `json:"commentId"`
}

// ParsePushEvent decodes and validates one raw push message. Every
// failure is reported as ErrMalformedEvent; callers drop such messages
// defensively and carry on.
func ParsePushEvent(data []byte) (PushEvent, error) {
	schema, err := compiledPushEventSchema()
	if err != nil {
		return PushEvent{}, fmt.Errorf("%w: schema unavailable: %v", ErrMalformedEvent, err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return PushEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if err := schema.Validate(inst); err != nil {
		return PushEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	var wire wirePushEvent
	if err := json.Unmarshal(data, &wire); err != nil {
		return PushEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	evt := PushEvent{
		Type:              PushEventType(wire.Type),
		OriginatingUserID: wire.OriginatingUserID,
	}
	switch evt.Type {
	case EventCommentCreated, EventCommentUpdated:
		var comment Comment
		if err := json.Unmarshal(wire.Data, &comment); err != nil {
			return PushEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		if comment.Kind == "" {
			comment.Kind = CommentKindText
		}
		evt.TaskID = comment.TaskID
		evt.Comment = &comment
	case EventCommentDeleted:
		var deletion wireCommentDeletion
		if err := json.Unmarshal(wire.Data, &deletion); err != nil {
			return PushEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		evt.TaskID = deletion.TaskID
		evt.CommentID = deletion.CommentID
	case EventTaskUpdated:
		var task Task
		if err := json.Unmarshal(wire.Data, &task); err != nil {
			return PushEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		evt.TaskID = task.ID
		evt.Task = &task
	default:
		return PushEvent{}, fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, wire.Type)
	}
	return evt, nil
}
