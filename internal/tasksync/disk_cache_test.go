package tasksync

import (
	"context"
	"testing"
	"time"
)

func TestDiskCommentCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewDiskCommentCache(dir)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	first := Comment{ID: "srv_1", TaskID: "task_1", Body: "one", CreatedAt: base}
	second := Comment{ID: "srv_2", TaskID: "task_1", Body: "two", CreatedAt: base.Add(time.Minute)}
	if err := cache.Put("task_1", second); err != nil {
		t.Fatalf("put second: %v", err)
	}
	if err := cache.Put("task_1", first); err != nil {
		t.Fatalf("put first: %v", err)
	}
	if err := cache.Put("task_2", Comment{ID: "srv_9", TaskID: "task_2", Body: "other"}); err != nil {
		t.Fatalf("put other task: %v", err)
	}

	listed, err := cache.List("task_1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 comments, got %d", len(listed))
	}
	if listed[0].ID != "srv_1" || listed[1].ID != "srv_2" {
		t.Fatalf("list not sorted by creation time: %+v", listed)
	}

	if err := cache.Delete("task_1", "srv_1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	listed, err = cache.List("task_1")
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != "srv_2" {
		t.Fatalf("delete did not remove entry: %+v", listed)
	}

	reopened, err := NewDiskCommentCache(dir)
	if err != nil {
		t.Fatalf("reopen cache: %v", err)
	}
	listed, err = reopened.List("task_1")
	if err != nil {
		t.Fatalf("list after reopen: %v", err)
	}
	if len(listed) != 1 || listed[0].Body != "two" {
		t.Fatalf("entries lost across reopen: %+v", listed)
	}
}

func TestDiskCommentCacheListUnknownTaskIsEmpty(t *testing.T) {
	cache, err := NewDiskCommentCache(t.TempDir())
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	listed, err := cache.List("task_missing")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("expected empty list, got %+v", listed)
	}
}

func TestDiskCommentCacheWatchSeesWrites(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewDiskCommentCache(dir)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := cache.Watch(ctx)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	if err := cache.Put("task_w", Comment{ID: "srv_w", TaskID: "task_w", Body: "watched"}); err != nil {
		t.Fatalf("put: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("watch channel closed before delivering event")
			}
			if ev.TaskID == "task_w" {
				return
			}
		case <-deadline:
			t.Fatalf("no cache event observed for write")
		}
	}
}

func TestDiskCommentCacheWatchClosesOnCancel(t *testing.T) {
	cache, err := NewDiskCommentCache(t.TempDir())
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	events, err := cache.Watch(ctx)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	cancel()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("watch channel did not close after cancel")
		}
	}
}
