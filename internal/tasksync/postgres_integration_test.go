package tasksync

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationCommentCacheRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	cache, err := NewPostgresCommentCache(dsn)
	if err != nil {
		t.Fatalf("new postgres comment cache: %v", err)
	}
	pg, ok := cache.(*PostgresCommentCache)
	if !ok {
		t.Fatalf("expected *PostgresCommentCache, got %T", cache)
	}
	pg.tableName = postgresIntegrationTableName("tasksync_comments_it")
	t.Cleanup(func() {
		_ = cache.Close()
		postgresIntegrationDropTable(t, dsn, pg.tableName)
	})

	base := time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)
	first := Comment{ID: "srv_1", TaskID: "task_it", Body: "one", Kind: CommentKindText, CreatedAt: base}
	second := Comment{ID: "srv_2", TaskID: "task_it", Body: "two", Kind: CommentKindText, CreatedAt: base.Add(time.Minute)}
	if err := cache.Put("task_it", second); err != nil {
		t.Fatalf("put second: %v", err)
	}
	if err := cache.Put("task_it", first); err != nil {
		t.Fatalf("put first: %v", err)
	}

	listed, err := cache.List("task_it")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 2 || listed[0].ID != "srv_1" || listed[1].ID != "srv_2" {
		t.Fatalf("list wrong or unsorted: %+v", listed)
	}

	updated := first
	updated.Body = "one edited"
	if err := cache.Put("task_it", updated); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	listed, err = cache.List("task_it")
	if err != nil {
		t.Fatalf("list after upsert: %v", err)
	}
	if listed[0].Body != "one edited" {
		t.Fatalf("upsert did not replace payload: %+v", listed[0])
	}

	if err := cache.Delete("task_it", "srv_1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	listed, err = cache.List("task_it")
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != "srv_2" {
		t.Fatalf("delete did not remove row: %+v", listed)
	}
}

func TestPostgresIntegrationMutationQueueOrdering(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	queue, err := NewPostgresMutationQueue(dsn, 4)
	if err != nil {
		t.Fatalf("new postgres mutation queue: %v", err)
	}
	pg, ok := queue.(*PostgresMutationQueue)
	if !ok {
		t.Fatalf("expected *PostgresMutationQueue, got %T", queue)
	}
	pg.core.tableName = postgresIntegrationTableName("tasksync_queue_it")
	pg.core.queueKey = "it"
	t.Cleanup(func() {
		_ = queue.Close()
		postgresIntegrationDropTable(t, dsn, pg.core.tableName)
	})

	for i := 1; i <= 4; i++ {
		m := queuedCreate(fmt.Sprintf("it_m%d", i), fmt.Sprintf("body %d", i))
		if !queue.TryEnqueue(m) {
			t.Fatalf("enqueue %d failed", i)
		}
	}
	if queue.TryEnqueue(queuedCreate("it_overflow", "x")) {
		t.Fatalf("enqueue past capacity succeeded")
	}
	if queue.Depth() != 4 {
		t.Fatalf("expected depth 4, got %d", queue.Depth())
	}

	for i := 1; i <= 4; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		m, ok := queue.Dequeue(ctx)
		cancel()
		if !ok {
			t.Fatalf("dequeue %d failed", i)
		}
		if m.ID != fmt.Sprintf("it_m%d", i) {
			t.Fatalf("dequeue order broken: got %s at %d", m.ID, i)
		}
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("TASKSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set TASKSYNC_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, os.Getpid(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Logf("cleanup open failed: %v", err)
		return
	}
	defer db.Close()
	if _, err := db.Exec("DROP TABLE IF EXISTS " + postgresQuoteIdentifier(tableName)); err != nil {
		t.Logf("cleanup drop failed: %v", err)
	}
}
