// Command taskwatch keeps one task's local snapshot reconciled against
// the task service: it consumes the push stream, replays mutations
// queued while offline, and logs every state transition.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/astridclaw/astrid-web-sub002/internal/pushstream"
	"github.com/astridclaw/astrid-web-sub002/internal/taskapi"
	"github.com/astridclaw/astrid-web-sub002/internal/tasksync"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("taskwatch failed: %v", err)
	}
}

func run(ctx context.Context) error {
	apiURL := strings.TrimSpace(os.Getenv("TASKWATCH_API_URL"))
	if apiURL == "" {
		return errors.New("TASKWATCH_API_URL is required")
	}
	taskID := strings.TrimSpace(os.Getenv("TASKWATCH_TASK_ID"))
	if taskID == "" {
		return errors.New("TASKWATCH_TASK_ID is required")
	}
	userID := strings.TrimSpace(os.Getenv("TASKWATCH_USER_ID"))
	token := strings.TrimSpace(os.Getenv("TASKWATCH_TOKEN"))

	client := taskapi.NewClient(taskapi.ClientOptions{
		BaseURL: apiURL,
		TokenProvider: func(ctx context.Context) (string, error) {
			return token, nil
		},
		UserAgent: "taskwatch",
	})

	cache, err := tasksync.BuildCommentCacheFromDSN(os.Getenv("TASKWATCH_CACHE_DSN"))
	if err != nil {
		return err
	}
	if cache != nil {
		defer cache.Close()
	}
	queue, err := tasksync.BuildMutationQueueFromDSN(os.Getenv("TASKWATCH_QUEUE_DSN"), intEnv("TASKWATCH_QUEUE_CAPACITY", 0))
	if err != nil {
		return err
	}
	if queue != nil {
		defer queue.Close()
	}

	task, err := client.FetchTask(ctx, taskID)
	if err != nil {
		return err
	}

	engine, err := tasksync.NewEngine(task, tasksync.EngineOptions{
		API:    client,
		UserID: userID,
		Cache:  cache,
		Queue:  queue,
		Online: func() bool {
			return client.Healthy(context.Background())
		},
		Logger: log.Default(),
	})
	if err != nil {
		return err
	}
	engine.OnChange(func(snap tasksync.Task) {
		log.Printf("task %s: %q (%d comments)", snap.ID, snap.Title, len(snap.Comments))
	})

	subscriber, err := pushstream.NewSubscriber(pushstream.Options{
		URL: streamURL(apiURL, os.Getenv("TASKWATCH_STREAM_URL")),
		TokenProvider: func(ctx context.Context) (string, error) {
			return token, nil
		},
		Logger: log.Default(),
		OnReconnect: func() {
			go func() {
				if _, err := engine.Refresh(context.Background()); err != nil {
					log.Printf("refresh after reconnect failed: %v", err)
				}
				if err := engine.ReplayQueued(context.Background()); err != nil {
					log.Printf("replay after reconnect failed: %v", err)
				}
			}()
		},
	})
	if err != nil {
		return err
	}

	streamDone := make(chan error, 1)
	go func() {
		streamDone <- subscriber.Run(ctx)
	}()

	replayInterval := durationEnv("TASKWATCH_REPLAY_INTERVAL", 30*time.Second)
	replayTicker := time.NewTicker(replayInterval)
	defer replayTicker.Stop()

	log.Printf("taskwatch following task %s on %s", taskID, apiURL)
	for {
		select {
		case <-ctx.Done():
			stats := engine.Stats()
			log.Printf("shutting down: applied=%d discarded=%d suppressed=%d duplicate=%d queued=%d",
				stats.AppliedTotal, stats.DiscardedTotal, stats.SuppressedTotal, stats.DuplicateTotal, stats.QueuedTotal)
			return <-streamDone
		case err := <-streamDone:
			return err
		case evt, ok := <-subscriber.Events():
			if !ok {
				return <-streamDone
			}
			engine.HandlePush(evt)
		case <-replayTicker.C:
			if queue == nil || queue.Depth() == 0 {
				continue
			}
			if !client.Healthy(ctx) {
				continue
			}
			if err := engine.ReplayQueued(ctx); err != nil {
				log.Printf("replay failed, %d mutations still queued: %v", queue.Depth(), err)
			}
		}
	}
}

// streamURL prefers an explicit stream endpoint and otherwise derives the
// websocket endpoint from the API base URL.
func streamURL(apiURL, explicit string) string {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		return explicit
	}
	base := strings.TrimRight(strings.TrimSpace(apiURL), "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/v1/stream"
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
