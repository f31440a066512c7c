package tasksync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/peterbourgon/diskv/v3"
)

// DiskCommentCache persists comments as one JSON file per comment under
// basePath/<taskID>/<commentID>, so two app windows sharing a profile
// directory see each other's offline entries.
type DiskCommentCache struct {
	d        *diskv.Diskv
	basePath string
}

// CacheEvent signals that the on-disk cache changed underneath this
// process, typically because another window wrote to it.
type CacheEvent struct {
	TaskID string
}

func NewDiskCommentCache(basePath string) (*DiskCommentCache, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, err
	}
	return &DiskCommentCache{
		d: diskv.New(diskv.Options{
			BasePath:          basePath,
			AdvancedTransform: cacheKeyToPath,
			InverseTransform:  cachePathToKey,
			CacheSizeMax:      1024 * 1024,
		}),
		basePath: basePath,
	}, nil
}

func cacheKey(taskID, commentID string) string {
	return taskID + "/" + commentID
}

func cacheKeyToPath(key string) *diskv.PathKey {
	parts := strings.Split(key, "/")
	return &diskv.PathKey{
		Path:     parts[:len(parts)-1],
		FileName: parts[len(parts)-1],
	}
}

func cachePathToKey(pathKey *diskv.PathKey) string {
	return strings.Join(append(append([]string(nil), pathKey.Path...), pathKey.FileName), "/")
}

func (c *DiskCommentCache) Put(taskID string, comment Comment) error {
	if taskID == "" || comment.ID == "" {
		return ErrInvalidInput
	}
	data, err := json.Marshal(comment)
	if err != nil {
		return err
	}
	return c.d.Write(cacheKey(taskID, comment.ID), data)
}

func (c *DiskCommentCache) Delete(taskID, commentID string) error {
	if taskID == "" || commentID == "" {
		return ErrInvalidInput
	}
	err := c.d.Erase(cacheKey(taskID, commentID))
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (c *DiskCommentCache) List(taskID string) ([]Comment, error) {
	if taskID == "" {
		return nil, ErrInvalidInput
	}
	prefix := taskID + "/"
	out := make([]Comment, 0)
	for key := range c.d.Keys(nil) {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		data, err := c.d.Read(key)
		if err != nil {
			continue
		}
		var comment Comment
		if err := json.Unmarshal(data, &comment); err != nil {
			continue
		}
		out = append(out, comment)
	}
	sortComments(out)
	return out, nil
}

func (c *DiskCommentCache) Close() error {
	return nil
}

// Watch streams change events until ctx is cancelled. Events are dropped
// when the consumer lags; a later refresh will pick up the change. The
// channel closes once ctx is done or the watcher fails unrecoverably.
func (c *DiskCommentCache) Watch(ctx context.Context) (<-chan CacheEvent, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("cache: create watcher: %w", err)
	}
	dirs, err := cacheDirs(c.basePath)
	if err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("cache: enumerate directories: %w", err)
	}
	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return nil, fmt.Errorf("cache: watch %s: %w", dir, err)
		}
	}

	events := make(chan CacheEvent, 64)
	go func() {
		defer close(events)
		defer watcher.Close()

		watched := make(map[string]struct{}, len(dirs))
		for _, dir := range dirs {
			watched[dir] = struct{}{}
		}
		send := func(ev CacheEvent) {
			select {
			case events <- ev:
			default:
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
				send(CacheEvent{})
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if evt.Op&fsnotify.Create == fsnotify.Create {
					if info, statErr := os.Stat(evt.Name); statErr == nil && info.IsDir() {
						absDir := filepath.Clean(evt.Name)
						if _, found := watched[absDir]; !found {
							if addErr := watcher.Add(absDir); addErr == nil {
								watched[absDir] = struct{}{}
							}
						}
					}
				}
				send(CacheEvent{TaskID: c.taskForPath(evt.Name)})
			}
		}
	}()
	return events, nil
}

func cacheDirs(base string) ([]string, error) {
	dirs := []string{base}
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() && path != base {
			dirs = append(dirs, path)
		}
		return nil
	})
	return dirs, err
}

func (c *DiskCommentCache) taskForPath(path string) string {
	rel, err := filepath.Rel(c.basePath, path)
	if err != nil || rel == "." {
		return ""
	}
	parts := strings.Split(rel, string(os.PathSeparator))
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}
