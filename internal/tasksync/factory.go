package tasksync

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildCommentCacheFromDSN resolves a cache backend from a DSN. An empty
// DSN yields nil, which the engine treats as "no durable cache".
func BuildCommentCacheFromDSN(dsn string) (CommentCache, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupCommentCacheFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file", "disk":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewDiskCommentCache(path)
	case "memory", "mem", "inmem":
		return NewInMemoryCommentCache(), nil
	case "postgres", "postgresql":
		return NewPostgresCommentCache(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: comment cache backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported comment cache scheme: %s", scheme)
	}
}

// BuildMutationQueueFromDSN resolves a replay queue backend from a DSN.
func BuildMutationQueueFromDSN(dsn string, capacity int) (MutationQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupMutationQueueFactory(scheme); ok {
		return factory(dsn, capacity)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileMutationQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewInMemoryMutationQueue(capacity), nil
	case "postgres", "postgresql":
		return NewPostgresMutationQueue(dsn, capacity)
	case "redis", "rediss", "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: mutation queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported mutation queue scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
