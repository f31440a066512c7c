package tasksync

import (
	"strings"
	"sync"
)

type CommentCacheFactory func(dsn string) (CommentCache, error)
type MutationQueueFactory func(dsn string, capacity int) (MutationQueue, error)

var backendFactoryRegistry = struct {
	mu             sync.RWMutex
	cacheFactories map[string]CommentCacheFactory
	queueFactories map[string]MutationQueueFactory
}{
	cacheFactories: map[string]CommentCacheFactory{},
	queueFactories: map[string]MutationQueueFactory{},
}

// RegisterCommentCacheFactory lets embedding applications plug in cache
// backends for additional DSN schemes.
func RegisterCommentCacheFactory(scheme string, factory CommentCacheFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.cacheFactories[scheme] = factory
}

func RegisterMutationQueueFactory(scheme string, factory MutationQueueFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.queueFactories[scheme] = factory
}

func lookupCommentCacheFactory(scheme string) (CommentCacheFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.cacheFactories[scheme]
	return factory, ok
}

func lookupMutationQueueFactory(scheme string) (MutationQueueFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.queueFactories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
