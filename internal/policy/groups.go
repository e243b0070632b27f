package policy

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// GroupResolver looks up the member ids of a chat-platform group. Lookups go
// over the network; callers see them only through the cache.
type GroupResolver interface {
	GroupMembers(ctx context.Context, provider, groupID string) ([]string, error)
}

// GroupResolverFunc adapts a function to the GroupResolver interface.
type GroupResolverFunc func(ctx context.Context, provider, groupID string) ([]string, error)

func (f GroupResolverFunc) GroupMembers(ctx context.Context, provider, groupID string) ([]string, error) {
	return f(ctx, provider, groupID)
}

type groupEntry struct {
	members map[string]struct{}
	expires time.Time
}

// GroupCache caches group memberships per (provider, group) with a TTL. It is
// owned by the engine instance that uses it, so tests construct isolated
// caches.
type GroupCache struct {
	resolver GroupResolver
	ttl      time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]groupEntry
}

// NewGroupCache wraps a resolver with TTL caching; ttl defaults to 5 minutes.
func NewGroupCache(resolver GroupResolver, ttl time.Duration) *GroupCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &GroupCache{
		resolver: resolver,
		ttl:      ttl,
		now:      time.Now,
		entries:  make(map[string]groupEntry),
	}
}

// Members returns the member-id set for a group, refreshing through the
// resolver when the cached entry is missing or expired.
func (c *GroupCache) Members(ctx context.Context, provider, groupID string) (map[string]struct{}, error) {
	key := provider + "/" + groupID

	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()
	if ok && c.now().Before(entry.expires) {
		return entry.members, nil
	}

	ids, err := c.resolver.GroupMembers(ctx, provider, groupID)
	if err != nil {
		return nil, fmt.Errorf("policy: resolve group %s on %s: %w", groupID, provider, err)
	}
	members := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		members[id] = struct{}{}
	}

	c.mu.Lock()
	c.entries[key] = groupEntry{members: members, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return members, nil
}

// Invalidate drops one group's cached entry.
func (c *GroupCache) Invalidate(provider, groupID string) {
	c.mu.Lock()
	delete(c.entries, provider+"/"+groupID)
	c.mu.Unlock()
}
