package authcore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrEthical07/authcore/userstore"
)

// subjectCache keeps recently loaded subjects for a short TTL so session
// validation does not hit the user store on every request. Entries are
// copies; callers may not mutate them.
type subjectCache struct {
	ttl  time.Duration
	now  func() time.Time
	load func(context.Context, string) (*User, error)

	mu      sync.RWMutex
	entries map[string]subjectEntry
}

type subjectEntry struct {
	user    *User
	expires time.Time
}

const subjectCacheMaxEntries = 100000

func newSubjectCache(ttl time.Duration, now func() time.Time, load func(context.Context, string) (*User, error)) *subjectCache {
	return &subjectCache{
		ttl:     ttl,
		now:     now,
		load:    load,
		entries: make(map[string]subjectEntry),
	}
}

func (c *subjectCache) Get(ctx context.Context, id string) (*User, error) {
	if c.ttl <= 0 {
		return c.load(ctx, id)
	}
	now := c.now()

	c.mu.RLock()
	e, ok := c.entries[id]
	c.mu.RUnlock()
	if ok && now.Before(e.expires) {
		return e.user, nil
	}

	u, err := c.load(ctx, id)
	if err != nil {
		if errors.Is(err, userstore.ErrNotFound) {
			c.Invalidate(id)
		}
		return nil, err
	}

	c.mu.Lock()
	if len(c.entries) >= subjectCacheMaxEntries {
		c.evictExpiredLocked(now)
	}
	c.entries[id] = subjectEntry{user: u, expires: now.Add(c.ttl)}
	c.mu.Unlock()
	return u, nil
}

func (c *subjectCache) Invalidate(id string) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

func (c *subjectCache) evictExpiredLocked(now time.Time) {
	for id, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, id)
		}
	}
	if len(c.entries) >= subjectCacheMaxEntries {
		c.entries = make(map[string]subjectEntry)
	}
}
