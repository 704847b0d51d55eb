package retrieval

import (
	"context"
	"sync"
	"time"
)

// DefaultCacheTTL bounds how long a similar-articles result is served.
const DefaultCacheTTL = time.Hour

// Cache stores similar-articles results per (user, source article).
// Implementations are best-effort: a lost entry only costs a recompute.
type Cache interface {
	Get(ctx context.Context, userID, articleID string) (Result, bool)
	Set(ctx context.Context, userID, articleID string, r Result)
	// InvalidateArticle drops entries whose source or any result is articleID.
	InvalidateArticle(ctx context.Context, articleID string)
	// InvalidateUser drops all entries of userID.
	InvalidateUser(ctx context.Context, userID string)
}

type cacheKey struct {
	userID    string
	articleID string
}

type cacheEntry struct {
	result  Result
	expires time.Time
	// refs are the source and result article ids, for reverse lookups.
	refs []string
}

// MemoryCache is an in-process Cache with TTL expiry and reverse indexes by
// article and user.
type MemoryCache struct {
	mu        sync.Mutex
	ttl       time.Duration
	now       func() time.Time
	entries   map[cacheKey]cacheEntry
	byArticle map[string]map[cacheKey]struct{}
	byUser    map[string]map[cacheKey]struct{}
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &MemoryCache{
		ttl:       ttl,
		now:       time.Now,
		entries:   make(map[cacheKey]cacheEntry),
		byArticle: make(map[string]map[cacheKey]struct{}),
		byUser:    make(map[string]map[cacheKey]struct{}),
	}
}

// SetClock replaces the time source (for tests).
func (c *MemoryCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *MemoryCache) Get(_ context.Context, userID, articleID string) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := cacheKey{userID, articleID}
	e, ok := c.entries[k]
	if !ok {
		return Result{}, false
	}
	if !c.now().Before(e.expires) {
		c.removeLocked(k)
		return Result{}, false
	}
	return e.result, true
}

func (c *MemoryCache) Set(_ context.Context, userID, articleID string, r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := cacheKey{userID, articleID}
	c.removeLocked(k)

	refs := make([]string, 0, len(r.Articles)+1)
	refs = append(refs, articleID)
	for _, a := range r.Articles {
		refs = append(refs, a.ArticleID)
	}
	c.entries[k] = cacheEntry{result: r, expires: c.now().Add(c.ttl), refs: refs}
	for _, id := range refs {
		addIndex(c.byArticle, id, k)
	}
	addIndex(c.byUser, userID, k)
}

func (c *MemoryCache) InvalidateArticle(_ context.Context, articleID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.byArticle[articleID] {
		c.removeLocked(k)
	}
}

func (c *MemoryCache) InvalidateUser(_ context.Context, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.byUser[userID] {
		c.removeLocked(k)
	}
}

// Len returns the number of stored entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *MemoryCache) removeLocked(k cacheKey) {
	e, ok := c.entries[k]
	if !ok {
		return
	}
	delete(c.entries, k)
	for _, id := range e.refs {
		dropIndex(c.byArticle, id, k)
	}
	dropIndex(c.byUser, k.userID, k)
}

func addIndex(idx map[string]map[cacheKey]struct{}, id string, k cacheKey) {
	set, ok := idx[id]
	if !ok {
		set = make(map[cacheKey]struct{})
		idx[id] = set
	}
	set[k] = struct{}{}
}

func dropIndex(idx map[string]map[cacheKey]struct{}, id string, k cacheKey) {
	set, ok := idx[id]
	if !ok {
		return
	}
	delete(set, k)
	if len(set) == 0 {
		delete(idx, id)
	}
}

// NopCache never stores anything.
type NopCache struct{}

func (NopCache) Get(context.Context, string, string) (Result, bool) { return Result{}, false }
func (NopCache) Set(context.Context, string, string, Result)        {}
func (NopCache) InvalidateArticle(context.Context, string)          {}
func (NopCache) InvalidateUser(context.Context, string)             {}
