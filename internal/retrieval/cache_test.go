package retrieval

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func result(source string, hits ...string) Result {
	r := Result{SourceID: source, Articles: []SimilarArticle{}}
	for _, h := range hits {
		r.Articles = append(r.Articles, SimilarArticle{ArticleID: h, Score: 0.9})
	}
	return r
}

// exerciseCache runs the shared Cache contract against c. advance moves the
// cache's notion of time forward.
func exerciseCache(t *testing.T, c Cache, advance func(time.Duration)) {
	ctx := context.Background()

	if _, ok := c.Get(ctx, "u1", "a1"); ok {
		t.Fatal("hit on empty cache")
	}

	c.Set(ctx, "u1", "a1", result("a1", "b1", "b2"))
	c.Set(ctx, "u1", "a2", result("a2", "b3"))
	c.Set(ctx, "u2", "a1", result("a1", "b9"))

	got, ok := c.Get(ctx, "u1", "a1")
	if !ok || len(got.Articles) != 2 || got.Articles[1].ArticleID != "b2" {
		t.Fatalf("Get(u1, a1) = %+v, %v", got, ok)
	}

	// A result article is re-embedded: only entries that reference it go.
	c.InvalidateArticle(ctx, "b2")
	if _, ok := c.Get(ctx, "u1", "a1"); ok {
		t.Error("entry referencing b2 survived invalidation")
	}
	if _, ok := c.Get(ctx, "u1", "a2"); !ok {
		t.Error("unrelated entry dropped")
	}

	// The source article itself is re-embedded.
	c.InvalidateArticle(ctx, "a1")
	if _, ok := c.Get(ctx, "u2", "a1"); ok {
		t.Error("entry for source a1 survived invalidation")
	}

	// Subscription change drops all of the user's entries.
	c.Set(ctx, "u2", "a5", result("a5"))
	c.InvalidateUser(ctx, "u1")
	if _, ok := c.Get(ctx, "u1", "a2"); ok {
		t.Error("u1 entry survived user invalidation")
	}
	if _, ok := c.Get(ctx, "u2", "a5"); !ok {
		t.Error("u2 entry dropped by u1 invalidation")
	}

	// TTL.
	c.Set(ctx, "u3", "a1", result("a1", "b1"))
	advance(59 * time.Minute)
	if _, ok := c.Get(ctx, "u3", "a1"); !ok {
		t.Error("entry expired before TTL")
	}
	advance(2 * time.Minute)
	if _, ok := c.Get(ctx, "u3", "a1"); ok {
		t.Error("entry served after TTL")
	}
}

func TestMemoryCache(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewMemoryCache(time.Hour)
	c.SetClock(func() time.Time { return now })

	exerciseCache(t, c, func(d time.Duration) { now = now.Add(d) })
}

func TestMemoryCache_ReverseIndexesCleared(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(time.Hour)
	c.Set(ctx, "u1", "a1", result("a1", "b1"))
	c.Set(ctx, "u1", "a1", result("a1", "b2"))

	// The overwritten entry no longer references b1.
	c.InvalidateArticle(ctx, "b1")
	if _, ok := c.Get(ctx, "u1", "a1"); !ok {
		t.Error("entry dropped via stale reference")
	}

	c.InvalidateUser(ctx, "u1")
	if c.Len() != 0 || len(c.byArticle) != 0 || len(c.byUser) != 0 {
		t.Errorf("indexes not cleared: entries=%d byArticle=%d byUser=%d", c.Len(), len(c.byArticle), len(c.byUser))
	}
}

func TestRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	c := NewRedisCache(client, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	exerciseCache(t, c, mr.FastForward)
}

func TestRedisCache_DownIsMiss(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	c := NewRedisCache(client, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx := context.Background()
	c.Set(ctx, "u1", "a1", result("a1"))
	mr.Close()

	if _, ok := c.Get(ctx, "u1", "a1"); ok {
		t.Error("hit with redis down")
	}
	c.InvalidateUser(ctx, "u1")
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewRedisClient(context.Background(), mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("NewRedisClient: %v", err)
	}
	client.Close()

	if _, err := NewRedisClient(context.Background(), "", "", 0); err == nil {
		t.Error("expected error for empty address")
	}
}
