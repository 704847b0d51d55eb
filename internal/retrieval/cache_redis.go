package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPrefix = "feedweave:similar:"

// RedisCache shares similar-articles results between processes. Reverse
// index sets (by article, by user) hold entry keys and expire with them.
// Redis errors are logged and treated as misses.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisClient connects and pings addr.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

func NewRedisCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCache{client: client, ttl: ttl, logger: logger}
}

func entryKey(userID, articleID string) string {
	return redisPrefix + "entry:" + userID + ":" + articleID
}

func articleIndexKey(articleID string) string { return redisPrefix + "article:" + articleID }

func userIndexKey(userID string) string { return redisPrefix + "user:" + userID }

func (c *RedisCache) Get(ctx context.Context, userID, articleID string) (Result, bool) {
	b, err := c.client.Get(ctx, entryKey(userID, articleID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Result{}, false
	}
	if err != nil {
		c.logger.Warn("similar cache get failed", "user_id", userID, "article_id", articleID, "error", err)
		return Result{}, false
	}
	var r Result
	if err := json.Unmarshal(b, &r); err != nil {
		c.logger.Warn("similar cache entry unreadable", "user_id", userID, "article_id", articleID, "error", err)
		return Result{}, false
	}
	return r, true
}

func (c *RedisCache) Set(ctx context.Context, userID, articleID string, r Result) {
	b, err := json.Marshal(r)
	if err != nil {
		c.logger.Warn("encoding similar cache entry", "error", err)
		return
	}
	key := entryKey(userID, articleID)

	_, err = c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, key, b, c.ttl)
		refs := append([]string{articleID}, resultIDs(r)...)
		for _, id := range refs {
			p.SAdd(ctx, articleIndexKey(id), key)
			p.Expire(ctx, articleIndexKey(id), c.ttl)
		}
		p.SAdd(ctx, userIndexKey(userID), key)
		p.Expire(ctx, userIndexKey(userID), c.ttl)
		return nil
	})
	if err != nil {
		c.logger.Warn("similar cache set failed", "user_id", userID, "article_id", articleID, "error", err)
	}
}

func (c *RedisCache) InvalidateArticle(ctx context.Context, articleID string) {
	c.dropIndexed(ctx, articleIndexKey(articleID))
}

func (c *RedisCache) InvalidateUser(ctx context.Context, userID string) {
	c.dropIndexed(ctx, userIndexKey(userID))
}

// dropIndexed deletes every entry listed in the index set and the set itself.
// Other index sets may keep stale members; they point at missing keys.
func (c *RedisCache) dropIndexed(ctx context.Context, indexKey string) {
	keys, err := c.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		c.logger.Warn("similar cache index read failed", "key", indexKey, "error", err)
		return
	}
	if err := c.client.Del(ctx, append(keys, indexKey)...).Err(); err != nil {
		c.logger.Warn("similar cache invalidation failed", "key", indexKey, "error", err)
	}
}

func resultIDs(r Result) []string {
	ids := make([]string, len(r.Articles))
	for i, a := range r.Articles {
		ids[i] = a.ArticleID
	}
	return ids
}
