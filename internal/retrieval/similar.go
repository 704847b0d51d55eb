// Package retrieval embeds article text and answers similar-articles
// queries over a user's subscribed feeds, with a result cache.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kalambet/feedweave/internal/metrics"
	"github.com/kalambet/feedweave/internal/storage"
)

const (
	DefaultThreshold = 0.7
	DefaultTopK      = 5
)

// Diagnostic messages for empty results.
const (
	MsgNoEmbedding = "source article has no embedding yet"
	MsgNoFeeds     = "user has no subscribed feeds"
	MsgNoMatches   = "no articles above the similarity threshold"
)

// SimilarStore is the read side similar-articles search needs.
type SimilarStore interface {
	GetArticle(ctx context.Context, id string) (storage.Article, error)
	UserFeedIDs(ctx context.Context, userID string) ([]string, error)
	ListArticles(ctx context.Context, f storage.ArticleFilter) ([]storage.Article, error)
}

// SimilarArticle is one search hit.
type SimilarArticle struct {
	ArticleID   string     `json:"article_id"`
	FeedID      string     `json:"feed_id"`
	Title       string     `json:"title"`
	URL         string     `json:"url"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	Score       float64    `json:"score"`
}

// Result is a similar-articles answer. Message explains an empty list.
type Result struct {
	SourceID   string           `json:"source_id"`
	Articles   []SimilarArticle `json:"articles"`
	Message    string           `json:"message,omitempty"`
	Cached     bool             `json:"cached"`
	ComputedAt time.Time        `json:"computed_at"`
}

type Searcher struct {
	store     SimilarStore
	cache     Cache
	threshold float64
	topK      int
	now       func() time.Time
	logger    *slog.Logger
	metrics   *metrics.Metrics
	group     singleflight.Group
}

type SearchOption func(*Searcher)

func WithCache(c Cache) SearchOption {
	return func(s *Searcher) {
		if c != nil {
			s.cache = c
		}
	}
}

func WithThreshold(t float64) SearchOption { return func(s *Searcher) { s.threshold = t } }

func WithTopK(k int) SearchOption {
	return func(s *Searcher) {
		if k > 0 {
			s.topK = k
		}
	}
}

func WithLogger(l *slog.Logger) SearchOption { return func(s *Searcher) { s.logger = l } }

func WithMetrics(m *metrics.Metrics) SearchOption { return func(s *Searcher) { s.metrics = m } }

func WithClock(now func() time.Time) SearchOption { return func(s *Searcher) { s.now = now } }

func NewSearcher(store SimilarStore, opts ...SearchOption) *Searcher {
	s := &Searcher{
		store:     store,
		cache:     NewMemoryCache(DefaultCacheTTL),
		threshold: DefaultThreshold,
		topK:      DefaultTopK,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Searcher) Cache() Cache { return s.cache }

// FindSimilarArticles returns up to topK embedded articles from userID's
// feeds scoring at least the threshold against articleID, best first. An
// unknown article is storage.ErrNotFound; every other empty outcome is an
// empty list with a Message. Concurrent identical queries share one
// computation.
func (s *Searcher) FindSimilarArticles(ctx context.Context, articleID, userID string) (Result, error) {
	if r, ok := s.cache.Get(ctx, userID, articleID); ok {
		s.metrics.CacheLookup(true)
		r.Cached = true
		return r, nil
	}
	s.metrics.CacheLookup(false)

	v, err, _ := s.group.Do(userID+"\x00"+articleID, func() (any, error) {
		r, cacheable, err := s.compute(ctx, articleID, userID)
		if err != nil {
			return Result{}, err
		}
		if cacheable {
			s.cache.Set(ctx, userID, articleID, r)
		}
		return r, nil
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

// InvalidateArticle drops cached results mentioning articleID.
func (s *Searcher) InvalidateArticle(ctx context.Context, articleID string) {
	s.cache.InvalidateArticle(ctx, articleID)
}

// InvalidateUser drops userID's cached results after a subscription change.
func (s *Searcher) InvalidateUser(ctx context.Context, userID string) {
	s.cache.InvalidateUser(ctx, userID)
}

// compute reports whether the result may be cached. Results that depend on
// state with no invalidation hook of their own are not cached.
func (s *Searcher) compute(ctx context.Context, articleID, userID string) (Result, bool, error) {
	res := Result{SourceID: articleID, Articles: []SimilarArticle{}, ComputedAt: s.now()}

	src, err := s.store.GetArticle(ctx, articleID)
	if err != nil {
		return Result{}, false, fmt.Errorf("loading article %s: %w", articleID, err)
	}
	if src.EmbeddingStatus != storage.EmbeddingCompleted || len(src.Embedding) == 0 {
		res.Message = MsgNoEmbedding
		return res, false, nil
	}

	feedIDs, err := s.store.UserFeedIDs(ctx, userID)
	if err != nil {
		return Result{}, false, fmt.Errorf("loading feeds of user %s: %w", userID, err)
	}
	if len(feedIDs) == 0 {
		res.Message = MsgNoFeeds
		return res, true, nil
	}

	candidates, err := s.store.ListArticles(ctx, storage.ArticleFilter{FeedIDs: feedIDs, ExcludeID: articleID})
	if err != nil {
		return Result{}, false, fmt.Errorf("loading candidates: %w", err)
	}

	vecs := make([][]float32, len(candidates))
	for i, c := range candidates {
		vecs[i] = c.Embedding
	}
	for _, hit := range TopK(src.Embedding, vecs, s.topK, s.threshold) {
		c := candidates[hit.Index]
		res.Articles = append(res.Articles, SimilarArticle{
			ArticleID:   c.ID,
			FeedID:      c.FeedID,
			Title:       c.Title,
			URL:         c.URL,
			PublishedAt: c.PublishedAt,
			Score:       hit.Score,
		})
	}
	if len(res.Articles) == 0 {
		res.Message = MsgNoMatches
	}

	s.logger.Debug("similar articles computed", "article_id", articleID, "user_id", userID,
		"candidates", len(candidates), "hits", len(res.Articles))
	return res, true, nil
}
