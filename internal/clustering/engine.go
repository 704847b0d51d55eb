// Package clustering groups recently embedded articles into topic clusters.
//
// Candidates are linked pairwise when their embeddings are close enough and
// linked groups are merged transitively. Only groups that span enough
// distinct feeds and articles are persisted, and every persisted cluster
// expires a fixed buffer after its newest article.
package clustering

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/feedweave/internal/metrics"
	"github.com/kalambet/feedweave/internal/retrieval"
	"github.com/kalambet/feedweave/internal/storage"
)

const (
	DefaultWindow            = 48 * time.Hour
	DefaultThreshold         = 0.60
	DefaultKeywordOverlapMin = 3
	DefaultMinSources        = 3
	DefaultMinArticles       = 3
	DefaultExpiryBuffer      = 24 * time.Hour
	DefaultMaxCandidates     = 2000
	DefaultListLimit         = 50
)

// Store is the persistence surface the engine needs.
type Store interface {
	UserFeedIDs(ctx context.Context, userID string) ([]string, error)
	ListArticles(ctx context.Context, f storage.ArticleFilter) ([]storage.Article, error)
	CreateCluster(ctx context.Context, c storage.Cluster, articleIDs []string) error
	GetCluster(ctx context.Context, id string) (storage.Cluster, error)
	ListClusters(ctx context.Context, q storage.ClusterQuery) ([]storage.Cluster, error)
	ClusterArticles(ctx context.Context, clusterID string) ([]storage.Article, error)
	DeleteCluster(ctx context.Context, id string) error
	DeleteExpiredClusters(ctx context.Context, now time.Time) (int, error)
	DeleteClustersByScope(ctx context.Context, scope string) (int, error)
}

// Weights tune the relevance score. Each term grows with its input, so the
// score is monotonic in article count, source count and recency.
type Weights struct {
	Articles float64
	Sources  float64
	Recency  float64
	HalfLife time.Duration
}

func DefaultWeights() Weights {
	return Weights{Articles: 1, Sources: 1.5, Recency: 2, HalfLife: 24 * time.Hour}
}

// Relevance scores a cluster from its size, its number of distinct sources
// and the age of its newest article.
func Relevance(w Weights, articles, sources int, age time.Duration) float64 {
	if age < 0 {
		age = 0
	}
	recency := 0.0
	if w.HalfLife > 0 {
		recency = math.Exp(-float64(age) / float64(w.HalfLife))
	}
	return w.Articles*math.Log1p(float64(articles)) + w.Sources*math.Log1p(float64(sources)) + w.Recency*recency
}

type Config struct {
	Window            time.Duration
	Threshold         float64
	KeywordOverlapMin int
	// KeywordFallback links articles that have no embedding yet by shared
	// significant terms.
	KeywordFallback bool
	MinSources      int
	MinArticles     int
	ExpiryBuffer    time.Duration
	MaxCandidates   int
	Weights         Weights
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.KeywordOverlapMin <= 0 {
		c.KeywordOverlapMin = DefaultKeywordOverlapMin
	}
	if c.MinSources <= 0 {
		c.MinSources = DefaultMinSources
	}
	if c.MinArticles <= 0 {
		c.MinArticles = DefaultMinArticles
	}
	if c.ExpiryBuffer <= 0 {
		c.ExpiryBuffer = DefaultExpiryBuffer
	}
	if c.MaxCandidates <= 0 {
		c.MaxCandidates = DefaultMaxCandidates
	}
	if c.Weights == (Weights{}) {
		c.Weights = DefaultWeights()
	}
	return c
}

// Options select one pass. Zero fields fall back to the engine's Config.
type Options struct {
	// UserID restricts candidates to the user's feeds and scopes the
	// resulting clusters to that user. Empty clusters across all feeds.
	UserID          string        `json:"user_id,omitempty"`
	Window          time.Duration `json:"window,omitempty"`
	Threshold       float64       `json:"threshold,omitempty"`
	MinSources      int           `json:"min_sources,omitempty"`
	MinArticles     int           `json:"min_articles,omitempty"`
	KeywordFallback bool          `json:"keyword_fallback,omitempty"`
}

// PassResult reports one clustering pass.
type PassResult struct {
	Scope      string            `json:"scope"`
	Candidates int               `json:"candidates"`
	Groups     int               `json:"groups"`
	Discarded  int               `json:"discarded"`
	Stale      int               `json:"stale"`
	Replaced   int               `json:"replaced"`
	Clusters   []storage.Cluster `json:"clusters"`
}

type Engine struct {
	store      Store
	summarizer Summarizer
	cfg        Config
	now        func() time.Time
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

type Option func(*Engine)

func WithSummarizer(s Summarizer) Option { return func(e *Engine) { e.summarizer = s } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func NewEngine(store Store, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		cfg:    cfg.withDefaults(),
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// candidate is one article in a pass. vec is nil for articles linked by
// keywords only.
type candidate struct {
	article storage.Article
	vec     []float32
	terms   map[string]struct{}
}

type linkKind uint8

const (
	linkEmbedding linkKind = 1 << iota
	linkKeyword
)

// RunPass recomputes the clusters of one scope: the scope's previous
// clusters are removed and every valid group found in the window is
// persisted, each with its article assignments in one transaction.
func (e *Engine) RunPass(ctx context.Context, opts Options) (PassResult, error) {
	cfg := e.passConfig(opts)
	now := e.now()
	res := PassResult{Scope: opts.UserID, Clusters: []storage.Cluster{}}

	cands, err := e.candidates(ctx, opts.UserID, now.Add(-cfg.Window), cfg)
	if err != nil {
		return res, err
	}
	res.Candidates = len(cands)

	uf := newUnionFind(len(cands))
	links := make(map[int]linkKind)
	for i := range cands {
		for j := i + 1; j < len(cands); j++ {
			kind := e.link(cands[i], cands[j], cfg)
			if kind == 0 {
				continue
			}
			uf.union(i, j)
			links[i] |= kind
			links[j] |= kind
		}
	}

	groups := uf.groups(2)
	res.Groups = len(groups)

	var valid [][]int
	for _, g := range groups {
		if !isValid(cands, g, cfg) {
			res.Discarded++
			continue
		}
		valid = append(valid, g)
	}
	if res.Discarded > 0 {
		e.logger.Debug("discarded cluster candidates", "scope", opts.UserID, "count", res.Discarded)
		e.metrics.ClustersDiscarded(res.Discarded)
	}

	replaced, err := e.store.DeleteClustersByScope(ctx, opts.UserID)
	if err != nil {
		return res, fmt.Errorf("removing previous clusters: %w", err)
	}
	res.Replaced = replaced

	for _, g := range valid {
		c, ids := e.build(ctx, cands, g, links, now, cfg)
		if !c.ExpiresAt.After(now) {
			res.Stale++
			continue
		}
		c.Scope = opts.UserID
		if err := e.store.CreateCluster(ctx, c, ids); err != nil {
			return res, fmt.Errorf("persisting cluster: %w", err)
		}
		e.metrics.ClusterCreated(c.GenerationMethod)
		res.Clusters = append(res.Clusters, c)
	}

	sort.SliceStable(res.Clusters, func(i, j int) bool {
		return res.Clusters[i].RelevanceScore > res.Clusters[j].RelevanceScore
	})
	e.logger.Info("clustering pass complete", "scope", opts.UserID, "candidates", res.Candidates,
		"groups", res.Groups, "created", len(res.Clusters), "discarded", res.Discarded, "replaced", res.Replaced)
	return res, nil
}

func (e *Engine) passConfig(opts Options) Config {
	cfg := e.cfg
	if opts.Window > 0 {
		cfg.Window = opts.Window
	}
	if opts.Threshold > 0 {
		cfg.Threshold = opts.Threshold
	}
	if opts.MinSources > 0 {
		cfg.MinSources = opts.MinSources
	}
	if opts.MinArticles > 0 {
		cfg.MinArticles = opts.MinArticles
	}
	if opts.KeywordFallback {
		cfg.KeywordFallback = true
	}
	return cfg
}

func (e *Engine) candidates(ctx context.Context, userID string, since time.Time, cfg Config) ([]candidate, error) {
	filter := storage.ArticleFilter{AllFeeds: true, Since: since, Limit: cfg.MaxCandidates}
	if userID != "" {
		feedIDs, err := e.store.UserFeedIDs(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("loading feeds of user %s: %w", userID, err)
		}
		if len(feedIDs) == 0 {
			return nil, nil
		}
		filter = storage.ArticleFilter{FeedIDs: feedIDs, Since: since, Limit: cfg.MaxCandidates}
	}

	embedded, err := e.store.ListArticles(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("loading embedded articles: %w", err)
	}
	cands := make([]candidate, 0, len(embedded))
	for _, a := range embedded {
		c := candidate{article: a, vec: a.Embedding}
		if cfg.KeywordFallback {
			c.terms = keywords(a.Title, a.Content)
		}
		cands = append(cands, c)
	}
	if !cfg.KeywordFallback {
		return cands, nil
	}

	filter.Unembedded = true
	pending, err := e.store.ListArticles(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("loading unembedded articles: %w", err)
	}
	for _, a := range pending {
		cands = append(cands, candidate{article: a, terms: keywords(a.Title, a.Content)})
	}
	return cands, nil
}

// link decides whether two candidates belong together. Keywords are only
// consulted when one side has no embedding.
func (e *Engine) link(a, b candidate, cfg Config) linkKind {
	if a.vec != nil && b.vec != nil {
		if retrieval.Cosine(a.vec, b.vec) >= cfg.Threshold {
			return linkEmbedding
		}
		return 0
	}
	if !cfg.KeywordFallback || a.terms == nil || b.terms == nil {
		return 0
	}
	if overlap(a.terms, b.terms) >= cfg.KeywordOverlapMin {
		return linkKeyword
	}
	return 0
}

func isValid(cands []candidate, group []int, cfg Config) bool {
	if len(group) < cfg.MinArticles {
		return false
	}
	return len(sourceFeeds(cands, group)) >= cfg.MinSources
}

func sourceFeeds(cands []candidate, group []int) []string {
	seen := make(map[string]struct{})
	var feeds []string
	for _, i := range group {
		id := cands[i].article.FeedID
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		feeds = append(feeds, id)
	}
	sort.Strings(feeds)
	return feeds
}

func (e *Engine) build(ctx context.Context, cands []candidate, group []int, links map[int]linkKind, now time.Time, cfg Config) (storage.Cluster, []string) {
	ids := make([]string, len(group))
	var start, end time.Time
	var kinds linkKind
	for n, i := range group {
		a := cands[i].article
		ids[n] = a.ID
		ts := a.Timestamp()
		if start.IsZero() || ts.Before(start) {
			start = ts
		}
		if ts.After(end) {
			end = ts
		}
		kinds |= links[i]
	}

	ordered, avg := byCentrality(cands, group)
	members := make([]storage.Article, len(ordered))
	for n, i := range ordered {
		members[n] = cands[i].article
	}
	sources := sourceFeeds(cands, group)

	c := storage.Cluster{
		ID:               uuid.New().String(),
		Title:            members[0].Title,
		Summary:          fmt.Sprintf("%d articles from %d sources", len(group), len(sources)),
		ArticleCount:     len(group),
		SourceFeeds:      sources,
		TimeframeStart:   start,
		TimeframeEnd:     end,
		ExpiresAt:        end.Add(cfg.ExpiryBuffer),
		AvgSimilarity:    avg,
		RelevanceScore:   Relevance(cfg.Weights, len(group), len(sources), now.Sub(end)),
		GenerationMethod: method(kinds),
		CreatedAt:        now,
	}
	if e.summarizer != nil && c.ExpiresAt.After(now) {
		s, err := e.summarizer.Summarize(ctx, members)
		if err != nil {
			e.logger.Warn("cluster summary failed, using central title", "error", err)
		} else {
			c.Title = s.Title
			if s.Summary != "" {
				c.Summary = s.Summary
			}
		}
	}
	return c, ids
}

func method(k linkKind) string {
	switch k {
	case linkKeyword:
		return storage.MethodKeyword
	case linkEmbedding | linkKeyword:
		return storage.MethodHybrid
	default:
		return storage.MethodEmbedding
	}
}

// byCentrality orders group members by mean cosine to the other embedded
// members, most central first, and returns the mean pairwise cosine of the
// group. Members without an embedding follow in their original order.
func byCentrality(cands []candidate, group []int) ([]int, float64) {
	score := make(map[int]float64, len(group))
	var total float64
	var pairs int
	for x, i := range group {
		if cands[i].vec == nil {
			continue
		}
		for _, j := range group[x+1:] {
			if cands[j].vec == nil {
				continue
			}
			s := retrieval.Cosine(cands[i].vec, cands[j].vec)
			score[i] += s
			score[j] += s
			total += s
			pairs++
		}
	}

	ordered := append([]int(nil), group...)
	sort.SliceStable(ordered, func(a, b int) bool {
		ia, ib := ordered[a], ordered[b]
		_, oka := score[ia]
		_, okb := score[ib]
		if oka != okb {
			return oka
		}
		return score[ia] > score[ib]
	})
	if pairs == 0 {
		return ordered, 0
	}
	return ordered, total / float64(pairs)
}

// ListOptions filter List. Scope "" lists global clusters.
type ListOptions struct {
	Scope          string
	AllScopes      bool
	IncludeExpired bool
	Limit          int
}

// List returns clusters by descending relevance. A negative limit lists
// every cluster.
func (e *Engine) List(ctx context.Context, opts ListOptions) ([]storage.Cluster, error) {
	switch {
	case opts.Limit == 0:
		opts.Limit = DefaultListLimit
	case opts.Limit < 0:
		opts.Limit = 0
	}
	clusters, err := e.store.ListClusters(ctx, storage.ClusterQuery{
		Scope:          opts.Scope,
		AllScopes:      opts.AllScopes,
		IncludeExpired: opts.IncludeExpired,
		Now:            e.now(),
		Limit:          opts.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("listing clusters: %w", err)
	}
	if clusters == nil {
		clusters = []storage.Cluster{}
	}
	return clusters, nil
}

// Get returns a cluster with its member articles.
func (e *Engine) Get(ctx context.Context, id string) (storage.Cluster, []storage.Article, error) {
	c, err := e.store.GetCluster(ctx, id)
	if err != nil {
		return storage.Cluster{}, nil, fmt.Errorf("loading cluster %s: %w", id, err)
	}
	members, err := e.store.ClusterArticles(ctx, id)
	if err != nil {
		return storage.Cluster{}, nil, fmt.Errorf("loading cluster %s articles: %w", id, err)
	}
	return c, members, nil
}

// DeleteExpired removes clusters past their expiry. Member articles are kept
// and lose their cluster reference.
func (e *Engine) DeleteExpired(ctx context.Context) (int, error) {
	n, err := e.store.DeleteExpiredClusters(ctx, e.now())
	if err != nil {
		return n, fmt.Errorf("deleting expired clusters: %w", err)
	}
	if n > 0 {
		e.logger.Info("expired clusters removed", "count", n)
		e.metrics.ClustersSwept(n)
	}
	return n, nil
}

func (e *Engine) Delete(ctx context.Context, id string) error {
	if err := e.store.DeleteCluster(ctx, id); err != nil {
		return fmt.Errorf("deleting cluster %s: %w", id, err)
	}
	return nil
}
