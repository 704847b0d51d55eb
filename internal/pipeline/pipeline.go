// Package pipeline is the entry point to the ingestion core. It wires the
// scheduler, the embedding queue, clustering and similar-article search
// behind one set of operations used by the HTTP API, the MCP tools and the
// CLI.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/feedweave/internal/clustering"
	"github.com/kalambet/feedweave/internal/ingest"
	"github.com/kalambet/feedweave/internal/retrieval"
	"github.com/kalambet/feedweave/internal/scheduler"
	"github.com/kalambet/feedweave/internal/storage"
)

var (
	ErrInvalidURL        = errors.New("invalid feed url")
	ErrInvalidPriority   = errors.New("invalid priority")
	ErrAlreadySubscribed = errors.New("already subscribed")
	ErrUserRequired      = errors.New("user id is required")
)

// Store is the feed bookkeeping the facade performs itself.
type Store interface {
	CreateFeed(ctx context.Context, f storage.Feed) error
	GetFeed(ctx context.Context, id string) (storage.Feed, error)
	ListFeeds(ctx context.Context, userID string) ([]storage.Feed, error)
	DeleteFeed(ctx context.Context, id string) error
	SetFeedPriority(ctx context.Context, id string, p storage.Priority, interval time.Duration) error
	SetFeedInterval(ctx context.Context, id string, interval time.Duration, override bool) error
	SetFeedStatus(ctx context.Context, id string, status storage.FeedStatus) error
	CountQueue(ctx context.Context) (storage.QueueCounts, error)
}

// Discoverer resolves a site URL to its feed URL.
type Discoverer interface {
	Discover(ctx context.Context, rawURL string) (string, error)
}

// Components are the collaborators a Pipeline drives.
type Components struct {
	Scheduler  *scheduler.Scheduler
	Health     *scheduler.Health
	Queue      *ingest.Manager
	Clusters   *clustering.Engine
	Similar    *retrieval.Searcher
	Discoverer Discoverer
}

type Pipeline struct {
	store     Store
	sched     *scheduler.Scheduler
	health    *scheduler.Health
	queue     *ingest.Manager
	clusters  *clustering.Engine
	similar   *retrieval.Searcher
	discover  Discoverer
	intervals scheduler.Intervals
	logger    *slog.Logger
}

type Option func(*Pipeline)

func WithLogger(l *slog.Logger) Option { return func(p *Pipeline) { p.logger = l } }

func New(store Store, c Components, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:     store,
		sched:     c.Scheduler,
		health:    c.Health,
		queue:     c.Queue,
		clusters:  c.Clusters,
		similar:   c.Similar,
		discover:  c.Discoverer,
		intervals: scheduler.DefaultIntervals(),
		logger:    slog.Default(),
	}
	if c.Scheduler != nil {
		p.intervals = c.Scheduler.Intervals()
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// RunSchedulerPass syncs the feeds that are due, at most batchLimit of them.
func (p *Pipeline) RunSchedulerPass(ctx context.Context, batchLimit int) ([]scheduler.Outcome, error) {
	return p.sched.RunPass(ctx, batchLimit)
}

func (p *Pipeline) GetFeedHealthStats(ctx context.Context, feedID string, days int) (scheduler.FeedHealth, error) {
	return p.health.GetFeedHealthStats(ctx, feedID, days)
}

func (p *Pipeline) GetAllFeedsHealthStats(ctx context.Context, userID string) ([]scheduler.FeedHealth, error) {
	return p.health.GetAllFeedsHealthStats(ctx, userID)
}

func (p *Pipeline) RunEmbeddingQueueDrain(ctx context.Context, limit int) (ingest.DrainResult, error) {
	return p.queue.Drain(ctx, limit)
}

func (p *Pipeline) ListDeadLetters(ctx context.Context, limit int) ([]storage.DeadLetter, error) {
	return p.queue.ListDeadLetters(ctx, limit)
}

func (p *Pipeline) RequeueDeadLetter(ctx context.Context, id string) (string, error) {
	return p.queue.Requeue(ctx, id)
}

func (p *Pipeline) RunClusteringPass(ctx context.Context, opts clustering.Options) (clustering.PassResult, error) {
	return p.clusters.RunPass(ctx, opts)
}

func (p *Pipeline) GetClusters(ctx context.Context, opts clustering.ListOptions) ([]storage.Cluster, error) {
	return p.clusters.List(ctx, opts)
}

func (p *Pipeline) GetCluster(ctx context.Context, id string) (storage.Cluster, []storage.Article, error) {
	return p.clusters.Get(ctx, id)
}

func (p *Pipeline) DeleteExpiredClusters(ctx context.Context) (int, error) {
	return p.clusters.DeleteExpired(ctx)
}

func (p *Pipeline) DeleteCluster(ctx context.Context, id string) error {
	return p.clusters.Delete(ctx, id)
}

func (p *Pipeline) FindSimilarArticles(ctx context.Context, articleID, userID string) (retrieval.Result, error) {
	return p.similar.FindSimilarArticles(ctx, articleID, userID)
}

// Subscription describes a feed to add.
type Subscription struct {
	UserID   string
	URL      string
	Title    string
	Priority string
	// Interval overrides the tier interval when positive.
	Interval time.Duration
	// Discover resolves site URLs to the feed they advertise.
	Discover bool
}

// Subscribe adds a feed for a user. The feed is due immediately.
func (p *Pipeline) Subscribe(ctx context.Context, s Subscription) (storage.Feed, error) {
	if strings.TrimSpace(s.UserID) == "" {
		return storage.Feed{}, ErrUserRequired
	}
	feedURL, err := normalizeURL(s.URL)
	if err != nil {
		return storage.Feed{}, err
	}
	priority := storage.PriorityMedium
	if s.Priority != "" {
		pr, ok := storage.ParsePriority(s.Priority)
		if !ok {
			return storage.Feed{}, fmt.Errorf("%w: %q", ErrInvalidPriority, s.Priority)
		}
		priority = pr
	}

	if s.Discover && p.discover != nil {
		resolved, err := p.discover.Discover(ctx, feedURL)
		if err != nil {
			return storage.Feed{}, fmt.Errorf("subscribing to %s: %w", feedURL, err)
		}
		if resolved != feedURL {
			p.logger.Info("discovered feed", "url", feedURL, "feed_url", resolved)
		}
		feedURL = resolved
	}

	existing, err := p.store.ListFeeds(ctx, s.UserID)
	if err != nil {
		return storage.Feed{}, err
	}
	for _, f := range existing {
		if f.URL == feedURL {
			return f, fmt.Errorf("%s: %w", feedURL, ErrAlreadySubscribed)
		}
	}

	f := storage.Feed{
		ID:           uuid.New().String(),
		UserID:       s.UserID,
		Title:        strings.TrimSpace(s.Title),
		URL:          feedURL,
		Status:       storage.FeedActive,
		Priority:     priority,
		SyncInterval: p.intervals.For(priority),
	}
	if s.Interval > 0 {
		f.SyncInterval = s.Interval
		f.IntervalOverride = true
	}
	if err := p.store.CreateFeed(ctx, f); err != nil {
		return storage.Feed{}, err
	}
	p.similar.InvalidateUser(ctx, s.UserID)
	p.logger.Info("subscribed", "user_id", s.UserID, "feed_id", f.ID, "url", f.URL, "priority", f.Priority)
	return p.store.GetFeed(ctx, f.ID)
}

// Unsubscribe deletes a feed with its history and articles.
func (p *Pipeline) Unsubscribe(ctx context.Context, feedID string) error {
	f, err := p.store.GetFeed(ctx, feedID)
	if err != nil {
		return fmt.Errorf("loading feed %s: %w", feedID, err)
	}
	if err := p.store.DeleteFeed(ctx, feedID); err != nil {
		return fmt.Errorf("deleting feed %s: %w", feedID, err)
	}
	p.similar.InvalidateUser(ctx, f.UserID)
	p.logger.Info("unsubscribed", "user_id", f.UserID, "feed_id", feedID)
	return nil
}

func (p *Pipeline) ListFeeds(ctx context.Context, userID string) ([]storage.Feed, error) {
	feeds, err := p.store.ListFeeds(ctx, userID)
	if err != nil {
		return nil, err
	}
	if feeds == nil {
		feeds = []storage.Feed{}
	}
	return feeds, nil
}

// SetFeedPriority moves a feed to another tier. Its interval follows the
// tier unless it carries an explicit override.
func (p *Pipeline) SetFeedPriority(ctx context.Context, feedID, priority string) error {
	pr, ok := storage.ParsePriority(priority)
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidPriority, priority)
	}
	if err := p.store.SetFeedPriority(ctx, feedID, pr, p.intervals.For(pr)); err != nil {
		return fmt.Errorf("setting priority of feed %s: %w", feedID, err)
	}
	return nil
}

// SetFeedInterval overrides a feed's polling interval. A non-positive
// interval drops the override and returns to the tier interval.
func (p *Pipeline) SetFeedInterval(ctx context.Context, feedID string, interval time.Duration) error {
	override := interval > 0
	if !override {
		f, err := p.store.GetFeed(ctx, feedID)
		if err != nil {
			return fmt.Errorf("loading feed %s: %w", feedID, err)
		}
		interval = p.intervals.For(f.Priority)
	}
	if err := p.store.SetFeedInterval(ctx, feedID, interval, override); err != nil {
		return fmt.Errorf("setting interval of feed %s: %w", feedID, err)
	}
	return nil
}

func (p *Pipeline) PauseFeed(ctx context.Context, feedID string) error {
	if err := p.store.SetFeedStatus(ctx, feedID, storage.FeedPaused); err != nil {
		return fmt.Errorf("pausing feed %s: %w", feedID, err)
	}
	return nil
}

// ResumeFeed reactivates a paused or errored feed and makes it due now.
func (p *Pipeline) ResumeFeed(ctx context.Context, feedID string) error {
	if err := p.store.SetFeedStatus(ctx, feedID, storage.FeedActive); err != nil {
		return fmt.Errorf("resuming feed %s: %w", feedID, err)
	}
	return nil
}

// Status is a snapshot for dashboards.
type Status struct {
	Feeds    map[storage.FeedStatus]int `json:"feeds"`
	Queue    storage.QueueCounts        `json:"queue"`
	Clusters int                        `json:"clusters"`
}

func (p *Pipeline) Status(ctx context.Context) (Status, error) {
	st := Status{Feeds: map[storage.FeedStatus]int{}}
	feeds, err := p.store.ListFeeds(ctx, "")
	if err != nil {
		return st, err
	}
	for _, f := range feeds {
		st.Feeds[f.Status]++
	}
	if st.Queue, err = p.store.CountQueue(ctx); err != nil {
		return st, err
	}
	clusters, err := p.clusters.List(ctx, clustering.ListOptions{AllScopes: true, Limit: -1})
	if err != nil {
		return st, err
	}
	st.Clusters = len(clusters)
	return st, nil
}

func normalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return u.String(), nil
}
