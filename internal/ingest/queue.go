// Package ingest drains the embedding queue: articles waiting for a vector
// are embedded with bounded concurrency, retried with backoff and moved to
// the dead-letter store once their attempts are spent.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kalambet/feedweave/internal/metrics"
	"github.com/kalambet/feedweave/internal/retrieval"
	"github.com/kalambet/feedweave/internal/retry"
	"github.com/kalambet/feedweave/internal/storage"
)

const (
	DefaultDrainLimit  = 100
	DefaultConcurrency = 4
	DefaultStaleAfter  = 15 * time.Minute
)

// Store abstracts the queue, article and usage operations.
type Store interface {
	EnqueueEmbeddings(ctx context.Context, articleIDs []string, priority, maxAttempts int) (int, error)
	ReleaseStaleQueueItems(ctx context.Context, cutoff time.Time) (int, error)
	ClaimQueueItems(ctx context.Context, now time.Time, limit int) ([]storage.QueueItem, error)
	GetArticle(ctx context.Context, id string) (storage.Article, error)
	CompleteEmbedding(ctx context.Context, itemID, articleID string, vec []float32, contentHash string, at time.Time) error
	DeferQueueItem(ctx context.Context, id string, until time.Time) error
	FailQueueItem(ctx context.Context, f storage.QueueFailure) (storage.FailOutcome, error)
	ReserveEmbeddingQuota(ctx context.Context, userID, day string, limit int) (bool, error)
	CountQueue(ctx context.Context) (storage.QueueCounts, error)
	ListDeadLetters(ctx context.Context, limit int) ([]storage.DeadLetter, error)
	RequeueDeadLetter(ctx context.Context, id string, maxAttempts int) (string, error)
}

// ContentEmbedder generates embeddings for text.
type ContentEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Provider() string
}

// Invalidator drops cached similarity results that mention an article.
type Invalidator interface {
	InvalidateArticle(ctx context.Context, articleID string)
}

// Config tunes a Manager. Zero fields take the package defaults.
type Config struct {
	Policy      retry.Policy
	Concurrency int
	// DailyLimit caps embeddings per user per UTC day. Zero is unlimited.
	DailyLimit int
	// RateLimit caps provider calls per second. Zero is unlimited.
	RateLimit  float64
	Burst      int
	StaleAfter time.Duration
}

// DrainResult counts what one drain pass did with the items it claimed.
type DrainResult struct {
	Released     int `json:"released"`
	Claimed      int `json:"claimed"`
	Processed    int `json:"processed"`
	Failed       int `json:"failed"`
	DeadLettered int `json:"dead_lettered"`
	Deferred     int `json:"deferred"`
}

type outcome int

const (
	outProcessed outcome = iota
	outFailed
	outDeadLettered
	outDeferred
)

// Manager owns the embedding queue.
type Manager struct {
	store    Store
	embedder ContentEmbedder
	cache    Invalidator
	cfg      Config
	limiter  *rate.Limiter
	now      func() time.Time
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

type Option func(*Manager)

func WithInvalidator(inv Invalidator) Option { return func(m *Manager) { m.cache = inv } }

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func NewManager(store Store, embedder ContentEmbedder, cfg Config, opts ...Option) *Manager {
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = retry.DefaultQueuePolicy()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.Concurrency
	}

	m := &Manager{
		store:    store,
		embedder: embedder,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, cfg.Burst),
		now:      func() time.Time { return time.Now().UTC() },
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Add queues articles for embedding. Articles that already have an
// outstanding item are skipped; the count of newly queued items is returned.
func (m *Manager) Add(ctx context.Context, articleIDs []string, priority int) (int, error) {
	n, err := m.store.EnqueueEmbeddings(ctx, articleIDs, priority, m.cfg.Policy.Attempts())
	if err != nil {
		return 0, fmt.Errorf("enqueueing embeddings: %w", err)
	}
	return n, nil
}

// Drain claims up to limit due items and embeds them. Per-item failures are
// recorded on the queue and counted; the returned error joins storage
// failures that left an item unrecorded. Such items stay claimed until a
// later pass releases them as stale.
func (m *Manager) Drain(ctx context.Context, limit int) (DrainResult, error) {
	if limit <= 0 {
		limit = DefaultDrainLimit
	}
	var res DrainResult
	now := m.now()

	released, err := m.store.ReleaseStaleQueueItems(ctx, now.Add(-m.cfg.StaleAfter))
	if err != nil {
		return res, err
	}
	if released > 0 {
		m.logger.Warn("released stale queue items", "count", released)
	}
	res.Released = released

	items, err := m.store.ClaimQueueItems(ctx, now, limit)
	if err != nil {
		return res, fmt.Errorf("claiming queue items: %w", err)
	}
	res.Claimed = len(items)

	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(m.cfg.Concurrency)
	for _, item := range items {
		g.Go(func() error {
			out, err := m.process(ctx, item)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return nil
			}
			switch out {
			case outProcessed:
				res.Processed++
			case outFailed:
				res.Failed++
			case outDeadLettered:
				res.DeadLettered++
			case outDeferred:
				res.Deferred++
			}
			return nil
		})
	}
	g.Wait()

	m.metrics.QueueResult("processed", res.Processed)
	m.metrics.QueueResult("failed", res.Failed)
	m.metrics.QueueResult("dead_lettered", res.DeadLettered)
	m.metrics.QueueResult("deferred", res.Deferred)
	if counts, err := m.store.CountQueue(context.WithoutCancel(ctx)); err == nil {
		m.metrics.QueueSize(counts.Pending, counts.Processing, counts.DeadLetter)
	}

	if res.Claimed > 0 {
		m.logger.Info("embedding queue drained", "claimed", res.Claimed, "processed", res.Processed,
			"failed", res.Failed, "dead_lettered", res.DeadLettered, "deferred", res.Deferred)
	}
	return res, errors.Join(errs...)
}

func (m *Manager) process(ctx context.Context, item storage.QueueItem) (outcome, error) {
	bg := context.WithoutCancel(ctx)

	article, err := m.store.GetArticle(bg, item.ArticleID)
	if err != nil {
		return 0, m.deferAfter(bg, item, err)
	}

	if err := m.limiter.Wait(ctx); err != nil {
		return outDeferred, m.deferItem(bg, item, time.Time{})
	}

	// Quota is reserved only once the provider call is certain.
	if m.cfg.DailyLimit > 0 {
		now := m.now()
		ok, err := m.store.ReserveEmbeddingQuota(bg, item.UserID, storage.DayKey(now), m.cfg.DailyLimit)
		if err != nil {
			return 0, m.deferAfter(bg, item, err)
		}
		if !ok {
			// Held until the budget resets.
			until := storage.NextDay(now)
			m.logger.Info("daily embedding limit reached, deferring", "user_id", item.UserID,
				"article_id", item.ArticleID, "until", until)
			return outDeferred, m.deferItem(bg, item, until)
		}
	}

	text := article.EmbeddingText()
	start := time.Now()
	vec, err := m.embedder.Embed(ctx, text)
	m.metrics.EmbedObserved(time.Since(start))
	if err != nil {
		if ctx.Err() != nil {
			// Interrupted, not failed: the attempt is not counted.
			return outDeferred, m.deferItem(bg, item, time.Time{})
		}
		return m.fail(bg, item, err)
	}

	if err := m.store.CompleteEmbedding(bg, item.ID, item.ArticleID, vec, storage.HashText(text), m.now()); err != nil {
		return 0, fmt.Errorf("storing embedding for article %s: %w", item.ArticleID, err)
	}
	if m.cache != nil {
		m.cache.InvalidateArticle(bg, item.ArticleID)
	}
	return outProcessed, nil
}

func (m *Manager) fail(ctx context.Context, item storage.QueueItem, cause error) (outcome, error) {
	now := m.now()
	out, err := m.store.FailQueueItem(ctx, storage.QueueFailure{
		ItemID:    item.ID,
		Error:     cause.Error(),
		At:        now,
		Permanent: retrieval.IsPermanent(cause),
		RetryAt:   now.Add(m.cfg.Policy.Backoff(item.Attempts + 1)),
		Provider:  m.embedder.Provider(),
	})
	if err != nil {
		return 0, fmt.Errorf("recording failure of article %s: %w", item.ArticleID, err)
	}
	if out.DeadLettered {
		m.logger.Error("embedding moved to dead letter", "article_id", item.ArticleID,
			"dead_letter_id", out.DeadLetterID, "attempts", out.Attempts, "error", cause)
		return outDeadLettered, nil
	}
	m.logger.Warn("embedding failed, will retry", "article_id", item.ArticleID, "attempts", out.Attempts, "error", cause)
	return outFailed, nil
}

func (m *Manager) deferItem(ctx context.Context, item storage.QueueItem, until time.Time) error {
	if err := m.store.DeferQueueItem(ctx, item.ID, until); err != nil {
		return fmt.Errorf("deferring queue item %s: %w", item.ID, err)
	}
	return nil
}

// deferAfter releases item after a storage error and returns that error.
func (m *Manager) deferAfter(ctx context.Context, item storage.QueueItem, cause error) error {
	if err := m.deferItem(ctx, item, time.Time{}); err != nil {
		return errors.Join(cause, err)
	}
	return fmt.Errorf("processing article %s: %w", item.ArticleID, cause)
}

// ListDeadLetters returns exhausted items, newest first.
func (m *Manager) ListDeadLetters(ctx context.Context, limit int) ([]storage.DeadLetter, error) {
	return m.store.ListDeadLetters(ctx, limit)
}

// Requeue moves a dead letter back onto the queue with a fresh attempt
// budget and returns its article id.
func (m *Manager) Requeue(ctx context.Context, deadLetterID string) (string, error) {
	articleID, err := m.store.RequeueDeadLetter(ctx, deadLetterID, m.cfg.Policy.Attempts())
	if err != nil {
		return "", err
	}
	m.logger.Info("dead letter requeued", "dead_letter_id", deadLetterID, "article_id", articleID)
	return articleID, nil
}

// Run drains repeatedly until ctx is cancelled. A full batch is followed
// immediately by another; otherwise it waits for poll.
func (m *Manager) Run(ctx context.Context, poll time.Duration, limit int) {
	if poll <= 0 {
		poll = 30 * time.Second
	}
	if limit <= 0 {
		limit = DefaultDrainLimit
	}
	for {
		if ctx.Err() != nil {
			return
		}

		res, err := m.Drain(ctx, limit)
		if err != nil {
			m.logger.Error("embedding drain failed", "error", err)
		}
		if res.Claimed == limit && res.Deferred < res.Claimed {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(poll):
		}
	}
}
