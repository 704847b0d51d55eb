// Package feedsync syncs one feed: conditional fetch, parse, dedup by
// (feed_id, guid), embedding enqueue, and a sync log per attempt.
package feedsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/feedweave/internal/feed"
	"github.com/kalambet/feedweave/internal/storage"
)

const (
	DefaultFailureThreshold = 5

	// Queue priorities: unseen articles are embedded before refreshed ones.
	PriorityNewArticle     = 10
	PriorityChangedArticle = 5
)

// Store is the persistence the executor needs.
type Store interface {
	StartSyncLog(ctx context.Context, id, feedID string, startedAt time.Time) error
	CompleteSyncLog(ctx context.Context, l storage.SyncLog) error
	UpsertArticle(ctx context.Context, a storage.Article) (storage.UpsertResult, error)
	RecordFeedSuccess(ctx context.Context, id string, st storage.FetchState) error
	RecordFeedFailure(ctx context.Context, id, errMsg string, threshold int, at time.Time) (int, bool, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, url string, v feed.Validators) (*feed.Response, error)
}

type Parser interface {
	Parse(ctx context.Context, url string, body []byte) (*feed.Parsed, error)
}

// Enqueuer queues articles for embedding. It returns how many were queued.
type Enqueuer interface {
	Add(ctx context.Context, articleIDs []string, priority int) (int, error)
}

// Result is the outcome of one sync attempt.
type Result struct {
	FeedID      string
	SyncLogID   string
	Status      storage.SyncStatus
	HTTPStatus  int
	NotModified bool
	Found       int
	New         int
	Updated     int
	Queued      int
	Duration    time.Duration
	// Failures is the consecutive failure count after an error.
	Failures int
	// Errored is set when this failure moved the feed to error status.
	Errored bool
	Err     error
}

func (r Result) Failed() bool { return r.Status != storage.SyncSuccess }

// Executor runs single-feed syncs. It is safe for concurrent use on
// different feeds.
type Executor struct {
	store            Store
	fetcher          Fetcher
	parser           Parser
	queue            Enqueuer
	failureThreshold int
	now              func() time.Time
	logger           *slog.Logger
}

type Option func(*Executor)

func WithFailureThreshold(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.failureThreshold = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

func NewExecutor(store Store, fetcher Fetcher, parser Parser, queue Enqueuer, opts ...Option) *Executor {
	e := &Executor{
		store:            store,
		fetcher:          fetcher,
		parser:           parser,
		queue:            queue,
		failureThreshold: DefaultFailureThreshold,
		now:              func() time.Time { return time.Now().UTC() },
		logger:           slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Sync performs one attempt for f. Failures are reported in the Result and
// recorded on the sync log, which is left in_progress only if the store
// itself fails.
func (e *Executor) Sync(ctx context.Context, f storage.Feed) Result {
	start := e.now()
	res := Result{FeedID: f.ID, SyncLogID: uuid.New().String()}

	// Bookkeeping writes must land even when ctx timed out mid-fetch.
	bg := context.WithoutCancel(ctx)

	if err := e.store.StartSyncLog(bg, res.SyncLogID, f.ID, start); err != nil {
		res.Status = storage.SyncError
		res.Err = fmt.Errorf("starting sync log: %w", err)
		e.logger.Error("sync log start failed", "feed_id", f.ID, "error", err)
		return res
	}

	err := e.run(ctx, f, &res)
	res.Duration = e.now().Sub(start)

	log := storage.SyncLog{
		ID:              res.SyncLogID,
		FeedID:          f.ID,
		Status:          storage.SyncSuccess,
		DurationMs:      res.Duration.Milliseconds(),
		HTTPStatusCode:  res.HTTPStatus,
		ArticlesFound:   res.Found,
		ArticlesNew:     res.New,
		ArticlesUpdated: res.Updated,
	}
	if err != nil {
		log.Status = storage.SyncError
		log.ErrorMessage = err.Error()
		res.Err = err
		failures, flipped, ferr := e.store.RecordFeedFailure(bg, f.ID, err.Error(), e.failureThreshold, e.now())
		if ferr != nil && !errors.Is(ferr, storage.ErrNotFound) {
			e.logger.Error("recording feed failure", "feed_id", f.ID, "error", ferr)
		}
		res.Failures, res.Errored = failures, flipped
		if flipped {
			e.logger.Warn("feed moved to error status", "feed_id", f.ID, "url", f.URL, "consecutive_failures", failures)
		}
	}
	res.Status = log.Status

	if cerr := e.store.CompleteSyncLog(bg, log); cerr != nil {
		e.logger.Error("completing sync log", "feed_id", f.ID, "sync_log_id", res.SyncLogID, "error", cerr)
		if res.Err == nil {
			res.Err = fmt.Errorf("completing sync log: %w", cerr)
		}
	}

	if err != nil {
		e.logger.Warn("feed sync failed", "feed_id", f.ID, "url", f.URL, "status", res.HTTPStatus, "error", err)
	} else {
		e.logger.Info("feed synced", "feed_id", f.ID, "not_modified", res.NotModified,
			"found", res.Found, "new", res.New, "updated", res.Updated, "queued", res.Queued,
			"duration_ms", log.DurationMs)
	}
	return res
}

func (e *Executor) run(ctx context.Context, f storage.Feed, res *Result) error {
	bg := context.WithoutCancel(ctx)

	resp, err := e.fetcher.Fetch(ctx, f.URL, feed.Validators{ETag: f.ETag, LastModified: f.LastModified})
	if resp != nil {
		res.HTTPStatus = resp.StatusCode
	}
	if err != nil {
		return err
	}

	if resp.NotModified {
		res.NotModified = true
		return e.store.RecordFeedSuccess(bg, f.ID, storage.FetchState{
			ETag: resp.ETag, LastModified: resp.LastModified, FetchedAt: e.now(),
		})
	}

	parsed, err := e.parser.Parse(ctx, f.URL, resp.Body)
	if err != nil {
		return err
	}
	res.Found = len(parsed.Items)

	var fresh, changed []string
	for _, item := range parsed.Items {
		up, err := e.store.UpsertArticle(bg, storage.Article{
			FeedID:      f.ID,
			GUID:        item.GUID,
			Title:       item.Title,
			URL:         item.URL,
			Content:     item.Content,
			Author:      item.Author,
			PublishedAt: item.PublishedAt,
		})
		if err != nil {
			return fmt.Errorf("storing item %q: %w", item.GUID, err)
		}
		if up.Created {
			res.New++
		} else {
			res.Updated++
		}
		switch {
		case up.Created:
			fresh = append(fresh, up.ID)
		case up.NeedsEmbedding:
			changed = append(changed, up.ID)
		}
	}

	res.Queued += e.enqueue(bg, f.ID, fresh, PriorityNewArticle)
	res.Queued += e.enqueue(bg, f.ID, changed, PriorityChangedArticle)

	return e.store.RecordFeedSuccess(bg, f.ID, storage.FetchState{
		ETag: resp.ETag, LastModified: resp.LastModified, Title: parsed.Title, FetchedAt: e.now(),
	})
}

// enqueue logs queue failures instead of failing the sync.
func (e *Executor) enqueue(ctx context.Context, feedID string, ids []string, priority int) int {
	if len(ids) == 0 || e.queue == nil {
		return 0
	}
	n, err := e.queue.Add(ctx, ids, priority)
	if err != nil {
		e.logger.Error("enqueueing embeddings", "feed_id", feedID, "count", len(ids), "error", err)
		return 0
	}
	return n
}
