// Package scheduler selects due feeds, syncs them in bounded sub-batches and
// recomputes each feed's next due time from its priority tier and outcome.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/feedweave/internal/feedsync"
	"github.com/kalambet/feedweave/internal/metrics"
	"github.com/kalambet/feedweave/internal/retry"
	"github.com/kalambet/feedweave/internal/storage"
)

const (
	DefaultBatchLimit  = 50
	DefaultFanOut      = 5
	DefaultFeedTimeout = 30 * time.Second
	DefaultLease       = time.Hour
)

// Intervals maps priority tiers to base polling intervals.
type Intervals struct {
	High   time.Duration
	Medium time.Duration
	Low    time.Duration
}

func DefaultIntervals() Intervals {
	return Intervals{High: time.Hour, Medium: 24 * time.Hour, Low: 7 * 24 * time.Hour}
}

// For returns the base interval of a tier. Unknown tiers poll as medium.
func (iv Intervals) For(p storage.Priority) time.Duration {
	switch p {
	case storage.PriorityHigh:
		return iv.High
	case storage.PriorityLow:
		return iv.Low
	}
	return iv.Medium
}

// Base returns the interval the feed is polled at when healthy: its explicit
// override, or its tier's interval.
func (iv Intervals) Base(f storage.Feed) time.Duration {
	if f.IntervalOverride && f.SyncInterval > 0 {
		return f.SyncInterval
	}
	return iv.For(f.Priority)
}

type Store interface {
	DueFeeds(ctx context.Context, now time.Time, limit int) ([]storage.Feed, error)
	LeaseFeeds(ctx context.Context, ids []string, until time.Time) error
	GetFeed(ctx context.Context, id string) (storage.Feed, error)
	UpdateFeedSchedule(ctx context.Context, id string, next time.Time, interval time.Duration) error
}

type Syncer interface {
	Sync(ctx context.Context, f storage.Feed) feedsync.Result
}

// Config tunes a Scheduler. Zero fields take the package defaults.
type Config struct {
	Intervals   Intervals
	Backoff     retry.Policy
	FanOut      int
	FeedTimeout time.Duration
	Lease       time.Duration
}

// Outcome reports one feed of a pass.
type Outcome struct {
	FeedID      string        `json:"feed_id"`
	URL         string        `json:"url"`
	Status      string        `json:"status"`
	HTTPStatus  int           `json:"http_status,omitempty"`
	NotModified bool          `json:"not_modified,omitempty"`
	New         int           `json:"new"`
	Updated     int           `json:"updated"`
	Queued      int           `json:"queued"`
	Duration    time.Duration `json:"duration_ns"`
	Error       string        `json:"error,omitempty"`
	NextSyncAt  *time.Time    `json:"next_sync_at,omitempty"`
}

// OutcomeSkipped marks feeds a cancelled pass never reached.
const OutcomeSkipped = "skipped"

type Scheduler struct {
	store   Store
	syncer  Syncer
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Scheduler)

func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Scheduler) { s.metrics = m } }

func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

func New(store Store, syncer Syncer, cfg Config, opts ...Option) *Scheduler {
	def := DefaultIntervals()
	if cfg.Intervals.High <= 0 {
		cfg.Intervals.High = def.High
	}
	if cfg.Intervals.Medium <= 0 {
		cfg.Intervals.Medium = def.Medium
	}
	if cfg.Intervals.Low <= 0 {
		cfg.Intervals.Low = def.Low
	}
	if cfg.Backoff.MaxDelay <= 0 {
		cfg.Backoff = retry.DefaultSchedulePolicy()
	}
	if cfg.FanOut <= 0 {
		cfg.FanOut = DefaultFanOut
	}
	if cfg.FeedTimeout <= 0 {
		cfg.FeedTimeout = DefaultFeedTimeout
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultLease
	}

	s := &Scheduler{
		store:  store,
		syncer: syncer,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Scheduler) Intervals() Intervals { return s.cfg.Intervals }

// DueFeeds returns active feeds whose next_sync_at is unset or has passed,
// never-synced first, then most overdue.
func (s *Scheduler) DueFeeds(ctx context.Context, limit int) ([]storage.Feed, error) {
	if limit <= 0 {
		limit = DefaultBatchLimit
	}
	return s.store.DueFeeds(ctx, s.now(), limit)
}

// UpdateFeedSchedule sets next_sync_at = now + interval after an attempt.
// After a failure the interval is widened by the backoff policy using the
// feed's consecutive failure count. A feed deleted in the meantime is
// skipped.
func (s *Scheduler) UpdateFeedSchedule(ctx context.Context, feedID string, failed bool) (*time.Time, error) {
	f, err := s.store.GetFeed(ctx, feedID)
	if errors.Is(err, storage.ErrNotFound) {
		s.logger.Info("feed gone before rescheduling", "feed_id", feedID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading feed %s: %w", feedID, err)
	}

	base := s.cfg.Intervals.Base(f)
	interval := base
	if failed {
		interval = s.cfg.Backoff.Widen(base, f.ConsecutiveFailures)
	}
	next := s.now().Add(interval)

	err = s.store.UpdateFeedSchedule(ctx, feedID, next, base)
	if errors.Is(err, storage.ErrNotFound) {
		s.logger.Info("feed gone before rescheduling", "feed_id", feedID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rescheduling feed %s: %w", feedID, err)
	}
	return &next, nil
}

// RunPass syncs up to limit due feeds. Due feeds are leased first so an
// overlapping pass cannot select them. They then run in sub-batches of
// FanOut feeds, each feed with its own timeout; cancelling ctx stops new
// sub-batches but lets in-flight syncs finish. Feeds not reached are made
// due again. Only a failure to read or lease the due set is returned as an
// error; per-feed failures are in the outcomes.
func (s *Scheduler) RunPass(ctx context.Context, limit int) ([]Outcome, error) {
	due, err := s.DueFeeds(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("selecting due feeds: %w", err)
	}
	if len(due) == 0 {
		return nil, nil
	}

	ids := make([]string, len(due))
	for i, f := range due {
		ids[i] = f.ID
	}
	if err := s.store.LeaseFeeds(ctx, ids, s.now().Add(s.cfg.Lease)); err != nil {
		return nil, fmt.Errorf("leasing due feeds: %w", err)
	}

	s.logger.Info("scheduler pass started", "due", len(due), "fan_out", s.cfg.FanOut)
	outcomes := make([]Outcome, 0, len(due))

	for start := 0; start < len(due); start += s.cfg.FanOut {
		if ctx.Err() != nil {
			rest := due[start:]
			s.release(ctx, rest)
			for _, f := range rest {
				outcomes = append(outcomes, Outcome{FeedID: f.ID, URL: f.URL, Status: OutcomeSkipped, Error: ctx.Err().Error()})
			}
			s.logger.Warn("scheduler pass cancelled", "skipped", len(rest))
			break
		}

		end := min(start+s.cfg.FanOut, len(due))
		outcomes = append(outcomes, s.runBatch(ctx, due[start:end])...)
	}

	s.logger.Info("scheduler pass finished", "feeds", len(outcomes))
	return outcomes, nil
}

func (s *Scheduler) runBatch(ctx context.Context, batch []storage.Feed) []Outcome {
	out := make([]Outcome, len(batch))
	detached := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(s.cfg.FanOut)
	for i, f := range batch {
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(detached, s.cfg.FeedTimeout)
			defer cancel()
			out[i] = s.syncOne(fctx, detached, f)
			return nil
		})
	}
	g.Wait()
	return out
}

func (s *Scheduler) syncOne(fctx, ctx context.Context, f storage.Feed) Outcome {
	res := s.syncer.Sync(fctx, f)

	o := Outcome{
		FeedID:      f.ID,
		URL:         f.URL,
		Status:      string(res.Status),
		HTTPStatus:  res.HTTPStatus,
		NotModified: res.NotModified,
		New:         res.New,
		Updated:     res.Updated,
		Queued:      res.Queued,
		Duration:    res.Duration,
	}
	if res.Err != nil {
		o.Error = res.Err.Error()
	}
	if errors.Is(fctx.Err(), context.DeadlineExceeded) {
		s.logger.Error("feed sync abandoned after timeout", "feed_id", f.ID, "timeout", s.cfg.FeedTimeout)
	}

	next, err := s.UpdateFeedSchedule(ctx, f.ID, res.Failed())
	if err != nil {
		s.logger.Error("rescheduling feed", "feed_id", f.ID, "error", err)
	}
	o.NextSyncAt = next

	result := "success"
	switch {
	case res.Failed():
		result = "error"
	case res.NotModified:
		result = "not_modified"
	}
	s.metrics.FeedSynced(result, res.Duration, res.New, res.Updated)
	if res.Errored {
		s.metrics.FeedErrored()
	}
	return o
}

// release makes leased feeds that were never synced due again.
func (s *Scheduler) release(ctx context.Context, feeds []storage.Feed) {
	ids := make([]string, len(feeds))
	for i, f := range feeds {
		ids[i] = f.ID
	}
	if err := s.store.LeaseFeeds(context.WithoutCancel(ctx), ids, s.now()); err != nil {
		s.logger.Error("releasing unsynced feeds", "count", len(ids), "error", err)
	}
}
