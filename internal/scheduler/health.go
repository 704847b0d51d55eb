package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/kalambet/feedweave/internal/storage"
)

const (
	DefaultHealthDays = 7
	recentSyncs       = 10
)

// HealthStore is the read side health reporting needs.
type HealthStore interface {
	GetFeed(ctx context.Context, id string) (storage.Feed, error)
	ListFeeds(ctx context.Context, userID string) ([]storage.Feed, error)
	SyncStats(ctx context.Context, feedID string, since time.Time) (storage.SyncStats, error)
	ListSyncLogs(ctx context.Context, feedID string, since time.Time, limit int) ([]storage.SyncLog, error)
}

// FeedHealth aggregates a feed's recent sync history for admin display.
type FeedHealth struct {
	FeedID              string             `json:"feed_id"`
	Title               string             `json:"title"`
	URL                 string             `json:"url"`
	Status              storage.FeedStatus `json:"status"`
	Priority            storage.Priority   `json:"priority"`
	Days                int                `json:"days"`
	TotalSyncs          int                `json:"total_syncs"`
	SuccessfulSyncs     int                `json:"successful_syncs"`
	FailedSyncs         int                `json:"failed_syncs"`
	SuccessRate         float64            `json:"success_rate"`
	AvgDurationMs       float64            `json:"avg_duration_ms"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	LastError           string             `json:"last_error,omitempty"`
	LastErrorAt         *time.Time         `json:"last_error_at,omitempty"`
	LastSuccessAt       *time.Time         `json:"last_success_at,omitempty"`
	LastFetchedAt       *time.Time         `json:"last_fetched_at,omitempty"`
	NextSyncAt          *time.Time         `json:"next_sync_at,omitempty"`
	RecentSyncs         []storage.SyncLog  `json:"recent_syncs"`
}

// Healthy is true for an active feed with no current failure streak.
func (h FeedHealth) Healthy() bool {
	return h.Status == storage.FeedActive && h.ConsecutiveFailures == 0
}

// Health computes health reports.
type Health struct {
	store HealthStore
	now   func() time.Time
}

func NewHealth(store HealthStore) *Health {
	return &Health{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// GetFeedHealthStats reports on one feed over the last days days. Returns
// storage.ErrNotFound for an unknown feed.
func (h *Health) GetFeedHealthStats(ctx context.Context, feedID string, days int) (FeedHealth, error) {
	f, err := h.store.GetFeed(ctx, feedID)
	if err != nil {
		return FeedHealth{}, err
	}
	return h.report(ctx, f, days)
}

// GetAllFeedsHealthStats reports on every feed of userID (all feeds when
// userID is empty) over the default window.
func (h *Health) GetAllFeedsHealthStats(ctx context.Context, userID string) ([]FeedHealth, error) {
	feeds, err := h.store.ListFeeds(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing feeds: %w", err)
	}
	out := make([]FeedHealth, 0, len(feeds))
	for _, f := range feeds {
		r, err := h.report(ctx, f, DefaultHealthDays)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (h *Health) report(ctx context.Context, f storage.Feed, days int) (FeedHealth, error) {
	if days <= 0 {
		days = DefaultHealthDays
	}
	since := h.now().Add(-time.Duration(days) * 24 * time.Hour)

	stats, err := h.store.SyncStats(ctx, f.ID, since)
	if err != nil {
		return FeedHealth{}, err
	}
	recent, err := h.store.ListSyncLogs(ctx, f.ID, since, recentSyncs)
	if err != nil {
		return FeedHealth{}, err
	}

	r := FeedHealth{
		FeedID:              f.ID,
		Title:               f.Title,
		URL:                 f.URL,
		Status:              f.Status,
		Priority:            f.Priority,
		Days:                days,
		TotalSyncs:          stats.Total,
		SuccessfulSyncs:     stats.Succeeded,
		FailedSyncs:         stats.Failed,
		AvgDurationMs:       stats.AvgDurationMs,
		ConsecutiveFailures: f.ConsecutiveFailures,
		LastError:           stats.LastError,
		LastErrorAt:         stats.LastErrorAt,
		LastSuccessAt:       stats.LastSuccessAt,
		LastFetchedAt:       f.LastFetchedAt,
		NextSyncAt:          f.NextSyncAt,
		RecentSyncs:         recent,
	}
	if r.LastError == "" {
		r.LastError = f.LastError
	}
	if stats.Total > 0 {
		r.SuccessRate = float64(stats.Succeeded) / float64(stats.Total)
	}
	if r.RecentSyncs == nil {
		r.RecentSyncs = []storage.SyncLog{}
	}
	return r, nil
}
