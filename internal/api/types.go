package api

import (
	"time"

	"github.com/kalambet/feedweave/internal/storage"
)

type feedJSON struct {
	ID                  string     `json:"id"`
	UserID              string     `json:"user_id"`
	Title               string     `json:"title"`
	URL                 string     `json:"url"`
	Status              string     `json:"status"`
	Priority            string     `json:"priority"`
	SyncInterval        string     `json:"sync_interval"`
	IntervalOverride    bool       `json:"interval_override"`
	NextSyncAt          *time.Time `json:"next_sync_at,omitempty"`
	LastFetchedAt       *time.Time `json:"last_fetched_at,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

func toFeedJSON(f storage.Feed) feedJSON {
	return feedJSON{
		ID:                  f.ID,
		UserID:              f.UserID,
		Title:               f.Title,
		URL:                 f.URL,
		Status:              string(f.Status),
		Priority:            string(f.Priority),
		SyncInterval:        f.SyncInterval.String(),
		IntervalOverride:    f.IntervalOverride,
		NextSyncAt:          f.NextSyncAt,
		LastFetchedAt:       f.LastFetchedAt,
		ConsecutiveFailures: f.ConsecutiveFailures,
		LastError:           f.LastError,
		CreatedAt:           f.CreatedAt,
	}
}

type clusterJSON struct {
	ID               string    `json:"id"`
	Scope            string    `json:"scope,omitempty"`
	Title            string    `json:"title"`
	Summary          string    `json:"summary"`
	ArticleCount     int       `json:"article_count"`
	SourceFeeds      []string  `json:"source_feeds"`
	TimeframeStart   time.Time `json:"timeframe_start"`
	TimeframeEnd     time.Time `json:"timeframe_end"`
	ExpiresAt        time.Time `json:"expires_at"`
	AvgSimilarity    float64   `json:"avg_similarity"`
	RelevanceScore   float64   `json:"relevance_score"`
	GenerationMethod string    `json:"generation_method"`
	CreatedAt        time.Time `json:"created_at"`
}

func toClusterJSON(c storage.Cluster) clusterJSON {
	sources := c.SourceFeeds
	if sources == nil {
		sources = []string{}
	}
	return clusterJSON{
		ID:               c.ID,
		Scope:            c.Scope,
		Title:            c.Title,
		Summary:          c.Summary,
		ArticleCount:     c.ArticleCount,
		SourceFeeds:      sources,
		TimeframeStart:   c.TimeframeStart,
		TimeframeEnd:     c.TimeframeEnd,
		ExpiresAt:        c.ExpiresAt,
		AvgSimilarity:    c.AvgSimilarity,
		RelevanceScore:   c.RelevanceScore,
		GenerationMethod: c.GenerationMethod,
		CreatedAt:        c.CreatedAt,
	}
}

type clusterDetailJSON struct {
	clusterJSON
	Articles []articleJSON `json:"articles"`
}

type passJSON struct {
	Scope      string        `json:"scope"`
	Candidates int           `json:"candidates"`
	Groups     int           `json:"groups"`
	Discarded  int           `json:"discarded"`
	Stale      int           `json:"stale"`
	Replaced   int           `json:"replaced"`
	Clusters   []clusterJSON `json:"clusters"`
}

type articleJSON struct {
	ID              string     `json:"id"`
	FeedID          string     `json:"feed_id"`
	Title           string     `json:"title"`
	URL             string     `json:"url"`
	Author          string     `json:"author,omitempty"`
	PublishedAt     *time.Time `json:"published_at,omitempty"`
	EmbeddingStatus string     `json:"embedding_status"`
}

func toArticleJSON(a storage.Article) articleJSON {
	return articleJSON{
		ID:              a.ID,
		FeedID:          a.FeedID,
		Title:           a.Title,
		URL:             a.URL,
		Author:          a.Author,
		PublishedAt:     a.PublishedAt,
		EmbeddingStatus: string(a.EmbeddingStatus),
	}
}

type deadLetterJSON struct {
	ID             string    `json:"id"`
	Operation      string    `json:"operation"`
	Provider       string    `json:"provider"`
	Payload        string    `json:"payload"`
	Error          string    `json:"error"`
	Attempts       int       `json:"attempts"`
	FirstAttemptAt time.Time `json:"first_attempt_at"`
	LastAttemptAt  time.Time `json:"last_attempt_at"`
}

func toDeadLetterJSON(d storage.DeadLetter) deadLetterJSON {
	return deadLetterJSON{
		ID:             d.ID,
		Operation:      d.Operation,
		Provider:       d.Provider,
		Payload:        d.Payload,
		Error:          d.Error,
		Attempts:       d.Attempts,
		FirstAttemptAt: d.FirstAttemptAt,
		LastAttemptAt:  d.LastAttemptAt,
	}
}
