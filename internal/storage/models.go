package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyCompleted is returned when a sync log is completed a second time.
var ErrAlreadyCompleted = errors.New("sync log already completed")

type FeedStatus string

const (
	FeedActive FeedStatus = "active"
	FeedPaused FeedStatus = "paused"
	FeedError  FeedStatus = "error"
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// ParsePriority accepts high, medium or low (case-insensitive).
func ParsePriority(s string) (Priority, bool) {
	switch Priority(strings.ToLower(strings.TrimSpace(s))) {
	case PriorityHigh:
		return PriorityHigh, true
	case PriorityMedium:
		return PriorityMedium, true
	case PriorityLow:
		return PriorityLow, true
	}
	return "", false
}

type Feed struct {
	ID                  string
	UserID              string
	Title               string
	URL                 string
	Status              FeedStatus
	Priority            Priority
	SyncInterval        time.Duration
	IntervalOverride    bool
	NextSyncAt          *time.Time
	LastFetchedAt       *time.Time
	ETag                string
	LastModified        string
	ConsecutiveFailures int
	LastError           string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

type SyncStatus string

const (
	SyncInProgress SyncStatus = "in_progress"
	SyncSuccess    SyncStatus = "success"
	SyncError      SyncStatus = "error"
)

type SyncLog struct {
	ID              string
	FeedID          string
	Status          SyncStatus
	StartedAt       time.Time
	CompletedAt     *time.Time
	DurationMs      int64
	HTTPStatusCode  int
	ArticlesFound   int
	ArticlesNew     int
	ArticlesUpdated int
	ErrorMessage    string
}

// SyncStats aggregates sync logs of one feed over a window.
type SyncStats struct {
	Total         int
	Succeeded     int
	Failed        int
	AvgDurationMs float64
	LastSuccessAt *time.Time
	LastErrorAt   *time.Time
	LastError     string
}

type EmbeddingStatus string

const (
	EmbeddingPending   EmbeddingStatus = "pending"
	EmbeddingCompleted EmbeddingStatus = "completed"
	EmbeddingFailed    EmbeddingStatus = "failed"
)

type Article struct {
	ID              string
	FeedID          string
	GUID            string
	Title           string
	URL             string
	Content         string
	Author          string
	PublishedAt     *time.Time
	Embedding       []float32
	EmbeddingStatus EmbeddingStatus
	ContentHash     string
	EmbeddedAt      *time.Time
	ClusterID       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// EmbeddingText is the text handed to the embedding provider.
func (a Article) EmbeddingText() string {
	title := strings.TrimSpace(a.Title)
	content := strings.TrimSpace(a.Content)
	switch {
	case title == "":
		return content
	case content == "":
		return title
	}
	return title + "\n\n" + content
}

// Timestamp is the publication time, falling back to ingestion time.
func (a Article) Timestamp() time.Time {
	if a.PublishedAt != nil {
		return *a.PublishedAt
	}
	return a.CreatedAt
}

// HashText returns the hex sha256 of s.
func HashText(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// UpsertResult reports what UpsertArticle did.
type UpsertResult struct {
	ID             string
	Created        bool
	ContentChanged bool
	// NeedsEmbedding is set for new articles and for articles whose text no
	// longer matches the hash of their stored embedding.
	NeedsEmbedding bool
}

type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
)

type QueueItem struct {
	ID        string
	ArticleID string
	// UserID owns the article's feed. Filled by ClaimQueueItems.
	UserID         string
	Priority       int
	Attempts       int
	MaxAttempts    int
	Status         QueueStatus
	FirstAttemptAt *time.Time
	LastAttemptAt  *time.Time
	NextAttemptAt  time.Time
	ErrorMessage   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// QueueFailure describes one failed processing attempt.
type QueueFailure struct {
	ItemID    string
	Error     string
	At        time.Time
	Permanent bool
	// RetryAt is used when the item stays pending.
	RetryAt  time.Time
	Provider string
}

// FailOutcome is the state of a queue item after FailQueueItem.
type FailOutcome struct {
	Attempts     int
	DeadLettered bool
	DeadLetterID string
}

// QueueCounts is a snapshot of the live queue.
type QueueCounts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	DeadLetter int `json:"dead_letter"`
}

const OperationEmbed = "embed"

type DeadLetter struct {
	ID             string
	Operation      string
	Provider       string
	Payload        string
	Error          string
	Attempts       int
	FirstAttemptAt time.Time
	LastAttemptAt  time.Time
	CreatedAt      time.Time
}

// EmbedPayload is the dead-letter payload of an embedding queue item.
type EmbedPayload struct {
	ArticleID string `json:"article_id"`
	Priority  int    `json:"priority"`
}

const (
	MethodEmbedding = "embedding"
	MethodKeyword   = "keyword"
	MethodHybrid    = "hybrid"
)

type Cluster struct {
	ID               string
	Scope            string
	Title            string
	Summary          string
	ArticleCount     int
	SourceFeeds      []string
	TimeframeStart   time.Time
	TimeframeEnd     time.Time
	ExpiresAt        time.Time
	AvgSimilarity    float64
	RelevanceScore   float64
	GenerationMethod string
	CreatedAt        time.Time
}

// ClusterQuery filters ListClusters. An empty Scope with AllScopes unset
// selects global clusters only.
type ClusterQuery struct {
	Scope          string
	AllScopes      bool
	IncludeExpired bool
	Now            time.Time
	Limit          int
}

// ArticleFilter restricts embedded-article listings.
type ArticleFilter struct {
	FeedIDs    []string
	AllFeeds   bool
	Since      time.Time
	ExcludeID  string
	Limit      int
	Unembedded bool
}
