// Package api exposes the pipeline over HTTP and as MCP tools.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/feedweave/internal/clustering"
	"github.com/kalambet/feedweave/internal/ingest"
	"github.com/kalambet/feedweave/internal/pipeline"
	"github.com/kalambet/feedweave/internal/retrieval"
	"github.com/kalambet/feedweave/internal/scheduler"
	"github.com/kalambet/feedweave/internal/storage"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	maxImportBodySize  = 5 << 20 // 5MB
)

// Service is the pipeline surface the HTTP and MCP layers call.
type Service interface {
	RunSchedulerPass(ctx context.Context, batchLimit int) ([]scheduler.Outcome, error)
	GetFeedHealthStats(ctx context.Context, feedID string, days int) (scheduler.FeedHealth, error)
	GetAllFeedsHealthStats(ctx context.Context, userID string) ([]scheduler.FeedHealth, error)
	RunEmbeddingQueueDrain(ctx context.Context, limit int) (ingest.DrainResult, error)
	ListDeadLetters(ctx context.Context, limit int) ([]storage.DeadLetter, error)
	RequeueDeadLetter(ctx context.Context, id string) (string, error)
	RunClusteringPass(ctx context.Context, opts clustering.Options) (clustering.PassResult, error)
	GetClusters(ctx context.Context, opts clustering.ListOptions) ([]storage.Cluster, error)
	GetCluster(ctx context.Context, id string) (storage.Cluster, []storage.Article, error)
	DeleteExpiredClusters(ctx context.Context) (int, error)
	DeleteCluster(ctx context.Context, id string) error
	FindSimilarArticles(ctx context.Context, articleID, userID string) (retrieval.Result, error)
	Subscribe(ctx context.Context, s pipeline.Subscription) (storage.Feed, error)
	Unsubscribe(ctx context.Context, feedID string) error
	Import(ctx context.Context, userID string, f pipeline.SubscriptionFile, discover bool) (pipeline.ImportResult, error)
	ListFeeds(ctx context.Context, userID string) ([]storage.Feed, error)
	SetFeedPriority(ctx context.Context, feedID, priority string) error
	SetFeedInterval(ctx context.Context, feedID string, interval time.Duration) error
	PauseFeed(ctx context.Context, feedID string) error
	ResumeFeed(ctx context.Context, feedID string) error
	Status(ctx context.Context) (pipeline.Status, error)
}

type AppDeps struct {
	Service Service
	Token   string
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// FeedLink is the site link advertised by /clusters.rss.
	FeedLink string
}

// NewAppHandler returns the HTTP surface. /health, /metrics and
// /clusters.rss are public; everything under /api requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}
	r.Get("/clusters.rss", handleClustersRSS(deps))

	r.Route("/api", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/status", handleStatus(deps))

		r.Get("/feeds", handleListFeeds(deps))
		r.Post("/feeds", handleSubscribe(deps))
		r.Post("/feeds/import", handleImport(deps))
		r.Get("/feeds/health", handleAllFeedsHealth(deps))
		r.Get("/feeds/{id}/health", handleFeedHealth(deps))
		r.Patch("/feeds/{id}", handleUpdateFeed(deps))
		r.Delete("/feeds/{id}", handleUnsubscribe(deps))

		r.Post("/sync", handleSync(deps))
		r.Post("/queue/drain", handleDrain(deps))
		r.Get("/deadletters", handleListDeadLetters(deps))
		r.Post("/deadletters/{id}/requeue", handleRequeue(deps))

		r.Post("/clusters/run", handleRunClustering(deps))
		r.Post("/clusters/sweep", handleSweepClusters(deps))
		r.Get("/clusters", handleListClusters(deps))
		r.Get("/clusters/{id}", handleGetCluster(deps))
		r.Delete("/clusters/{id}", handleDeleteCluster(deps))

		r.Get("/articles/{id}/similar", handleSimilar(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Service.Status(r.Context())
		if err != nil {
			failWith(w, err, "status")
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleListFeeds(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		feeds, err := deps.Service.ListFeeds(r.Context(), r.URL.Query().Get("user_id"))
		if err != nil {
			failWith(w, err, "feeds")
			return
		}
		out := make([]feedJSON, len(feeds))
		for i, f := range feeds {
			out[i] = toFeedJSON(f)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

type subscribeRequest struct {
	UserID   string `json:"user_id"`
	URL      string `json:"url"`
	Title    string `json:"title"`
	Priority string `json:"priority"`
	Interval string `json:"interval"`
	Discover bool   `json:"discover"`
}

func handleSubscribe(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req subscribeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		var interval time.Duration
		if req.Interval != "" {
			d, err := time.ParseDuration(req.Interval)
			if err != nil || d <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid interval %q", req.Interval)
				return
			}
			interval = d
		}

		f, err := deps.Service.Subscribe(r.Context(), pipeline.Subscription{
			UserID:   req.UserID,
			URL:      req.URL,
			Title:    req.Title,
			Priority: req.Priority,
			Interval: interval,
			Discover: req.Discover,
		})
		if err != nil {
			failWith(w, err, "feed")
			return
		}
		writeJSON(w, http.StatusCreated, toFeedJSON(f))
	}
}

func handleImport(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxImportBodySize)
		defer r.Body.Close()

		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id is required")
			return
		}
		f, err := pipeline.ParseSubscriptions(r.Body)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		res, err := deps.Service.Import(r.Context(), userID, f, parseBoolParam(r, "discover"))
		if err != nil {
			failWith(w, err, "import")
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleAllFeedsHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Service.GetAllFeedsHealthStats(r.Context(), r.URL.Query().Get("user_id"))
		if err != nil {
			failWith(w, err, "feed health")
			return
		}
		if stats == nil {
			stats = []scheduler.FeedHealth{}
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func handleFeedHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		days := parseIntParam(r, "days", scheduler.DefaultHealthDays, 365)
		h, err := deps.Service.GetFeedHealthStats(r.Context(), chi.URLParam(r, "id"), days)
		if err != nil {
			failWith(w, err, "feed")
			return
		}
		writeJSON(w, http.StatusOK, h)
	}
}

// updateFeedRequest changes any subset of a feed's settings. An interval of
// "" leaves it alone and "tier" drops the override.
type updateFeedRequest struct {
	Priority *string `json:"priority"`
	Interval *string `json:"interval"`
	Paused   *bool   `json:"paused"`
}

func handleUpdateFeed(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req updateFeedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		id := chi.URLParam(r, "id")
		ctx := r.Context()

		var interval time.Duration
		if req.Interval != nil && *req.Interval != "tier" {
			d, err := time.ParseDuration(*req.Interval)
			if err != nil || d <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid interval %q", *req.Interval)
				return
			}
			interval = d
		}

		if req.Priority != nil {
			if err := deps.Service.SetFeedPriority(ctx, id, *req.Priority); err != nil {
				failWith(w, err, "feed")
				return
			}
		}
		if req.Interval != nil {
			if err := deps.Service.SetFeedInterval(ctx, id, interval); err != nil {
				failWith(w, err, "feed")
				return
			}
		}
		if req.Paused != nil {
			var err error
			if *req.Paused {
				err = deps.Service.PauseFeed(ctx, id)
			} else {
				err = deps.Service.ResumeFeed(ctx, id)
			}
			if err != nil {
				failWith(w, err, "feed")
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	}
}

func handleUnsubscribe(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Service.Unsubscribe(r.Context(), chi.URLParam(r, "id")); err != nil {
			failWith(w, err, "feed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleSync(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		outcomes, err := deps.Service.RunSchedulerPass(r.Context(), parseIntParam(r, "limit", 0, 1000))
		if err != nil {
			failWith(w, err, "scheduler pass")
			return
		}
		if outcomes == nil {
			outcomes = []scheduler.Outcome{}
		}
		writeJSON(w, http.StatusOK, outcomes)
	}
}

func handleDrain(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := deps.Service.RunEmbeddingQueueDrain(r.Context(), parseIntParam(r, "limit", 0, 1000))
		if err != nil {
			failWith(w, err, "queue drain")
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleListDeadLetters(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dls, err := deps.Service.ListDeadLetters(r.Context(), parseIntParam(r, "limit", 50, 500))
		if err != nil {
			failWith(w, err, "dead letters")
			return
		}
		out := make([]deadLetterJSON, len(dls))
		for i, d := range dls {
			out[i] = toDeadLetterJSON(d)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleRequeue(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		articleID, err := deps.Service.RequeueDeadLetter(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			failWith(w, err, "dead letter")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "requeued", "article_id": articleID})
	}
}

type clusterRunRequest struct {
	UserID          string  `json:"user_id"`
	Window          string  `json:"window"`
	Threshold       float64 `json:"threshold"`
	MinSources      int     `json:"min_sources"`
	MinArticles     int     `json:"min_articles"`
	KeywordFallback bool    `json:"keyword_fallback"`
}

func handleRunClustering(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req clusterRunRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
				return
			}
		}
		opts := clustering.Options{
			UserID:          req.UserID,
			Threshold:       req.Threshold,
			MinSources:      req.MinSources,
			MinArticles:     req.MinArticles,
			KeywordFallback: req.KeywordFallback,
		}
		if req.Window != "" {
			d, err := time.ParseDuration(req.Window)
			if err != nil || d <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid window %q", req.Window)
				return
			}
			opts.Window = d
		}
		if opts.Threshold < 0 || opts.Threshold > 1 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "threshold must be within [0, 1]")
			return
		}

		res, err := deps.Service.RunClusteringPass(r.Context(), opts)
		if err != nil {
			failWith(w, err, "clustering pass")
			return
		}
		out := passJSON{
			Scope:      res.Scope,
			Candidates: res.Candidates,
			Groups:     res.Groups,
			Discarded:  res.Discarded,
			Stale:      res.Stale,
			Replaced:   res.Replaced,
			Clusters:   make([]clusterJSON, len(res.Clusters)),
		}
		for i, c := range res.Clusters {
			out.Clusters[i] = toClusterJSON(c)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleSweepClusters(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Service.DeleteExpiredClusters(r.Context())
		if err != nil {
			failWith(w, err, "cluster sweep")
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
	}
}

func handleListClusters(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		clusters, err := deps.Service.GetClusters(r.Context(), clustering.ListOptions{
			Scope:          q.Get("scope"),
			AllScopes:      parseBoolParam(r, "all"),
			IncludeExpired: parseBoolParam(r, "include_expired"),
			Limit:          parseIntParam(r, "limit", clustering.DefaultListLimit, 500),
		})
		if err != nil {
			failWith(w, err, "clusters")
			return
		}
		out := make([]clusterJSON, len(clusters))
		for i, c := range clusters {
			out[i] = toClusterJSON(c)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetCluster(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, members, err := deps.Service.GetCluster(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			failWith(w, err, "cluster")
			return
		}
		out := clusterDetailJSON{clusterJSON: toClusterJSON(c), Articles: make([]articleJSON, len(members))}
		for i, a := range members {
			out.Articles[i] = toArticleJSON(a)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleDeleteCluster(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Service.DeleteCluster(r.Context(), chi.URLParam(r, "id")); err != nil {
			failWith(w, err, "cluster")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleSimilar(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := deps.Service.FindSimilarArticles(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("user_id"))
		if err != nil {
			failWith(w, err, "article")
			return
		}
		if res.Articles == nil {
			res.Articles = []retrieval.SimilarArticle{}
		}
		writeJSON(w, http.StatusOK, res)
	}
}

var _ Service = (*pipeline.Pipeline)(nil)
