package api

import (
	"context"
	"time"

	"github.com/kalambet/feedweave/internal/clustering"
	"github.com/kalambet/feedweave/internal/ingest"
	"github.com/kalambet/feedweave/internal/pipeline"
	"github.com/kalambet/feedweave/internal/retrieval"
	"github.com/kalambet/feedweave/internal/scheduler"
	"github.com/kalambet/feedweave/internal/storage"
)

// mockService answers with zero values unless a func field is set.
type mockService struct {
	syncFn          func(ctx context.Context, batchLimit int) ([]scheduler.Outcome, error)
	feedHealthFn    func(ctx context.Context, feedID string, days int) (scheduler.FeedHealth, error)
	allHealthFn     func(ctx context.Context, userID string) ([]scheduler.FeedHealth, error)
	drainFn         func(ctx context.Context, limit int) (ingest.DrainResult, error)
	deadLettersFn   func(ctx context.Context, limit int) ([]storage.DeadLetter, error)
	requeueFn       func(ctx context.Context, id string) (string, error)
	clusterPassFn   func(ctx context.Context, opts clustering.Options) (clustering.PassResult, error)
	clustersFn      func(ctx context.Context, opts clustering.ListOptions) ([]storage.Cluster, error)
	clusterFn       func(ctx context.Context, id string) (storage.Cluster, []storage.Article, error)
	sweepFn         func(ctx context.Context) (int, error)
	deleteClusterFn func(ctx context.Context, id string) error
	similarFn       func(ctx context.Context, articleID, userID string) (retrieval.Result, error)
	subscribeFn     func(ctx context.Context, s pipeline.Subscription) (storage.Feed, error)
	unsubscribeFn   func(ctx context.Context, feedID string) error
	importFn        func(ctx context.Context, userID string, f pipeline.SubscriptionFile, discover bool) (pipeline.ImportResult, error)
	listFeedsFn     func(ctx context.Context, userID string) ([]storage.Feed, error)
	priorityFn      func(ctx context.Context, feedID, priority string) error
	intervalFn      func(ctx context.Context, feedID string, interval time.Duration) error
	pauseFn         func(ctx context.Context, feedID string) error
	resumeFn        func(ctx context.Context, feedID string) error
	statusFn        func(ctx context.Context) (pipeline.Status, error)
}

func (m *mockService) RunSchedulerPass(ctx context.Context, batchLimit int) ([]scheduler.Outcome, error) {
	if m.syncFn == nil {
		return nil, nil
	}
	return m.syncFn(ctx, batchLimit)
}

func (m *mockService) GetFeedHealthStats(ctx context.Context, feedID string, days int) (scheduler.FeedHealth, error) {
	if m.feedHealthFn == nil {
		return scheduler.FeedHealth{}, nil
	}
	return m.feedHealthFn(ctx, feedID, days)
}

func (m *mockService) GetAllFeedsHealthStats(ctx context.Context, userID string) ([]scheduler.FeedHealth, error) {
	if m.allHealthFn == nil {
		return nil, nil
	}
	return m.allHealthFn(ctx, userID)
}

func (m *mockService) RunEmbeddingQueueDrain(ctx context.Context, limit int) (ingest.DrainResult, error) {
	if m.drainFn == nil {
		return ingest.DrainResult{}, nil
	}
	return m.drainFn(ctx, limit)
}

func (m *mockService) ListDeadLetters(ctx context.Context, limit int) ([]storage.DeadLetter, error) {
	if m.deadLettersFn == nil {
		return nil, nil
	}
	return m.deadLettersFn(ctx, limit)
}

func (m *mockService) RequeueDeadLetter(ctx context.Context, id string) (string, error) {
	if m.requeueFn == nil {
		return "", nil
	}
	return m.requeueFn(ctx, id)
}

func (m *mockService) RunClusteringPass(ctx context.Context, opts clustering.Options) (clustering.PassResult, error) {
	if m.clusterPassFn == nil {
		return clustering.PassResult{}, nil
	}
	return m.clusterPassFn(ctx, opts)
}

func (m *mockService) GetClusters(ctx context.Context, opts clustering.ListOptions) ([]storage.Cluster, error) {
	if m.clustersFn == nil {
		return nil, nil
	}
	return m.clustersFn(ctx, opts)
}

func (m *mockService) GetCluster(ctx context.Context, id string) (storage.Cluster, []storage.Article, error) {
	if m.clusterFn == nil {
		return storage.Cluster{}, nil, storage.ErrNotFound
	}
	return m.clusterFn(ctx, id)
}

func (m *mockService) DeleteExpiredClusters(ctx context.Context) (int, error) {
	if m.sweepFn == nil {
		return 0, nil
	}
	return m.sweepFn(ctx)
}

func (m *mockService) DeleteCluster(ctx context.Context, id string) error {
	if m.deleteClusterFn == nil {
		return nil
	}
	return m.deleteClusterFn(ctx, id)
}

func (m *mockService) FindSimilarArticles(ctx context.Context, articleID, userID string) (retrieval.Result, error) {
	if m.similarFn == nil {
		return retrieval.Result{}, nil
	}
	return m.similarFn(ctx, articleID, userID)
}

func (m *mockService) Subscribe(ctx context.Context, s pipeline.Subscription) (storage.Feed, error) {
	if m.subscribeFn == nil {
		return storage.Feed{}, nil
	}
	return m.subscribeFn(ctx, s)
}

func (m *mockService) Unsubscribe(ctx context.Context, feedID string) error {
	if m.unsubscribeFn == nil {
		return nil
	}
	return m.unsubscribeFn(ctx, feedID)
}

func (m *mockService) Import(ctx context.Context, userID string, f pipeline.SubscriptionFile, discover bool) (pipeline.ImportResult, error) {
	if m.importFn == nil {
		return pipeline.ImportResult{}, nil
	}
	return m.importFn(ctx, userID, f, discover)
}

func (m *mockService) ListFeeds(ctx context.Context, userID string) ([]storage.Feed, error) {
	if m.listFeedsFn == nil {
		return nil, nil
	}
	return m.listFeedsFn(ctx, userID)
}

func (m *mockService) SetFeedPriority(ctx context.Context, feedID, priority string) error {
	if m.priorityFn == nil {
		return nil
	}
	return m.priorityFn(ctx, feedID, priority)
}

func (m *mockService) SetFeedInterval(ctx context.Context, feedID string, interval time.Duration) error {
	if m.intervalFn == nil {
		return nil
	}
	return m.intervalFn(ctx, feedID, interval)
}

func (m *mockService) PauseFeed(ctx context.Context, feedID string) error {
	if m.pauseFn == nil {
		return nil
	}
	return m.pauseFn(ctx, feedID)
}

func (m *mockService) ResumeFeed(ctx context.Context, feedID string) error {
	if m.resumeFn == nil {
		return nil
	}
	return m.resumeFn(ctx, feedID)
}

func (m *mockService) Status(ctx context.Context) (pipeline.Status, error) {
	if m.statusFn == nil {
		return pipeline.Status{}, nil
	}
	return m.statusFn(ctx)
}

var _ Service = (*mockService)(nil)
