package clustering

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kalambet/feedweave/internal/metrics"
	"github.com/kalambet/feedweave/internal/retrieval"
	"github.com/kalambet/feedweave/internal/storage"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Unit vectors with pairwise cosines a·b=0.65, b·c=0.70, a·c=0.55.
var (
	vecA = []float32{1, 0, 0}
	vecB = []float32{0.65, 0.759934, 0}
	vecC = []float32{0.55, 0.450697, 0.703116}
)

type fixture struct {
	t     *testing.T
	store *storage.Store
	ctx   context.Context
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return &fixture{t: t, store: s, ctx: context.Background(), now: t0}
}

func (f *fixture) feeds(userID string, ids ...string) {
	f.t.Helper()
	for _, id := range ids {
		if err := f.store.CreateFeed(f.ctx, storage.Feed{ID: id, UserID: userID, URL: "https://" + id + ".example.com/rss"}); err != nil {
			f.t.Fatalf("CreateFeed: %v", err)
		}
	}
}

// article stores an article published age before t0, embedded when vec is
// non-nil.
func (f *fixture) article(feedID, title string, vec []float32, age time.Duration) string {
	f.t.Helper()
	published := t0.Add(-age)
	up, err := f.store.UpsertArticle(f.ctx, storage.Article{
		FeedID: feedID, GUID: feedID + "/" + title, Title: title, Content: title, PublishedAt: &published,
	})
	if err != nil {
		f.t.Fatalf("UpsertArticle: %v", err)
	}
	if vec != nil {
		if err := f.store.CompleteEmbedding(f.ctx, "", up.ID, vec, "hash", t0); err != nil {
			f.t.Fatalf("CompleteEmbedding: %v", err)
		}
	}
	return up.ID
}

func (f *fixture) engine(cfg Config, opts ...Option) *Engine {
	opts = append([]Option{
		WithClock(func() time.Time { return f.now }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	return NewEngine(f.store, cfg, opts...)
}

func TestVectorsMatchScenario(t *testing.T) {
	for _, tt := range []struct {
		a, b []float32
		want float64
	}{
		{vecA, vecB, 0.65},
		{vecB, vecC, 0.70},
		{vecA, vecC, 0.55},
	} {
		if got := retrieval.Cosine(tt.a, tt.b); math.Abs(got-tt.want) > 1e-4 {
			t.Errorf("cosine = %v, want %v", got, tt.want)
		}
	}
}

func TestRunPass_TransitiveMerge(t *testing.T) {
	f := newFixture(t)
	f.feeds("u1", "f1", "f2", "f3", "f4")
	a := f.article("f1", "Storm hits coast", vecA, 3*time.Hour)
	b := f.article("f2", "Coastal storm damage", vecB, 2*time.Hour)
	c := f.article("f3", "Storm recovery begins", vecC, time.Hour)
	f.article("f4", "Unrelated", []float32{0, 0, -1}, time.Hour)

	m := metrics.New()
	res, err := f.engine(Config{}, WithMetrics(m)).RunPass(f.ctx, Options{})
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if res.Candidates != 4 || res.Groups != 1 || res.Discarded != 0 || len(res.Clusters) != 1 {
		t.Fatalf("result = %+v", res)
	}

	cl := res.Clusters[0]
	if cl.ArticleCount != 3 || len(cl.SourceFeeds) != 3 {
		t.Errorf("cluster = %+v, want 3 articles from 3 sources", cl)
	}
	if cl.GenerationMethod != storage.MethodEmbedding {
		t.Errorf("method = %q", cl.GenerationMethod)
	}
	if !cl.TimeframeStart.Equal(t0.Add(-3*time.Hour)) || !cl.TimeframeEnd.Equal(t0.Add(-time.Hour)) {
		t.Errorf("timeframe = %v..%v", cl.TimeframeStart, cl.TimeframeEnd)
	}
	if !cl.ExpiresAt.Equal(cl.TimeframeEnd.Add(DefaultExpiryBuffer)) {
		t.Errorf("expires = %v, want timeframe end + 24h", cl.ExpiresAt)
	}
	if math.Abs(cl.AvgSimilarity-(0.65+0.70+0.55)/3) > 1e-3 {
		t.Errorf("avg similarity = %v", cl.AvgSimilarity)
	}
	// b is closest to the other two on average.
	if cl.Title != "Coastal storm damage" {
		t.Errorf("title = %q, want the central article's", cl.Title)
	}

	members, err := f.store.ClusterArticles(f.ctx, cl.ID)
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]bool{}
	for _, a := range members {
		got[a.ID] = true
	}
	if len(got) != 3 || !got[a] || !got[b] || !got[c] {
		t.Errorf("members = %v", got)
	}
	if n := testutil.ToFloat64(m.ClustersCreated.WithLabelValues(storage.MethodEmbedding)); n != 1 {
		t.Errorf("created metric = %v", n)
	}
}

func TestRunPass_NoBridgeNoMerge(t *testing.T) {
	f := newFixture(t)
	f.feeds("u1", "f1", "f3")
	f.article("f1", "a", vecA, time.Hour)
	f.article("f3", "c", vecC, time.Hour)

	res, err := f.engine(Config{}).RunPass(f.ctx, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Groups != 0 {
		t.Errorf("groups = %d; 0.55 is below the threshold", res.Groups)
	}
}

func TestRunPass_ValidityBounds(t *testing.T) {
	tests := []struct {
		name  string
		feeds []string
	}{
		{"two sources", []string{"f1", "f1", "f2"}},
		{"two articles", []string{"f1", "f2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.feeds("u1", "f1", "f2")
			for i, feedID := range tt.feeds {
				f.article(feedID, string(rune('a'+i)), []float32{1, float32(i) * 0.01}, time.Hour)
			}

			m := metrics.New()
			res, err := f.engine(Config{}, WithMetrics(m)).RunPass(f.ctx, Options{})
			if err != nil {
				t.Fatal(err)
			}
			if res.Groups != 1 || res.Discarded != 1 || len(res.Clusters) != 0 {
				t.Errorf("result = %+v", res)
			}
			if n := testutil.ToFloat64(m.ClustersRejected); n != 1 {
				t.Errorf("rejected metric = %v", n)
			}
			if list, _ := f.store.ListClusters(f.ctx, storage.ClusterQuery{AllScopes: true, IncludeExpired: true}); len(list) != 0 {
				t.Errorf("persisted %d invalid clusters", len(list))
			}
		})
	}
}

func TestRunPass_LoweredBoundsApplyOnNextPass(t *testing.T) {
	f := newFixture(t)
	f.feeds("u1", "f1", "f2")
	f.article("f1", "a", []float32{1, 0}, time.Hour)
	f.article("f2", "b", []float32{1, 0.01}, time.Hour)

	e := f.engine(Config{})
	if res, _ := e.RunPass(f.ctx, Options{}); len(res.Clusters) != 0 {
		t.Fatalf("clusters = %d, want 0", len(res.Clusters))
	}
	res, err := e.RunPass(f.ctx, Options{MinSources: 2, MinArticles: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Clusters) != 1 {
		t.Errorf("clusters with lowered bounds = %d, want 1", len(res.Clusters))
	}
}

func TestRunPass_KeywordFallback(t *testing.T) {
	setup := func(t *testing.T) *fixture {
		f := newFixture(t)
		f.feeds("u1", "f1", "f2", "f3")
		f.article("f1", "Central bank raises interest rates to fight inflation", []float32{1, 0, 0}, time.Hour)
		f.article("f2", "Markets react to policy decision", []float32{0.9, 0.43589, 0}, time.Hour)
		f.article("f3", "Interest rates climb as central bank targets inflation", nil, time.Hour)
		return f
	}

	t.Run("enabled", func(t *testing.T) {
		f := setup(t)
		res, err := f.engine(Config{}).RunPass(f.ctx, Options{KeywordFallback: true})
		if err != nil {
			t.Fatal(err)
		}
		if res.Candidates != 3 || len(res.Clusters) != 1 {
			t.Fatalf("result = %+v", res)
		}
		if got := res.Clusters[0].GenerationMethod; got != storage.MethodHybrid {
			t.Errorf("method = %q, want hybrid", got)
		}
	})

	t.Run("disabled", func(t *testing.T) {
		f := setup(t)
		res, err := f.engine(Config{}).RunPass(f.ctx, Options{})
		if err != nil {
			t.Fatal(err)
		}
		if res.Candidates != 2 || res.Discarded != 1 || len(res.Clusters) != 0 {
			t.Errorf("result = %+v", res)
		}
	})
}

func TestRunPass_KeywordsNeverOverrideEmbeddings(t *testing.T) {
	f := newFixture(t)
	f.feeds("u1", "f1", "f2", "f3")
	title := "Central bank interest rates inflation outlook"
	f.article("f1", title, []float32{1, 0, 0}, time.Hour)
	f.article("f2", title, []float32{0, 1, 0}, time.Hour)
	f.article("f3", title, []float32{0, 0, 1}, time.Hour)

	res, err := f.engine(Config{KeywordFallback: true}).RunPass(f.ctx, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Groups != 0 {
		t.Errorf("groups = %d; embedded articles must not merge on keywords", res.Groups)
	}
}

func TestRunPass_RecomputeReplacesScope(t *testing.T) {
	f := newFixture(t)
	f.feeds("u1", "f1", "f2", "f3")
	f.feeds("u2", "g1")
	ids := []string{
		f.article("f1", "a", vecA, time.Hour),
		f.article("f2", "b", vecB, time.Hour),
		f.article("f3", "c", vecC, time.Hour),
	}
	f.article("g1", "d", vecA, time.Hour)

	e := f.engine(Config{})
	first, err := e.RunPass(f.ctx, Options{UserID: "u1"})
	if err != nil || len(first.Clusters) != 1 {
		t.Fatalf("first pass = %+v, %v", first, err)
	}
	global, err := e.RunPass(f.ctx, Options{})
	if err != nil || len(global.Clusters) != 1 {
		t.Fatalf("global pass = %+v, %v", global, err)
	}

	second, err := e.RunPass(f.ctx, Options{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if second.Replaced != 1 || len(second.Clusters) != 1 || second.Clusters[0].Scope != "u1" {
		t.Errorf("second pass = %+v", second)
	}

	scoped, _ := e.List(f.ctx, ListOptions{Scope: "u1"})
	if len(scoped) != 1 || scoped[0].ID != second.Clusters[0].ID {
		t.Errorf("u1 clusters = %+v", scoped)
	}
	if all, _ := e.List(f.ctx, ListOptions{AllScopes: true}); len(all) != 2 {
		t.Errorf("all clusters = %d, want global and u1", len(all))
	}
	for _, id := range ids {
		a, _ := f.store.GetArticle(f.ctx, id)
		if a.ClusterID != second.Clusters[0].ID {
			t.Errorf("article %s cluster = %q", id, a.ClusterID)
		}
	}

	// u2 has a single article: its pass leaves other scopes alone.
	if res, _ := e.RunPass(f.ctx, Options{UserID: "u2"}); res.Replaced != 0 || res.Candidates != 1 {
		t.Errorf("u2 pass = %+v", res)
	}
	if res, _ := e.RunPass(f.ctx, Options{UserID: "nobody"}); res.Candidates != 0 {
		t.Errorf("pass for user without feeds = %+v", res)
	}
}

func TestRunPass_WindowAndStale(t *testing.T) {
	f := newFixture(t)
	f.feeds("u1", "f1", "f2", "f3")
	// Inside the 48h window, but the newest article is older than the
	// expiry buffer.
	f.article("f1", "a", vecA, 30*time.Hour)
	f.article("f2", "b", vecB, 30*time.Hour)
	f.article("f3", "c", vecC, 30*time.Hour)
	f.article("f3", "old", vecB, 72*time.Hour)

	res, err := f.engine(Config{}).RunPass(f.ctx, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Candidates != 3 || res.Stale != 1 || len(res.Clusters) != 0 {
		t.Errorf("result = %+v", res)
	}

	res, _ = f.engine(Config{ExpiryBuffer: 48 * time.Hour}).RunPass(f.ctx, Options{})
	if len(res.Clusters) != 1 {
		t.Errorf("longer buffer: result = %+v", res)
	}
}

func TestDeleteExpired(t *testing.T) {
	f := newFixture(t)
	f.feeds("u1", "f1", "f2", "f3")
	ids := []string{
		f.article("f1", "a", vecA, 2*time.Hour),
		f.article("f2", "b", vecB, 2*time.Hour),
		f.article("f3", "c", vecC, 2*time.Hour),
	}
	m := metrics.New()
	e := f.engine(Config{}, WithMetrics(m))
	if res, err := e.RunPass(f.ctx, Options{}); err != nil || len(res.Clusters) != 1 {
		t.Fatalf("RunPass = %+v, %v", res, err)
	}

	f.now = t0.Add(21 * time.Hour)
	if n, _ := e.DeleteExpired(f.ctx); n != 0 {
		t.Errorf("deleted %d before expiry", n)
	}

	f.now = t0.Add(22 * time.Hour)
	n, err := e.DeleteExpired(f.ctx)
	if err != nil || n != 1 {
		t.Fatalf("DeleteExpired = %d, %v", n, err)
	}
	for _, id := range ids {
		a, err := f.store.GetArticle(f.ctx, id)
		if err != nil {
			t.Errorf("article %s deleted with its cluster: %v", id, err)
		}
		if a.ClusterID != "" {
			t.Errorf("article %s still references cluster %s", id, a.ClusterID)
		}
	}
	if got := testutil.ToFloat64(m.ClustersExpired); got != 1 {
		t.Errorf("expired metric = %v", got)
	}
}

func TestGetAndDelete(t *testing.T) {
	f := newFixture(t)
	f.feeds("u1", "f1", "f2", "f3")
	f.article("f1", "a", vecA, time.Hour)
	f.article("f2", "b", vecB, time.Hour)
	f.article("f3", "c", vecC, time.Hour)
	e := f.engine(Config{})
	res, _ := e.RunPass(f.ctx, Options{})
	id := res.Clusters[0].ID

	c, members, err := e.Get(f.ctx, id)
	if err != nil || c.ID != id || len(members) != 3 {
		t.Fatalf("Get = %+v, %d members, %v", c, len(members), err)
	}

	if err := e.Delete(f.ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, _, err := e.Get(f.ctx, id); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get after delete err = %v", err)
	}
	if err := e.Delete(f.ctx, id); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second Delete err = %v", err)
	}
	if list, err := e.List(f.ctx, ListOptions{}); err != nil || list == nil || len(list) != 0 {
		t.Errorf("List = %v, %v; want empty slice", list, err)
	}
}

type mockSummarizer struct {
	summarizeFn func(ctx context.Context, articles []storage.Article) (Summary, error)
	calls       [][]storage.Article
}

func (m *mockSummarizer) Summarize(ctx context.Context, articles []storage.Article) (Summary, error) {
	m.calls = append(m.calls, articles)
	return m.summarizeFn(ctx, articles)
}

func TestRunPass_Summaries(t *testing.T) {
	tests := []struct {
		name        string
		summary     Summary
		err         error
		wantTitle   string
		wantSummary string
	}{
		{"generated", Summary{Title: "Storm batters coast", Summary: "A storm hit."}, nil, "Storm batters coast", "A storm hit."},
		{"failure falls back", Summary{}, errors.New("ollama down"), "b", "3 articles from 3 sources"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.feeds("u1", "f1", "f2", "f3")
			f.article("f1", "a", vecA, time.Hour)
			f.article("f2", "b", vecB, time.Hour)
			f.article("f3", "c", vecC, time.Hour)

			s := &mockSummarizer{summarizeFn: func(context.Context, []storage.Article) (Summary, error) {
				return tt.summary, tt.err
			}}
			res, err := f.engine(Config{}, WithSummarizer(s)).RunPass(f.ctx, Options{})
			if err != nil || len(res.Clusters) != 1 {
				t.Fatalf("RunPass = %+v, %v", res, err)
			}
			c := res.Clusters[0]
			if c.Title != tt.wantTitle || c.Summary != tt.wantSummary {
				t.Errorf("title/summary = %q/%q", c.Title, c.Summary)
			}
			if len(s.calls) != 1 || s.calls[0][0].Title != "b" {
				t.Errorf("summarizer should get the central article first, got %+v", s.calls)
			}
		})
	}
}

func TestRelevance_Monotonic(t *testing.T) {
	w := DefaultWeights()
	base := Relevance(w, 3, 3, 6*time.Hour)
	if Relevance(w, 4, 3, 6*time.Hour) <= base {
		t.Error("more articles must score higher")
	}
	if Relevance(w, 3, 4, 6*time.Hour) <= base {
		t.Error("more sources must score higher")
	}
	if Relevance(w, 3, 3, time.Hour) <= base {
		t.Error("more recent must score higher")
	}
	if Relevance(w, 3, 3, -time.Hour) != Relevance(w, 3, 3, 0) {
		t.Error("future timeframe end should count as age zero")
	}
}

func TestRunPass_OrdersByRelevance(t *testing.T) {
	f := newFixture(t)
	f.feeds("u1", "f1", "f2", "f3", "f4")
	for i, feedID := range []string{"f1", "f2", "f3"} {
		f.article(feedID, "small"+string(rune('a'+i)), []float32{1, 0, float32(i) * 0.01}, 5*time.Hour)
	}
	for i, feedID := range []string{"f1", "f2", "f3", "f4"} {
		f.article(feedID, "big"+string(rune('a'+i)), []float32{0, 1, float32(i) * 0.01}, time.Hour)
	}

	res, err := f.engine(Config{}).RunPass(f.ctx, Options{})
	if err != nil || len(res.Clusters) != 2 {
		t.Fatalf("RunPass = %+v, %v", res, err)
	}
	if res.Clusters[0].ArticleCount != 4 || res.Clusters[0].RelevanceScore <= res.Clusters[1].RelevanceScore {
		t.Errorf("clusters not ordered by relevance: %+v", res.Clusters)
	}
	list, _ := f.engine(Config{}).List(f.ctx, ListOptions{})
	if len(list) != 2 || list[0].ID != res.Clusters[0].ID {
		t.Errorf("List order = %+v", list)
	}
}
