package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/feedweave/internal/clustering"
	"github.com/kalambet/feedweave/internal/ingest"
	"github.com/kalambet/feedweave/internal/metrics"
	"github.com/kalambet/feedweave/internal/pipeline"
	"github.com/kalambet/feedweave/internal/retrieval"
	"github.com/kalambet/feedweave/internal/scheduler"
	"github.com/kalambet/feedweave/internal/storage"
)

const testToken = "test-token-12345"

func setupAppHandler(t *testing.T, svc *mockService) http.Handler {
	t.Helper()
	return NewAppHandler(AppDeps{
		Service:  svc,
		Token:    testToken,
		Metrics:  metrics.New().Handler(),
		FeedLink: "https://feedweave.example/",
	})
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
}

func TestAuth(t *testing.T) {
	h := setupAppHandler(t, &mockService{})

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "nope", http.StatusUnauthorized},
		{"valid", testToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(h, authReq(http.MethodGet, "/api/status", "", tt.token))
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestAuth_NoTokenConfigured(t *testing.T) {
	h := NewAppHandler(AppDeps{Service: &mockService{}})
	rr := serve(h, authReq(http.MethodGet, "/api/status", "", ""))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rr.Code)
	}
}

func TestPublicEndpoints(t *testing.T) {
	h := setupAppHandler(t, &mockService{})

	rr := serve(h, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("/health status = %d", rr.Code)
	}
	rr = serve(h, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "feedweave_") {
		t.Errorf("/metrics status = %d, body lacks feedweave metrics", rr.Code)
	}
}

func TestSubscribe(t *testing.T) {
	var got pipeline.Subscription
	svc := &mockService{subscribeFn: func(_ context.Context, s pipeline.Subscription) (storage.Feed, error) {
		got = s
		return storage.Feed{
			ID: "f1", UserID: s.UserID, URL: s.URL, Status: storage.FeedActive,
			Priority: storage.PriorityHigh, SyncInterval: s.Interval, IntervalOverride: true,
		}, nil
	}}
	h := setupAppHandler(t, svc)

	body := `{"user_id":"u1","url":"https://example.com/rss","priority":"high","interval":"2h","discover":true}`
	rr := serve(h, authReq(http.MethodPost, "/api/feeds", body, testToken))
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if got.Interval != 2*time.Hour || !got.Discover || got.Priority != "high" {
		t.Errorf("subscription = %+v", got)
	}
	var f feedJSON
	decode(t, rr, &f)
	if f.ID != "f1" || f.SyncInterval != "2h0m0s" || !f.IntervalOverride {
		t.Errorf("feed = %+v", f)
	}
}

func TestSubscribe_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"bad json", `{`, nil, http.StatusBadRequest},
		{"bad interval", `{"user_id":"u1","url":"https://x.test/","interval":"soon"}`, nil, http.StatusBadRequest},
		{"invalid url", `{"user_id":"u1","url":"ftp://x"}`, pipeline.ErrInvalidURL, http.StatusBadRequest},
		{"no user", `{"url":"https://x.test/"}`, pipeline.ErrUserRequired, http.StatusBadRequest},
		{"duplicate", `{"user_id":"u1","url":"https://x.test/"}`, fmt.Errorf("x: %w", pipeline.ErrAlreadySubscribed), http.StatusConflict},
		{"store", `{"user_id":"u1","url":"https://x.test/"}`, errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockService{subscribeFn: func(context.Context, pipeline.Subscription) (storage.Feed, error) {
				return storage.Feed{}, tt.err
			}}
			rr := serve(setupAppHandler(t, svc), authReq(http.MethodPost, "/api/feeds", tt.body, testToken))
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d; body = %s", rr.Code, tt.want, rr.Body.String())
			}
		})
	}
}

func TestImport(t *testing.T) {
	var gotUser string
	var gotFeeds int
	svc := &mockService{importFn: func(_ context.Context, userID string, f pipeline.SubscriptionFile, _ bool) (pipeline.ImportResult, error) {
		gotUser, gotFeeds = userID, len(f.Feeds)
		return pipeline.ImportResult{Added: len(f.Feeds)}, nil
	}}
	h := setupAppHandler(t, svc)

	body := "feeds:\n  - url: https://a.test/rss\n  - url: https://b.test/rss\n"
	rr := serve(h, authReq(http.MethodPost, "/api/feeds/import?user_id=u1", body, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if gotUser != "u1" || gotFeeds != 2 {
		t.Errorf("import called with %q, %d feeds", gotUser, gotFeeds)
	}

	rr = serve(h, authReq(http.MethodPost, "/api/feeds/import", body, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("without user_id status = %d, want 400", rr.Code)
	}
	rr = serve(h, authReq(http.MethodPost, "/api/feeds/import?user_id=u1", "feeds: [", testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("malformed yaml status = %d, want 400", rr.Code)
	}
}

func TestUpdateFeed(t *testing.T) {
	var calls []string
	svc := &mockService{
		priorityFn: func(_ context.Context, id, p string) error {
			calls = append(calls, "priority:"+p)
			return nil
		},
		intervalFn: func(_ context.Context, id string, d time.Duration) error {
			calls = append(calls, "interval:"+d.String())
			return nil
		},
		pauseFn: func(_ context.Context, id string) error {
			calls = append(calls, "pause")
			return nil
		},
		resumeFn: func(_ context.Context, id string) error {
			calls = append(calls, "resume")
			return nil
		},
	}
	h := setupAppHandler(t, svc)

	rr := serve(h, authReq(http.MethodPatch, "/api/feeds/f1", `{"priority":"low","interval":"30m","paused":true}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	want := "priority:low,interval:30m0s,pause"
	if got := strings.Join(calls, ","); got != want {
		t.Errorf("calls = %s, want %s", got, want)
	}

	calls = nil
	serve(h, authReq(http.MethodPatch, "/api/feeds/f1", `{"interval":"tier","paused":false}`, testToken))
	if got := strings.Join(calls, ","); got != "interval:0s,resume" {
		t.Errorf("calls = %s", got)
	}

	rr = serve(h, authReq(http.MethodPatch, "/api/feeds/f1", `{"interval":"-1h"}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("negative interval status = %d, want 400", rr.Code)
	}
}

func TestNotFoundMapping(t *testing.T) {
	wrapped := fmt.Errorf("loading: %w", storage.ErrNotFound)
	svc := &mockService{
		unsubscribeFn: func(context.Context, string) error { return wrapped },
		feedHealthFn: func(context.Context, string, int) (scheduler.FeedHealth, error) {
			return scheduler.FeedHealth{}, wrapped
		},
		requeueFn:       func(context.Context, string) (string, error) { return "", wrapped },
		deleteClusterFn: func(context.Context, string) error { return wrapped },
		similarFn:       func(context.Context, string, string) (retrieval.Result, error) { return retrieval.Result{}, wrapped },
	}
	h := setupAppHandler(t, svc)

	for _, r := range []struct{ method, path string }{
		{http.MethodDelete, "/api/feeds/x"},
		{http.MethodGet, "/api/feeds/x/health"},
		{http.MethodPost, "/api/deadletters/x/requeue"},
		{http.MethodGet, "/api/clusters/x"},
		{http.MethodDelete, "/api/clusters/x"},
		{http.MethodGet, "/api/articles/x/similar"},
	} {
		rr := serve(h, authReq(r.method, r.path, "", testToken))
		if rr.Code != http.StatusNotFound {
			t.Errorf("%s %s status = %d, want 404", r.method, r.path, rr.Code)
		}
	}
}

func TestFeedHealth_DaysParam(t *testing.T) {
	var gotDays int
	svc := &mockService{feedHealthFn: func(_ context.Context, id string, days int) (scheduler.FeedHealth, error) {
		gotDays = days
		return scheduler.FeedHealth{FeedID: id, Days: days}, nil
	}}
	h := setupAppHandler(t, svc)

	serve(h, authReq(http.MethodGet, "/api/feeds/f1/health", "", testToken))
	if gotDays != scheduler.DefaultHealthDays {
		t.Errorf("default days = %d", gotDays)
	}
	rr := serve(h, authReq(http.MethodGet, "/api/feeds/f1/health?days=30", "", testToken))
	var fh scheduler.FeedHealth
	decode(t, rr, &fh)
	if gotDays != 30 || fh.FeedID != "f1" {
		t.Errorf("days = %d, health = %+v", gotDays, fh)
	}
}

func TestSyncAndDrain(t *testing.T) {
	var syncLimit, drainLimit int
	svc := &mockService{
		syncFn: func(_ context.Context, n int) ([]scheduler.Outcome, error) {
			syncLimit = n
			return []scheduler.Outcome{{FeedID: "f1", Status: "success", New: 3}}, nil
		},
		drainFn: func(_ context.Context, n int) (ingest.DrainResult, error) {
			drainLimit = n
			return ingest.DrainResult{Claimed: 3, Processed: 3}, nil
		},
	}
	h := setupAppHandler(t, svc)

	rr := serve(h, authReq(http.MethodPost, "/api/sync?limit=10", "", testToken))
	var outcomes []scheduler.Outcome
	decode(t, rr, &outcomes)
	if syncLimit != 10 || len(outcomes) != 1 || outcomes[0].New != 3 {
		t.Errorf("sync limit = %d, outcomes = %+v", syncLimit, outcomes)
	}

	rr = serve(h, authReq(http.MethodPost, "/api/queue/drain", "", testToken))
	var res ingest.DrainResult
	decode(t, rr, &res)
	if drainLimit != 0 || res.Processed != 3 {
		t.Errorf("drain limit = %d, result = %+v", drainLimit, res)
	}
}

func TestDeadLetters(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := &mockService{
		deadLettersFn: func(context.Context, int) ([]storage.DeadLetter, error) {
			return []storage.DeadLetter{{ID: "d1", Operation: storage.OperationEmbed, Provider: "ollama/nomic", Attempts: 3, LastAttemptAt: now}}, nil
		},
		requeueFn: func(_ context.Context, id string) (string, error) { return "a1", nil },
	}
	h := setupAppHandler(t, svc)

	rr := serve(h, authReq(http.MethodGet, "/api/deadletters", "", testToken))
	var dls []deadLetterJSON
	decode(t, rr, &dls)
	if len(dls) != 1 || dls[0].Provider != "ollama/nomic" || dls[0].Attempts != 3 {
		t.Errorf("dead letters = %+v", dls)
	}

	rr = serve(h, authReq(http.MethodPost, "/api/deadletters/d1/requeue", "", testToken))
	var out map[string]string
	decode(t, rr, &out)
	if out["article_id"] != "a1" {
		t.Errorf("requeue = %v", out)
	}
}

func TestRunClustering(t *testing.T) {
	var got clustering.Options
	svc := &mockService{clusterPassFn: func(_ context.Context, o clustering.Options) (clustering.PassResult, error) {
		got = o
		return clustering.PassResult{
			Scope: o.UserID, Candidates: 9, Groups: 2, Discarded: 1,
			Clusters: []storage.Cluster{{ID: "c1", Title: "Storm", ArticleCount: 3, SourceFeeds: []string{"a", "b", "c"}}},
		}, nil
	}}
	h := setupAppHandler(t, svc)

	body := `{"user_id":"u1","window":"24h","threshold":0.7,"min_sources":2,"keyword_fallback":true}`
	rr := serve(h, authReq(http.MethodPost, "/api/clusters/run", body, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	want := clustering.Options{UserID: "u1", Window: 24 * time.Hour, Threshold: 0.7, MinSources: 2, KeywordFallback: true}
	if got != want {
		t.Errorf("options = %+v, want %+v", got, want)
	}
	var res passJSON
	decode(t, rr, &res)
	if res.Candidates != 9 || len(res.Clusters) != 1 || len(res.Clusters[0].SourceFeeds) != 3 {
		t.Errorf("result = %+v", res)
	}

	rr = serve(h, authReq(http.MethodPost, "/api/clusters/run", "", testToken))
	if rr.Code != http.StatusOK || got != (clustering.Options{}) {
		t.Errorf("empty body: status = %d, options = %+v", rr.Code, got)
	}

	for _, bad := range []string{`{"window":"later"}`, `{"threshold":1.5}`} {
		rr = serve(h, authReq(http.MethodPost, "/api/clusters/run", bad, testToken))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s status = %d, want 400", bad, rr.Code)
		}
	}
}

func TestListAndGetClusters(t *testing.T) {
	var gotOpts clustering.ListOptions
	svc := &mockService{
		clustersFn: func(_ context.Context, o clustering.ListOptions) ([]storage.Cluster, error) {
			gotOpts = o
			return []storage.Cluster{{ID: "c1", Title: "Storm"}}, nil
		},
		clusterFn: func(_ context.Context, id string) (storage.Cluster, []storage.Article, error) {
			return storage.Cluster{ID: id, Title: "Storm"},
				[]storage.Article{{ID: "a1", Title: "Storm hits", Embedding: []float32{1, 0}}}, nil
		},
	}
	h := setupAppHandler(t, svc)

	rr := serve(h, authReq(http.MethodGet, "/api/clusters?scope=u1&include_expired=true&limit=5", "", testToken))
	var list []clusterJSON
	decode(t, rr, &list)
	want := clustering.ListOptions{Scope: "u1", IncludeExpired: true, Limit: 5}
	if gotOpts != want || len(list) != 1 {
		t.Errorf("options = %+v, list = %+v", gotOpts, list)
	}
	if list[0].SourceFeeds == nil {
		t.Error("source_feeds encoded as null")
	}

	rr = serve(h, authReq(http.MethodGet, "/api/clusters/c1", "", testToken))
	if strings.Contains(rr.Body.String(), "embedding\":[") {
		t.Error("cluster detail leaks embeddings")
	}
	var detail struct {
		ID       string        `json:"id"`
		Articles []articleJSON `json:"articles"`
	}
	decode(t, rr, &detail)
	if detail.ID != "c1" || len(detail.Articles) != 1 || detail.Articles[0].ID != "a1" {
		t.Errorf("detail = %+v", detail)
	}
}

func TestSweepAndStatus(t *testing.T) {
	svc := &mockService{
		sweepFn: func(context.Context) (int, error) { return 4, nil },
		statusFn: func(context.Context) (pipeline.Status, error) {
			return pipeline.Status{
				Feeds:    map[storage.FeedStatus]int{storage.FeedActive: 2},
				Queue:    storage.QueueCounts{Pending: 5},
				Clusters: 1,
			}, nil
		},
	}
	h := setupAppHandler(t, svc)

	rr := serve(h, authReq(http.MethodPost, "/api/clusters/sweep", "", testToken))
	var sweep map[string]int
	decode(t, rr, &sweep)
	if sweep["deleted"] != 4 {
		t.Errorf("sweep = %v", sweep)
	}

	rr = serve(h, authReq(http.MethodGet, "/api/status", "", testToken))
	var st struct {
		Feeds map[string]int `json:"feeds"`
		Queue struct {
			Pending int `json:"pending"`
		} `json:"queue"`
		Clusters int `json:"clusters"`
	}
	decode(t, rr, &st)
	if st.Feeds["active"] != 2 || st.Queue.Pending != 5 || st.Clusters != 1 {
		t.Errorf("status = %+v", st)
	}
}

func TestSimilar(t *testing.T) {
	svc := &mockService{similarFn: func(_ context.Context, articleID, userID string) (retrieval.Result, error) {
		if userID != "u1" {
			t.Errorf("userID = %q", userID)
		}
		return retrieval.Result{SourceID: articleID, Message: "article has no embedding yet"}, nil
	}}
	h := setupAppHandler(t, svc)

	rr := serve(h, authReq(http.MethodGet, "/api/articles/a1/similar?user_id=u1", "", testToken))
	var res retrieval.Result
	decode(t, rr, &res)
	if res.SourceID != "a1" || res.Articles == nil || res.Message == "" {
		t.Errorf("result = %+v", res)
	}
}

func TestListFeeds_EmptyIsArray(t *testing.T) {
	h := setupAppHandler(t, &mockService{})
	rr := serve(h, authReq(http.MethodGet, "/api/feeds?user_id=u1", "", testToken))
	if got := strings.TrimSpace(rr.Body.String()); got != "[]" {
		t.Errorf("body = %s, want []", got)
	}
}
