package pipeline

import (
	"strings"
	"testing"
	"time"
)

const subscriptionsYAML = `
feeds:
  - url: https://example.com/rss
    name: Example
    priority: high
  - url: https://news.example.org/feed
    interval: 90m
  - url: https://example.com/rss
  - url: ftp://example.net/feed
  - url: https://slow.example.net/feed
    interval: soon
`

func TestParseSubscriptions(t *testing.T) {
	f, err := ParseSubscriptions(strings.NewReader(subscriptionsYAML))
	if err != nil {
		t.Fatalf("ParseSubscriptions: %v", err)
	}
	if len(f.Feeds) != 5 {
		t.Fatalf("feeds = %d, want 5", len(f.Feeds))
	}
	if f.Feeds[0].Name != "Example" || f.Feeds[0].Priority != "high" {
		t.Errorf("first entry = %+v", f.Feeds[0])
	}

	if _, err := ParseSubscriptions(strings.NewReader("feeds:\n  - url: x\n    colour: red\n")); err == nil {
		t.Error("expected error for unknown field")
	}
	if f, err := ParseSubscriptions(strings.NewReader("")); err != nil || len(f.Feeds) != 0 {
		t.Errorf("empty file = %+v, %v", f, err)
	}
}

func TestImport(t *testing.T) {
	h := newHarness(t, nil)
	f, err := ParseSubscriptions(strings.NewReader(subscriptionsYAML))
	if err != nil {
		t.Fatal(err)
	}

	res, err := h.p.Import(h.ctx, "u1", f, false)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.Added != 2 || res.Existing != 1 || len(res.Failed) != 2 {
		t.Fatalf("result = %+v, want 2 added, 1 existing, 2 failed", res)
	}
	if res.Failed[0].URL != "ftp://example.net/feed" || res.Failed[1].URL != "https://slow.example.net/feed" {
		t.Errorf("failed = %+v", res.Failed)
	}

	feeds, err := h.p.ListFeeds(h.ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	byURL := map[string]time.Duration{}
	for _, fd := range feeds {
		byURL[fd.URL] = fd.SyncInterval
	}
	if byURL["https://news.example.org/feed"] != 90*time.Minute {
		t.Errorf("interval = %v, want 90m", byURL["https://news.example.org/feed"])
	}

	again, err := h.p.Import(h.ctx, "u1", f, false)
	if err != nil {
		t.Fatal(err)
	}
	if again.Added != 0 || again.Existing != 3 {
		t.Errorf("second import = %+v, want everything existing", again)
	}
}
