package clustering

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/feedweave/internal/ollama"
	"github.com/kalambet/feedweave/internal/storage"
)

type mockChatter struct {
	response string
	err      error
	delay    time.Duration

	model    string
	messages []ollama.Message
	schema   *ollama.Schema
}

func (m *mockChatter) Chat(ctx context.Context, model string, messages []ollama.Message, jsonSchema *ollama.Schema) (string, error) {
	m.model, m.messages, m.schema = model, messages, jsonSchema
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return m.response, m.err
}

func articles(titles ...string) []storage.Article {
	out := make([]storage.Article, len(titles))
	for i, t := range titles {
		out[i] = storage.Article{Title: t, Content: "Body of " + t}
	}
	return out
}

func TestLLMSummarizer(t *testing.T) {
	mock := &mockChatter{response: `{"title":" Storm batters coast ","summary":"A storm hit the coast."}`}
	s := NewLLMSummarizer(mock, "llama3.2")

	got, err := s.Summarize(context.Background(), articles("Storm hits coast", "Coastal damage"))
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if got.Title != "Storm batters coast" || got.Summary != "A storm hit the coast." {
		t.Errorf("Summarize = %+v", got)
	}
	if mock.model != "llama3.2" || mock.schema == nil || len(mock.schema.Required) != 2 {
		t.Errorf("chat called with model %q schema %+v", mock.model, mock.schema)
	}
	if len(mock.messages) != 2 || mock.messages[0].Role != "system" {
		t.Fatalf("messages = %+v", mock.messages)
	}
	user := mock.messages[1].Content
	if !strings.Contains(user, "[1] Storm hits coast") || !strings.Contains(user, "[2] Coastal damage") {
		t.Errorf("user prompt = %q", user)
	}
}

func TestLLMSummarizer_Failures(t *testing.T) {
	tests := []struct {
		name string
		mock *mockChatter
	}{
		{"chat error", &mockChatter{err: errors.New("connection refused")}},
		{"malformed json", &mockChatter{response: "not json {"}},
		{"empty title", &mockChatter{response: `{"title":"  ","summary":"x"}`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewLLMSummarizer(tt.mock, "m").Summarize(context.Background(), articles("a")); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := NewLLMSummarizer(&mockChatter{}, "m").Summarize(context.Background(), nil); err == nil {
		t.Error("expected error for no articles")
	}
}

func TestBuildSummaryPrompt_Truncates(t *testing.T) {
	many := make([]storage.Article, summaryMaxArticles+3)
	for i := range many {
		many[i] = storage.Article{Title: "t", Content: strings.Repeat("word ", 200)}
	}
	msgs := buildSummaryPrompt(many)
	user := msgs[1].Content
	if strings.Count(user, "] t\n") != summaryMaxArticles {
		t.Errorf("prompt lists %d articles, want %d", strings.Count(user, "] t\n"), summaryMaxArticles)
	}
	if !strings.Contains(user, "…") {
		t.Error("long content not truncated")
	}
}
