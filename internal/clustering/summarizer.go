package clustering

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/feedweave/internal/ollama"
	"github.com/kalambet/feedweave/internal/storage"
)

const (
	summaryTimeout     = 30 * time.Second
	summaryMaxArticles = 8
	summarySnippetLen  = 280
)

// Chatter is the chat completion surface of the local inference engine.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, jsonSchema *ollama.Schema) (string, error)
}

// Summary is the generated headline of a cluster.
type Summary struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

// Summarizer names a cluster from its member articles. Members arrive with
// the most central article first.
type Summarizer interface {
	Summarize(ctx context.Context, articles []storage.Article) (Summary, error)
}

// LLMSummarizer asks a local chat model for a title and a summary.
type LLMSummarizer struct {
	client Chatter
	model  string
}

func NewLLMSummarizer(client Chatter, model string) *LLMSummarizer {
	return &LLMSummarizer{client: client, model: model}
}

const summarySystemPrompt = `You name news story clusters. You receive several articles that report on the same story. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Rules:
- "title" is a neutral headline of at most 12 words covering what all articles share.
- "summary" is two or three sentences describing the story, without naming the outlets.`

func (s *LLMSummarizer) Summarize(ctx context.Context, articles []storage.Article) (Summary, error) {
	if len(articles) == 0 {
		return Summary{}, errors.New("no articles to summarize")
	}

	ctx, cancel := context.WithTimeout(ctx, summaryTimeout)
	defer cancel()

	raw, err := s.client.Chat(ctx, s.model, buildSummaryPrompt(articles), summarySchema())
	if err != nil {
		return Summary{}, fmt.Errorf("summary chat: %w", err)
	}

	var out Summary
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return Summary{}, fmt.Errorf("decoding summary: %w", err)
	}
	out.Title = strings.TrimSpace(out.Title)
	out.Summary = strings.TrimSpace(out.Summary)
	if out.Title == "" {
		return Summary{}, errors.New("summary has no title")
	}
	return out, nil
}

func buildSummaryPrompt(articles []storage.Article) []ollama.Message {
	if len(articles) > summaryMaxArticles {
		articles = articles[:summaryMaxArticles]
	}
	var sb strings.Builder
	for i, a := range articles {
		fmt.Fprintf(&sb, "[%d] %s\n", i+1, strings.TrimSpace(a.Title))
		if text := snippet(a.Content, summarySnippetLen); text != "" {
			sb.WriteString(text)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	return []ollama.Message{
		{Role: "system", Content: summarySystemPrompt},
		{Role: "user", Content: strings.TrimSpace(sb.String())},
	}
}

func snippet(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

func summarySchema() *ollama.Schema {
	return &ollama.Schema{
		Type: "object",
		Properties: map[string]ollama.SchemaProperty{
			"title":   {Type: "string", Description: "Neutral headline for the story"},
			"summary": {Type: "string", Description: "Two or three sentence summary"},
		},
		Required: []string{"title", "summary"},
	}
}
