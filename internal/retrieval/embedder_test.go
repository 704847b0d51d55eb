package retrieval

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/kalambet/feedweave/internal/ollama"
)

type mockClient struct {
	embedFn func(ctx context.Context, model, text string) ([]float32, error)
}

func (m *mockClient) Embed(ctx context.Context, model, text string) ([]float32, error) {
	return m.embedFn(ctx, model, text)
}

func TestEmbed_ReturnsVector(t *testing.T) {
	var gotModel string
	e := NewEmbedder(&mockClient{embedFn: func(_ context.Context, model, _ string) ([]float32, error) {
		gotModel = model
		return []float32{1, 2, 3}, nil
	}}, "nomic-embed-text")

	vec, err := e.Embed(context.Background(), "rates rise")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 || gotModel != "nomic-embed-text" {
		t.Errorf("vec = %v, model = %q", vec, gotModel)
	}
	if e.Provider() != "ollama/nomic-embed-text" {
		t.Errorf("Provider() = %q", e.Provider())
	}
}

func TestEmbed_Classification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"network", errors.New("connection refused"), false},
		{"server error", &ollama.StatusError{Op: "embed", StatusCode: http.StatusInternalServerError}, false},
		{"unavailable", &ollama.StatusError{Op: "embed", StatusCode: http.StatusServiceUnavailable}, false},
		{"rate limited", &ollama.StatusError{Op: "embed", StatusCode: http.StatusTooManyRequests}, false},
		{"timeout", &ollama.StatusError{Op: "embed", StatusCode: http.StatusRequestTimeout}, false},
		{"bad request", &ollama.StatusError{Op: "embed", StatusCode: http.StatusBadRequest}, true},
		{"model missing", &ollama.StatusError{Op: "embed", StatusCode: http.StatusNotFound}, true},
		{"deadline", context.DeadlineExceeded, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEmbedder(&mockClient{embedFn: func(context.Context, string, string) ([]float32, error) {
				return nil, tt.err
			}}, "m")
			_, err := e.Embed(context.Background(), "text")

			var pe *ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("err = %v, want *ProviderError", err)
			}
			if pe.Permanent != tt.permanent || IsPermanent(err) != tt.permanent {
				t.Errorf("permanent = %v, want %v", pe.Permanent, tt.permanent)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("cause not unwrapped from %v", err)
			}
		})
	}
}

func TestEmbed_EmptyTextIsPermanent(t *testing.T) {
	called := false
	e := NewEmbedder(&mockClient{embedFn: func(context.Context, string, string) ([]float32, error) {
		called = true
		return []float32{1}, nil
	}}, "m")

	_, err := e.Embed(context.Background(), "   ")
	if !IsPermanent(err) {
		t.Errorf("err = %v, want permanent", err)
	}
	if called {
		t.Error("provider called for empty text")
	}
}

func TestEmbed_EmptyVectorIsPermanent(t *testing.T) {
	e := NewEmbedder(&mockClient{embedFn: func(context.Context, string, string) ([]float32, error) {
		return nil, nil
	}}, "m")
	if _, err := e.Embed(context.Background(), "text"); !IsPermanent(err) {
		t.Errorf("err = %v, want permanent", err)
	}
}
