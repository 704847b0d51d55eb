package retrieval

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/kalambet/feedweave/internal/ollama"
)

// EmbedClient is the embedding call of the inference backend.
type EmbedClient interface {
	Embed(ctx context.Context, model string, text string) ([]float32, error)
}

// ProviderError is an embedding failure classified for retry.
type ProviderError struct {
	Provider   string
	StatusCode int
	// Permanent failures will not succeed on retry.
	Permanent bool
	Err       error
}

func (e *ProviderError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("%s embedding failed (%s): %v", e.Provider, kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a permanent provider failure.
func IsPermanent(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Permanent
}

// Embedder generates article embeddings with one model.
type Embedder struct {
	client   EmbedClient
	model    string
	provider string
}

func NewEmbedder(client EmbedClient, model string) *Embedder {
	return &Embedder{client: client, model: model, provider: "ollama"}
}

// Provider names the backend for dead-letter records.
func (e *Embedder) Provider() string { return e.provider + "/" + e.model }

// Embed returns the vector of text. Every failure is a *ProviderError.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &ProviderError{Provider: e.Provider(), Permanent: true, Err: errors.New("empty text")}
	}
	vec, err := e.client.Embed(ctx, e.model, text)
	if err != nil {
		return nil, e.classify(err)
	}
	if len(vec) == 0 {
		return nil, &ProviderError{Provider: e.Provider(), Permanent: true, Err: errors.New("empty vector")}
	}
	return vec, nil
}

// classify marks client errors other than timeouts and rate limiting as
// permanent. Network failures and 5xx responses are transient.
func (e *Embedder) classify(err error) *ProviderError {
	pe := &ProviderError{Provider: e.Provider(), Err: err}
	var se *ollama.StatusError
	if errors.As(err, &se) {
		pe.StatusCode = se.StatusCode
		pe.Permanent = se.StatusCode >= 400 && se.StatusCode < 500 &&
			se.StatusCode != http.StatusRequestTimeout && se.StatusCode != http.StatusTooManyRequests
	}
	return pe
}
