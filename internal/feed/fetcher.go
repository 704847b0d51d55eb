// Package feed fetches, parses and discovers RSS and Atom feeds.
package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultMaxBody   = 10 << 20
	defaultUserAgent = "feedweave/1.0 (+https://github.com/kalambet/feedweave)"
)

// Validators are the conditional-fetch tokens from the previous response.
type Validators struct {
	ETag         string
	LastModified string
}

// Response is the result of a fetch. NotModified responses carry no body.
type Response struct {
	StatusCode   int
	Body         []byte
	ETag         string
	LastModified string
	NotModified  bool
}

// HTTPFetcher performs conditional GETs.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	maxBody   int64
}

// NewHTTPFetcher creates a fetcher. A nil client gets one with a 30s timeout.
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &HTTPFetcher{client: client, userAgent: defaultUserAgent, maxBody: defaultMaxBody}
}

// Fetch GETs url, sending If-None-Match / If-Modified-Since when validators
// are set. A 304 is returned as a Response with NotModified set. Any other
// non-2xx status is returned as a *FetchError of kind http, alongside the
// response so callers can record the status code.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string, v Validators) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, networkError(url, fmt.Errorf("building request: %w", err))
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml;q=0.9, text/xml;q=0.9, */*;q=0.8")
	if v.ETag != "" {
		req.Header.Set("If-None-Match", v.ETag)
	}
	if v.LastModified != "" {
		req.Header.Set("If-Modified-Since", v.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, networkError(url, err)
	}
	defer resp.Body.Close()

	out := &Response{
		StatusCode:   resp.StatusCode,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}

	if resp.StatusCode == http.StatusNotModified {
		out.NotModified = true
		return out, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return out, httpError(url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, networkError(url, fmt.Errorf("reading body: %w", err))
	}
	if int64(len(body)) > f.maxBody {
		return out, parseError(url, fmt.Errorf("body exceeds %d bytes", f.maxBody))
	}
	out.Body = body
	return out, nil
}
