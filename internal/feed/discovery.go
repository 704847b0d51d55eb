package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ErrNoFeed is returned when discovery finds nothing that parses as a feed.
var ErrNoFeed = errors.New("no feed found")

// commonFeedPaths are probed when the page advertises no feed link.
var commonFeedPaths = []string{
	"/feed",
	"/rss",
	"/feed.xml",
	"/rss.xml",
	"/atom.xml",
	"/index.xml",
}

// Fetcher is the subset of HTTPFetcher discovery needs.
type Fetcher interface {
	Fetch(ctx context.Context, url string, v Validators) (*Response, error)
}

// Discoverer resolves a site or page URL to a feed URL.
type Discoverer struct {
	fetcher Fetcher
}

func NewDiscoverer(f Fetcher) *Discoverer {
	return &Discoverer{fetcher: f}
}

// Discover returns rawURL itself if it is a feed, otherwise the first valid
// feed advertised by <link rel="alternate">, otherwise the first common feed
// path that parses.
func (d *Discoverer) Discover(ctx context.Context, rawURL string) (string, error) {
	resp, err := d.fetcher.Fetch(ctx, rawURL, Validators{})
	if err != nil {
		return "", err
	}
	if IsFeed(resp.Body) {
		return rawURL, nil
	}

	for _, candidate := range feedLinkCandidates(rawURL, resp.Body) {
		if d.valid(ctx, candidate) {
			return candidate, nil
		}
	}
	for _, path := range commonFeedPaths {
		candidate := resolveURL(rawURL, path)
		if candidate != "" && d.valid(ctx, candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("discovering feed at %s: %w", rawURL, ErrNoFeed)
}

func (d *Discoverer) valid(ctx context.Context, candidate string) bool {
	resp, err := d.fetcher.Fetch(ctx, candidate, Validators{})
	if err != nil {
		return false
	}
	return IsFeed(resp.Body)
}

func feedLinkCandidates(baseURL string, body []byte) []string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}

	var candidates []string
	doc.Find(`link[rel="alternate"]`).Each(func(_ int, s *goquery.Selection) {
		linkType, _ := s.Attr("type")
		if !strings.Contains(linkType, "rss+xml") && !strings.Contains(linkType, "atom+xml") && !strings.Contains(linkType, "feed+json") {
			return
		}
		href, ok := s.Attr("href")
		if !ok || strings.TrimSpace(href) == "" {
			return
		}
		if resolved := resolveURL(baseURL, strings.TrimSpace(href)); resolved != "" {
			candidates = append(candidates, resolved)
		}
	})
	return candidates
}

func resolveURL(baseURL, href string) string {
	base, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}
