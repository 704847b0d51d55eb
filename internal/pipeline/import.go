package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// SubscriptionFile is the YAML import format:
//
//	feeds:
//	  - url: https://example.com/rss
//	    name: Example
//	    priority: high
//	    interval: 2h
type SubscriptionFile struct {
	Feeds []FeedEntry `yaml:"feeds"`
}

type FeedEntry struct {
	URL      string `yaml:"url"`
	Name     string `yaml:"name"`
	Priority string `yaml:"priority"`
	Interval string `yaml:"interval"`
}

// ParseSubscriptions decodes a subscription file.
func ParseSubscriptions(r io.Reader) (SubscriptionFile, error) {
	var f SubscriptionFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return SubscriptionFile{}, fmt.Errorf("parsing subscriptions: %w", err)
	}
	return f, nil
}

// ImportResult reports an import. Entries that fail are skipped, not fatal.
type ImportResult struct {
	Added    int           `json:"added"`
	Existing int           `json:"existing"`
	Failed   []ImportError `json:"failed,omitempty"`
}

type ImportError struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

// Import subscribes userID to every entry of f.
func (p *Pipeline) Import(ctx context.Context, userID string, f SubscriptionFile, discover bool) (ImportResult, error) {
	var res ImportResult
	for _, e := range f.Feeds {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		var interval time.Duration
		if e.Interval != "" {
			d, err := time.ParseDuration(e.Interval)
			if err != nil || d <= 0 {
				res.Failed = append(res.Failed, ImportError{URL: e.URL, Error: fmt.Sprintf("invalid interval %q", e.Interval)})
				continue
			}
			interval = d
		}

		_, err := p.Subscribe(ctx, Subscription{
			UserID:   userID,
			URL:      e.URL,
			Title:    e.Name,
			Priority: e.Priority,
			Interval: interval,
			Discover: discover,
		})
		switch {
		case errors.Is(err, ErrAlreadySubscribed):
			res.Existing++
		case err != nil:
			res.Failed = append(res.Failed, ImportError{URL: e.URL, Error: err.Error()})
		default:
			res.Added++
		}
	}
	p.logger.Info("subscriptions imported", "user_id", userID, "added", res.Added,
		"existing", res.Existing, "failed", len(res.Failed))
	return res, nil
}
