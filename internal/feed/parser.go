package feed

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/mmcdole/gofeed"
)

// Item is one normalized feed entry.
type Item struct {
	GUID        string
	Title       string
	URL         string
	Content     string
	Author      string
	PublishedAt *time.Time
}

// Parsed is a normalized feed document.
type Parsed struct {
	Title string
	Items []Item
}

// Parser turns RSS/Atom/JSON feed bodies into normalized items. HTML item
// content is converted to markdown so the embedding text carries no markup.
type Parser struct {
	converter *md.Converter
}

func NewParser() *Parser {
	return &Parser{converter: md.NewConverter("", true, nil)}
}

// Parse parses body fetched from url. Items without a stable identity
// (no guid, link or title) are skipped.
func (p *Parser) Parse(ctx context.Context, url string, body []byte) (*Parsed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	doc, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, parseError(url, err)
	}

	out := &Parsed{Title: strings.TrimSpace(doc.Title), Items: make([]Item, 0, len(doc.Items))}
	for _, entry := range doc.Items {
		if entry == nil {
			continue
		}
		item := Item{
			Title:       strings.TrimSpace(entry.Title),
			URL:         strings.TrimSpace(entry.Link),
			Content:     p.text(entry),
			Author:      author(entry),
			PublishedAt: published(entry),
		}
		item.GUID = guid(entry, item)
		if item.GUID == "" {
			continue
		}
		out.Items = append(out.Items, item)
	}
	return out, nil
}

// text prefers full content over the description.
func (p *Parser) text(entry *gofeed.Item) string {
	raw := entry.Content
	if strings.TrimSpace(raw) == "" {
		raw = entry.Description
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "<") {
		return raw
	}
	converted, err := p.converter.ConvertString(raw)
	if err != nil {
		return raw
	}
	return strings.TrimSpace(converted)
}

func guid(entry *gofeed.Item, item Item) string {
	if g := strings.TrimSpace(entry.GUID); g != "" {
		return g
	}
	if item.URL != "" {
		return item.URL
	}
	if item.Title == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(item.Title + "\x00" + item.Content))
	return "sha256:" + hex.EncodeToString(sum[:16])
}

func published(entry *gofeed.Item) *time.Time {
	var t *time.Time
	switch {
	case entry.PublishedParsed != nil:
		t = entry.PublishedParsed
	case entry.UpdatedParsed != nil:
		t = entry.UpdatedParsed
	default:
		return nil
	}
	u := t.UTC()
	return &u
}

func author(entry *gofeed.Item) string {
	if entry.Author != nil && entry.Author.Name != "" {
		return entry.Author.Name
	}
	for _, a := range entry.Authors {
		if a != nil && a.Name != "" {
			return a.Name
		}
	}
	return ""
}

// IsFeed reports whether body looks like a feed gofeed can parse.
func IsFeed(body []byte) bool {
	if gofeed.DetectFeedType(bytes.NewReader(body)) == gofeed.FeedTypeUnknown {
		return false
	}
	_, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	return err == nil
}
