// Package crawler turns remote sources into Articles: RSS feeds via
// a feed parser and web pages via selector-based extraction.
package crawler

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"github.com/rubyxyr/XU-News-AI-RAG/internal/apperr"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/model"
)

// Fetcher is the outbound HTTP dependency, satisfied by fetch.Client.
type Fetcher interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// RSSCrawler polls feeds and yields their entries as Articles.
type RSSCrawler struct {
	fetcher Fetcher
	parser  *gofeed.Parser
	logger  *slog.Logger
}

// NewRSSCrawler creates a feed crawler.
func NewRSSCrawler(fetcher Fetcher, logger *slog.Logger) *RSSCrawler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RSSCrawler{
		fetcher: fetcher,
		parser:  gofeed.NewParser(),
		logger:  logger.With("component", "crawler"),
	}
}

// Fetch downloads and parses a feed, returning entries published (or
// updated) after since. A zero since defaults to the last 24 hours.
// Entries that fail to convert are skipped and logged, not fatal.
func (c *RSSCrawler) Fetch(ctx context.Context, feedURL string, since time.Time) ([]model.Article, error) {
	if since.IsZero() {
		since = time.Now().Add(-24 * time.Hour)
	}

	body, err := c.fetcher.Get(ctx, feedURL)
	if err != nil {
		return nil, err
	}

	feed, err := c.parser.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeFeedUnavailable, err)
	}

	articles := make([]model.Article, 0, len(feed.Items))
	for _, item := range feed.Items {
		article, ok := c.convert(item)
		if !ok {
			c.logger.Warn("feed entry skipped",
				"feed", feedURL, "entry", item.Link, "reason", "no usable title or content")
			continue
		}
		if article.PublishedAt != nil && article.PublishedAt.Before(since) {
			continue
		}
		articles = append(articles, article)
	}

	c.logger.Debug("feed fetched",
		"feed", feedURL, "entries", len(feed.Items), "new", len(articles))
	return articles, nil
}

// convert maps one feed item to an Article. Returns false when the
// entry has neither title nor content worth keeping.
func (c *RSSCrawler) convert(item *gofeed.Item) (model.Article, bool) {
	title := strings.TrimSpace(item.Title)
	content := item.Content
	if content == "" {
		content = item.Description
	}
	content = stripHTML(content)

	if title == "" || content == "" {
		return model.Article{}, false
	}

	article := model.Article{
		Title:     title,
		Content:   content,
		SourceURL: item.Link,
	}

	if len(item.Authors) > 0 {
		article.Author = item.Authors[0].Name
	}

	// Prefer the published date, fall back to updated, else now.
	switch {
	case item.PublishedParsed != nil:
		article.PublishedAt = item.PublishedParsed
	case item.UpdatedParsed != nil:
		article.PublishedAt = item.UpdatedParsed
	default:
		now := time.Now().UTC()
		article.PublishedAt = &now
	}

	for _, cat := range item.Categories {
		if tag := model.NormalizeTag(cat); tag != "" {
			article.Tags = append(article.Tags, tag)
		}
	}

	return article, true
}

// stripHTML reduces markup to whitespace-normalized text.
func stripHTML(s string) string {
	if s == "" {
		return ""
	}
	if !strings.Contains(s, "<") {
		return strings.TrimSpace(s)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.TrimSpace(s)
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}
