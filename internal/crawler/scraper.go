package crawler

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/rubyxyr/XU-News-AI-RAG/internal/apperr"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/model"
)

// Selector fallback chains tried in order. News sites rarely agree on
// markup; the chains cover the common layouts and degrade to broad
// matches last.
var (
	titleSelectors = []string{
		"h1",
		".headline",
		".title",
		"[class*='headline']",
		"[class*='title']",
	}
	bodySelectors = []string{
		".article-content",
		".post-content",
		".entry-content",
		".content",
		"article",
	}
)

// minBodyLength rejects boilerplate-only extractions.
const minBodyLength = 80

// Scraper extracts a single article from a web page.
type Scraper struct {
	fetcher Fetcher
	logger  *slog.Logger
}

// NewScraper creates a page scraper.
func NewScraper(fetcher Fetcher, logger *slog.Logger) *Scraper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scraper{
		fetcher: fetcher,
		logger:  logger.With("component", "scraper"),
	}
}

// Scrape fetches pageURL and extracts title and body text. Returns
// (nil, nil) when the page yields no usable article, so callers can
// skip without treating it as a failure.
func (s *Scraper) Scrape(ctx context.Context, pageURL string) (*model.Article, error) {
	body, err := s.fetcher.Get(ctx, pageURL)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidInput, err)
	}

	// Navigation and script text would pollute the extraction.
	doc.Find("script, style, nav, header, footer, aside").Remove()

	title := s.firstText(doc, titleSelectors)
	content := s.longestText(doc, bodySelectors)
	if content == "" || len(content) < minBodyLength {
		// Last resort: paragraph soup.
		content = s.paragraphText(doc)
	}

	if title == "" || len(content) < minBodyLength {
		s.logger.Debug("page yielded no article", "url", pageURL)
		return nil, nil
	}

	article := &model.Article{
		Title:     title,
		Content:   content,
		SourceURL: pageURL,
	}

	if author, ok := doc.Find(`meta[name='author']`).Attr("content"); ok {
		article.Author = strings.TrimSpace(author)
	}
	if published, ok := doc.Find(`meta[property='article:published_time']`).Attr("content"); ok {
		if t, err := time.Parse(time.RFC3339, strings.TrimSpace(published)); err == nil {
			utc := t.UTC()
			article.PublishedAt = &utc
		}
	}

	return article, nil
}

// firstText returns the first non-empty text among the selectors.
func (s *Scraper) firstText(doc *goquery.Document, selectors []string) string {
	for _, sel := range selectors {
		text := strings.Join(strings.Fields(doc.Find(sel).First().Text()), " ")
		if text != "" {
			return text
		}
	}
	return ""
}

// longestText returns the longest text among the selectors, so a
// broad match like "article" doesn't shadow a tighter content div.
func (s *Scraper) longestText(doc *goquery.Document, selectors []string) string {
	best := ""
	for _, sel := range selectors {
		doc.Find(sel).Each(func(_ int, node *goquery.Selection) {
			text := strings.Join(strings.Fields(node.Text()), " ")
			if len(text) > len(best) {
				best = text
			}
		})
	}
	return best
}

// paragraphText concatenates all <p> elements.
func (s *Scraper) paragraphText(doc *goquery.Document) string {
	var parts []string
	doc.Find("p").Each(func(_ int, node *goquery.Selection) {
		if text := strings.Join(strings.Fields(node.Text()), " "); text != "" {
			parts = append(parts, text)
		}
	})
	return strings.Join(parts, "\n\n")
}
