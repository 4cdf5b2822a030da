package crawler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFetcher serves canned bodies by URL.
type fakeFetcher struct {
	pages map[string][]byte
}

func (f *fakeFetcher) Get(_ context.Context, url string) ([]byte, error) {
	body, ok := f.pages[url]
	if !ok {
		return nil, fmt.Errorf("no canned page for %s", url)
	}
	return body, nil
}

func rssFeed(pubDate string) []byte {
	return []byte(`<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Test Feed</title>
    <item>
      <title>AI breakthrough announced</title>
      <link>https://news.example.com/ai-breakthrough</link>
      <description>&lt;p&gt;A lab announced a &lt;b&gt;major&lt;/b&gt; advance today.&lt;/p&gt;</description>
      <author>jane@example.com (Jane Doe)</author>
      <category>AI</category>
      <category>Research</category>
      <pubDate>` + pubDate + `</pubDate>
    </item>
    <item>
      <title></title>
      <link>https://news.example.com/broken</link>
      <description></description>
    </item>
  </channel>
</rss>`)
}

func TestRSSCrawler_FetchParsesEntries(t *testing.T) {
	// Given a feed with one fresh entry and one unusable entry
	feedURL := "https://news.example.com/rss"
	fetcher := &fakeFetcher{pages: map[string][]byte{
		feedURL: rssFeed(time.Now().UTC().Format(time.RFC1123Z)),
	}}
	c := NewRSSCrawler(fetcher, nil)

	// When fetching since 24h ago
	articles, err := c.Fetch(context.Background(), feedURL, time.Time{})

	// Then only the usable entry survives, with HTML stripped
	require.NoError(t, err)
	require.Len(t, articles, 1)
	a := articles[0]
	assert.Equal(t, "AI breakthrough announced", a.Title)
	assert.Equal(t, "A lab announced a major advance today.", a.Content)
	assert.Equal(t, "https://news.example.com/ai-breakthrough", a.SourceURL)
	assert.Equal(t, []string{"ai", "research"}, a.Tags)
	require.NotNil(t, a.PublishedAt)
}

func TestRSSCrawler_SinceFilterDropsOldEntries(t *testing.T) {
	feedURL := "https://news.example.com/rss"
	old := time.Now().Add(-72 * time.Hour).UTC().Format(time.RFC1123Z)
	fetcher := &fakeFetcher{pages: map[string][]byte{feedURL: rssFeed(old)}}
	c := NewRSSCrawler(fetcher, nil)

	articles, err := c.Fetch(context.Background(), feedURL, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, articles)
}

func TestRSSCrawler_MalformedFeedFails(t *testing.T) {
	feedURL := "https://news.example.com/rss"
	fetcher := &fakeFetcher{pages: map[string][]byte{feedURL: []byte("not xml at all")}}
	c := NewRSSCrawler(fetcher, nil)

	_, err := c.Fetch(context.Background(), feedURL, time.Time{})
	require.Error(t, err)
}

const articlePage = `<!DOCTYPE html>
<html>
<head>
  <meta name="author" content="John Smith">
  <meta property="article:published_time" content="2026-02-10T08:30:00Z">
</head>
<body>
  <nav>Home | Politics | Tech</nav>
  <h1>Markets rally on rate decision</h1>
  <div class="article-content">
    <p>Stocks climbed sharply after the central bank held rates steady,
    with technology shares leading the advance through the session.</p>
    <p>Analysts said the move was widely expected but the guidance
    surprised many on the dovish side.</p>
  </div>
  <footer>Copyright</footer>
</body>
</html>`

func TestScraper_ExtractsArticle(t *testing.T) {
	pageURL := "https://news.example.com/markets"
	fetcher := &fakeFetcher{pages: map[string][]byte{pageURL: []byte(articlePage)}}
	s := NewScraper(fetcher, nil)

	article, err := s.Scrape(context.Background(), pageURL)
	require.NoError(t, err)
	require.NotNil(t, article)

	assert.Equal(t, "Markets rally on rate decision", article.Title)
	assert.Contains(t, article.Content, "Stocks climbed sharply")
	assert.NotContains(t, article.Content, "Home | Politics") // nav stripped
	assert.Equal(t, "John Smith", article.Author)
	require.NotNil(t, article.PublishedAt)
	assert.Equal(t, 2026, article.PublishedAt.Year())
}

func TestScraper_FallsBackToParagraphs(t *testing.T) {
	page := `<html><body><h1>Plain layout</h1>
	<p>First paragraph with enough words to pass the minimum body length check in place.</p>
	<p>Second paragraph carries the remainder of the story text for the reader.</p>
	</body></html>`
	pageURL := "https://news.example.com/plain"
	fetcher := &fakeFetcher{pages: map[string][]byte{pageURL: []byte(page)}}
	s := NewScraper(fetcher, nil)

	article, err := s.Scrape(context.Background(), pageURL)
	require.NoError(t, err)
	require.NotNil(t, article)
	assert.Contains(t, article.Content, "First paragraph")
	assert.Contains(t, article.Content, "Second paragraph")
}

func TestScraper_NoArticleYieldsNil(t *testing.T) {
	page := `<html><body><div class="promo">Subscribe now!</div></body></html>`
	pageURL := "https://news.example.com/promo"
	fetcher := &fakeFetcher{pages: map[string][]byte{pageURL: []byte(page)}}
	s := NewScraper(fetcher, nil)

	article, err := s.Scrape(context.Background(), pageURL)
	require.NoError(t, err)
	assert.Nil(t, article)
}
