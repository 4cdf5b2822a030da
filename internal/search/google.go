package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rubyxyr/XU-News-AI-RAG/internal/apperr"
)

// googleEndpoint is the Custom Search JSON API.
const googleEndpoint = "https://www.googleapis.com/customsearch/v1"

// googleMaxResults is the API's per-request ceiling.
const googleMaxResults = 10

// GoogleConfig configures the Custom Search provider.
type GoogleConfig struct {
	// APIKey authenticates requests.
	APIKey string

	// EngineID is the programmable search engine (cx) identifier.
	EngineID string

	// Endpoint overrides the API URL (tests).
	Endpoint string

	// Timeout bounds one request (default: 10s).
	Timeout time.Duration
}

// GoogleProvider is the web fallback backed by Google Custom Search.
type GoogleProvider struct {
	client *http.Client
	config GoogleConfig
}

var _ Provider = (*GoogleProvider)(nil)

// NewGoogleProvider creates the provider. Returns an error when the
// credentials are missing so callers can disable the fallback cleanly.
func NewGoogleProvider(cfg GoogleConfig) (*GoogleProvider, error) {
	if cfg.APIKey == "" || cfg.EngineID == "" {
		return nil, apperr.New(apperr.CodeConfigInvalid,
			"google search requires both api key and engine id")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = googleEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &GoogleProvider{
		client: &http.Client{Timeout: cfg.Timeout},
		config: cfg,
	}, nil
}

type googleResponse struct {
	Items []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"items"`
}

// Search queries the API and maps items to ExternalHits.
func (g *GoogleProvider) Search(ctx context.Context, query string, limit int) ([]ExternalHit, error) {
	if limit <= 0 || limit > googleMaxResults {
		limit = googleMaxResults
	}

	params := url.Values{}
	params.Set("key", g.config.APIKey)
	params.Set("cx", g.config.EngineID)
	params.Set("q", query)
	params.Set("num", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		g.config.Endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeExternalSearch, err)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeExternalSearch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, apperr.Newf(apperr.CodeExternalSearch,
			"google search failed: status %d: %s", resp.StatusCode, body)
	}

	var parsed googleResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, apperr.Wrap(apperr.CodeExternalSearch, err)
	}

	hits := make([]ExternalHit, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		if item.Link == "" {
			continue
		}
		hits = append(hits, ExternalHit{
			Title:   item.Title,
			URL:     item.Link,
			Snippet: item.Snippet,
		})
	}
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// String identifies the provider in logs.
func (g *GoogleProvider) String() string {
	return fmt.Sprintf("google-cse(%s)", g.config.EngineID)
}
