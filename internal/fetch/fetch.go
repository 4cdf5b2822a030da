// Package fetch is the outbound HTTP layer shared by the feed poller
// and the page scraper: per-host rate limiting, robots.txt checks,
// bounded retries, and optional proxy rotation.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rubyxyr/XU-News-AI-RAG/internal/apperr"
)

// Defaults for the fetcher.
const (
	DefaultUserAgent   = "XUNewsBot/1.0 (+https://github.com/rubyxyr/XU-News-AI-RAG)"
	DefaultTimeout     = 30 * time.Second
	DefaultHostRPS     = 1.0
	DefaultMaxBodySize = 8 << 20 // 8 MiB per fetched page
)

// Config configures the fetcher.
type Config struct {
	// UserAgent is sent on every request and matched against robots.txt.
	UserAgent string

	// Timeout bounds a single request including body read.
	Timeout time.Duration

	// HostRPS is the per-host request rate (token bucket, burst 1).
	HostRPS float64

	// MaxBodySize caps the bytes read from a response body.
	MaxBodySize int64

	// Proxies are optional outbound proxy URLs rotated round-robin.
	Proxies []string

	// SkipRobots disables robots.txt checks (tests only).
	SkipRobots bool
}

// Client fetches URLs politely. Safe for concurrent use.
type Client struct {
	config  Config
	logger  *slog.Logger
	robots  *robotsCache
	proxies *proxyRing

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	direct *http.Client
}

// New creates a fetcher.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HostRPS <= 0 {
		cfg.HostRPS = DefaultHostRPS
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if logger == nil {
		logger = slog.Default()
	}

	proxies, err := newProxyRing(cfg.Proxies)
	if err != nil {
		return nil, err
	}

	c := &Client{
		config:   cfg,
		logger:   logger.With("component", "fetch"),
		proxies:  proxies,
		limiters: make(map[string]*rate.Limiter),
		direct: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        16,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     60 * time.Second,
			},
		},
	}
	c.robots = newRobotsCache(c.rawGet, cfg.UserAgent)
	return c, nil
}

// Get fetches a URL honoring robots.txt, the per-host rate limit, and
// the retry policy. The returned body is fully read and capped at
// MaxBodySize.
func (c *Client) Get(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, apperr.ValidationError(fmt.Sprintf("invalid url %q", rawURL))
	}

	if !c.config.SkipRobots {
		allowed, err := c.robots.Allowed(ctx, u)
		if err != nil {
			// When in doubt, deny: an unreadable robots.txt blocks the
			// fetch rather than risking an impolite crawl.
			return nil, apperr.Wrap(apperr.CodeRobotsDisallowed, err)
		}
		if !allowed {
			return nil, apperr.Newf(apperr.CodeRobotsDisallowed,
				"robots.txt disallows %s for %s", u.Path, c.config.UserAgent)
		}
	}

	if err := c.waitHost(ctx, u.Host); err != nil {
		return nil, err
	}

	// Network errors get the full retry policy; a 5xx or 429 response
	// gets exactly one retry before the error is surfaced.
	var body []byte
	serverErrs := 0
	err = apperr.Retry(ctx, apperr.DefaultRetryConfig(), func() error {
		var status int
		var fetchErr error
		body, status, fetchErr = c.doOnce(ctx, rawURL)
		if fetchErr != nil && (status >= 500 || status == http.StatusTooManyRequests) {
			serverErrs++
			if serverErrs > 1 {
				return apperr.Permanent(fetchErr)
			}
		}
		return fetchErr
	})
	return body, err
}

// rawGet fetches without robots checks, for robots.txt itself.
func (c *Client) rawGet(ctx context.Context, rawURL string) (int, []byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, nil, err
	}
	if err := c.waitHost(ctx, u.Host); err != nil {
		return 0, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("User-Agent", c.config.UserAgent)

	resp, err := c.direct.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxBodySize))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

// doOnce issues one request. The returned status is zero for
// transport-level failures, letting Get tell the two retry classes
// apart.
func (c *Client) doOnce(ctx context.Context, rawURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, apperr.ValidationError(fmt.Sprintf("invalid url %q", rawURL))
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml,application/rss+xml,*/*")

	client, proxy := c.proxies.next(c.direct, c.config.Timeout)

	resp, err := client.Do(req)
	if err != nil {
		if proxy != nil {
			proxy.recordFailure()
		}
		if ctx.Err() != nil {
			return nil, 0, apperr.Wrap(apperr.CodeNetworkTimeout, ctx.Err())
		}
		// Transport errors are retryable.
		return nil, 0, apperr.Wrap(apperr.CodeNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// fall through to body read
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		if proxy != nil {
			proxy.recordFailure()
		}
		return nil, resp.StatusCode, apperr.Newf(apperr.CodeNetworkUnavailable,
			"fetch %s: status %d", rawURL, resp.StatusCode)
	default:
		// 4xx other than 429: the URL is bad, retrying won't help.
		return nil, resp.StatusCode, apperr.Newf(apperr.CodeInvalidInput,
			"fetch %s: status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxBodySize))
	if err != nil {
		if proxy != nil {
			proxy.recordFailure()
		}
		return nil, resp.StatusCode, apperr.Wrap(apperr.CodeNetworkUnavailable, err)
	}
	if proxy != nil {
		proxy.recordSuccess()
	}
	return body, resp.StatusCode, nil
}

// waitHost blocks until the per-host token bucket admits a request.
func (c *Client) waitHost(ctx context.Context, host string) error {
	c.mu.Lock()
	limiter, ok := c.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(c.config.HostRPS), 1)
		c.limiters[host] = limiter
	}
	c.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return apperr.Wrap(apperr.CodeNetworkTimeout, err)
	}
	return nil
}
