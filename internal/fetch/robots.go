package fetch

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
)

// robotsTTL bounds how long a parsed robots.txt is reused.
const robotsTTL = time.Hour

type robotsEntry struct {
	group     *robotstxt.Group
	fetchedAt time.Time
}

// robotsCache caches parsed robots.txt groups per host.
type robotsCache struct {
	fetch     func(ctx context.Context, url string) (int, []byte, error)
	userAgent string

	mu      sync.Mutex
	entries map[string]robotsEntry
}

func newRobotsCache(fetch func(context.Context, string) (int, []byte, error), userAgent string) *robotsCache {
	return &robotsCache{
		fetch:     fetch,
		userAgent: userAgent,
		entries:   make(map[string]robotsEntry),
	}
}

// Allowed reports whether the configured agent may fetch u. Robots
// fetch failures other than 404 propagate as errors so the caller can
// deny.
func (r *robotsCache) Allowed(ctx context.Context, u *url.URL) (bool, error) {
	host := u.Scheme + "://" + u.Host

	r.mu.Lock()
	entry, ok := r.entries[host]
	r.mu.Unlock()

	if !ok || time.Since(entry.fetchedAt) > robotsTTL {
		group, err := r.load(ctx, host)
		if err != nil {
			return false, err
		}
		entry = robotsEntry{group: group, fetchedAt: time.Now()}
		r.mu.Lock()
		r.entries[host] = entry
		r.mu.Unlock()
	}

	if entry.group == nil {
		return true, nil // no robots.txt, everything allowed
	}
	return entry.group.Test(u.Path), nil
}

func (r *robotsCache) load(ctx context.Context, host string) (*robotstxt.Group, error) {
	status, body, err := r.fetch(ctx, host+"/robots.txt")
	if err != nil {
		return nil, err
	}

	robots, err := robotstxt.FromStatusAndBytes(status, body)
	if err != nil {
		return nil, err
	}
	return robots.FindGroup(r.userAgent), nil
}
