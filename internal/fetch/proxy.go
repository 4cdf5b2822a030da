package fetch

import (
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rubyxyr/XU-News-AI-RAG/internal/apperr"
)

// proxyState is one outbound proxy plus its health breaker. A proxy
// that fails repeatedly is ejected until the breaker half-opens.
type proxyState struct {
	url     *url.URL
	breaker *apperr.CircuitBreaker

	mu     sync.Mutex
	client *http.Client
}

func (p *proxyState) recordSuccess() { p.breaker.RecordSuccess() }
func (p *proxyState) recordFailure() { p.breaker.RecordFailure() }

func (p *proxyState) httpClient(timeout time.Duration) *http.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		p.client = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyURL(p.url),
				MaxIdleConns:        8,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     60 * time.Second,
			},
		}
	}
	return p.client
}

// proxyRing rotates healthy proxies round-robin, falling back to the
// direct client when none are configured or all are ejected.
type proxyRing struct {
	proxies []*proxyState
	cursor  atomic.Uint64
}

func newProxyRing(raw []string) (*proxyRing, error) {
	ring := &proxyRing{}
	for _, r := range raw {
		u, err := url.Parse(r)
		if err != nil || u.Host == "" {
			return nil, apperr.New(apperr.CodeConfigInvalid, fmt.Sprintf("invalid proxy url %q", r))
		}
		ring.proxies = append(ring.proxies, &proxyState{
			url:     u,
			breaker: apperr.NewCircuitBreaker("proxy:" + u.Host),
		})
	}
	return ring, nil
}

// next returns the HTTP client to use for the next request and, when a
// proxy was chosen, its state for health recording.
func (r *proxyRing) next(direct *http.Client, timeout time.Duration) (*http.Client, *proxyState) {
	if len(r.proxies) == 0 {
		return direct, nil
	}

	start := r.cursor.Add(1)
	for i := 0; i < len(r.proxies); i++ {
		p := r.proxies[(int(start)+i)%len(r.proxies)]
		if p.breaker.Allow() {
			return p.httpClient(timeout), p
		}
	}

	// Every proxy is ejected; go direct rather than stall.
	return direct, nil
}
