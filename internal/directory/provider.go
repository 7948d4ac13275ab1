package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/trunkline/internal/resilience"
)

// Defaults for the remote configuration fetch.
const (
	defaultTTL          = 20 * time.Second
	defaultFetchTimeout = 10 * time.Second
	maxDocumentSize     = 1 << 20 // 1 MB

	breakerMaxFailures  = 3
	breakerResetTimeout = 30 * time.Second
)

// Provider serves cached snapshots of the remote configuration document.
//
// Reads are served from an in-process cache with a TTL; expiry triggers a
// fetch that concurrent readers share. Fetch failures never surface to
// callers: the last good snapshot is served, or a minimal fallback when no
// fetch has ever succeeded. Call paths may therefore use the provider
// unconditionally. Repeated failures trip a circuit breaker so expired reads
// stop paying the fetch timeout while the endpoint is down.
type Provider struct {
	url           string
	ttl           time.Duration
	client        *http.Client
	assistantName string

	group   singleflight.Group
	breaker *resilience.CircuitBreaker

	mu      sync.Mutex
	cached  *Snapshot
	fetched time.Time
}

// Option configures a [Provider].
type Option func(*Provider)

// WithTTL sets the snapshot cache TTL. The default is 20 seconds.
func WithTTL(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.ttl = d
		}
	}
}

// WithHTTPClient replaces the HTTP client used for fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.client = c
		}
	}
}

// WithAssistantName sets the assistant name used in the fallback system
// prompt. The default is "Trinity".
func WithAssistantName(name string) Option {
	return func(p *Provider) {
		if name != "" {
			p.assistantName = name
		}
	}
}

// New creates a provider for the configuration document at url. An empty url
// is allowed; every read then serves the fallback snapshot.
func New(url string, opts ...Option) *Provider {
	p := &Provider{
		url:           url,
		ttl:           defaultTTL,
		client:        &http.Client{Timeout: defaultFetchTimeout},
		assistantName: "Trinity",
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "directory",
			MaxFailures:  breakerMaxFailures,
			ResetTimeout: breakerResetTimeout,
		}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Snapshot returns the current configuration. Within the TTL the cached
// snapshot is returned without I/O; on expiry one fetch is performed and
// shared by concurrent callers. Never returns nil and never returns an error.
func (p *Provider) Snapshot(ctx context.Context) *Snapshot {
	p.mu.Lock()
	if p.cached != nil && time.Since(p.fetched) < p.ttl {
		snap := p.cached
		p.mu.Unlock()
		return snap
	}
	p.mu.Unlock()

	return p.refresh(ctx)
}

// Fresh bypasses the cache and fetches the document now. Used where a stale
// read would be wrong, such as resolving an outbound call target. Falls back
// exactly like [Provider.Snapshot] on failure.
func (p *Provider) Fresh(ctx context.Context) *Snapshot {
	return p.refresh(ctx)
}

// Ping fetches the document once and reports the failure, for readiness
// probes. A successful ping refreshes the cache. No-op when no url is set,
// since the fallback snapshot always serves.
func (p *Provider) Ping(ctx context.Context) error {
	if p.url == "" {
		return nil
	}
	snap, err := p.fetch(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.cached = snap
	p.fetched = time.Now()
	p.mu.Unlock()
	return nil
}

// refresh performs one shared fetch and updates the cache on success.
func (p *Provider) refresh(ctx context.Context) *Snapshot {
	v, err, _ := p.group.Do("fetch", func() (any, error) {
		snap, err := p.fetch(ctx)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.cached = snap
		p.fetched = time.Now()
		p.mu.Unlock()
		return snap, nil
	})
	if err != nil {
		slog.Warn("directory: fetch failed, serving last known snapshot", "err", err)
		p.mu.Lock()
		cached := p.cached
		p.mu.Unlock()
		if cached != nil {
			return cached
		}
		return p.fallback()
	}
	return v.(*Snapshot)
}

// fetch runs one document fetch through the circuit breaker. After repeated
// failures the breaker rejects immediately, so expired snapshots fall back to
// the cache without waiting out the fetch timeout on every call.
func (p *Provider) fetch(ctx context.Context) (*Snapshot, error) {
	if p.url == "" {
		return nil, fmt.Errorf("directory: no config url set")
	}
	var snap *Snapshot
	err := p.breaker.Execute(func() error {
		s, err := p.doFetch(ctx)
		if err != nil {
			return err
		}
		snap = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// doFetch GETs the document with a cache-buster query parameter so
// intermediate caches (the spreadsheet webhook fronts one) cannot serve stale
// copies.
func (p *Provider) doFetch(ctx context.Context) (*Snapshot, error) {
	sep := "?"
	if strings.Contains(p.url, "?") {
		sep = "&"
	}
	url := p.url + sep + "cb=" + strconv.FormatInt(time.Now().UnixNano(), 10)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("directory: build request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-store")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory: fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("directory: fetch: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("directory: read body: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, fmt.Errorf("directory: decode document: %w", err)
	}
	snap.SystemPrompt = strings.TrimSpace(snap.SystemPrompt)
	return &snap, nil
}

// fallback is the minimal snapshot served when no fetch has ever succeeded.
func (p *Provider) fallback() *Snapshot {
	return &Snapshot{SystemPrompt: fmt.Sprintf("You are %s.", p.assistantName)}
}
