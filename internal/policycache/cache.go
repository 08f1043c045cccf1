// Package policycache implements PolicyCache: given an opaque principal
// token, resolve the principal's policy.Policy, bounding upstream load and
// tolerating transient upstream failure by falling back to
// policy.Default().
package policycache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"sandboxgate/internal/policy"
)

// DefaultTTL is how long a fetched policy is considered fresh.
const DefaultTTL = 60 * time.Second

// DefaultFetchTimeout bounds a single upstream fetch.
const DefaultFetchTimeout = 5 * time.Second

// wireEnvelope mirrors the upstream policy service's response shape:
// {success, policy: {...}}. Fields absent in the response default to empty
// sequences, matching policy.Wire's zero values.
type wireEnvelope struct {
	Success bool        `json:"success"`
	Policy  policy.Wire `json:"policy"`
}

// Config configures a Cache.
type Config struct {
	// Endpoint is the upstream policy service URL. Required unless a
	// custom Fetcher is supplied.
	Endpoint string
	TTL      time.Duration
	// FetchTimeout bounds each upstream HTTP call.
	FetchTimeout time.Duration
	// RateLimit bounds upstream requests/sec across all tokens, protecting
	// the policy service from load proportional to concurrent executions.
	// Zero disables limiting.
	RateLimit rate.Limit
	// HTTPClient is used when Fetcher is nil. Defaults to a client with
	// no timeout of its own (the per-call context carries the deadline).
	HTTPClient *http.Client
	// Fetcher overrides the upstream transport entirely (used in tests).
	Fetcher Fetcher
	// DefaultProvider supplies the fallback policy used whenever Fetch
	// cannot resolve one from the upstream service (empty token, rate-limit
	// wait failure, fetch error, failed envelope or translation; a stale or
	// absent cache entry triggers a fresh fetch instead). Defaults to
	// policy.Default.
	// Overriding this is how a dev-mode hot-reloadable override file
	// (policy.DefaultOverrideWatcher) participates in the cache.
	DefaultProvider func() *policy.Policy
}

// Fetcher retrieves the raw wire envelope for a token. Implementations must
// treat a non-2xx response or unparseable body as an error.
type Fetcher interface {
	Fetch(ctx context.Context, endpoint, token string) (wireEnvelope, error)
}

type entry struct {
	policy     *policy.Policy
	insertedAt time.Time
}

// Cache memoizes per-token policies with a TTL and falls back to the
// configured default policy (Config.DefaultProvider) on any error.
type Cache struct {
	cfg           Config
	fetcher       Fetcher
	limiter       *rate.Limiter
	defaultPolicy func() *policy.Policy

	mu    sync.RWMutex
	byTok map[string]entry
}

// New creates a Cache. If cfg.Fetcher is nil, an HTTPFetcher is built from
// cfg.HTTPClient (or http.DefaultClient).
func New(cfg Config) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}

	fetcher := cfg.Fetcher
	if fetcher == nil {
		client := cfg.HTTPClient
		if client == nil {
			client = http.DefaultClient
		}
		fetcher = &HTTPFetcher{Client: client}
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(cfg.RateLimit, 1)
	}

	defaultProvider := cfg.DefaultProvider
	if defaultProvider == nil {
		defaultProvider = policy.Default
	}

	return &Cache{
		cfg:           cfg,
		fetcher:       fetcher,
		limiter:       limiter,
		defaultPolicy: defaultProvider,
		byTok:         make(map[string]entry),
	}
}

// Result is what Fetch returns: the resolved policy, whether it came from a
// successful (possibly cached) upstream fetch, and a human-readable reason
// when it did not.
type Result struct {
	Policy *policy.Policy
	OK     bool
	Reason string
}

// Fetch resolves token to a Policy. An empty token always resolves to the
// configured default policy with ok=false ("no credential") rather than an error;
// a caller always gets a policy to enforce, never "no policy".
func (c *Cache) Fetch(ctx context.Context, token string) Result {
	if token == "" {
		return Result{Policy: c.defaultPolicy(), OK: false, Reason: "no credential"}
	}

	if p, fresh := c.lookupFresh(token); fresh {
		return Result{Policy: p, OK: true}
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Result{Policy: c.defaultPolicy(), OK: false, Reason: fmt.Sprintf("rate limit wait: %v", err)}
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()

	attemptID := uuid.NewString()
	env, err := c.fetcher.Fetch(fetchCtx, c.cfg.Endpoint, token)
	if err != nil {
		return Result{Policy: c.defaultPolicy(), OK: false, Reason: fmt.Sprintf("fetch %s: %v", attemptID, err)}
	}
	if !env.Success {
		return Result{Policy: c.defaultPolicy(), OK: false, Reason: fmt.Sprintf("fetch %s: upstream reported failure", attemptID)}
	}

	p, err := policy.New(env.Policy)
	if err != nil {
		return Result{Policy: c.defaultPolicy(), OK: false, Reason: fmt.Sprintf("fetch %s: translate policy: %v", attemptID, err)}
	}

	c.store(token, p)
	return Result{Policy: p, OK: true}
}

func (c *Cache) lookupFresh(token string) (*policy.Policy, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.byTok[token]
	if !ok {
		return nil, false
	}
	if time.Since(e.insertedAt) >= c.cfg.TTL {
		return nil, false
	}
	return e.policy, true
}

func (c *Cache) store(token string, p *policy.Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Concurrent writers for the same token are idempotent; last write wins.
	c.byTok[token] = entry{policy: p, insertedAt: time.Now()}
}

// HTTPFetcher is the default Fetcher: a GET to endpoint with a bearer
// token.
type HTTPFetcher struct {
	Client *http.Client
}

func (f *HTTPFetcher) Fetch(ctx context.Context, endpoint, token string) (wireEnvelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return wireEnvelope{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := f.Client.Do(req)
	if err != nil {
		return wireEnvelope{}, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return wireEnvelope{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return wireEnvelope{}, fmt.Errorf("read body: %w", err)
	}

	var env wireEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return wireEnvelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, nil
}
