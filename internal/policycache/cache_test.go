package policycache

import (
	"context"
	"errors"
	"testing"
	"time"

	"sandboxgate/internal/policy"
)

type stubFetcher struct {
	calls int
	env   wireEnvelope
	err   error
}

func (s *stubFetcher) Fetch(ctx context.Context, endpoint, token string) (wireEnvelope, error) {
	s.calls++
	if s.err != nil {
		return wireEnvelope{}, s.err
	}
	return s.env, nil
}

func TestEmptyTokenResolvesToDefaultWithoutFetching(t *testing.T) {
	stub := &stubFetcher{}
	c := New(Config{Fetcher: stub})

	res := c.Fetch(context.Background(), "")
	if res.OK {
		t.Fatal("expected ok=false for empty token")
	}
	if res.Reason != "no credential" {
		t.Errorf("reason = %q, want %q", res.Reason, "no credential")
	}
	if stub.calls != 0 {
		t.Errorf("expected no upstream calls for empty token, got %d", stub.calls)
	}
}

func TestCacheHitWithinTTLSkipsUpstream(t *testing.T) {
	stub := &stubFetcher{env: wireEnvelope{Success: true, Policy: policy.Wire{AllowedDomains: []string{"api.stripe.com"}}}}
	c := New(Config{Fetcher: stub, TTL: time.Minute})

	first := c.Fetch(context.Background(), "tok-1")
	if !first.OK {
		t.Fatalf("expected first fetch to succeed, reason=%s", first.Reason)
	}
	if stub.calls != 1 {
		t.Fatalf("expected exactly one upstream call, got %d", stub.calls)
	}

	second := c.Fetch(context.Background(), "tok-1")
	if !second.OK {
		t.Fatal("expected cache hit to report ok=true")
	}
	if stub.calls != 1 {
		t.Errorf("expected cache hit to skip upstream, calls = %d", stub.calls)
	}
}

func TestCacheExpiresAfterTTL(t *testing.T) {
	stub := &stubFetcher{env: wireEnvelope{Success: true, Policy: policy.Wire{AllowedDomains: []string{"api.stripe.com"}}}}
	c := New(Config{Fetcher: stub, TTL: 10 * time.Millisecond})

	c.Fetch(context.Background(), "tok-1")
	time.Sleep(25 * time.Millisecond)
	c.Fetch(context.Background(), "tok-1")

	if stub.calls != 2 {
		t.Errorf("expected a second upstream call after TTL expiry, calls = %d", stub.calls)
	}
}

func TestFetchErrorFallsBackToDefaultPolicyWithoutCaching(t *testing.T) {
	stub := &stubFetcher{err: errors.New("connection refused")}
	c := New(Config{Fetcher: stub, TTL: time.Minute})

	res := c.Fetch(context.Background(), "tok-2")
	if res.OK {
		t.Fatal("expected ok=false on upstream error")
	}
	if res.Policy == nil {
		t.Fatal("expected a DefaultPolicy fallback, got nil")
	}

	// Errors are never cached: a retry must hit the upstream again.
	c.Fetch(context.Background(), "tok-2")
	if stub.calls != 2 {
		t.Errorf("expected errors not to be cached, calls = %d", stub.calls)
	}
}

func TestNonSuccessEnvelopeFallsBackToDefault(t *testing.T) {
	stub := &stubFetcher{env: wireEnvelope{Success: false}}
	c := New(Config{Fetcher: stub})

	res := c.Fetch(context.Background(), "tok-3")
	if res.OK {
		t.Fatal("expected ok=false when upstream envelope reports failure")
	}
}

func TestDifferentTokensAreIndependentlyCached(t *testing.T) {
	stub := &stubFetcher{env: wireEnvelope{Success: true, Policy: policy.Wire{AllowedDomains: []string{"x.com"}}}}
	c := New(Config{Fetcher: stub, TTL: time.Minute})

	c.Fetch(context.Background(), "a")
	c.Fetch(context.Background(), "b")
	if stub.calls != 2 {
		t.Errorf("expected one upstream call per distinct token, calls = %d", stub.calls)
	}
}
