package policy

import "testing"

func mustNew(t *testing.T, w Wire) *Policy {
	t.Helper()
	p, err := New(w)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestEmptyAllowedDomainsDeniesEverything(t *testing.T) {
	p := mustNew(t, Wire{})
	d := p.IsAllowed("api.stripe.com", "GET", "/v1/products")
	if d.Allow {
		t.Fatal("expected deny for empty allowed-domains list")
	}
	want := "Domain api.stripe.com is not in allowed list"
	if d.Reason != want {
		t.Errorf("reason = %q, want %q", d.Reason, want)
	}
}

func TestAllowedDomainNoPathRulesFailsOpen(t *testing.T) {
	p := mustNew(t, Wire{AllowedDomains: []string{"api.stripe.com"}})
	d := p.IsAllowed("api.stripe.com", "DELETE", "/v1/anything")
	if !d.Allow {
		t.Fatalf("expected fail-open allow, got deny: %s", d.Reason)
	}
}

func TestWildcardDomainCaseInsensitive(t *testing.T) {
	p := mustNew(t, Wire{AllowedDomains: []string{"*.okta.com"}})
	for _, host := range []string{"dev-1.Okta.com", "DEV-1.okta.com", "dev-1.okta.com"} {
		if d := p.IsAllowed(host, "GET", "/"); !d.Allow {
			t.Errorf("host %q: expected allow, got deny: %s", host, d.Reason)
		}
	}
	if d := p.IsAllowed("okta.com.evil.net", "GET", "/"); d.Allow {
		t.Error("wildcard must not match a suffix-only lookalike host")
	}
}

// S1 — allowed stripe GET.
func TestS1AllowedStripeGet(t *testing.T) {
	p := mustNew(t, Wire{
		AllowedDomains: []string{"api.stripe.com"},
		APIPathRules: map[string][]PathRule{
			"api.stripe.com": {{Method: "GET", Path: "/v1/products", Allow: true}},
		},
	})
	d := p.IsAllowed("api.stripe.com", "GET", "/v1/products")
	if !d.Allow {
		t.Fatalf("expected allow, got deny: %s", d.Reason)
	}
}

// S2 — denied domain.
func TestS2DeniedDomain(t *testing.T) {
	p := mustNew(t, Wire{
		AllowedDomains: []string{"api.stripe.com"},
		APIPathRules: map[string][]PathRule{
			"api.stripe.com": {{Method: "GET", Path: "/v1/products", Allow: true}},
		},
	})
	d := p.IsAllowed("api.github.com", "GET", "/users/github")
	if d.Allow {
		t.Fatal("expected deny for non-allowlisted domain")
	}
	want := "Domain api.github.com is not in allowed list"
	if d.Reason != want {
		t.Errorf("reason = %q, want %q", d.Reason, want)
	}
}

// S3 — method-specific denial.
func TestS3MethodSpecificDenial(t *testing.T) {
	p := mustNew(t, Wire{
		AllowedDomains: []string{"*.okta.com"},
		APIPathRules: map[string][]PathRule{
			"*.okta.com": {
				{Method: "GET", Path: "/*", Allow: true},
				{Method: "DELETE", Path: "/*", Allow: false},
			},
		},
	})
	d := p.IsAllowed("dev-1.okta.com", "DELETE", "/api/v1/users/123")
	if d.Allow {
		t.Fatal("expected deny for DELETE")
	}
	want := "Method DELETE not allowed for dev-1.okta.com/api/v1/users/123"
	if d.Reason != want {
		t.Errorf("reason = %q, want %q", d.Reason, want)
	}

	if d := p.IsAllowed("dev-1.okta.com", "GET", "/api/v1/users/123"); !d.Allow {
		t.Fatalf("expected GET to remain allowed: %s", d.Reason)
	}
}

// S4 — rule-order sensitivity: a "/*" suffix wildcard rule must not match
// the exact collection path it's a suffix-continuation of.
func TestS4RuleOrderSensitivity(t *testing.T) {
	p := mustNew(t, Wire{
		AllowedDomains: []string{"api.stripe.com"},
		APIPathRules: map[string][]PathRule{
			"api.stripe.com": {
				{Method: "*", Path: "/v1/products/*", Allow: false},
				{Method: "GET", Path: "/v1/products", Allow: true},
			},
		},
	})
	d := p.IsAllowed("api.stripe.com", "GET", "/v1/products")
	if !d.Allow {
		t.Fatalf("expected collection path to be allowed by the second rule, got deny: %s", d.Reason)
	}

	d2 := p.IsAllowed("api.stripe.com", "GET", "/v1/products/123")
	if d2.Allow {
		t.Fatal("expected item path to be denied by the first (wildcard) rule")
	}
}

func TestMethodWildcardDenyBeforeSpecificAllow(t *testing.T) {
	p := mustNew(t, Wire{
		AllowedDomains: []string{"svc.internal"},
		APIPathRules: map[string][]PathRule{
			"svc.internal": {
				{Method: "*", Path: "/*", Allow: false},
				{Method: "GET", Path: "/*", Allow: true},
			},
		},
	})
	if d := p.IsAllowed("svc.internal", "GET", "/anything"); d.Allow {
		t.Fatal("expected the first, denying, wildcard-method rule to win")
	}
}

func TestPreciseBeforeWildcardOrderingContract(t *testing.T) {
	p := mustNew(t, Wire{
		AllowedDomains: []string{"api.example.com"},
		APIPathRules: map[string][]PathRule{
			"api.example.com": {
				{Method: "GET", Path: "/v1/products", Allow: true},
				{Method: "GET", Path: "/v1/products/*", Allow: false},
			},
		},
	})
	if d := p.IsAllowed("api.example.com", "GET", "/v1/products"); !d.Allow {
		t.Fatalf("exact match must win for the collection URL: %s", d.Reason)
	}
	if d := p.IsAllowed("api.example.com", "GET", "/v1/products/42"); d.Allow {
		t.Fatal("wildcard rule must win for the item URL")
	}
}

func TestMatchAnyPathIncludesBareSlash(t *testing.T) {
	p := mustNew(t, Wire{
		AllowedDomains: []string{"svc.internal"},
		APIPathRules: map[string][]PathRule{
			"svc.internal": {{Method: "*", Path: "/*", Allow: true}},
		},
	})
	if d := p.IsAllowed("svc.internal", "GET", "/"); !d.Allow {
		t.Fatalf("/* must match the bare root path: %s", d.Reason)
	}
}

func TestHTTPSConnectIgnoresPathRules(t *testing.T) {
	// HTTPS path-rule enforcement is structurally impossible without TLS
	// interception: a CONNECT is decided by the domain gate alone, so even a
	// deny-all "/*" path rule on the domain has no effect at tunnel time.
	// This documents rather than "fixes" the limitation.
	p := mustNew(t, Wire{
		AllowedDomains: []string{"api.stripe.com"},
		APIPathRules: map[string][]PathRule{
			"api.stripe.com": {{Method: "*", Path: "/*", Allow: false}},
		},
	})
	d := p.IsAllowed("api.stripe.com", "CONNECT", "/")
	if !d.Allow {
		t.Fatalf("CONNECT on an allowed domain must ignore path rules entirely: %s", d.Reason)
	}
}

func TestHTTPSConnectStillRespectsDomainGate(t *testing.T) {
	p := mustNew(t, Wire{AllowedDomains: []string{"api.stripe.com"}})
	d := p.IsAllowed("evil.example.com", "CONNECT", "/")
	if d.Allow {
		t.Fatal("CONNECT to a domain outside the allow list must still be denied")
	}
}

func TestDefaultPolicyCompiles(t *testing.T) {
	p := Default()
	if p == nil {
		t.Fatal("Default() returned nil")
	}
	if d := p.IsAllowed("pypi.org", "GET", "/simple/"); !d.Allow {
		t.Errorf("expected default policy to allow pypi.org: %s", d.Reason)
	}
	if d := p.IsAllowed("evil.example", "GET", "/"); d.Allow {
		t.Error("expected default policy to deny an unlisted domain")
	}
}
