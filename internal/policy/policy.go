// Package policy implements PolicyModel: the pure, side-effect-free
// predicate that decides whether a principal's sandboxed program may reach
// a given (host, method, path). Nothing in this package performs I/O.
package policy

import (
	"fmt"
	"regexp"
	"strings"
)

// PathRule is one allow/deny decision for a method+path under a domain.
type PathRule struct {
	Method string `yaml:"method" json:"method"`
	Path   string `yaml:"path" json:"path"`
	Allow  bool   `yaml:"allow" json:"allow"`

	// matchAny is set when Path == "/*", matching any path, including /.
	matchAny bool
	re       *regexp.Regexp // nil for an exact-match path
}

// Wire is the JSON/YAML shape a policy arrives in, before compilation.
// Field names match the upstream policy service's envelope and the local
// YAML override file.
type Wire struct {
	AllowedDomains   []string              `yaml:"allowedDomains" json:"allowedDomains"`
	APIPathRules     map[string][]PathRule `yaml:"apiPathRules" json:"apiPathRules"`
	AllowedPackages  []string              `yaml:"allowedPackages" json:"allowedPackages"`
	AllowedBinaries  []string              `yaml:"allowedBinaries" json:"allowedBinaries"`
}

// domainPattern is one compiled allowed-domain entry.
type domainPattern struct {
	raw      string
	wildcard bool
	re       *regexp.Regexp // only set when wildcard
}

// Policy is the effective, immutable security ruleset for one principal.
// Once constructed by New, a Policy is never mutated; PolicyCache replaces
// the reference wholesale on the next fetch.
type Policy struct {
	domains         []domainPattern
	pathRulesExact  map[string][]PathRule
	pathRulesWild   []wildDomainRules

	AllowedPackages []string
	AllowedBinaries []string
}

type wildDomainRules struct {
	pattern domainPattern
	rules   []PathRule
}

// Decision is the result of evaluating IsAllowed.
type Decision struct {
	Allow  bool
	Reason string
}

// New compiles a wire policy into a Policy, precompiling every wildcard
// domain and path pattern to a regex exactly once so the cost is amortized
// across every request in a policy's lifetime, not paid per request.
func New(w Wire) (*Policy, error) {
	p := &Policy{
		pathRulesExact:  make(map[string][]PathRule),
		AllowedPackages: w.AllowedPackages,
		AllowedBinaries: w.AllowedBinaries,
	}

	for _, d := range w.AllowedDomains {
		dp, err := compileDomain(d)
		if err != nil {
			return nil, fmt.Errorf("compile allowed domain %q: %w", d, err)
		}
		p.domains = append(p.domains, dp)
	}

	for domainKey, rules := range w.APIPathRules {
		compiled := make([]PathRule, len(rules))
		for i, r := range rules {
			cr, err := compilePathRule(r)
			if err != nil {
				return nil, fmt.Errorf("compile path rule %q for %q: %w", r.Path, domainKey, err)
			}
			compiled[i] = cr
		}

		if strings.Contains(domainKey, "*") {
			dp, err := compileDomain(domainKey)
			if err != nil {
				return nil, fmt.Errorf("compile path-rule domain key %q: %w", domainKey, err)
			}
			p.pathRulesWild = append(p.pathRulesWild, wildDomainRules{pattern: dp, rules: compiled})
		} else {
			p.pathRulesExact[strings.ToLower(domainKey)] = compiled
		}
	}

	return p, nil
}

func compileDomain(pattern string) (domainPattern, error) {
	if !strings.Contains(pattern, "*") {
		return domainPattern{raw: strings.ToLower(pattern)}, nil
	}
	re, err := regexp.Compile(globToAnchoredRegex(pattern))
	if err != nil {
		return domainPattern{}, err
	}
	return domainPattern{raw: pattern, wildcard: true, re: re}, nil
}

func compilePathRule(r PathRule) (PathRule, error) {
	if r.Path == "/*" {
		r.matchAny = true
		return r, nil
	}
	if strings.Contains(r.Path, "*") {
		re, err := regexp.Compile(globToAnchoredRegex(r.Path))
		if err != nil {
			return PathRule{}, err
		}
		r.re = re
	}
	return r, nil
}

// globToAnchoredRegex compiles a `*`-glob pattern to an anchored regex,
// treating `*` as `.*` and escaping every other regex metacharacter
// (notably `.` and `/`) literally.
func globToAnchoredRegex(pattern string) string {
	var b strings.Builder
	b.WriteString("^")
	for _, part := range strings.Split(pattern, "*") {
		b.WriteString(regexp.QuoteMeta(part))
		b.WriteString(".*")
	}
	s := b.String()
	s = strings.TrimSuffix(s, ".*")
	s += "$"
	return s
}

// IsAllowed decides whether the request described by host/method/path may
// proceed: domain gate, then path-rule lookup, then ordered first-match
// scan, failing open when no rules apply. CONNECT is evaluated against the
// domain gate only: path rules are unenforceable once a tunnel is
// established, so an allowed domain tunnels regardless of any path rule.
func (p *Policy) IsAllowed(host, method, path string) Decision {
	host = strings.ToLower(host)

	if !p.domainMatches(host) {
		return Decision{Allow: false, Reason: fmt.Sprintf("Domain %s is not in allowed list", host)}
	}

	if strings.EqualFold(method, "CONNECT") {
		return Decision{Allow: true}
	}

	rules := p.pathRulesFor(host)
	if len(rules) == 0 {
		// Fail-open at path level: domain explicitly allowed, no rules to
		// narrow it further.
		return Decision{Allow: true}
	}

	for _, rule := range rules {
		if !methodMatches(rule.Method, method) {
			continue
		}
		if !pathMatches(rule, path) {
			continue
		}
		if !rule.Allow {
			return Decision{Allow: false, Reason: fmt.Sprintf("Method %s not allowed for %s%s", method, host, path)}
		}
		return Decision{Allow: true}
	}

	// No rule matched at all: fail-open.
	return Decision{Allow: true}
}

func (p *Policy) domainMatches(host string) bool {
	for _, d := range p.domains {
		if d.wildcard {
			if d.re.MatchString(host) {
				return true
			}
			continue
		}
		if d.raw == host {
			return true
		}
	}
	return false
}

func (p *Policy) pathRulesFor(host string) []PathRule {
	if rules, ok := p.pathRulesExact[host]; ok {
		return rules
	}
	for _, wd := range p.pathRulesWild {
		if wd.pattern.re.MatchString(host) {
			return wd.rules
		}
	}
	return nil
}

func methodMatches(ruleMethod, method string) bool {
	return ruleMethod == "*" || strings.EqualFold(ruleMethod, method)
}

func pathMatches(rule PathRule, path string) bool {
	if rule.matchAny {
		return true
	}
	if rule.re != nil {
		return rule.re.MatchString(path)
	}
	return rule.Path == path
}

// Default returns a conservative, deployment-overridable fallback policy
// used whenever PolicyCache cannot resolve a per-principal Policy.
func Default() *Policy {
	p, err := New(Wire{
		AllowedDomains: []string{
			"registry.npmjs.org",
			"pypi.org",
			"*.pypi.org",
			"github.com",
			"raw.githubusercontent.com",
		},
		APIPathRules: map[string][]PathRule{
			"github.com": {
				{Method: "GET", Path: "/*", Allow: true},
				{Method: "*", Path: "/*", Allow: false},
			},
		},
	})
	if err != nil {
		// Default() is exercised by TestDefaultPolicyCompiles; a compile
		// failure here means the built-in constant itself is malformed.
		panic(fmt.Sprintf("policy: built-in default is invalid: %v", err))
	}
	return p
}
