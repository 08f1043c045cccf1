package proxy

import "net/http"

// defaultSensitiveHeaders are always redacted in audit entries and, when
// Options.FilterSensitiveHeaders is set, stripped from responses relayed to
// the sandbox; names are compared case-insensitively.
var defaultSensitiveHeaders = []string{
	"authorization",
	"cookie",
	"set-cookie",
	"x-api-key",
	"x-auth-token",
	"x-csrf-token",
	"x-xsrf-token",
	"proxy-authorization",
	"www-authenticate",
	"x-amz-security-token",
	"x-goog-iam-authorization-token",
	"x-goog-authenticated-user-email",
}

// redactedValue replaces a sensitive header's value in audit records and
// must not reveal the original value's length.
const redactedValue = "[REDACTED]"

func sensitiveSet(extra []string) map[string]bool {
	set := make(map[string]bool, len(defaultSensitiveHeaders)+len(extra))
	for _, h := range defaultSensitiveHeaders {
		set[http.CanonicalHeaderKey(h)] = true
	}
	for _, h := range extra {
		set[http.CanonicalHeaderKey(h)] = true
	}
	return set
}

// auditHeaders flattens an http.Header into the single-valued map an
// AuditEntry stores, redacting sensitive keys in place.
func auditHeaders(h http.Header, sensitive map[string]bool, filter bool) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) == 0 {
			continue
		}
		if filter && sensitive[http.CanonicalHeaderKey(k)] {
			out[k] = redactedValue
			continue
		}
		out[k] = v[0]
	}
	return out
}

// stripSensitiveHeaders removes (not merely redacts) sensitive headers from
// a response header set before it is relayed to the sandbox, so the
// container never receives upstream secrets.
func stripSensitiveHeaders(h http.Header, sensitive map[string]bool) {
	for k := range h {
		if sensitive[http.CanonicalHeaderKey(k)] {
			h.Del(k)
		}
	}
}
