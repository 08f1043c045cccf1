package proxy

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"

	"sandboxgate/internal/audit"
)

// hopByHopHeaders are stripped from both directions of a relayed request,
// standard forward-proxy hygiene independent of the sensitive-header list.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

func stripHopByHop(h http.Header) {
	for _, k := range hopByHopHeaders {
		h.Del(k)
	}
}

// requestTarget resolves the scheme, hostname and host:port a plain-HTTP
// proxy request is addressed to, supporting both absolute-form
// ("GET http://host/path HTTP/1.1") and origin-form with a Host header.
func requestTarget(req *http.Request) (scheme, hostname, hostport string) {
	if req.URL.Host != "" {
		hostport = req.URL.Host
	} else {
		hostport = req.Host
	}
	scheme = req.URL.Scheme
	if scheme == "" {
		scheme = "http"
	}
	hostname = hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		hostname = h
	}
	return scheme, hostname, hostport
}

// handlePlainHTTP services one parsed plain-HTTP proxy request and reports
// whether the connection should be kept open for another request.
func (p *Proxy) handlePlainHTTP(conn net.Conn, req *http.Request, seq int64) (keepAlive bool) {
	keepAlive = !req.Close && req.ProtoAtLeast(1, 1)

	scheme, hostname, hostport := requestTarget(req)
	path := req.URL.Path
	if path == "" {
		path = "/"
	}

	reqHeaders := auditHeaders(req.Header, p.sensitive, true)

	decision := p.policy.IsAllowed(hostname, req.Method, path)
	if !decision.Allow {
		p.writeForbiddenJSON(conn, decision.Reason)
		p.recordEntry(seq, audit.Entry{
			Method:         req.Method,
			URL:            scheme + "://" + hostport + req.URL.RequestURI(),
			Hostname:       hostname,
			Path:           path,
			Blocked:        true,
			StatusCode:     403,
			Reason:         decision.Reason,
			RequestHeaders: reqHeaders,
		})
		return keepAlive
	}

	hookResult := p.opts.OnRequest.OnRequest(req)
	if hookResult.Block {
		reason := hookResult.Reason
		if reason == "" {
			reason = "Blocked by hook"
		}
		p.writeForbiddenJSON(conn, reason)
		p.recordEntry(seq, audit.Entry{
			Method:         req.Method,
			URL:            scheme + "://" + hostport + req.URL.RequestURI(),
			Hostname:       hostname,
			Path:           path,
			Blocked:        true,
			StatusCode:     403,
			Reason:         reason,
			RequestHeaders: reqHeaders,
		})
		return keepAlive
	}
	for k, v := range hookResult.HeaderMutations {
		req.Header.Set(k, v)
	}

	if hookResult.Mock != nil {
		resp := hookResult.Mock
		defer resp.Body.Close()
		respHeaders := auditHeaders(resp.Header, p.sensitive, true)
		if p.opts.FilterSensitiveHeaders {
			stripSensitiveHeaders(resp.Header, p.sensitive)
		}
		resp.Write(conn)
		p.recordEntry(seq, audit.Entry{
			Method:          req.Method,
			URL:             scheme + "://" + hostport + req.URL.RequestURI(),
			Hostname:        hostname,
			Path:            path,
			Blocked:         false,
			StatusCode:      resp.StatusCode,
			RequestHeaders:  reqHeaders,
			ResponseHeaders: respHeaders,
		})
		return keepAlive
	}

	ctx, cancel := p.requestContext()
	defer cancel()

	outbound := req.Clone(ctx)
	outbound.RequestURI = ""
	outbound.URL.Scheme = scheme
	outbound.URL.Host = hostport
	if outbound.URL.Path == "" {
		outbound.URL.Path = "/"
	}
	stripHopByHop(outbound.Header)

	resp, err := http.DefaultClient.Do(outbound)
	if err != nil {
		status, reason := classifyTransportError(ctx, err)
		p.writeStatus(conn, status, reason)
		p.recordEntry(seq, audit.Entry{
			Method:         req.Method,
			URL:            scheme + "://" + hostport + req.URL.RequestURI(),
			Hostname:       hostname,
			Path:           path,
			Blocked:        false,
			StatusCode:     status,
			Reason:         reason,
			RequestHeaders: reqHeaders,
		})
		return false
	}
	defer resp.Body.Close()

	p.opts.OnResponse.OnResponse(resp)

	respHeaders := auditHeaders(resp.Header, p.sensitive, true)
	if p.opts.FilterSensitiveHeaders {
		stripSensitiveHeaders(resp.Header, p.sensitive)
	}
	stripHopByHop(resp.Header)
	if !keepAlive {
		resp.Close = true
	}

	if err := resp.Write(conn); err != nil {
		keepAlive = false
	}

	p.recordEntry(seq, audit.Entry{
		Method:          req.Method,
		URL:             scheme + "://" + hostport + req.URL.RequestURI(),
		Hostname:        hostname,
		Path:            path,
		Blocked:         false,
		StatusCode:      resp.StatusCode,
		RequestHeaders:  reqHeaders,
		ResponseHeaders: respHeaders,
	})

	return keepAlive
}

func (p *Proxy) recordEntry(seq int64, e audit.Entry) {
	p.sink.Append(seq, e)
	if p.opts.Metrics != nil {
		p.opts.Metrics.ObserveProxyRequest(e.Blocked)
	}
}

// writeStatus writes a minimal synthetic plain-text HTTP response directly
// to conn, used for synthetic transport-failure statuses (502/504/499) and
// for the CONNECT denial 403.
func (p *Proxy) writeStatus(conn net.Conn, code int, reason string) {
	body := reason
	if body == "" {
		body = http.StatusText(code)
	}
	resp := &http.Response{
		StatusCode: code,
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
	resp.Write(conn)
}

// writeForbiddenJSON writes the plain-HTTP denial response: 403 Forbidden
// with a JSON body, for both policy denials and hook-block denials.
func (p *Proxy) writeForbiddenJSON(conn net.Conn, reason string) {
	body, err := json.Marshal(struct {
		Error  string `json:"error"`
		Reason string `json:"reason"`
	}{Error: "Forbidden", Reason: reason})
	if err != nil {
		body = []byte(`{"error":"Forbidden"}`)
	}
	resp := &http.Response{
		StatusCode: 403,
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       io.NopCloser(strings.NewReader(string(body))),
	}
	resp.Write(conn)
}
