package proxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"sandboxgate/internal/audit"
)

// handleConnect services one CONNECT tunnel request: policy is evaluated
// against the target host's domain only (path rules are unenforceable once
// an encrypted tunnel is established), then, if allowed, the client and
// target connections are spliced bidirectionally until either side closes.
func (p *Proxy) handleConnect(conn net.Conn, req *http.Request, seq int64) {
	hostport := req.Host
	if hostport == "" {
		hostport = req.URL.Host
	}
	hostname, port, err := net.SplitHostPort(hostport)
	if err != nil {
		hostname = hostport
		port = "443"
		hostport = net.JoinHostPort(hostname, port)
	}

	decision := p.policy.IsAllowed(hostname, http.MethodConnect, "/")
	if !decision.Allow {
		p.writeStatus(conn, 403, "Blocked: "+decision.Reason)
		p.recordEntry(seq, audit.Entry{
			Method:     http.MethodConnect,
			URL:        "https://" + hostport,
			Hostname:   hostname,
			Path:       "/",
			Blocked:    true,
			StatusCode: 403,
			Reason:     decision.Reason,
		})
		return
	}

	dialCtx, cancel := context.WithTimeout(p.ctx, p.opts.DialTimeout)
	defer cancel()

	var dialer net.Dialer
	target, err := dialer.DialContext(dialCtx, "tcp", hostport)
	if err != nil {
		status, reason := classifyTransportError(dialCtx, err)
		p.writeStatus(conn, status, reason)
		p.recordEntry(seq, audit.Entry{
			Method:     http.MethodConnect,
			URL:        "https://" + hostport,
			Hostname:   hostname,
			Path:       "/",
			Blocked:    false,
			StatusCode: status,
			Reason:     reason,
		})
		return
	}
	defer target.Close()

	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		p.recordEntry(seq, audit.Entry{
			Method:     http.MethodConnect,
			URL:        "https://" + hostport,
			Hostname:   hostname,
			Path:       "/",
			Blocked:    false,
			StatusCode: 502,
			Reason:     "client disconnected before tunnel established",
		})
		return
	}

	unblock := make(chan struct{})
	go func() {
		select {
		case <-p.ctx.Done():
			deadline := time.Now()
			conn.SetDeadline(deadline)
			target.SetDeadline(deadline)
		case <-unblock:
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(target, conn)
		target.Close()
	}()
	go func() {
		defer wg.Done()
		io.Copy(conn, target)
		conn.Close()
	}()
	wg.Wait()
	close(unblock)

	p.recordEntry(seq, audit.Entry{
		Method:     http.MethodConnect,
		URL:        "https://" + hostport,
		Hostname:   hostname,
		Path:       "/",
		Blocked:    false,
		StatusCode: 200,
	})
}
