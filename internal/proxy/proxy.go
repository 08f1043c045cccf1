// Package proxy implements EnforcingProxy: a loopback HTTP forward proxy
// that terminates plain HTTP and tunnels HTTPS via CONNECT, consulting a
// policy.Policy for every request and appending an audit.Entry per
// attempt. It is the sandbox container's only route to the outside world.
package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"sandboxgate/internal/audit"
	"sandboxgate/internal/metrics"
	"sandboxgate/internal/policy"
)

// Options configures proxy behavior.
type Options struct {
	FilterSensitiveHeaders bool
	SensitiveHeaders       []string
	CaptureResponseBodies  bool
	OnRequest              RequestHook
	OnResponse             ResponseHook

	// UpstreamTimeout bounds a single forwarded plain-HTTP request
	// (default 30s).
	UpstreamTimeout time.Duration
	// DialTimeout bounds establishing a CONNECT tunnel (default 10s).
	DialTimeout time.Duration
	// GracePeriod bounds how long Stop() waits for in-flight requests to
	// finish before cancelling them (default 2s).
	GracePeriod time.Duration

	Logger  *log.Logger
	Metrics *metrics.Registry
}

func (o *Options) setDefaults() {
	if o.UpstreamTimeout <= 0 {
		o.UpstreamTimeout = 30 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = 2 * time.Second
	}
	if o.Logger == nil {
		o.Logger = log.New(os.Stdout, "[proxy] ", log.LstdFlags|log.Lmsgprefix)
	}
	if o.OnRequest == nil {
		o.OnRequest = noopRequestHook{}
	}
	if o.OnResponse == nil {
		o.OnResponse = noopResponseHook{}
	}
}

// Proxy is one loopback forward proxy bound to a single policy.Policy for
// the lifetime of one execution.
type Proxy struct {
	policy    *policy.Policy
	sink      *audit.Sink
	opts      Options
	sensitive map[string]bool

	listener net.Listener
	group    errgroup.Group

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
}

// Start binds 127.0.0.1:<port> (0 picks a free port), spawns the accept
// loop, and returns the listen address immediately. addr, when non-empty,
// requests a specific bind address (e.g. "127.0.0.1:0").
func Start(addr string, pol *policy.Policy, sink *audit.Sink, opts Options) (*Proxy, error) {
	opts.setDefaults()
	if addr == "" {
		addr = "127.0.0.1:0"
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind proxy listener: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Proxy{
		policy:    pol,
		sink:      sink,
		opts:      opts,
		sensitive: sensitiveSet(opts.SensitiveHeaders),
		listener:  ln,
		ctx:       ctx,
		cancel:    cancel,
	}

	go p.acceptLoop()

	opts.Logger.Printf("enforcing proxy listening on %s", ln.Addr())
	return p, nil
}

// Addr returns the bound loopback address.
func (p *Proxy) Addr() string {
	return p.listener.Addr().String()
}

func (p *Proxy) acceptLoop() {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			select {
			case <-p.ctx.Done():
				return
			default:
				p.opts.Logger.Printf("accept error: %v", err)
				return
			}
		}

		p.group.Go(func() error {
			p.handleConnection(conn)
			return nil
		})
	}
}

// Stop closes the listener and waits (bounded by GracePeriod) for
// in-flight requests to finish, guaranteeing the sink has received every
// completed entry before returning.
func (p *Proxy) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.listener.Close()

	done := make(chan struct{})
	go func() {
		p.group.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.opts.GracePeriod):
		p.opts.Logger.Printf("grace period elapsed, cancelling in-flight requests")
		p.cancel()
		<-done
	}
}

func (p *Proxy) handleConnection(conn net.Conn) {
	defer conn.Close()

	br := bufio.NewReader(conn)
	for {
		req, err := http.ReadRequest(br)
		if err != nil {
			// Malformed or closed connection: not a policy-visible event,
			// no audit entry.
			return
		}
		// Reserve this request's audit position the moment it is parsed,
		// so concurrent handlers that finish out of order still land in
		// arrival order in the sink.
		seq := p.sink.Reserve()

		var keepAlive bool
		if req.Method == http.MethodConnect {
			p.handleConnect(conn, req, seq)
			return // the connection is now a raw tunnel or closed
		}
		keepAlive = p.handlePlainHTTP(conn, req, seq)
		if !keepAlive {
			return
		}
	}
}

// requestContext returns a context bounded by both the proxy's lifetime
// and the per-request upstream timeout.
func (p *Proxy) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(p.ctx, p.opts.UpstreamTimeout)
}

// classifyTransportError maps an upstream transport failure to a synthetic
// status code and reason: cancellation becomes 499, a timeout becomes 504,
// anything else becomes 502 with the error text as the reason.
func classifyTransportError(ctx context.Context, err error) (status int, reason string) {
	if errors.Is(err, context.Canceled) {
		return 499, "execution ended"
	}
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return 504, "upstream timeout"
	}
	return 502, err.Error()
}
