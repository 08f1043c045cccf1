// Package coordinator implements ExecutionCoordinator: sequences
// PolicyCache, EnforcingProxy and SandboxRunner into one end-to-end
// execution and assembles the unified result.
package coordinator

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/docker/docker/client"

	"sandboxgate/internal/audit"
	"sandboxgate/internal/metrics"
	"sandboxgate/internal/policy"
	"sandboxgate/internal/policycache"
	"sandboxgate/internal/proxy"
	"sandboxgate/internal/sandbox"
	"sandboxgate/pkg/gateway"
)

// ProxyHostAlias is the container-runtime host alias a loopback proxy
// address is translated through so containers in bridge mode can reach it.
const ProxyHostAlias = "host.docker.internal"

// Config wires a Coordinator's dependencies.
type Config struct {
	PolicyCache *policycache.Cache
	Docker      *client.Client
	Images      *sandbox.ImageCache
	WorkDir     string

	SandboxImage       string
	SandboxNetworkMode sandbox.NetworkMode
	FileLogger         *audit.FileLogger

	Metrics *metrics.Registry
	Logger  *log.Logger
}

func (c *Config) setDefaults() {
	if c.SandboxImage == "" {
		c.SandboxImage = "alpine:latest"
	}
	if c.SandboxNetworkMode == "" {
		c.SandboxNetworkMode = sandbox.NetworkBridge
	}
	if c.Logger == nil {
		c.Logger = log.New(os.Stdout, "[coordinator] ", log.LstdFlags|log.Lmsgprefix)
	}
}

// Coordinator executes ExecutionRequests end to end.
type Coordinator struct {
	cfg    Config
	runner *sandbox.Runner
}

// NewCoordinator builds a Coordinator from cfg.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	cfg.setDefaults()
	if cfg.PolicyCache == nil {
		return nil, fmt.Errorf("coordinator: PolicyCache is required")
	}
	if cfg.Docker == nil {
		return nil, fmt.Errorf("coordinator: Docker client is required")
	}

	runner := sandbox.NewRunner(cfg.Docker, cfg.Images, cfg.WorkDir, cfg.Logger)
	return &Coordinator{cfg: cfg, runner: runner}, nil
}

// Execute resolves the caller's policy, stands up a proxy and sandbox
// container bound to it, runs req.Code, and tears both down. It never
// returns an error for execution-level failures (timeouts, denied network
// calls, non-zero exit); those are reflected in the result. Only a
// structural failure produces a non-nil error: a proxy bind failure
// returns a nil result, and a sandbox run failure (e.g. container start)
// returns a best-effort result alongside the error.
func (co *Coordinator) Execute(ctx context.Context, req gateway.ExecutionRequest) (*gateway.ExecutionResult, error) {
	// Step 1: resolve policy. Failure yields DefaultPolicy and continues.
	fetchResult := co.cfg.PolicyCache.Fetch(ctx, req.PrincipalToken)
	co.cfg.Metrics.ObservePolicyFetch(fetchResult.OK)
	pol := fetchResult.Policy
	if pol == nil {
		pol = policy.Default()
	}

	// Step 2: audit sink for this execution.
	sink := audit.NewSink(0)

	// Step 3: start the enforcing proxy bound to this policy.
	proxySrv, err := proxy.Start("127.0.0.1:0", pol, sink, proxy.Options{
		FilterSensitiveHeaders: true,
		Metrics:                co.cfg.Metrics,
		Logger:                 co.cfg.Logger,
	})
	if err != nil {
		co.cfg.Metrics.ObserveExecution(false)
		return nil, fmt.Errorf("start enforcing proxy: %w", err)
	}
	defer proxySrv.Stop()

	// Step 4: translate the loopback address into a container-reachable
	// form via the runtime's host alias.
	_, port, err := splitHostPort(proxySrv.Addr())
	if err != nil {
		co.cfg.Metrics.ObserveExecution(false)
		return nil, fmt.Errorf("parse proxy address: %w", err)
	}
	containerProxyAddr := ProxyHostAlias + ":" + port

	// Step 5: run the sandbox.
	timeout := time.Duration(req.Timeout) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runResult, runErr := co.runner.Run(ctx, req.Code, req.Env, sandbox.Options{
		Image:        co.cfg.SandboxImage,
		NetworkMode:  co.cfg.SandboxNetworkMode,
		ProxyAddress: containerProxyAddr,
		Timeout:      timeout,
	})

	// Step 6: stop the proxy explicitly, before we snapshot the sink,
	// guaranteeing trailing entries land. The deferred Stop above is then a
	// no-op; it only covers the early-return paths.
	proxySrv.Stop()

	if runErr != nil {
		co.cfg.Metrics.ObserveExecution(false)
		return &gateway.ExecutionResult{
			Success:    false,
			Stderr:     runErr.Error(),
			ExitCode:   1,
			NetworkLog: sink.Snapshot(),
			PolicyNote: fetchResult.Reason,
		}, fmt.Errorf("run sandbox: %w", runErr)
	}

	// Step 7: compose the unified result.
	result := &gateway.ExecutionResult{
		Success:       runResult.ExitCode == 0,
		Stdout:        runResult.Stdout,
		Stderr:        runResult.Stderr,
		ExitCode:      runResult.ExitCode,
		ExecutionTime: float64(runResult.ExecutionTime.Milliseconds()),
		NetworkLog:    sink.Snapshot(),
		ContainerInfo: &gateway.ContainerInfo{
			ID:          runResult.Container.ID,
			Image:       runResult.Container.Image,
			NetworkMode: runResult.Container.NetworkMode,
		},
		PolicyNote: fetchResult.Reason,
	}

	if co.cfg.FileLogger != nil {
		executionID := fmt.Sprintf("%d", time.Now().UnixNano())
		for _, e := range result.NetworkLog {
			if err := co.cfg.FileLogger.Log(executionID, e); err != nil {
				co.cfg.Logger.Printf("warning: audit file log write failed: %v", err)
			}
		}
	}

	co.cfg.Metrics.ObserveExecution(result.Success)
	return result, nil
}

func splitHostPort(addr string) (host, port string, err error) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i], addr[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("no port in address %q", addr)
}
