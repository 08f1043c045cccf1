// Command gatewayd runs the sandboxed code-execution gateway: it accepts
// ExecutionRequests over a small JSON HTTP endpoint, and exposes an
// operator control API (status/history/metrics) on a separate address.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"sandboxgate/internal/audit"
	"sandboxgate/internal/controlapi"
	"sandboxgate/internal/coordinator"
	"sandboxgate/internal/metrics"
	"sandboxgate/internal/policy"
	"sandboxgate/internal/policycache"
	"sandboxgate/internal/sandbox"
	"sandboxgate/pkg/gateway"
)

func main() {
	execAddr := flag.String("addr", ":8090", "execution HTTP endpoint address")
	controlAddr := flag.String("control-addr", ":8091", "operator control API address")
	policyEndpoint := flag.String("policy-endpoint", "", "upstream policy service URL")
	policyTTL := flag.Duration("policy-ttl", policycache.DefaultTTL, "policy cache TTL")
	policyRateLimit := flag.Float64("policy-rate-limit", 0, "upstream policy fetch rate limit (req/s), 0 disables")
	sandboxImage := flag.String("sandbox-image", "alpine:latest", "default sandbox image")
	sandboxNetwork := flag.String("sandbox-network", "bridge", "sandbox network mode: none or bridge")
	workDir := flag.String("work-dir", "", "parent directory for per-run temp directories")
	imageStatePath := flag.String("image-state", "/var/lib/sandboxgate/images.json", "image cache state file")
	auditLogPath := flag.String("audit-log", "", "optional JSON-lines audit log file path")
	defaultPolicyOverride := flag.String("default-policy-override", "", "dev-mode YAML file hot-reloaded as the DefaultPolicy fallback")

	flag.Parse()

	logger := log.New(os.Stdout, "[gatewayd] ", log.LstdFlags|log.Lmsgprefix)

	var defaultProvider func() *policy.Policy
	if *defaultPolicyOverride != "" {
		watcher, err := policy.NewDefaultOverrideWatcher(*defaultPolicyOverride, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "gatewayd: failed to start default-policy override watcher: %v\n", err)
			os.Exit(1)
		}
		if err := watcher.Start(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "gatewayd: failed to watch default-policy override: %v\n", err)
			os.Exit(1)
		}
		defer watcher.Stop()
		defaultProvider = watcher.Current
	}

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		fmt.Fprintf(os.Stderr, "gatewayd: failed to connect to Docker: %v\n", err)
		os.Exit(1)
	}

	images := sandbox.NewImageCache(dockerClient, *imageStatePath, logger)

	fileLogger, err := audit.NewFileLogger(*auditLogPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gatewayd: failed to open audit log: %v\n", err)
		os.Exit(1)
	}
	defer fileLogger.Close()

	registry := metrics.NewRegistry(prometheus.DefaultRegisterer)

	cache := policycache.New(policycache.Config{
		Endpoint:        *policyEndpoint,
		TTL:             *policyTTL,
		RateLimit:       rate.Limit(*policyRateLimit),
		DefaultProvider: defaultProvider,
	})

	co, err := coordinator.NewCoordinator(coordinator.Config{
		PolicyCache:        cache,
		Docker:             dockerClient,
		Images:             images,
		WorkDir:            *workDir,
		SandboxImage:       *sandboxImage,
		SandboxNetworkMode: sandbox.NetworkMode(*sandboxNetwork),
		FileLogger:         fileLogger,
		Metrics:            registry,
		Logger:             logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "gatewayd: failed to initialize coordinator: %v\n", err)
		os.Exit(1)
	}

	tracker := &executionTracker{}
	history := controlapi.NewHistory(500)

	execMux := http.NewServeMux()
	execMux.HandleFunc("/execute", handleExecute(co, tracker, history, logger))
	execServer := &http.Server{Addr: *execAddr, Handler: execMux}

	control := controlapi.NewServer(*controlAddr, history, tracker, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("received signal %v, shutting down", sig)
		execServer.Close()
		control.Shutdown()
	}()

	go func() {
		if err := control.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("control API error: %v", err)
		}
	}()

	logger.Printf("execution endpoint listening on %s", *execAddr)
	if err := execServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "gatewayd: %v\n", err)
		os.Exit(1)
	}
}

// executionTracker counts in-flight executions for controlapi.StatusProvider.
type executionTracker struct {
	active int64
}

func (t *executionTracker) ActiveExecutions() int {
	return int(atomic.LoadInt64(&t.active))
}

func handleExecute(co *coordinator.Coordinator, tracker *executionTracker, history *controlapi.History, logger *log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req gateway.ExecutionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
			return
		}

		atomic.AddInt64(&tracker.active, 1)
		defer atomic.AddInt64(&tracker.active, -1)

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
		defer cancel()

		result, err := co.Execute(ctx, req)
		if err != nil && result == nil {
			logger.Printf("execution failed: %v", err)
			http.Error(w, fmt.Sprintf("execution failed: %v", err), http.StatusInternalServerError)
			return
		}

		executionID := fmt.Sprintf("%d", time.Now().UnixNano())
		history.Record(controlapi.SummaryFromResult(executionID, result))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	}
}
