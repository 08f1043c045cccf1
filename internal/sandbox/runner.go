// Package sandbox implements SandboxRunner: launches untrusted source
// inside an ephemeral, network-restricted container, collects its output,
// and guarantees teardown on every exit path.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
)

// NetworkMode selects how a sandbox container's egress is restricted. The
// two modes are mutually exclusive per run.
type NetworkMode string

const (
	// NetworkNone blocks egress at the kernel level; the proxy is unused
	// and the container's HTTP libraries fail with ENETUNREACH.
	NetworkNone NetworkMode = "none"
	// NetworkBridge routes egress through the enforcing proxy via
	// HTTP_PROXY/HTTPS_PROXY environment variables.
	NetworkBridge NetworkMode = "bridge"
)

const (
	defaultImage       = "alpine:latest"
	defaultMemoryBytes = int64(512 * 1024 * 1024)
	defaultCPUs        = 1.0
	defaultTimeout     = 30 * time.Second
	killGrace          = time.Second
	streamCap          = 1 << 20 // 1 MiB per stream
	// TimeoutExitCode is the sentinel exitCode SandboxRunner reports when
	// a run is killed for exceeding its timeout.
	TimeoutExitCode = -1
)

// Options configures one Run call.
type Options struct {
	Image          string
	NetworkMode    NetworkMode
	ProxyAddress   string // host:port, reachable from inside the container
	Timeout        time.Duration
	MemoryBytes    int64
	CPUs           float64
	EntrypointFile string // name of the source file inside the mount, e.g. "main.py"
	Entrypoint     []string // command run against EntrypointFile, e.g. []string{"python3"}
}

func (o *Options) setDefaults() {
	if o.Image == "" {
		o.Image = defaultImage
	}
	if o.NetworkMode == "" {
		o.NetworkMode = NetworkNone
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.MemoryBytes <= 0 {
		o.MemoryBytes = defaultMemoryBytes
	}
	if o.CPUs <= 0 {
		o.CPUs = defaultCPUs
	}
	if o.EntrypointFile == "" {
		o.EntrypointFile = "main"
	}
	if len(o.Entrypoint) == 0 {
		o.Entrypoint = []string{"/bin/sh"}
	}
}

// ContainerInfo is a diagnostics descriptor for the container that ran a
// request, returned as part of Result.
type ContainerInfo struct {
	ID          string
	Image       string
	NetworkMode string
}

// Result is what Run produces.
type Result struct {
	Stdout        string
	Stderr        string
	ExitCode      int
	ExecutionTime time.Duration
	Container     ContainerInfo
}

// Runner launches ephemeral sandbox containers.
type Runner struct {
	docker *client.Client
	images *ImageCache
	logger *log.Logger
	workDir string
}

// NewRunner builds a Runner on top of dockerClient. workDir is the parent
// directory under which per-run temp directories are created (os.TempDir
// when empty).
func NewRunner(dockerClient *client.Client, images *ImageCache, workDir string, logger *log.Logger) *Runner {
	if logger == nil {
		logger = log.New(os.Stdout, "[sandbox] ", log.LstdFlags|log.Lmsgprefix)
	}
	return &Runner{docker: dockerClient, images: images, workDir: workDir, logger: logger}
}

// Run executes code inside a fresh container and tears it down under every
// exit path:
// Created -> Starting -> Running -> (Exited | Killed) -> Removed.
func (r *Runner) Run(ctx context.Context, code string, env map[string]string, opts Options) (Result, error) {
	opts.setDefaults()

	if r.images != nil {
		if err := r.images.EnsureImage(ctx, opts.Image); err != nil {
			return Result{}, fmt.Errorf("ensure sandbox image: %w", err)
		}
	}

	dir, err := os.MkdirTemp(r.workDir, "sandboxgate-run-*")
	if err != nil {
		return Result{}, fmt.Errorf("create work directory: %w", err)
	}
	defer os.RemoveAll(dir)

	entryPath := filepath.Join(dir, opts.EntrypointFile)
	if err := os.WriteFile(entryPath, []byte(code), 0o444); err != nil {
		return Result{}, fmt.Errorf("write entrypoint source: %w", err)
	}

	envList := buildEnv(env, opts)

	containerConfig := &container.Config{
		Image:      opts.Image,
		Cmd:        append(append([]string{}, opts.Entrypoint...), "/work/"+opts.EntrypointFile),
		Env:        envList,
		WorkingDir: "/work",
	}

	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(opts.NetworkMode),
		Binds:       []string{dir + ":/work:ro"},
		AutoRemove:  false, // we remove explicitly so teardown is observable
		Resources: container.Resources{
			Memory:   opts.MemoryBytes,
			NanoCPUs: int64(opts.CPUs * 1e9),
		},
		ReadonlyRootfs: true,
	}

	name := "sandboxgate-" + uuid.NewString()
	resp, err := r.docker.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return Result{}, fmt.Errorf("create sandbox container: %w", err)
	}
	containerID := resp.ID

	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.docker.ContainerRemove(removeCtx, containerID, container.RemoveOptions{Force: true}); err != nil {
			r.logger.Printf("warning: failed to remove sandbox container %s: %v", containerID, err)
		}
	}()

	attachResp, err := r.docker.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return Result{}, fmt.Errorf("attach sandbox container: %w", err)
	}
	defer attachResp.Close()

	start := time.Now()
	if err := r.docker.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return Result{}, fmt.Errorf("start sandbox container: %w", err)
	}

	var stdout, stderr bytes.Buffer
	streamDone := make(chan error, 1)
	go func() {
		streamDone <- demuxDockerStream(attachResp.Reader, &stdout, &stderr, streamCap)
	}()

	runCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	statusCh, errCh := r.docker.ContainerWait(runCtx, containerID, container.WaitConditionNotRunning)

	info := ContainerInfo{ID: containerID, Image: opts.Image, NetworkMode: string(opts.NetworkMode)}

	select {
	case err := <-errCh:
		if err == nil {
			<-streamDone
			return Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: 0, ExecutionTime: time.Since(start), Container: info}, nil
		}
		if runCtx.Err() == nil {
			return Result{}, fmt.Errorf("wait sandbox container: %w", err)
		}
		// The wait was cut short by runCtx ending: handled as a timeout below.

	case status := <-statusCh:
		<-streamDone
		return Result{
			Stdout:        stdout.String(),
			Stderr:        stderr.String(),
			ExitCode:      int(status.StatusCode),
			ExecutionTime: time.Since(start),
			Container:     info,
		}, nil

	case <-runCtx.Done():
	}

	r.killWithGrace(containerID)
	<-streamDone
	stderr.WriteString("\n--- execution timed out ---\n")
	return Result{
		Stdout:        stdout.String(),
		Stderr:        stderr.String(),
		ExitCode:      TimeoutExitCode,
		ExecutionTime: time.Since(start),
		Container:     info,
	}, nil
}

// killWithGrace sends SIGTERM and, if the container hasn't exited within
// killGrace, follows up with SIGKILL.
func (r *Runner) killWithGrace(containerID string) {
	killCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.docker.ContainerKill(killCtx, containerID, "SIGTERM"); err != nil {
		r.logger.Printf("warning: SIGTERM failed for %s: %v", containerID, err)
	}

	statusCh, errCh := r.docker.ContainerWait(killCtx, containerID, container.WaitConditionNotRunning)
	select {
	case <-statusCh:
		return
	case <-errCh:
	case <-time.After(killGrace):
	}
	if err := r.docker.ContainerKill(killCtx, containerID, "SIGKILL"); err != nil {
		r.logger.Printf("warning: SIGKILL failed for %s: %v", containerID, err)
	}
}

// buildEnv merges caller-supplied env with the proxy variables needed for
// bridge-mode networking. The policy object itself is never placed in
// container-visible state.
func buildEnv(env map[string]string, opts Options) []string {
	out := make([]string, 0, len(env)+6)
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	if opts.NetworkMode == NetworkBridge && opts.ProxyAddress != "" {
		proxyURL := "http://" + opts.ProxyAddress
		out = append(out,
			"HTTP_PROXY="+proxyURL,
			"HTTPS_PROXY="+proxyURL,
			"http_proxy="+proxyURL,
			"https_proxy="+proxyURL,
			"NO_PROXY=localhost,127.0.0.1",
		)
	}
	return out
}
