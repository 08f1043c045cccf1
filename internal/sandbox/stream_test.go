package sandbox

import (
	"bytes"
	"strings"
	"testing"
)

func frame(streamType byte, payload string) []byte {
	size := len(payload)
	header := []byte{streamType, 0, 0, 0,
		byte(size >> 24), byte(size >> 16), byte(size >> 8), byte(size)}
	return append(header, []byte(payload)...)
}

func TestDemuxDockerStreamSeparatesStdoutAndStderr(t *testing.T) {
	var raw bytes.Buffer
	raw.Write(frame(1, "hello "))
	raw.Write(frame(2, "oops"))
	raw.Write(frame(1, "world"))

	var stdout, stderr bytes.Buffer
	if err := demuxDockerStream(&raw, &stdout, &stderr, 1<<20); err != nil {
		t.Fatalf("demuxDockerStream: %v", err)
	}
	if stdout.String() != "hello world" {
		t.Errorf("stdout = %q, want %q", stdout.String(), "hello world")
	}
	if stderr.String() != "oops" {
		t.Errorf("stderr = %q, want %q", stderr.String(), "oops")
	}
}

func TestDemuxDockerStreamIgnoresZeroLengthFrames(t *testing.T) {
	var raw bytes.Buffer
	raw.Write(frame(1, ""))
	raw.Write(frame(1, "ok"))

	var stdout, stderr bytes.Buffer
	if err := demuxDockerStream(&raw, &stdout, &stderr, 1<<20); err != nil {
		t.Fatalf("demuxDockerStream: %v", err)
	}
	if stdout.String() != "ok" {
		t.Errorf("stdout = %q, want %q", stdout.String(), "ok")
	}
}

func TestAppendCappedTruncatesWithMarker(t *testing.T) {
	var buf bytes.Buffer
	appendCapped(&buf, []byte(strings.Repeat("x", 10)), 4)

	if !strings.HasPrefix(buf.String(), "xxxx") {
		t.Fatalf("expected capped prefix, got %q", buf.String())
	}
	if !strings.Contains(buf.String(), truncatedMarker) {
		t.Errorf("expected truncation marker, got %q", buf.String())
	}
}

func TestAppendCappedIsNoopOnceAtCap(t *testing.T) {
	var buf bytes.Buffer
	appendCapped(&buf, []byte("1234"), 4)
	before := buf.String()
	appendCapped(&buf, []byte("more"), 4)
	if buf.String() != before {
		t.Errorf("expected no further writes once at cap, got %q", buf.String())
	}
}

func TestBuildEnvIncludesProxyVarsOnlyInBridgeMode(t *testing.T) {
	noneEnv := buildEnv(map[string]string{"FOO": "bar"}, Options{NetworkMode: NetworkNone})
	for _, e := range noneEnv {
		if strings.Contains(e, "HTTP_PROXY") {
			t.Errorf("expected no proxy vars in none mode, got %v", noneEnv)
		}
	}

	bridgeEnv := buildEnv(map[string]string{"FOO": "bar"}, Options{NetworkMode: NetworkBridge, ProxyAddress: "host.docker.internal:9000"})
	found := false
	for _, e := range bridgeEnv {
		if e == "HTTP_PROXY=http://host.docker.internal:9000" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected HTTP_PROXY in bridge mode env, got %v", bridgeEnv)
	}
}
