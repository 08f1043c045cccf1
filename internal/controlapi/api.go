// Package controlapi implements the gateway's operator-facing HTTP control
// surface: process status, a bounded history of recent executions, and a
// Prometheus exposition endpoint. It is deliberately small and JSON-only,
// with no embedded dashboard.
package controlapi

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sandboxgate/pkg/gateway"
)

// HistoryEntry is a bounded, operator-visible summary of one completed
// execution. It is distinct from gateway.ExecutionResult.NetworkLog, which
// is per-execution and returned directly to the caller.
type HistoryEntry struct {
	ExecutionID   string    `json:"executionId"`
	Timestamp     time.Time `json:"timestamp"`
	Success       bool      `json:"success"`
	ExitCode      int       `json:"exitCode"`
	ExecutionTime float64   `json:"executionTime"`
	PolicyNote    string    `json:"policyNote,omitempty"`
}

// History is a fixed-capacity, oldest-drop ring of HistoryEntry.
type History struct {
	mu      sync.Mutex
	entries []HistoryEntry
	cap     int
}

// NewHistory builds a History capped at capacity entries (default 500).
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 500
	}
	return &History{cap: capacity}
}

// Record appends e, dropping the oldest entry if the ring is full.
func (h *History) Record(e HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.entries) >= h.cap {
		h.entries = h.entries[1:]
	}
	h.entries = append(h.entries, e)
}

// Snapshot returns a copy of every retained entry, most recent last.
func (h *History) Snapshot() []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]HistoryEntry, len(h.entries))
	copy(out, h.entries)
	return out
}

// StatusProvider reports live counts for the /status endpoint.
type StatusProvider interface {
	ActiveExecutions() int
}

// Server is the operator control API's HTTP server.
type Server struct {
	history *History
	status  StatusProvider
	started time.Time
	logger  *log.Logger

	httpServer *http.Server
}

// NewServer builds a Server listening on addr. history and status may be
// nil (status reports zero counts, history reports an empty list).
func NewServer(addr string, history *History, status StatusProvider, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(os.Stdout, "[controlapi] ", log.LstdFlags|log.Lmsgprefix)
	}
	s := &Server{history: history, status: status, started: time.Now(), logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/history", s.handleHistory)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe starts the control API server, blocking until it stops.
func (s *Server) ListenAndServe() error {
	s.logger.Printf("control API listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown closes the control API server immediately.
func (s *Server) Shutdown() error {
	return s.httpServer.Close()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	active := 0
	if s.status != nil {
		active = s.status.ActiveExecutions()
	}

	resp := map[string]any{
		"status":           "running",
		"uptimeSeconds":    time.Since(s.started).Seconds(),
		"activeExecutions": active,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	entries := []HistoryEntry{}
	if s.history != nil {
		entries = s.history.Snapshot()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(entries); err != nil {
		s.logger.Printf("encode history response: %v", err)
	}
}

// SummaryFromResult builds a HistoryEntry from a completed execution.
func SummaryFromResult(executionID string, r *gateway.ExecutionResult) HistoryEntry {
	return HistoryEntry{
		ExecutionID:   executionID,
		Timestamp:     time.Now(),
		Success:       r.Success,
		ExitCode:      r.ExitCode,
		ExecutionTime: r.ExecutionTime,
		PolicyNote:    r.PolicyNote,
	}
}
