package controlapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"sandboxgate/pkg/gateway"
)

func TestHistoryDropsOldestWhenFull(t *testing.T) {
	h := NewHistory(2)
	h.Record(HistoryEntry{ExecutionID: "a"})
	h.Record(HistoryEntry{ExecutionID: "b"})
	h.Record(HistoryEntry{ExecutionID: "c"})

	snap := h.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(snap))
	}
	if snap[0].ExecutionID != "b" || snap[1].ExecutionID != "c" {
		t.Errorf("expected [b c], got %v", snap)
	}
}

func TestHandleStatusReturnsJSON(t *testing.T) {
	s := NewServer("127.0.0.1:0", NewHistory(10), nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()

	s.handleStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if body["status"] != "running" {
		t.Errorf("status field = %v, want running", body["status"])
	}
}

func TestHandleHistoryReturnsRecordedEntries(t *testing.T) {
	hist := NewHistory(10)
	hist.Record(SummaryFromResult("exec-1", &gateway.ExecutionResult{Success: true, ExitCode: 0}))

	s := NewServer("127.0.0.1:0", hist, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/history", nil)
	rec := httptest.NewRecorder()

	s.handleHistory(rec, req)

	var entries []HistoryEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(entries) != 1 || entries[0].ExecutionID != "exec-1" {
		t.Errorf("entries = %v, want one entry for exec-1", entries)
	}
}

func TestHandleStatusRejectsNonGet(t *testing.T) {
	s := NewServer("127.0.0.1:0", nil, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/status", nil)
	rec := httptest.NewRecorder()

	s.handleStatus(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}
