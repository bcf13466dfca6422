package audit

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/fentz26/trainctl/internal/store"
)

func TestHashInputsDeterministic(t *testing.T) {
	in := map[string]string{"run_id": "r1", "backend": "local"}
	a := HashInputs(in)
	b := HashInputs(map[string]string{"backend": "local", "run_id": "r1"})
	if a != b {
		t.Errorf("Expected equal hashes, got %s and %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("Expected 64 hex chars, got %d", len(a))
	}
	if HashInputs(func() {}) != "hash_error" {
		t.Error("Expected hash_error for unencodable input")
	}
}

func TestRecord(t *testing.T) {
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	trail := NewTrail(s)
	if _, err := trail.Record("run.start", map[string]string{"run_id": "r1"}, OutcomeOK, "r1", ""); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	trail.RecordResult("run.cancel", "r1", "r1", errors.New("run not found"))

	entries, err := s.ListAudit(10)
	if err != nil {
		t.Fatalf("ListAudit failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	var failed int
	for _, e := range entries {
		if e.Outcome == OutcomeFailed {
			failed++
			if e.Details != "run not found" {
				t.Errorf("Expected error details, got %q", e.Details)
			}
		}
	}
	if failed != 1 {
		t.Errorf("Expected 1 failed entry, got %d", failed)
	}
}
