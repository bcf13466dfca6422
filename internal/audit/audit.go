// Package audit records state-mutating control-plane actions.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/fentz26/trainctl/internal/models"
	"github.com/fentz26/trainctl/internal/store"
)

// Outcomes written to the audit log.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// Trail writes audit entries to the store.
type Trail struct {
	store *store.Store
}

// NewTrail creates a new audit trail.
func NewTrail(s *store.Store) *Trail {
	return &Trail{store: s}
}

// Record writes an entry for action. inputs is hashed, not stored.
func (t *Trail) Record(action string, inputs any, outcome, runID, details string) (*models.AuditEntry, error) {
	return t.store.WriteAudit(action, HashInputs(inputs), outcome, runID, details)
}

// RecordResult writes an entry whose outcome is derived from err.
func (t *Trail) RecordResult(action string, inputs any, runID string, err error) {
	outcome, details := OutcomeOK, ""
	if err != nil {
		outcome, details = OutcomeFailed, err.Error()
	}
	// Audit failures never fail the action being audited
	_, _ = t.Record(action, inputs, outcome, runID, details)
}

// HashInputs returns the hex SHA-256 of the JSON encoding of inputs.
func HashInputs(inputs any) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
