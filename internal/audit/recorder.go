// Package audit records every mutation the client sends, queues, replays or
// drops in the local mutation log.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/joblog/joblog/internal/models"
)

// Outcomes written to the mutation log.
const (
	OutcomeSent     = "sent"
	OutcomeQueued   = "queued"
	OutcomeReplayed = "replayed"
	OutcomeFailed   = "failed"
	OutcomeDropped  = "dropped"
)

// Writer persists mutation log rows.
type Writer interface {
	WriteMutationLog(ctx context.Context, kind, inputsHash, outcome, memberKey, details string) (*models.MutationLogEntry, error)
}

// Recorder writes mutation log entries.
type Recorder struct {
	w Writer
}

// NewRecorder creates a new recorder.
func NewRecorder(w Writer) *Recorder {
	return &Recorder{w: w}
}

// Record writes an entry for a state-mutating request.
func (r *Recorder) Record(ctx context.Context, kind string, inputs interface{}, outcome, memberKey, details string) (*models.MutationLogEntry, error) {
	return r.w.WriteMutationLog(ctx, kind, HashInputs(inputs), outcome, memberKey, details)
}

// HashInputs returns the hex SHA256 of the JSON encoding of inputs.
func HashInputs(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
