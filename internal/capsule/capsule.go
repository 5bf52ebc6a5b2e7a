// Package capsule defines the run capsule record and its durable Store —
// the only place a turn's outcome is written once and never mutated again.
package capsule

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Query modes a capsule may record.
const (
	ModeChat   = "chat"
	ModeSQL    = "sql"
	ModePlan   = "plan"
	ModePython = "python"
)

// Terminal capsule statuses.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusRejected  = "rejected"
	StatusTimedOut  = "timed_out"
)

// ErrNotFound is returned by Store.Get when no capsule exists for a run id.
var ErrNotFound = errors.New("capsule: not found")

// Capsule is the immutable record of one turn: the question asked, how it
// was answered, and what came back. It is created exactly once, at the end
// of a turn, whether that turn succeeded, failed, was rejected by policy,
// or timed out.
type Capsule struct {
	RunID              string          `json:"run_id"`
	CreatedAt          time.Time       `json:"created_at"`
	DatasetID          string          `json:"dataset_id"`
	DatasetVersionHash string          `json:"dataset_version_hash,omitempty"`
	Question           string          `json:"question,omitempty"`
	QueryMode          string          `json:"query_mode"`
	PlanJSON           json.RawMessage `json:"plan_json,omitempty"`
	CompiledSQL        string          `json:"compiled_sql,omitempty"`
	PythonCode         string          `json:"python_code,omitempty"`
	Status             string          `json:"status"`
	ResultJSON         json.RawMessage `json:"result_json,omitempty"`
	ErrorJSON          json.RawMessage `json:"error_json,omitempty"`
	ExecTimeMs         int64           `json:"exec_time_ms,omitempty"`
}

// Store persists and retrieves run capsules. A capsule is written exactly
// once per run id; Create on a duplicate run id is a caller error, not a
// silent overwrite, since capsules are never mutated once recorded.
type Store interface {
	Create(ctx context.Context, c Capsule) error
	Get(ctx context.Context, runID string) (Capsule, error)
}
