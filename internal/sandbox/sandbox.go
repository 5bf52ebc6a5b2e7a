// Package sandbox defines the uniform "submit -> wait -> parse -> cleanup"
// contract shared by the three sandbox provider implementations
// (dockerexec, k8sexec, msbexec). Callers depend only on the Executor
// interface; the concrete provider is chosen at startup by configuration.
package sandbox

import (
	"context"
	"sync"

	"github.com/csvanalyst/agent-server/internal/toolerrors"
)

// Mode selects which runner entrypoint a submitted payload invokes.
type Mode string

// Supported execution modes.
const (
	ModeSQL    Mode = "sql"
	ModePython Mode = "python"
)

// Status is the lifecycle state of a submitted run.
type Status string

// Supported run statuses.
const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusNotFound  Status = "not_found"
)

// ErrorInfo is the closed {type, message} error shape a runner emits when a
// run does not complete successfully.
type ErrorInfo struct {
	Type    toolerrors.Type `json:"type"`
	Message string          `json:"message"`
}

// Result is the tabular result envelope a runner emits on stdout, or a
// provider-synthesized equivalent on transport failure.
type Result struct {
	Status      string     `json:"status"`
	Columns     []string   `json:"columns"`
	Rows        [][]any    `json:"rows"`
	RowCount    int        `json:"row_count"`
	ExecTimeMs  int64      `json:"exec_time_ms"`
	StdoutTrunc string     `json:"stdout_trunc,omitempty"`
	StderrTrunc string     `json:"stderr_trunc,omitempty"`
	Error       *ErrorInfo `json:"error,omitempty"`
}

// Payload is the runner wire format: what submit_run hands to the sandbox,
// verbatim, as the runner's stdin (or an environment variable, for
// providers that cannot pipe stdin directly).
type Payload struct {
	DatasetID       string       `json:"dataset_id"`
	Files           []PayloadFile `json:"files"`
	QueryType       Mode         `json:"query_type"`
	TimeoutSeconds  int          `json:"timeout_seconds"`
	MaxRows         int          `json:"max_rows"`
	MaxOutputBytes  int          `json:"max_output_bytes"`
	SQL             string       `json:"sql,omitempty"`
	PythonCode      string       `json:"python_code,omitempty"`
}

// PayloadFile names one dataset file made available to the runner under
// /data.
type PayloadFile struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// SubmitResult is submit_run's return value: the freshly minted run id,
// its terminal status, and the runner result (or a provider-synthesized
// error result). submit_run never returns a Go error for a runner-side
// failure; failures are encoded in Result.Error.
type SubmitResult struct {
	RunID  string `json:"run_id"`
	Status Status `json:"status"`
	Result Result `json:"result"`
}

// StatusResult is get_status's return value.
type StatusResult struct {
	RunID  string `json:"run_id"`
	Status Status `json:"status"`
}

// Executor is the provider-agnostic sandbox contract. Submit blocks until
// the run reaches a terminal state or its wall-clock budget elapses; it
// never returns an error for a runner-side failure, only for a caller
// contract violation (e.g. a canceled context).
type Executor interface {
	Submit(ctx context.Context, payload Payload) (SubmitResult, error)
	GetStatus(ctx context.Context, runID string) (StatusResult, error)
	GetResult(ctx context.Context, runID string) (Result, bool, error)
	Cleanup(ctx context.Context, runID string) error
}

// BookkeepingTable is the mutex-guarded run-id -> status/result map shared
// by all three providers, so "concurrent submit_run calls don't clobber
// each other's ids" is implemented once.
type BookkeepingTable struct {
	mu      sync.RWMutex
	status  map[string]Status
	results map[string]Result
	meta    map[string]string
}

// NewBookkeepingTable returns an empty table ready for use.
func NewBookkeepingTable() *BookkeepingTable {
	return &BookkeepingTable{
		status:  make(map[string]Status),
		results: make(map[string]Result),
		meta:    make(map[string]string),
	}
}

// SetMeta records an opaque provider-specific string (such as a Kubernetes
// Job name) alongside runID's bookkeeping entry, under the same lock as
// status and results so a provider never needs a second, unguarded map.
func (t *BookkeepingTable) SetMeta(runID, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.meta[runID] = value
}

// Meta returns the opaque string previously recorded via SetMeta for runID.
func (t *BookkeepingTable) Meta(runID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.meta[runID]
	return v, ok
}

// DeleteMeta discards the opaque string recorded via SetMeta for runID.
func (t *BookkeepingTable) DeleteMeta(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.meta, runID)
}

// SetRunning marks runID as running with no result yet.
func (t *BookkeepingTable) SetRunning(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status[runID] = StatusRunning
}

// Complete records the terminal status and result for runID.
func (t *BookkeepingTable) Complete(runID string, status Status, result Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status[runID] = status
	t.results[runID] = result
}

// Status returns runID's last observed status, or StatusNotFound.
func (t *BookkeepingTable) Status(runID string) Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.status[runID]; ok {
		return s
	}
	return StatusNotFound
}

// Result returns runID's recorded result, if any.
func (t *BookkeepingTable) Result(runID string) (Result, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.results[runID]
	return r, ok
}

// Cleanup discards the status, result and meta recorded for runID.
func (t *BookkeepingTable) Cleanup(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.status, runID)
	delete(t.results, runID)
	delete(t.meta, runID)
}

// TerminalStatus maps a runner Result.Status into the Executor-level
// Status a caller observes: "success" succeeds, anything else (error,
// timeout, or an absent runner response) fails. Timeouts are reported via
// Result.Error.Type = RUNNER_TIMEOUT rather than a distinct Status value,
// matching the provider behavior this package generalizes.
func TerminalStatus(result Result) Status {
	if result.Status == "success" {
		return StatusSucceeded
	}
	return StatusFailed
}

// InternalError builds the synthetic error Result providers return when
// the runner produced no usable output (empty stdout, invalid JSON, or a
// transport/provider-internal fault).
func InternalError(message, stdoutTrunc, stderrTrunc string) Result {
	return Result{
		Status:      "error",
		Columns:     []string{},
		Rows:        [][]any{},
		StdoutTrunc: truncate(stdoutTrunc, 4096),
		StderrTrunc: truncate(stderrTrunc, 4096),
		Error:       &ErrorInfo{Type: toolerrors.TypeRunnerInternalError, Message: message},
	}
}

// TimeoutResult builds the synthetic Result a provider returns when a run's
// wall-clock budget elapses before the runner terminates.
func TimeoutResult(message string) Result {
	return Result{
		Status:  "timeout",
		Columns: []string{},
		Rows:    [][]any{},
		Error:   &ErrorInfo{Type: toolerrors.TypeRunnerTimeout, Message: message},
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
