// Package httpapi binds the session orchestrator to HTTP. It is
// intentionally thin: every handler decodes a request, calls into
// internal/session, and encodes the result — no business logic lives here.
// See internal/config for the environment variables the process reads at
// startup.
package httpapi

import "github.com/csvanalyst/agent-server/internal/session"

// ChatRequest is the body of POST /chat and POST /chat/stream.
type ChatRequest struct {
	DatasetID string `json:"dataset_id"`
	ThreadID  string `json:"thread_id"`
	Message   string `json:"message"`
}

// ChatResponse is the body POST /chat and POST /runs return. It is exactly
// the orchestrator's uniform Response.
type ChatResponse = session.Response

// RunSubmitRequest is the body of POST /runs: identical to ChatRequest,
// named separately because the two endpoints are independent wire
// contracts even though they currently carry the same fields.
type RunSubmitRequest struct {
	DatasetID string `json:"dataset_id"`
	ThreadID  string `json:"thread_id"`
	Message   string `json:"message"`
}

// DatasetSummary is one entry of the GET /datasets projection.
type DatasetSummary struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Prompts     []string `json:"prompts,omitempty"`
	VersionHash string   `json:"version_hash,omitempty"`
}

// FileSchema is one file's entry of the GET /datasets/{id}/schema response.
type FileSchema struct {
	Name       string              `json:"name"`
	Path       string              `json:"path"`
	Schema     map[string]any      `json:"schema"`
	SampleRows []map[string]string `json:"sample_rows"`
}

// RunStatusResponse is the body of GET /runs/{id}/status.
type RunStatusResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// errorBody is the wire shape of every non-2xx JSON response.
type errorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
