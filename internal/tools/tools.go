// Package tools implements the five callables the agent turn engine can
// invoke: dataset discovery, schema inspection, and three execution modes
// (raw SQL, a structured query plan, and Python). Each is a pure function
// over a shared Services bundle (executor, dataset registry, compiler,
// config) — there is no hidden state between calls.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/csvanalyst/agent-server/internal/dataset"
	"github.com/csvanalyst/agent-server/internal/queryplan"
	"github.com/csvanalyst/agent-server/internal/queryplan/compiler"
	"github.com/csvanalyst/agent-server/internal/sandbox"
	"github.com/csvanalyst/agent-server/internal/sqlpolicy"
	"github.com/csvanalyst/agent-server/internal/toolerrors"
)

// ExecutionToolNames is the set of tools whose result is a data-producing
// runner envelope rather than discovery metadata. The capsule extractor
// uses this set to decide which tool result populates a run capsule.
var ExecutionToolNames = map[string]bool{
	"execute_sql":        true,
	"execute_query_plan": true,
	"execute_python":     true,
}

// Services bundles the collaborators every tool closes over.
type Services struct {
	Registry              *dataset.Registry
	Executor              sandbox.Executor
	TimeoutSeconds        int
	MaxRows               int
	MaxOutputBytes        int
	EnablePythonExecution bool
}

// Spec describes one callable tool: its name, description, and the
// JSON Schema its argument payload must satisfy. SchemaDoc is the decoded
// schema document (for callers that advertise it to a model, e.g. as a
// tool definition's input schema); Schema is the compiled validator.
type Spec struct {
	Name        string
	Description string
	SchemaDoc   any
	Schema      *jsonschema.Schema
}

// Tool is a named, schema-validated callable over Services.
type Tool struct {
	Spec Spec
	Run  func(ctx context.Context, svc *Services, argsJSON json.RawMessage) (string, error)
}

// Specs returns the five tools in a stable order, each with its argument
// schema compiled and ready to validate calls against.
func Specs() ([]Tool, error) {
	tools := []Tool{
		{Spec: Spec{Name: "list_datasets", Description: "List all available CSV datasets with their descriptions and prompts."}, Run: listDatasets},
		{Spec: Spec{Name: "get_dataset_schema", Description: "Get the schema and up to 3 sample rows for a dataset."}, Run: getDatasetSchema},
		{Spec: Spec{Name: "execute_sql", Description: "Execute a SQL query against a dataset in a sandboxed runner."}, Run: executeSQL},
		{Spec: Spec{Name: "execute_query_plan", Description: "Compile a QueryPlan JSON object to SQL and execute it."}, Run: executeQueryPlan},
		{Spec: Spec{Name: "execute_python", Description: "Execute Python/pandas code against a dataset in a sandboxed runner."}, Run: executePython},
	}
	for i, t := range tools {
		raw := argSchemaJSON[t.Spec.Name]
		schema, err := compileSchema(raw)
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", t.Spec.Name, err)
		}
		var doc any
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("decode schema doc for %s: %w", t.Spec.Name, err)
		}
		tools[i].Spec.Schema = schema
		tools[i].Spec.SchemaDoc = doc
	}
	return tools, nil
}

func compileSchema(raw string) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile("schema.json")
}

// Validate checks argsJSON against spec's compiled schema.
func (s Spec) Validate(argsJSON json.RawMessage) error {
	if s.Schema == nil {
		return nil
	}
	var doc any
	if err := json.Unmarshal(argsJSON, &doc); err != nil {
		return fmt.Errorf("unmarshal tool arguments: %w", err)
	}
	return s.Schema.Validate(doc)
}

var argSchemaJSON = map[string]string{
	"list_datasets": `{"type":"object","properties":{},"additionalProperties":false}`,
	"get_dataset_schema": `{
		"type":"object",
		"properties":{"dataset_id":{"type":"string"}},
		"required":["dataset_id"],
		"additionalProperties":false
	}`,
	"execute_sql": `{
		"type":"object",
		"properties":{"dataset_id":{"type":"string"},"sql":{"type":"string"}},
		"required":["dataset_id","sql"],
		"additionalProperties":false
	}`,
	"execute_query_plan": `{
		"type":"object",
		"properties":{"dataset_id":{"type":"string"},"plan":{"type":"string"}},
		"required":["dataset_id","plan"],
		"additionalProperties":false
	}`,
	"execute_python": `{
		"type":"object",
		"properties":{"dataset_id":{"type":"string"},"python_code":{"type":"string"}},
		"required":["dataset_id","python_code"],
		"additionalProperties":false
	}`,
}

// listDatasetsArgs / getDatasetSchemaArgs / ... decode the validated JSON
// arguments for each tool.
type listDatasetsArgs struct{}

type getDatasetSchemaArgs struct {
	DatasetID string `json:"dataset_id"`
}

type executeSQLArgs struct {
	DatasetID string `json:"dataset_id"`
	SQL       string `json:"sql"`
}

type executeQueryPlanArgs struct {
	DatasetID string `json:"dataset_id"`
	Plan      string `json:"plan"`
}

type executePythonArgs struct {
	DatasetID  string `json:"dataset_id"`
	PythonCode string `json:"python_code"`
}

// Bounds describes how a result's row count relates to the MaxRows cap the
// run was submitted with, so a caller can tell a genuinely small result
// apart from one truncated by the cap without re-deriving it from RowCount
// and the request it made.
type Bounds struct {
	Returned       int    `json:"returned"`
	Truncated      bool   `json:"truncated"`
	RefinementHint string `json:"refinement_hint,omitempty"`
}

func boundsFor(result sandbox.Result, maxRows int) *Bounds {
	if maxRows <= 0 || result.RowCount < maxRows {
		return nil
	}
	return &Bounds{
		Returned:       result.RowCount,
		Truncated:      true,
		RefinementHint: "narrow the query (add a WHERE clause, GROUP BY, or LIMIT) to see fewer, more targeted rows",
	}
}

// envelope is the JSON shape every execution tool returns: the runner
// result envelope augmented with mode-specific fields.
type envelope struct {
	Status      string             `json:"status"`
	Columns     []string           `json:"columns"`
	Rows        [][]any            `json:"rows"`
	RowCount    int                `json:"row_count"`
	ExecTimeMs  int64              `json:"exec_time_ms,omitempty"`
	StdoutTrunc string             `json:"stdout_trunc,omitempty"`
	StderrTrunc string             `json:"stderr_trunc,omitempty"`
	Error       *sandbox.ErrorInfo `json:"error,omitempty"`
	CompiledSQL string             `json:"compiled_sql,omitempty"`
	PlanJSON    *queryplan.Plan    `json:"plan_json,omitempty"`
	Bounds      *Bounds            `json:"bounds,omitempty"`
}

func envelopeFromResult(result sandbox.Result, maxRows int) envelope {
	return envelope{
		Status:      result.Status,
		Columns:     result.Columns,
		Rows:        result.Rows,
		RowCount:    result.RowCount,
		ExecTimeMs:  result.ExecTimeMs,
		StdoutTrunc: result.StdoutTrunc,
		StderrTrunc: result.StderrTrunc,
		Error:       result.Error,
		Bounds:      boundsFor(result, maxRows),
	}
}

func policyViolationEnvelope(compiledSQL, reason string) envelope {
	return envelope{
		Status:      "error",
		Columns:     []string{},
		Rows:        [][]any{},
		Error:       &sandbox.ErrorInfo{Type: toolerrors.TypeSQLPolicyViolation, Message: reason},
		CompiledSQL: compiledSQL,
	}
}

func marshal(v any) (string, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func listDatasets(_ context.Context, svc *Services, _ json.RawMessage) (string, error) {
	type summaryEntry struct {
		ID          string   `json:"id"`
		Name        string   `json:"name"`
		Description string   `json:"description,omitempty"`
		Prompts     []string `json:"prompts,omitempty"`
		VersionHash string   `json:"version_hash,omitempty"`
	}
	entries := make([]summaryEntry, 0, len(svc.Registry.List()))
	for _, ds := range svc.Registry.List() {
		entries = append(entries, summaryEntry{
			ID:          ds.ID,
			Name:        ds.Name,
			Description: ds.Description,
			Prompts:     ds.Prompts,
			VersionHash: ds.VersionHash,
		})
	}
	return marshal(map[string]any{"datasets": entries})
}

func getDatasetSchema(_ context.Context, svc *Services, argsJSON json.RawMessage) (string, error) {
	var args getDatasetSchemaArgs
	if err := json.Unmarshal(argsJSON, &args); err != nil {
		return "", err
	}
	ds, ok := svc.Registry.Get(args.DatasetID)
	if !ok {
		return "", fmt.Errorf("unknown dataset_id: %s", args.DatasetID)
	}

	type fileEntry struct {
		Name       string                    `json:"name"`
		Path       string                    `json:"path"`
		Schema     map[string]dataset.Column `json:"schema"`
		SampleRows []map[string]string       `json:"sample_rows"`
	}
	files := make([]fileEntry, 0, len(ds.Files))
	for _, f := range ds.Files {
		samples, err := svc.Registry.SampleRows(f)
		if err != nil {
			return "", err
		}
		files = append(files, fileEntry{Name: f.Name, Path: f.Path, Schema: f.Schema, SampleRows: samples})
	}
	return marshal(map[string]any{"id": ds.ID, "name": ds.Name, "files": files})
}

func runSandbox(ctx context.Context, svc *Services, ds dataset.Descriptor, mode sandbox.Mode, sql, pythonCode string) (sandbox.Result, error) {
	files := make([]sandbox.PayloadFile, 0, len(ds.Files))
	for _, f := range ds.Files {
		files = append(files, sandbox.PayloadFile{Name: f.Name, Path: "/data/" + f.Path})
	}
	payload := sandbox.Payload{
		DatasetID:      ds.ID,
		Files:          files,
		QueryType:      mode,
		TimeoutSeconds: svc.TimeoutSeconds,
		MaxRows:        svc.MaxRows,
		MaxOutputBytes: svc.MaxOutputBytes,
	}
	if mode == sandbox.ModePython {
		payload.PythonCode = pythonCode
	} else {
		payload.SQL = sql
	}
	submitResult, err := svc.Executor.Submit(ctx, payload)
	if err != nil {
		return sandbox.Result{}, err
	}
	return submitResult.Result, nil
}

func executeSQL(ctx context.Context, svc *Services, argsJSON json.RawMessage) (string, error) {
	var args executeSQLArgs
	if err := json.Unmarshal(argsJSON, &args); err != nil {
		return "", err
	}
	ds, ok := svc.Registry.Get(args.DatasetID)
	if !ok {
		return "", fmt.Errorf("unknown dataset_id: %s", args.DatasetID)
	}

	normalized := sqlpolicy.NormalizeForDataset(args.SQL, args.DatasetID)
	if reason := sqlpolicy.Validate(normalized); reason != "" {
		return marshal(policyViolationEnvelope(normalized, reason))
	}

	result, err := runSandbox(ctx, svc, ds, sandbox.ModeSQL, normalized, "")
	if err != nil {
		return "", err
	}
	env := envelopeFromResult(result, svc.MaxRows)
	env.CompiledSQL = normalized
	return marshal(env)
}

func executeQueryPlan(ctx context.Context, svc *Services, argsJSON json.RawMessage) (string, error) {
	var args executeQueryPlanArgs
	if err := json.Unmarshal(argsJSON, &args); err != nil {
		return "", err
	}
	ds, ok := svc.Registry.Get(args.DatasetID)
	if !ok {
		return "", fmt.Errorf("unknown dataset_id: %s", args.DatasetID)
	}

	var plan queryplan.Plan
	if err := json.Unmarshal([]byte(args.Plan), &plan); err != nil {
		return "", fmt.Errorf("decode query plan: %w", err)
	}
	// dataset_id from the function argument wins over anything in the plan body.
	plan.DatasetID = args.DatasetID
	if err := plan.Validate(); err != nil {
		return "", fmt.Errorf("invalid query plan: %w", err)
	}

	compiledSQL, err := compiler.Compile(plan)
	if err != nil {
		return "", fmt.Errorf("compile query plan: %w", err)
	}

	normalized := sqlpolicy.NormalizeForDataset(compiledSQL, args.DatasetID)
	if reason := sqlpolicy.Validate(normalized); reason != "" {
		env := policyViolationEnvelope(normalized, reason)
		env.PlanJSON = &plan
		return marshal(env)
	}

	result, err := runSandbox(ctx, svc, ds, sandbox.ModeSQL, normalized, "")
	if err != nil {
		return "", err
	}
	env := envelopeFromResult(result, svc.MaxRows)
	env.CompiledSQL = normalized
	env.PlanJSON = &plan
	return marshal(env)
}

func executePython(ctx context.Context, svc *Services, argsJSON json.RawMessage) (string, error) {
	var args executePythonArgs
	if err := json.Unmarshal(argsJSON, &args); err != nil {
		return "", err
	}
	if !svc.EnablePythonExecution {
		return marshal(envelope{
			Status:  "error",
			Columns: []string{},
			Rows:    [][]any{},
			Error:   &sandbox.ErrorInfo{Type: toolerrors.TypeFeatureDisabled, Message: "Python execution mode is disabled."},
		})
	}
	ds, ok := svc.Registry.Get(args.DatasetID)
	if !ok {
		return "", fmt.Errorf("unknown dataset_id: %s", args.DatasetID)
	}
	result, err := runSandbox(ctx, svc, ds, sandbox.ModePython, "", args.PythonCode)
	if err != nil {
		return "", err
	}
	return marshal(envelopeFromResult(result, svc.MaxRows))
}
