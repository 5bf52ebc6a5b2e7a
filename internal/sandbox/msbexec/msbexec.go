// Package msbexec implements the sandbox.Executor contract against a remote
// microsandbox server over its JSON-RPC API: one ephemeral sandbox per
// query, torn down in a deferred best-effort sandbox.stop regardless of
// outcome.
package msbexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/csvanalyst/agent-server/internal/sandbox"
	"github.com/csvanalyst/agent-server/internal/telemetry"
)

// Config configures an Executor.
type Config struct {
	RunnerImage    string
	DatasetsDir    string
	ServerURL      string
	APIKey         string
	Namespace      string
	TimeoutSeconds int
	MaxRows        int
	MaxOutputBytes int
	MemoryMB       int
	CPUs           float64
	Client         *http.Client
	Logger         telemetry.Logger
	Metrics        telemetry.Metrics
}

// Executor runs sandboxed payloads as ephemeral microsandbox REPL sessions
// reached over JSON-RPC.
type Executor struct {
	cfg    Config
	client *http.Client
	rpcID  atomic.Uint64
	table  *sandbox.BookkeepingTable
}

// New builds an Executor. It does not validate connectivity; that happens
// per-Submit, mirroring how the server URL may point at a sandbox fleet
// that only becomes reachable after the process starts. Logger/Metrics
// default to no-op implementations when left unset.
func New(cfg Config) *Executor {
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNoopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NewNoopMetrics()
	}
	return &Executor{cfg: cfg, client: cfg.Client, table: sandbox.NewBookkeepingTable()}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("microsandbox rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
	ID      string          `json:"id"`
}

// rpcURL normalizes a configured server URL (bare host, API root, or an
// already-complete RPC endpoint) to the JSON-RPC POST target.
func rpcURL(server string) (string, error) {
	server = strings.TrimSpace(server)
	if server == "" {
		return "", fmt.Errorf("microsandbox server URL is required")
	}
	if strings.HasSuffix(server, "/api/v1/rpc") {
		return server, nil
	}
	server = strings.TrimSuffix(server, "/")
	if strings.HasSuffix(server, "/api/v1") {
		return server + "/rpc", nil
	}
	if strings.Contains(server, "/api/v1/") {
		return server, nil
	}
	return server + "/api/v1/rpc", nil
}

// healthURL derives the health-check endpoint from the RPC endpoint.
func healthURL(rpc string) string {
	if strings.HasSuffix(rpc, "/rpc") {
		return rpc[:len(rpc)-4] + "/health"
	}
	u, err := url.Parse(rpc)
	if err != nil {
		return rpc
	}
	return fmt.Sprintf("%s://%s/api/v1/health", u.Scheme, u.Host)
}

func (e *Executor) checkConnectivity(ctx context.Context) error {
	rpc, err := rpcURL(e.cfg.ServerURL)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL(rpc), nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("microsandbox server is not reachable, check the server URL and status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("microsandbox server is not reachable, check the server URL and status: health check returned %d", resp.StatusCode)
	}
	return nil
}

func (e *Executor) call(ctx context.Context, method string, params any, result any) error {
	rpc, err := rpcURL(e.cfg.ServerURL)
	if err != nil {
		return err
	}
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      fmt.Sprintf("%d", e.rpcID.Add(1)),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rpc, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s failed: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s failed: rpc status %d", method, resp.StatusCode)
	}
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("%s failed: %w", method, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("%s failed: %s", method, rpcResp.Error.Message)
	}
	if result != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("%s failed: %w", method, err)
		}
	}
	return nil
}

func sandboxName(runID string) string {
	short := runID
	if len(short) > 8 {
		short = short[:8]
	}
	return "csv-analyst-" + short
}

func (e *Executor) startSandbox(ctx context.Context, name string, datasetsDir string) error {
	return e.call(ctx, "sandbox.start", map[string]any{
		"sandbox":   name,
		"namespace": e.cfg.Namespace,
		"config": map[string]any{
			"image":   e.cfg.RunnerImage,
			"memory":  e.cfg.MemoryMB,
			"cpus":    e.cfg.CPUs,
			"volumes": []string{datasetsDir + ":/data:ro"},
		},
	}, nil)
}

type replResult struct {
	Output string `json:"output"`
	Stdout string `json:"stdout"`
	Result string `json:"result"`
	Stderr string `json:"stderr"`
}

func runnerScript(mode sandbox.Mode) string {
	if mode == sandbox.ModePython {
		return "/app/runner_python.py"
	}
	return "/app/runner.py"
}

func buildRunnerCode(payload sandbox.Payload, timeoutSeconds int) (string, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	literal, err := json.Marshal(string(payloadJSON))
	if err != nil {
		return "", err
	}
	script, err := json.Marshal(runnerScript(payload.QueryType))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		"import subprocess, sys\n"+
			"payload = %s\n"+
			"cmd = ['python3', %s]\n"+
			"proc = subprocess.run(cmd, input=payload, text=True, capture_output=True, timeout=%d)\n"+
			"sys.stdout.write(proc.stdout or '')\n"+
			"sys.stderr.write(proc.stderr or '')\n",
		literal, script, timeoutSeconds+5,
	), nil
}

func (e *Executor) stopSandbox(ctx context.Context, name string) {
	_ = e.call(ctx, "sandbox.stop", map[string]any{"sandbox": name, "namespace": e.cfg.Namespace}, nil)
}

// Submit starts an ephemeral sandbox, runs the runner entrypoint inside it
// over sandbox.repl.run, and stops the sandbox before returning.
func (e *Executor) Submit(ctx context.Context, payload sandbox.Payload) (sandbox.SubmitResult, error) {
	runID := uuid.NewString()
	started := time.Now()
	e.table.SetRunning(runID)
	e.cfg.Logger.Debug(ctx, "sandbox run started", "provider", "microsandbox", "run_id", runID)

	timeout := e.cfg.TimeoutSeconds
	if payload.TimeoutSeconds > 0 {
		timeout = payload.TimeoutSeconds
	}

	result := e.runInSandbox(ctx, runID, payload, timeout)
	status := sandbox.TerminalStatus(result)
	e.table.Complete(runID, status, result)
	e.cfg.Metrics.IncCounter("sandbox.run.count", 1, "provider", "microsandbox", "status", string(status))
	e.cfg.Metrics.RecordTimer("sandbox.run.duration", time.Since(started), "provider", "microsandbox")
	e.cfg.Logger.Info(ctx, "sandbox run complete", "provider", "microsandbox", "run_id", runID, "status", string(status))
	return sandbox.SubmitResult{RunID: runID, Status: status, Result: result}, nil
}

// runInSandbox falls back to the msb CLI only when the health precheck
// itself fails, not on a per-call RPC error (bad registry, 4xx/5xx from
// sandbox.start or sandbox.repl.run). A server that's reachable but
// returns those errors surfaces them as a failed result instead of
// retrying through the CLI; narrower than a full per-error-class fallback,
// but keeps the trigger condition a single, testable precondition.
func (e *Executor) runInSandbox(ctx context.Context, runID string, payload sandbox.Payload, timeout int) sandbox.Result {
	if err := e.checkConnectivity(ctx); err != nil {
		if cliErr := exec.CommandContext(ctx, "msb", "--version").Run(); cliErr == nil {
			return e.runViaCLI(ctx, runID, payload, timeout)
		}
		return errorOrTimeoutResult(err)
	}

	name := sandboxName(runID)
	if err := e.startSandbox(ctx, name, e.cfg.DatasetsDir); err != nil {
		return errorOrTimeoutResult(err)
	}
	defer e.stopSandbox(ctx, name)

	code, err := buildRunnerCode(payload, timeout)
	if err != nil {
		return sandbox.InternalError("Failed to build runner code: "+err.Error(), "", "")
	}

	var repl replResult
	err = e.call(ctx, "sandbox.repl.run", map[string]any{
		"sandbox":   name,
		"namespace": e.cfg.Namespace,
		"language":  "python",
		"code":      code,
		"timeout":   timeout + 5,
	}, &repl)
	if err != nil {
		return errorOrTimeoutResult(err)
	}

	stdout := firstNonEmpty(repl.Output, repl.Stdout, repl.Result)
	return sandbox.ParseRunnerOutput(stdout, repl.Stderr)
}

// runViaCLI is the fallback path for environments where the microsandbox
// server's RPC endpoint is unreachable but its local `msb` CLI is
// installed: it runs the same ephemeral-sandbox lifecycle through
// subprocess calls instead of JSON-RPC, mirroring how dockerexec falls
// back from the Docker SDK to the `docker` CLI for connectivity.
func (e *Executor) runViaCLI(ctx context.Context, runID string, payload sandbox.Payload, timeout int) sandbox.Result {
	name := sandboxName(runID)
	startArgs := []string{
		"sandbox", "start", name,
		"--namespace", e.cfg.Namespace,
		"--image", e.cfg.RunnerImage,
		"--memory", fmt.Sprintf("%d", e.cfg.MemoryMB),
		"--cpus", fmt.Sprintf("%g", e.cfg.CPUs),
		"--volume", e.cfg.DatasetsDir + ":/data:ro",
	}
	if out, err := exec.CommandContext(ctx, "msb", startArgs...).CombinedOutput(); err != nil {
		return sandbox.InternalError("msb sandbox start failed: "+string(out), "", "")
	}
	defer func() {
		_ = exec.CommandContext(ctx, "msb", "sandbox", "stop", name, "--namespace", e.cfg.Namespace).Run()
	}()

	code, err := buildRunnerCode(payload, timeout)
	if err != nil {
		return sandbox.InternalError("Failed to build runner code: "+err.Error(), "", "")
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout+5)*time.Second)
	defer cancel()
	cmd := exec.CommandContext(runCtx, "msb", "sandbox", "repl", "run", name, "--namespace", e.cfg.Namespace, "--language", "python")
	cmd.Stdin = strings.NewReader(code)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	_ = cmd.Run()

	return sandbox.ParseRunnerOutput(stdout.String(), stderr.String())
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func errorOrTimeoutResult(err error) sandbox.Result {
	if strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return sandbox.TimeoutResult(err.Error())
	}
	return sandbox.InternalError(err.Error(), "", "")
}

// GetStatus returns runID's last observed status.
func (e *Executor) GetStatus(_ context.Context, runID string) (sandbox.StatusResult, error) {
	return sandbox.StatusResult{RunID: runID, Status: e.table.Status(runID)}, nil
}

// GetResult returns runID's recorded result, if any.
func (e *Executor) GetResult(_ context.Context, runID string) (sandbox.Result, bool, error) {
	r, ok := e.table.Result(runID)
	return r, ok, nil
}

// Cleanup discards runID's bookkeeping entry. The sandbox itself is already
// gone: Submit stops it before returning.
func (e *Executor) Cleanup(_ context.Context, runID string) error {
	e.table.Cleanup(runID)
	return nil
}
