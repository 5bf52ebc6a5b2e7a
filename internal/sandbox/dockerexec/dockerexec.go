// Package dockerexec implements the sandbox.Executor contract against a
// local Docker daemon: connectivity is checked with the Docker SDK, and the
// runner itself is invoked with a hardened `docker run` via os/exec, since
// the SDK's container-create/attach dance buys nothing over a single
// short-lived CLI invocation for a one-shot, stdin-in/stdout-out runner.
package dockerexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/docker/docker/client"
	"github.com/google/uuid"

	"github.com/csvanalyst/agent-server/internal/sandbox"
	"github.com/csvanalyst/agent-server/internal/telemetry"
)

// Config configures an Executor.
type Config struct {
	RunnerImage    string
	DatasetsDir    string
	TimeoutSeconds int
	MaxRows        int
	MaxOutputBytes int
	Logger         telemetry.Logger
	Metrics        telemetry.Metrics
}

// Executor runs sandboxed SQL/Python payloads as one-shot, network-isolated
// Docker containers on the local daemon.
type Executor struct {
	cfg    Config
	docker *client.Client // nil when the SDK transport could not be built; CLI fallback still works
	table  *sandbox.BookkeepingTable
}

// New builds an Executor. It does not fail if the Docker SDK client cannot
// be constructed: some hosts lack a usable SDK transport even though the
// `docker` CLI works, so connectivity checks fall back to `docker info`.
// Logger/Metrics default to no-op implementations when left unset.
func New(cfg Config) *Executor {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		cli = nil
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNoopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NewNoopMetrics()
	}
	return &Executor{cfg: cfg, docker: cli, table: sandbox.NewBookkeepingTable()}
}

func (e *Executor) checkAvailable(ctx context.Context) error {
	if e.docker != nil {
		if _, err := e.docker.Ping(ctx); err == nil {
			return nil
		}
	}
	cmd := exec.CommandContext(ctx, "docker", "info")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := stderr.String()
		if msg == "" {
			msg = "Docker daemon is not reachable"
		}
		return fmt.Errorf("%s", msg)
	}
	return nil
}

// complete records runID's terminal status/result in the bookkeeping table
// and reports it through Logger/Metrics: a run-count by provider/status and
// a run-duration timer since started.
func (e *Executor) complete(ctx context.Context, runID string, started time.Time, status sandbox.Status, result sandbox.Result) sandbox.SubmitResult {
	e.table.Complete(runID, status, result)
	e.cfg.Metrics.IncCounter("sandbox.run.count", 1, "provider", "docker", "status", string(status))
	e.cfg.Metrics.RecordTimer("sandbox.run.duration", time.Since(started), "provider", "docker")
	e.cfg.Logger.Info(ctx, "sandbox run complete", "provider", "docker", "run_id", runID, "status", string(status))
	return sandbox.SubmitResult{RunID: runID, Status: status, Result: result}
}

// Submit runs payload to completion in a single hardened container and
// records its outcome in the bookkeeping table.
func (e *Executor) Submit(ctx context.Context, payload sandbox.Payload) (sandbox.SubmitResult, error) {
	runID := uuid.NewString()
	started := time.Now()
	e.table.SetRunning(runID)
	e.cfg.Logger.Debug(ctx, "sandbox run started", "provider", "docker", "run_id", runID)

	if err := e.checkAvailable(ctx); err != nil {
		result := sandbox.InternalError("Docker daemon is not reachable: "+err.Error(), "", "")
		return e.complete(ctx, runID, started, sandbox.StatusFailed, result), nil
	}

	timeout := e.cfg.TimeoutSeconds
	if payload.TimeoutSeconds > 0 && payload.TimeoutSeconds < timeout {
		timeout = payload.TimeoutSeconds
	}

	args := []string{
		"run", "--rm", "-i",
		"--network", "none",
		"--read-only",
		"--pids-limit", "64",
		"--memory", "512m",
		"--cpus", "0.5",
		"--tmpfs", "/tmp:rw,noexec,nosuid,size=64m",
		"-v", filepath.Clean(e.cfg.DatasetsDir) + ":/data:ro",
	}
	if payload.QueryType == sandbox.ModePython {
		args = append(args, "--entrypoint", "python3")
	}
	args = append(args, e.cfg.RunnerImage)
	if payload.QueryType == sandbox.ModePython {
		args = append(args, "/app/runner_python.py")
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout+5)*time.Second)
	defer cancel()

	stdin, err := marshalPayload(payload)
	if err != nil {
		result := sandbox.InternalError("Failed to encode runner payload: "+err.Error(), "", "")
		return e.complete(ctx, runID, started, sandbox.StatusFailed, result), nil
	}

	cmd := exec.CommandContext(runCtx, "docker", args...)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	_ = cmd.Run() // a runner that exits non-zero still reports through the result envelope

	result := sandbox.ParseRunnerOutput(stdout.String(), stderr.String())
	status := sandbox.TerminalStatus(result)
	return e.complete(ctx, runID, started, status, result), nil
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

// Cleanup discards the bookkeeping entry for runID. The container itself is
// already gone: it was started with --rm.
func (e *Executor) Cleanup(_ context.Context, runID string) error {
	e.table.Cleanup(runID)
	return nil
}

func marshalPayload(payload sandbox.Payload) ([]byte, error) {
	if payload.MaxRows == 0 {
		payload.MaxRows = 200
	}
	if payload.MaxOutputBytes == 0 {
		payload.MaxOutputBytes = 65536
	}
	return json.Marshal(payload)
}
