package k8sexec

import (
	"strings"
	"testing"

	"github.com/csvanalyst/agent-server/internal/sandbox"
)

func TestJobName_TruncatesToEightChars(t *testing.T) {
	got := jobName("abcdefgh-1234-5678-9012-abcdefabcdef")
	if got != "csv-analyst-abcdefgh" {
		t.Fatalf("jobName() = %q", got)
	}
}

func TestJobName_ShortRunID(t *testing.T) {
	if got := jobName("ab"); got != "csv-analyst-ab" {
		t.Fatalf("jobName() = %q, want passthrough for short ids", got)
	}
}

func TestRunnerScript(t *testing.T) {
	if got := runnerScript(sandbox.ModePython); got != "/app/runner_python.py" {
		t.Fatalf("runnerScript(python) = %q", got)
	}
	if got := runnerScript(sandbox.ModeSQL); got != "/app/runner.py" {
		t.Fatalf("runnerScript(sql) = %q", got)
	}
}

func TestBootstrapCode_EmbedsRunnerScript(t *testing.T) {
	code := bootstrapCode(sandbox.ModePython)
	if !strings.Contains(code, "runner_python.py") {
		t.Fatalf("bootstrapCode() = %q, missing runner script path", code)
	}
	if !strings.Contains(code, "RUNNER_REQUEST_JSON") {
		t.Fatalf("bootstrapCode() = %q, missing env var read", code)
	}
}

func TestBuildJob_Hardening(t *testing.T) {
	e := &Executor{cfg: Config{RunnerImage: "csv-analyst-runner:test", Namespace: "default", CPULimit: "500m", MemoryLimit: "512Mi", JobTTLSeconds: 300}}
	job := e.buildJob("csv-analyst-abcdefgh", sandbox.Payload{QueryType: sandbox.ModeSQL}, 10, []byte(`{}`))

	container := job.Spec.Template.Spec.Containers[0]
	if container.SecurityContext == nil || !*container.SecurityContext.RunAsNonRoot {
		t.Fatal("expected RunAsNonRoot security context")
	}
	if *container.SecurityContext.AllowPrivilegeEscalation {
		t.Fatal("expected AllowPrivilegeEscalation=false")
	}
	if len(container.SecurityContext.Capabilities.Drop) != 1 || container.SecurityContext.Capabilities.Drop[0] != "ALL" {
		t.Fatal("expected all capabilities dropped")
	}
	if job.Spec.Template.Spec.RestartPolicy != "Never" {
		t.Fatalf("RestartPolicy = %q, want Never", job.Spec.Template.Spec.RestartPolicy)
	}
	if *job.Spec.BackoffLimit != 0 {
		t.Fatal("expected BackoffLimit=0, no retries on a one-shot runner job")
	}
}

func TestBuildJob_DatasetsPVCOptional(t *testing.T) {
	withoutPVC := &Executor{cfg: Config{RunnerImage: "img", Namespace: "default", JobTTLSeconds: 300}}
	job := withoutPVC.buildJob("name", sandbox.Payload{}, 10, []byte(`{}`))
	if len(job.Spec.Template.Spec.Volumes) != 1 {
		t.Fatalf("expected only the tmp volume, got %d volumes", len(job.Spec.Template.Spec.Volumes))
	}

	withPVC := &Executor{cfg: Config{RunnerImage: "img", Namespace: "default", JobTTLSeconds: 300, DatasetsPVC: "datasets-pvc"}}
	job = withPVC.buildJob("name", sandbox.Payload{}, 10, []byte(`{}`))
	if len(job.Spec.Template.Spec.Volumes) != 2 {
		t.Fatalf("expected tmp + datasets volumes, got %d", len(job.Spec.Template.Spec.Volumes))
	}
}
