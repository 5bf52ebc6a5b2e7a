// Package k8sexec implements the sandbox.Executor contract by running one
// short-lived Job per query in a Kubernetes cluster, reading the runner's
// JSON result from the Job's pod logs, and deleting the Job afterward.
package k8sexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/google/uuid"

	"github.com/csvanalyst/agent-server/internal/sandbox"
	"github.com/csvanalyst/agent-server/internal/telemetry"
)

// Config configures an Executor.
type Config struct {
	RunnerImage        string
	Namespace          string
	TimeoutSeconds     int
	MaxRows            int
	MaxOutputBytes     int
	ServiceAccountName string
	ImagePullPolicy    corev1.PullPolicy
	CPULimit           string
	MemoryLimit        string
	DatasetsPVC        string
	JobTTLSeconds      int32
	PollInterval       time.Duration
	KeepJobs           bool
	Logger             telemetry.Logger
	Metrics            telemetry.Metrics
}

// Executor runs sandboxed payloads as Kubernetes Jobs.
type Executor struct {
	cfg       Config
	clientset kubernetes.Interface
	table     *sandbox.BookkeepingTable
}

// New builds an Executor, loading an in-cluster config first and falling
// back to the local kubeconfig, matching how a runner deployed as a
// cluster workload and a developer running against a local cluster both
// expect configuration to be discovered.
func New(cfg Config) (*Executor, error) {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	restConfig, err := rest.InClusterConfig()
	if err != nil {
		restConfig, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			clientcmd.NewDefaultClientConfigLoadingRules(),
			&clientcmd.ConfigOverrides{},
		).ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("could not load kubernetes config (in-cluster or local kubeconfig): %w", err)
		}
	}
	cs, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes clientset: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNoopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NewNoopMetrics()
	}
	return &Executor{cfg: cfg, clientset: cs, table: sandbox.NewBookkeepingTable()}, nil
}

func jobName(runID string) string {
	short := runID
	if len(short) > 8 {
		short = short[:8]
	}
	return "csv-analyst-" + short
}

func runnerScript(mode sandbox.Mode) string {
	if mode == sandbox.ModePython {
		return "/app/runner_python.py"
	}
	return "/app/runner.py"
}

func bootstrapCode(mode sandbox.Mode) string {
	return "import os, subprocess, sys\n" +
		"payload = os.environ.get('RUNNER_REQUEST_JSON', '')\n" +
		fmt.Sprintf("proc = subprocess.run(['python3', %q], input=payload, text=True, capture_output=True)\n", runnerScript(mode)) +
		"sys.stdout.write(proc.stdout or '')\n" +
		"sys.exit(proc.returncode)\n"
}

func (e *Executor) buildJob(name string, payload sandbox.Payload, timeout int, payloadJSON []byte) *batchv1.Job {
	volumes := []corev1.Volume{{Name: "tmp", VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}}}
	mounts := []corev1.VolumeMount{{Name: "tmp", MountPath: "/tmp"}}

	if e.cfg.DatasetsPVC != "" {
		volumes = append(volumes, corev1.Volume{
			Name:         "datasets",
			VolumeSource: corev1.VolumeSource{PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: e.cfg.DatasetsPVC}},
		})
		mounts = append(mounts, corev1.VolumeMount{Name: "datasets", MountPath: "/data", ReadOnly: true})
	}

	trueVal := true
	uid := int64(1000)
	container := corev1.Container{
		Name:            "runner",
		Image:           e.cfg.RunnerImage,
		ImagePullPolicy: e.cfg.ImagePullPolicy,
		Command:         []string{"python3", "-c", bootstrapCode(payload.QueryType)},
		Env:             []corev1.EnvVar{{Name: "RUNNER_REQUEST_JSON", Value: string(payloadJSON)}},
		VolumeMounts:    mounts,
		Resources: corev1.ResourceRequirements{
			Limits:   quantities(e.cfg.CPULimit, e.cfg.MemoryLimit),
			Requests: quantities(e.cfg.CPULimit, e.cfg.MemoryLimit),
		},
		SecurityContext: &corev1.SecurityContext{
			RunAsNonRoot:             &trueVal,
			RunAsUser:                &uid,
			RunAsGroup:               &uid,
			AllowPrivilegeEscalation: func() *bool { f := false; return &f }(),
			ReadOnlyRootFilesystem:   &trueVal,
			Capabilities:             &corev1.Capabilities{Drop: []corev1.Capability{"ALL"}},
		},
	}

	podSpec := corev1.PodSpec{
		RestartPolicy: corev1.RestartPolicyNever,
		Containers:    []corev1.Container{container},
		Volumes:       volumes,
	}
	if e.cfg.ServiceAccountName != "" {
		podSpec.ServiceAccountName = e.cfg.ServiceAccountName
	}

	deadline := int64(timeout + 5)
	backoff := int32(0)
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Spec: batchv1.JobSpec{
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{
					"app.kubernetes.io/name":       "csv-analyst-runner",
					"app.kubernetes.io/managed-by": "csv-analyst-agent",
				}},
				Spec: podSpec,
			},
			BackoffLimit:            &backoff,
			ActiveDeadlineSeconds:   &deadline,
			TTLSecondsAfterFinished: &e.cfg.JobTTLSeconds,
		},
	}
}

func quantities(cpu, mem string) corev1.ResourceList {
	list := corev1.ResourceList{}
	if cpu != "" {
		list[corev1.ResourceCPU] = resource.MustParse(cpu)
	}
	if mem != "" {
		list[corev1.ResourceMemory] = resource.MustParse(mem)
	}
	return list
}

// complete records runID's terminal status/result in the bookkeeping table
// and reports it through Logger/Metrics: a run-count by provider/status and
// a run-duration timer since started.
func (e *Executor) complete(ctx context.Context, runID string, started time.Time, status sandbox.Status, result sandbox.Result) sandbox.SubmitResult {
	e.table.Complete(runID, status, result)
	e.cfg.Metrics.IncCounter("sandbox.run.count", 1, "provider", "k8s", "status", string(status))
	e.cfg.Metrics.RecordTimer("sandbox.run.duration", time.Since(started), "provider", "k8s")
	e.cfg.Logger.Info(ctx, "sandbox run complete", "provider", "k8s", "run_id", runID, "status", string(status))
	return sandbox.SubmitResult{RunID: runID, Status: status, Result: result}
}

// Submit creates a Job for payload, waits for it to reach a terminal state,
// reads the runner's result from the pod's logs, and deletes the Job unless
// Config.KeepJobs is set.
func (e *Executor) Submit(ctx context.Context, payload sandbox.Payload) (sandbox.SubmitResult, error) {
	runID := uuid.NewString()
	started := time.Now()
	timeout := e.cfg.TimeoutSeconds
	if payload.TimeoutSeconds > 0 {
		timeout = payload.TimeoutSeconds
	}
	e.table.SetRunning(runID)
	name := jobName(runID)
	e.table.SetMeta(runID, name)
	e.cfg.Logger.Debug(ctx, "sandbox run started", "provider", "k8s", "run_id", runID, "job_name", name)

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		result := sandbox.InternalError("Failed to encode runner payload: "+err.Error(), "", "")
		return e.complete(ctx, runID, started, sandbox.StatusFailed, result), nil
	}

	result := e.runJob(ctx, name, payload, timeout, payloadJSON)
	if !e.cfg.KeepJobs {
		_ = e.deleteJob(ctx, name)
	}

	status := sandbox.TerminalStatus(result)
	return e.complete(ctx, runID, started, status, result), nil
}

func (e *Executor) runJob(ctx context.Context, name string, payload sandbox.Payload, timeout int, payloadJSON []byte) sandbox.Result {
	jobs := e.clientset.BatchV1().Jobs(e.cfg.Namespace)
	job := e.buildJob(name, payload, timeout, payloadJSON)
	if _, err := jobs.Create(ctx, job, metav1.CreateOptions{}); err != nil {
		return sandbox.InternalError("Failed to create Kubernetes Job: "+err.Error(), "", "")
	}

	terminal := e.waitForTerminal(ctx, name, timeout)
	stdout := e.readLogs(ctx, name)
	result := sandbox.ParseRunnerOutput(stdout, "")

	if terminal == "succeeded" && sandbox.IsParseFailure(result) {
		for i := 0; i < 4; i++ {
			time.Sleep(200 * time.Millisecond)
			stdout = e.readLogs(ctx, name)
			result = sandbox.ParseRunnerOutput(stdout, "")
			if !sandbox.IsParseFailure(result) {
				break
			}
		}
	}

	switch {
	case terminal == "timeout":
		return sandbox.TimeoutResult(fmt.Sprintf("Query exceeded timeout of %d seconds", timeout))
	case terminal == "failed" && result.Status == "success":
		return sandbox.InternalError("Kubernetes Job failed before returning a valid result.", "", "")
	default:
		return result
	}
}

func (e *Executor) waitForTerminal(ctx context.Context, name string, timeoutSeconds int) string {
	deadline := time.Now().Add(time.Duration(max(timeoutSeconds+5, 5)) * time.Second)
	jobs := e.clientset.BatchV1().Jobs(e.cfg.Namespace)
	for time.Now().Before(deadline) {
		job, err := jobs.Get(ctx, name, metav1.GetOptions{})
		if err == nil {
			if job.Status.Succeeded > 0 {
				return "succeeded"
			}
			if job.Status.Failed > 0 {
				return "failed"
			}
		}
		select {
		case <-ctx.Done():
			return "timeout"
		case <-time.After(e.cfg.PollInterval):
		}
	}
	return "timeout"
}

func (e *Executor) readLogs(ctx context.Context, jobName string) string {
	pods, err := e.clientset.CoreV1().Pods(e.cfg.Namespace).List(ctx, metav1.ListOptions{LabelSelector: "job-name=" + jobName})
	if err != nil || len(pods.Items) == 0 {
		return ""
	}
	podName := pods.Items[0].Name
	req := e.clientset.CoreV1().Pods(e.cfg.Namespace).GetLogs(podName, &corev1.PodLogOptions{})
	stream, err := req.Stream(ctx)
	if err != nil {
		return ""
	}
	defer stream.Close()
	var buf bytes.Buffer
	_, _ = io.Copy(&buf, stream)
	return buf.String()
}

func (e *Executor) deleteJob(ctx context.Context, name string) error {
	policy := metav1.DeletePropagationBackground
	err := e.clientset.BatchV1().Jobs(e.cfg.Namespace).Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &policy})
	if err != nil && !apierrors.IsNotFound(err) {
		return err
	}
	return nil
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

// Cleanup deletes runID's Job (if KeepJobs left it behind) and discards its
// bookkeeping entry.
func (e *Executor) Cleanup(ctx context.Context, runID string) error {
	if name, ok := e.table.Meta(runID); ok {
		_ = e.deleteJob(ctx, name)
	}
	e.table.Cleanup(runID)
	return nil
}

