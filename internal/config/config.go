// Package config loads the process configuration from environment
// variables, following the env-var-with-default convention the rest of the
// module's cmd entrypoints use.
//
// Recognized environment variables:
//
//	DATASETS_DIR             - path to the registry + CSV tree (required)
//	SANDBOX_PROVIDER         - "docker", "k8s", or "microsandbox" (default "docker")
//	RUNNER_IMAGE             - container/job image holding the runner scripts
//	RUN_TIMEOUT_SECONDS      - per-run wall-clock budget (default 30)
//	MAX_ROWS                 - per-run row cap (default 200)
//	MAX_OUTPUT_BYTES         - per-run stdout cap (default 1048576)
//	ENABLE_PYTHON_EXECUTION  - gates execute_python and the python: prefix (default true)
//	THREAD_HISTORY_WINDOW    - N for recent-history retrieval (default 20)
//	LOG_LEVEL                - clue log level (default "info")
//	HTTP_ADDR                - listen address (default ":8080")
//	STORE_KIND               - "inmem" or "mongo" (default "inmem")
//	MONGO_URI, MONGO_DATABASE - Mongo connection, consulted when STORE_KIND=mongo
//	MODEL_PROVIDER           - "anthropic", "openai", or "bedrock" (default "anthropic")
//	MODEL_NAME, MODEL_MAX_TOKENS - model id and max output tokens
//	ANTHROPIC_API_KEY, OPENAI_API_KEY, AWS_REGION - provider credentials/region
//	MODEL_TPM_BUDGET         - adaptive rate limiter ceiling, tokens/minute (default 60000)
//	MICROSANDBOX_SERVER_URL  - microsandbox server address (default "http://localhost:5555")
//	MICROSANDBOX_API_KEY     - microsandbox bearer token (default none)
//	MICROSANDBOX_NAMESPACE   - microsandbox namespace (default "default")
//	MICROSANDBOX_MEMORY_MB, MICROSANDBOX_CPUS - per-sandbox resources (default 512, 1.0)
//	K8S_NAMESPACE            - namespace runner Jobs are created in (default "default")
//	K8S_SERVICE_ACCOUNT_NAME - runner Job service account (default none)
//	K8S_IMAGE_PULL_POLICY    - runner image pull policy (default "IfNotPresent")
//	K8S_CPU_LIMIT, K8S_MEMORY_LIMIT - runner container limits (default "500m", "512Mi")
//	K8S_DATASETS_PVC         - claim mounted read-only at /data (default none)
//	K8S_JOB_TTL_SECONDS      - finished-Job TTL (default 300)
//	K8S_POLL_INTERVAL        - Job status poll interval (default 250ms)
//	TRACING_SINK_URI, EXPERIMENT_NAME, AUTOLOG_ENABLED - tracing sink, experiment name, autolog flag (default none, "csvanalyst", false)
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	corev1 "k8s.io/api/core/v1"
)

// Config is every environment-driven setting the server reads at startup.
type Config struct {
	DatasetsDir string

	// SandboxProvider selects which sandbox.Executor implementation wires
	// up: "docker", "k8s", or "microsandbox".
	SandboxProvider string
	RunnerImage     string
	RunTimeoutSecs  int
	MaxRows         int
	MaxOutputBytes  int

	EnablePythonExecution bool

	// Microsandbox provider settings.
	MicrosandboxServerURL string
	MicrosandboxAPIKey    string
	MicrosandboxNamespace string
	MicrosandboxMemoryMB  int
	MicrosandboxCPUs      float64

	// Kubernetes provider settings.
	K8sNamespace          string
	K8sServiceAccountName string
	K8sImagePullPolicy    corev1.PullPolicy
	K8sCPULimit           string
	K8sMemoryLimit        string
	K8sDatasetsPVC        string
	K8sJobTTLSeconds      int32
	K8sPollInterval       time.Duration

	ThreadHistoryWindow int

	LogLevel string

	// TracingSinkURI, when non-empty, configures the OTEL exporter endpoint
	// (e.g. an OTLP collector URL).
	TracingSinkURI string
	ExperimentName string
	AutologEnabled bool

	HTTPAddr string

	// StoreKind selects the capsule/message store backend: "inmem" or
	// "mongo". MongoURI and MongoDatabase are only consulted when
	// StoreKind is "mongo".
	StoreKind     string
	MongoURI      string
	MongoDatabase string

	// ModelProvider selects the model client: "anthropic", "openai", or
	// "bedrock". ModelName and the provider-specific API key/region below
	// apply to whichever provider is selected.
	ModelProvider   string
	ModelName       string
	ModelMaxTokens  int
	AnthropicAPIKey string
	OpenAIAPIKey    string
	BedrockRegion   string

	// ModelTPMBudget is the adaptive rate limiter's tokens-per-minute
	// ceiling in front of the model client.
	ModelTPMBudget float64
}

// Load builds a Config from the environment, applying the defaults this
// package documents for every optional setting. It returns an error only
// for settings with no sane default (DatasetsDir).
func Load() (Config, error) {
	datasetsDir := os.Getenv("DATASETS_DIR")
	if datasetsDir == "" {
		return Config{}, fmt.Errorf("DATASETS_DIR is required")
	}

	cfg := Config{
		DatasetsDir:           datasetsDir,
		SandboxProvider:       envOr("SANDBOX_PROVIDER", "docker"),
		RunnerImage:           envOr("RUNNER_IMAGE", "csvanalyst/runner:latest"),
		RunTimeoutSecs:        envIntOr("RUN_TIMEOUT_SECONDS", 30),
		MaxRows:               envIntOr("MAX_ROWS", 200),
		MaxOutputBytes:        envIntOr("MAX_OUTPUT_BYTES", 1<<20),
		EnablePythonExecution: envBoolOr("ENABLE_PYTHON_EXECUTION", true),

		MicrosandboxServerURL: envOr("MICROSANDBOX_SERVER_URL", "http://localhost:5555"),
		MicrosandboxAPIKey:    os.Getenv("MICROSANDBOX_API_KEY"),
		MicrosandboxNamespace: envOr("MICROSANDBOX_NAMESPACE", "default"),
		MicrosandboxMemoryMB:  envIntOr("MICROSANDBOX_MEMORY_MB", 512),
		MicrosandboxCPUs:      envFloatOr("MICROSANDBOX_CPUS", 1.0),

		K8sNamespace:          envOr("K8S_NAMESPACE", "default"),
		K8sServiceAccountName: os.Getenv("K8S_SERVICE_ACCOUNT_NAME"),
		K8sImagePullPolicy:    corev1.PullPolicy(envOr("K8S_IMAGE_PULL_POLICY", string(corev1.PullIfNotPresent))),
		K8sCPULimit:           envOr("K8S_CPU_LIMIT", "500m"),
		K8sMemoryLimit:        envOr("K8S_MEMORY_LIMIT", "512Mi"),
		K8sDatasetsPVC:        os.Getenv("K8S_DATASETS_PVC"),
		K8sJobTTLSeconds:      int32(envIntOr("K8S_JOB_TTL_SECONDS", 300)),
		K8sPollInterval:       envDurationOr("K8S_POLL_INTERVAL", 250*time.Millisecond),

		ThreadHistoryWindow: envIntOr("THREAD_HISTORY_WINDOW", 20),
		LogLevel:            envOr("LOG_LEVEL", "info"),
		TracingSinkURI:      os.Getenv("TRACING_SINK_URI"),
		ExperimentName:      envOr("EXPERIMENT_NAME", "csvanalyst"),
		AutologEnabled:      envBoolOr("AUTOLOG_ENABLED", false),

		HTTPAddr: envOr("HTTP_ADDR", ":8080"),

		StoreKind:     envOr("STORE_KIND", "inmem"),
		MongoURI:      os.Getenv("MONGO_URI"),
		MongoDatabase: envOr("MONGO_DATABASE", "csvanalyst"),

		ModelProvider:   envOr("MODEL_PROVIDER", "anthropic"),
		ModelName:       envOr("MODEL_NAME", "claude-sonnet-4-5"),
		ModelMaxTokens:  envIntOr("MODEL_MAX_TOKENS", 4096),
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		BedrockRegion:   envOr("AWS_REGION", "us-east-1"),
		ModelTPMBudget:  envFloatOr("MODEL_TPM_BUDGET", 60000),
	}
	return cfg, nil
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envFloatOr(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBoolOr(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
