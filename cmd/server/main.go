// Command server wires every internal package into a running HTTP process:
// it loads configuration, builds the sandbox executor and model client the
// configuration selects, constructs the agent engine and session
// orchestrator, and serves the HTTP surface until the process receives a
// termination signal.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/csvanalyst/agent-server/internal/agent"
	"github.com/csvanalyst/agent-server/internal/capsule"
	capsuleinmem "github.com/csvanalyst/agent-server/internal/capsule/inmem"
	capsulemongo "github.com/csvanalyst/agent-server/internal/capsule/mongo"
	capsulemongoclient "github.com/csvanalyst/agent-server/internal/capsule/mongo/clients/mongo"
	"github.com/csvanalyst/agent-server/internal/config"
	"github.com/csvanalyst/agent-server/internal/dataset"
	"github.com/csvanalyst/agent-server/internal/httpapi"
	"github.com/csvanalyst/agent-server/internal/message"
	messageinmem "github.com/csvanalyst/agent-server/internal/message/inmem"
	messagemongo "github.com/csvanalyst/agent-server/internal/message/mongo"
	messagemongoclient "github.com/csvanalyst/agent-server/internal/message/mongo/clients/mongo"
	"github.com/csvanalyst/agent-server/internal/modelclient"
	"github.com/csvanalyst/agent-server/internal/modelclient/anthropic"
	"github.com/csvanalyst/agent-server/internal/modelclient/bedrock"
	"github.com/csvanalyst/agent-server/internal/modelclient/openai"
	"github.com/csvanalyst/agent-server/internal/modelclient/ratelimit"
	"github.com/csvanalyst/agent-server/internal/sandbox"
	"github.com/csvanalyst/agent-server/internal/sandbox/dockerexec"
	"github.com/csvanalyst/agent-server/internal/sandbox/k8sexec"
	"github.com/csvanalyst/agent-server/internal/sandbox/msbexec"
	"github.com/csvanalyst/agent-server/internal/session"
	"github.com/csvanalyst/agent-server/internal/telemetry"
	"github.com/csvanalyst/agent-server/internal/tools"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()
	tracer := telemetry.NewClueTracer()

	registry, err := dataset.Load(cfg.DatasetsDir)
	if err != nil {
		return fmt.Errorf("load dataset registry: %w", err)
	}

	executor, err := buildExecutor(cfg, logger, metrics)
	if err != nil {
		return fmt.Errorf("build sandbox executor: %w", err)
	}

	client, err := buildModelClient(cfg)
	if err != nil {
		return fmt.Errorf("build model client: %w", err)
	}
	client = ratelimit.New(cfg.ModelTPMBudget, cfg.ModelTPMBudget).Wrap(client)

	capsules, messages, err := buildStores(cfg)
	if err != nil {
		return fmt.Errorf("build stores: %w", err)
	}

	services := &tools.Services{
		Registry:              registry,
		Executor:              executor,
		MaxRows:               cfg.MaxRows,
		TimeoutSeconds:        cfg.RunTimeoutSecs,
		MaxOutputBytes:        cfg.MaxOutputBytes,
		EnablePythonExecution: cfg.EnablePythonExecution,
	}

	specs, err := tools.Specs()
	if err != nil {
		return fmt.Errorf("build tool specs: %w", err)
	}
	fastPathTools := make(map[string]tools.Tool, len(specs))
	for _, s := range specs {
		fastPathTools[s.Spec.Name] = s
	}

	engine := agent.NewEngine(client, specs, services, cfg.MaxRows)
	orch := session.New(registry, capsules, messages, engine, services, fastPathTools, cfg.ThreadHistoryWindow)
	orch.Logger = logger
	orch.Metrics = metrics
	orch.Tracer = tracer

	router := httpapi.NewRouter(httpapi.Dependencies{
		Orchestrator: orch,
		Registry:     registry,
		Capsules:     capsules,
		Messages:     messages,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "server listening", "addr", cfg.HTTPAddr)
		errc <- srv.ListenAndServe()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info(context.Background(), "shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// buildExecutor selects the sandbox.Executor implementation cfg.SandboxProvider
// names, wiring each provider's Config struct from the matching cfg fields.
// logger/metrics are passed through so every provider reports run-count and
// run-duration the same way, regardless of which one is active.
func buildExecutor(cfg config.Config, logger telemetry.Logger, metrics telemetry.Metrics) (sandbox.Executor, error) {
	switch cfg.SandboxProvider {
	case "docker":
		return dockerexec.New(dockerexec.Config{
			RunnerImage:    cfg.RunnerImage,
			DatasetsDir:    cfg.DatasetsDir,
			TimeoutSeconds: cfg.RunTimeoutSecs,
			MaxRows:        cfg.MaxRows,
			MaxOutputBytes: cfg.MaxOutputBytes,
			Logger:         logger,
			Metrics:        metrics,
		}), nil
	case "k8s":
		return k8sexec.New(k8sexec.Config{
			RunnerImage:        cfg.RunnerImage,
			Namespace:          cfg.K8sNamespace,
			TimeoutSeconds:     cfg.RunTimeoutSecs,
			MaxRows:            cfg.MaxRows,
			MaxOutputBytes:     cfg.MaxOutputBytes,
			ServiceAccountName: cfg.K8sServiceAccountName,
			ImagePullPolicy:    cfg.K8sImagePullPolicy,
			CPULimit:           cfg.K8sCPULimit,
			MemoryLimit:        cfg.K8sMemoryLimit,
			DatasetsPVC:        cfg.K8sDatasetsPVC,
			JobTTLSeconds:      cfg.K8sJobTTLSeconds,
			PollInterval:       cfg.K8sPollInterval,
			Logger:             logger,
			Metrics:            metrics,
		})
	case "microsandbox":
		return msbexec.New(msbexec.Config{
			RunnerImage:    cfg.RunnerImage,
			DatasetsDir:    cfg.DatasetsDir,
			ServerURL:      cfg.MicrosandboxServerURL,
			APIKey:         cfg.MicrosandboxAPIKey,
			Namespace:      cfg.MicrosandboxNamespace,
			TimeoutSeconds: cfg.RunTimeoutSecs,
			MaxRows:        cfg.MaxRows,
			MaxOutputBytes: cfg.MaxOutputBytes,
			MemoryMB:       cfg.MicrosandboxMemoryMB,
			CPUs:           cfg.MicrosandboxCPUs,
			Logger:         logger,
			Metrics:        metrics,
		}), nil
	default:
		return nil, fmt.Errorf("unknown SANDBOX_PROVIDER: %s", cfg.SandboxProvider)
	}
}

// buildModelClient selects the modelclient.Client implementation
// cfg.ModelProvider names. Bedrock additionally needs an AWS SDK runtime
// client, built from the default credential chain scoped to cfg.BedrockRegion.
func buildModelClient(cfg config.Config) (modelclient.Client, error) {
	switch cfg.ModelProvider {
	case "anthropic":
		return anthropic.NewFromAPIKey(cfg.AnthropicAPIKey, cfg.ModelName, cfg.ModelMaxTokens)
	case "openai":
		return openai.NewFromAPIKey(cfg.OpenAIAPIKey, cfg.ModelName)
	case "bedrock":
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.BedrockRegion))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		runtime := bedrockruntime.NewFromConfig(awsCfg)
		return bedrock.New(runtime, cfg.ModelName, cfg.ModelMaxTokens)
	default:
		return nil, fmt.Errorf("unknown MODEL_PROVIDER: %s", cfg.ModelProvider)
	}
}

// buildStores selects the capsule/message store backend cfg.StoreKind names.
// "inmem" is the zero-setup default for local development and tests; "mongo"
// shares one underlying *mongo.Client between both stores.
func buildStores(cfg config.Config) (capsule.Store, message.Store, error) {
	if cfg.StoreKind == "inmem" {
		return capsuleinmem.New(), messageinmem.New(), nil
	}
	if cfg.StoreKind != "mongo" {
		return nil, nil, fmt.Errorf("unknown STORE_KIND: %s", cfg.StoreKind)
	}
	if cfg.MongoURI == "" {
		return nil, nil, errors.New("MONGO_URI is required when STORE_KIND=mongo")
	}

	mongoClient, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, nil, fmt.Errorf("connect mongo: %w", err)
	}

	capsuleClient, err := capsulemongoclient.New(capsulemongoclient.Options{Client: mongoClient, Database: cfg.MongoDatabase})
	if err != nil {
		return nil, nil, fmt.Errorf("build capsule mongo client: %w", err)
	}
	capsules, err := capsulemongo.NewStore(capsulemongo.Options{Client: capsuleClient})
	if err != nil {
		return nil, nil, fmt.Errorf("build capsule store: %w", err)
	}

	messageClient, err := messagemongoclient.New(messagemongoclient.Options{Client: mongoClient, Database: cfg.MongoDatabase})
	if err != nil {
		return nil, nil, fmt.Errorf("build message mongo client: %w", err)
	}
	messages, err := messagemongo.NewStore(messagemongo.Options{Client: messageClient})
	if err != nil {
		return nil, nil, fmt.Errorf("build message store: %w", err)
	}

	return capsules, messages, nil
}
