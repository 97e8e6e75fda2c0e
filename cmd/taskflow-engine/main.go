// Command taskflow-engine runs the task orchestration engine as a
// long-lived service: it loads configuration from the environment, wires a
// store Gateway, broker Queue, Notification Bridge, and agent/tool
// collaborators, and blocks until a shutdown signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/taskflowhq/taskengine"
	"github.com/taskflowhq/taskengine/bridge"
	"github.com/taskflowhq/taskengine/broker"
	"github.com/taskflowhq/taskengine/config"
	"github.com/taskflowhq/taskengine/emit"
	"github.com/taskflowhq/taskengine/llmagent"
	"github.com/taskflowhq/taskengine/metrics"
	"github.com/taskflowhq/taskengine/runtime"
	"github.com/taskflowhq/taskengine/store"

	"github.com/redis/go-redis/v9"
)

// Exit codes: 0 clean shutdown, 1 startup/configuration error, 2
// Engine.Run returned a non-nil error (e.g. the bridge's reconnect
// horizon was exceeded).
const (
	exitOK           = 0
	exitStartupError = 1
	exitRunError     = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		workers      = flag.Int("workers", 0, "number of dispatcher worker goroutines (0 = use WORKERS env/default)")
		queueName    = flag.String("queue", "", "broker queue name override (empty = use TASK_QUEUE env/default)")
		deadlineSecs = flag.Int("deadline", 0, "per-task deadline in seconds (0 = use TASK_DEADLINE_SECONDS env/default)")
		jsonLogs     = flag.Bool("json-logs", false, "emit structured JSON log lines instead of text")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "taskflow-engine: config: %v\n", err)
		return exitStartupError
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}
	if *queueName != "" {
		cfg.TaskQueue = *queueName
	}
	if *deadlineSecs > 0 {
		cfg.TaskDeadline = time.Duration(*deadlineSecs) * time.Second
	}

	emitter := emit.NewLogEmitter(os.Stdout, *jsonLogs)
	collector := metrics.NewCollector(nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gateway, feedFactory, err := openGateway(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "taskflow-engine: store: %v\n", err)
		return exitStartupError
	}
	defer gateway.Close()

	queue, err := openQueue(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "taskflow-engine: broker: %v\n", err)
		return exitStartupError
	}
	defer queue.Close()

	registry := runtime.NewStaticCapabilityRegistry(plannerRoles())
	agentRuntime := openAgentRuntime(registry)
	toolRuntime := openToolRuntime()

	br := bridge.New(feedFactory, queue, emitter, bridge.Config{})

	engine, err := taskengine.New(gateway, queue, br, agentRuntime, toolRuntime, registry,
		taskengine.WithWorkers(cfg.Workers),
		taskengine.WithTaskDeadline(cfg.TaskDeadline),
		taskengine.WithShutdownGrace(cfg.ShutdownGrace),
		taskengine.WithEmitter(emitter),
		taskengine.WithMetrics(collector),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "taskflow-engine: %v\n", err)
		return exitStartupError
	}

	emitter.Emit(emit.Event{Phase: "engine_starting", Msg: fmt.Sprintf("workers=%d queue=%s driver=%s", cfg.Workers, cfg.TaskQueue, cfg.StoreDriver)})

	if err := engine.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "taskflow-engine: run: %v\n", err)
		return exitRunError
	}

	emitter.Emit(emit.Event{Phase: "engine_stopped", Msg: "clean shutdown"})
	return exitOK
}

// openGateway selects a store.Gateway and a matching bridge.FeedFactory by
// STORE_DRIVER. Every backend exposes its own NewChangeFeed constructor, so
// the factory closure is the only driver-specific glue main needs.
func openGateway(ctx context.Context, cfg config.Config) (store.Gateway, bridge.FeedFactory, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		gw, err := store.NewPostgresGateway(ctx, cfg.StoreDSN)
		if err != nil {
			return nil, nil, err
		}
		return gw, func(ctx context.Context) (store.ChangeFeed, error) { return gw.NewChangeFeed(ctx) }, nil

	case config.StoreDriverMySQL:
		gw, err := store.NewMySQLGateway(ctx, store.MySQLConfig{DSN: cfg.StoreDSN})
		if err != nil {
			return nil, nil, err
		}
		return gw, func(ctx context.Context) (store.ChangeFeed, error) {
			return gw.NewChangeFeed(time.Second), nil
		}, nil

	case config.StoreDriverSQLite:
		gw, err := store.NewSQLiteGateway(ctx, cfg.StoreDSN)
		if err != nil {
			return nil, nil, err
		}
		return gw, func(ctx context.Context) (store.ChangeFeed, error) {
			return gw.NewChangeFeed(time.Second), nil
		}, nil

	case config.StoreDriverMem:
		gw := store.NewMemGateway(1024)
		return gw, func(ctx context.Context) (store.ChangeFeed, error) {
			return store.NewMemChangeFeed(gw), nil
		}, nil

	default:
		return nil, nil, fmt.Errorf("unsupported STORE_DRIVER %q", cfg.StoreDriver)
	}
}

func openQueue(cfg config.Config) (broker.Queue, error) {
	if cfg.BrokerHost == "" {
		return broker.NewMemQueue(1024), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%d", cfg.BrokerHost, cfg.BrokerPort),
	})
	return broker.NewRedisQueue(client, cfg.TaskQueue), nil
}

// plannerRoles reads PLANNER_AGENTS, a comma-separated list of assignee ids
// granted the PLANNER role; every other assignee defaults to WORKER via
// CapabilityRegistry.RoleFor's ok=false path (process.Processor treats
// "unknown role" as WORKER-equivalent except for blueprint expansion).
func plannerRoles() map[string]runtime.Role {
	roles := make(map[string]runtime.Role)
	raw := os.Getenv("PLANNER_AGENTS")
	if raw == "" {
		return roles
	}
	for _, id := range strings.Split(raw, ",") {
		id = strings.TrimSpace(id)
		if id != "" {
			roles[id] = runtime.RolePlanner
		}
	}
	return roles
}

// openAgentRuntime selects a runtime.AgentRuntime by AGENT_PROVIDER.
// Defaulting to the mock keeps the binary runnable with zero external
// configuration; production deployments set AGENT_PROVIDER explicitly.
func openAgentRuntime(registry runtime.CapabilityRegistry) runtime.AgentRuntime {
	provider := strings.ToLower(os.Getenv("AGENT_PROVIDER"))
	apiKey := os.Getenv("AGENT_API_KEY")
	modelName := os.Getenv("AGENT_MODEL")
	systemPrompt := os.Getenv("AGENT_SYSTEM_PROMPT")

	switch provider {
	case "anthropic":
		return llmagent.NewAnthropicAgentRuntime(apiKey, modelName, systemPrompt, nil, registry)
	case "openai":
		return llmagent.NewOpenAIAgentRuntime(apiKey, modelName, systemPrompt, nil, registry)
	case "google":
		return llmagent.NewGoogleAgentRuntime(apiKey, modelName, systemPrompt, nil, registry)
	default:
		return &runtime.MockAgentRuntime{}
	}
}

// openToolRuntime selects a runtime.ToolRuntime by TOOL_PROVIDER. "http"
// routes every tool invocation through a REST/webhook call; anything else
// defaults to the mock so the binary stays runnable without configuration.
func openToolRuntime() runtime.ToolRuntime {
	if strings.ToLower(os.Getenv("TOOL_PROVIDER")) == "http" {
		return runtime.NewHTTPToolRuntime(nil)
	}
	return &runtime.MockToolRuntime{}
}
