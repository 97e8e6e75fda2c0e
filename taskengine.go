// Package taskengine is the composition root for the task orchestration
// engine: it wires a Persistence Gateway, a broker Queue, a Notification
// Bridge, and the agent/tool/registry collaborators into a running service,
// the way the reference engine's functional-options Engine wires a reducer,
// store, and emitter before Run.
package taskengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/taskflowhq/taskengine/bridge"
	"github.com/taskflowhq/taskengine/broker"
	"github.com/taskflowhq/taskengine/dispatch"
	"github.com/taskflowhq/taskengine/emit"
	"github.com/taskflowhq/taskengine/metrics"
	"github.com/taskflowhq/taskengine/process"
	"github.com/taskflowhq/taskengine/runtime"
	"github.com/taskflowhq/taskengine/store"
)

// EngineError carries a stable code alongside a human message, so callers
// (notably cmd/taskflow-engine) can map failures to process exit codes
// without string-matching.
type EngineError struct {
	Code    string
	Message string
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

const (
	CodeMissingGateway  = "MISSING_GATEWAY"
	CodeMissingQueue    = "MISSING_QUEUE"
	CodeMissingBridge   = "MISSING_BRIDGE"
	CodeMissingAgent    = "MISSING_AGENT"
	CodeMissingTool     = "MISSING_TOOL"
	CodeMissingRegistry = "MISSING_REGISTRY"
	CodeInvalidOption   = "INVALID_OPTION"
)

// engineConfig collects Option values applied at New before Run validates
// and uses them. Kept unexported, mirroring how the reference engine hides
// its config assembly behind exported With* constructors.
type engineConfig struct {
	workers       int
	taskDeadline  time.Duration
	shutdownGrace time.Duration
	emitter       emit.Emitter
	metrics       *metrics.Collector
	tracer        trace.Tracer
}

func defaultConfig() engineConfig {
	return engineConfig{
		workers:       4,
		taskDeadline:  300 * time.Second,
		shutdownGrace: 30 * time.Second,
		emitter:       emit.NullEmitter{},
		tracer:        noop.NewTracerProvider().Tracer("taskflow/engine"),
	}
}

// Option configures an Engine at construction time.
type Option func(*engineConfig) error

func WithWorkers(n int) Option {
	return func(cfg *engineConfig) error {
		if n < 1 {
			return &EngineError{Code: CodeInvalidOption, Message: fmt.Sprintf("WithWorkers: n must be >= 1, got %d", n)}
		}
		cfg.workers = n
		return nil
	}
}

// WithTaskDeadline bounds each individual task's agent/tool invocation. A
// deadline exceedance aborts the in-flight call and the Task Processor
// marks the task FAILED with a TIMEOUT failure reason.
func WithTaskDeadline(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		if d <= 0 {
			return &EngineError{Code: CodeInvalidOption, Message: "WithTaskDeadline: d must be > 0"}
		}
		cfg.taskDeadline = d
		return nil
	}
}

// WithShutdownGrace bounds how long Run waits for in-flight Process calls
// to drain after the run context is cancelled before returning anyway.
func WithShutdownGrace(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		if d < 0 {
			return &EngineError{Code: CodeInvalidOption, Message: "WithShutdownGrace: d must be >= 0"}
		}
		cfg.shutdownGrace = d
		return nil
	}
}

func WithEmitter(e emit.Emitter) Option {
	return func(cfg *engineConfig) error {
		if e == nil {
			return &EngineError{Code: CodeInvalidOption, Message: "WithEmitter: e must not be nil"}
		}
		cfg.emitter = e
		return nil
	}
}

func WithMetrics(c *metrics.Collector) Option {
	return func(cfg *engineConfig) error {
		cfg.metrics = c
		return nil
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(cfg *engineConfig) error {
		if t == nil {
			return &EngineError{Code: CodeInvalidOption, Message: "WithTracer: t must not be nil"}
		}
		cfg.tracer = t
		return nil
	}
}

// Engine owns one running instance of the orchestrator: the Notification
// Bridge goroutine plus the Dispatcher's worker pool, sharing one Task
// Processor built from the collaborators given to New.
type Engine struct {
	gateway  store.Gateway
	queue    broker.Queue
	bridge   *bridge.Bridge
	agent    runtime.AgentRuntime
	tool     runtime.ToolRuntime
	registry runtime.CapabilityRegistry

	cfg engineConfig
}

// New assembles an Engine. Collaborators are required and validated at Run,
// not here, mirroring the reference engine's validate-before-Run discipline
// so a malformed Option surfaces immediately while a missing collaborator
// surfaces at the point it would actually be used.
func New(
	gateway store.Gateway,
	queue broker.Queue,
	br *bridge.Bridge,
	agent runtime.AgentRuntime,
	tool runtime.ToolRuntime,
	registry runtime.CapabilityRegistry,
	opts ...Option,
) (*Engine, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	return &Engine{
		gateway:  gateway,
		queue:    queue,
		bridge:   br,
		agent:    agent,
		tool:     tool,
		registry: registry,
		cfg:      cfg,
	}, nil
}

// Run starts the bridge and the dispatcher's worker pool and blocks until
// ctx is cancelled or the bridge fails fatally (its reconnect horizon
// exceeded). On either path Run stops accepting new work, waits up to the
// configured shutdown grace for in-flight Process calls to finish, and
// returns. A nil error means a clean, externally-requested shutdown.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.validate(); err != nil {
		return err
	}

	proc := process.New(e.gateway, e.agent, e.tool, e.registry,
		process.WithEmitter(e.cfg.emitter),
		process.WithMetrics(e.cfg.metrics),
	)
	disp := dispatch.New(e.queue, proc, e.cfg.workers,
		dispatch.WithEmitter(e.cfg.emitter),
		dispatch.WithMetrics(e.cfg.metrics),
		dispatch.WithTracer(e.cfg.tracer),
		dispatch.WithTaskDeadline(e.cfg.taskDeadline),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	bridgeErr := make(chan error, 1)
	go func() { bridgeErr <- e.bridge.Run(runCtx) }()

	dispatchDone := make(chan struct{})
	go func() {
		disp.Run(runCtx)
		close(dispatchDone)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		// External shutdown request; nothing to report.
	case err := <-bridgeErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = fmt.Errorf("taskengine: notification bridge stopped: %w", err)
			e.cfg.emitter.Emit(emit.Event{Phase: "engine_bridge_fatal", Msg: err.Error()})
		}
	}
	cancel()

	select {
	case <-dispatchDone:
	case <-time.After(e.cfg.shutdownGrace):
		e.cfg.emitter.Emit(emit.Event{
			Phase: "engine_shutdown_grace_exceeded",
			Msg:   fmt.Sprintf("dispatcher did not drain within %s", e.cfg.shutdownGrace),
		})
	}

	return runErr
}

func (e *Engine) validate() error {
	switch {
	case e.gateway == nil:
		return &EngineError{Code: CodeMissingGateway, Message: "gateway is required"}
	case e.queue == nil:
		return &EngineError{Code: CodeMissingQueue, Message: "queue is required"}
	case e.bridge == nil:
		return &EngineError{Code: CodeMissingBridge, Message: "bridge is required"}
	case e.agent == nil:
		return &EngineError{Code: CodeMissingAgent, Message: "agent runtime is required"}
	case e.tool == nil:
		return &EngineError{Code: CodeMissingTool, Message: "tool runtime is required"}
	case e.registry == nil:
		return &EngineError{Code: CodeMissingRegistry, Message: "capability registry is required"}
	}
	return nil
}
