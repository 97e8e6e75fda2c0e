// Package process implements the Task Processor: the state machine that
// locks one task, interprets its status, and either runs its assignee
// (agent or tool) or propagates its completion to downstream edges. Process
// is the unit of work a Dispatcher worker repeats for every popped task id.
package process

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/taskflowhq/taskengine/emit"
	"github.com/taskflowhq/taskengine/eval"
	"github.com/taskflowhq/taskengine/metrics"
	"github.com/taskflowhq/taskengine/runtime"
	"github.com/taskflowhq/taskengine/store"
	"github.com/taskflowhq/taskengine/task"
)

// errSkip marks a lock-miss or not-found outcome: another worker has the
// row, or it no longer exists. Both are expected, not errors, and Process
// returns nil for them.
var errSkip = errors.New("process: skip")

// finalizeTimeout bounds a finalize write that must run after the task's own
// deadline has already fired: long enough for the store to still take the
// lock and commit, short enough that a genuinely dead store returns control.
const finalizeTimeout = 10 * time.Second

// classifyExecutionFailure maps an agent/tool invocation error to
// FailureDetails, distinguishing a deadline exceedance (per-task timeout)
// from every other execution error so it is recorded as TIMEOUT rather than
// the generic fallback kind.
func classifyExecutionFailure(err error, fallback string) task.FailureDetails {
	if errors.Is(err, context.DeadlineExceeded) {
		return task.FailureDetails{Kind: task.FailureTimeout, Message: err.Error()}
	}
	return task.FailureDetails{Kind: fallback, Message: err.Error()}
}

// Option configures optional Processor collaborators.
type Option func(*Processor)

func WithEmitter(e emit.Emitter) Option {
	return func(p *Processor) { p.emitter = e }
}

func WithMetrics(c *metrics.Collector) Option {
	return func(p *Processor) { p.metrics = c }
}

// Processor holds the collaborators Process dispatches to.
type Processor struct {
	gateway  store.Gateway
	agents   runtime.AgentRuntime
	tools    runtime.ToolRuntime
	registry runtime.CapabilityRegistry
	emitter  emit.Emitter
	metrics  *metrics.Collector
}

func New(gateway store.Gateway, agents runtime.AgentRuntime, tools runtime.ToolRuntime, registry runtime.CapabilityRegistry, opts ...Option) *Processor {
	p := &Processor{
		gateway:  gateway,
		agents:   agents,
		tools:    tools,
		registry: registry,
		emitter:  emit.NullEmitter{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process is the Task Processor's sole entry point: lock, dispatch by
// status, release. It returns nil for every expected, non-fatal outcome
// (lock miss, version conflict, terminal states) — callers should treat a
// non-nil error as something worth logging above DEBUG and possibly
// retrying via the next notification.
func (p *Processor) Process(ctx context.Context, taskID string) error {
	start := time.Now()

	tx, t, err := p.lockTask(ctx, taskID)
	if errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		return err
	}

	assigneeKind, _ := task.ParseAssignee(t.Assignee)

	var procErr error
	switch t.Status {
	case task.StatusPending, task.StatusRunning:
		// RUNNING observed under lock means the worker that set it died
		// mid-flight; recovery treats it exactly like PENDING.
		procErr = p.dispatchPending(ctx, tx, t)
	case task.StatusCompleted:
		procErr = p.propagate(ctx, tx, t)
	case task.StatusFailed, task.StatusCancelled:
		procErr = tx.Rollback(ctx)
	default:
		_ = tx.Rollback(ctx)
		procErr = fmt.Errorf("process: task %s has unrecognized status %q", taskID, t.Status)
	}

	outcome := "success"
	meta := map[string]any{}
	if procErr != nil {
		outcome = "error"
		meta["error"] = procErr.Error()
	}
	if p.metrics != nil {
		p.metrics.RecordTaskLatency(string(assigneeKind), outcome, time.Since(start))
	}
	p.emitter.Emit(emit.Event{
		WorkflowID: t.WorkflowID,
		TaskID:     t.ID,
		Phase:      string(t.Status),
		Msg:        "task_processed",
		Meta:       meta,
	})
	return procErr
}

// lockTask begins a transaction and locks taskID, folding ErrLockMiss and
// ErrNotFound into errSkip so callers have one case to check.
func (p *Processor) lockTask(ctx context.Context, taskID string) (store.Tx, task.Task, error) {
	tx, err := p.gateway.BeginTx(ctx)
	if err != nil {
		return nil, task.Task{}, fmt.Errorf("process: begin tx: %w", err)
	}
	t, err := p.gateway.GetTaskAndLock(ctx, tx, taskID)
	switch {
	case errors.Is(err, store.ErrLockMiss):
		if p.metrics != nil {
			p.metrics.IncrementLockMiss("unknown")
		}
		_ = tx.Commit(ctx)
		return nil, task.Task{}, errSkip
	case errors.Is(err, store.ErrNotFound):
		_ = tx.Rollback(ctx)
		return nil, task.Task{}, errSkip
	case err != nil:
		_ = tx.Rollback(ctx)
		return nil, task.Task{}, fmt.Errorf("process: lock task %s: %w", taskID, err)
	}
	return tx, t, nil
}

// finalize reacquires taskID's lock and writes a terminal status+result in
// one CAS update. Used by every exit path that isn't already holding a
// fresh lock (agent/tool invocation happens with no transaction open).
func (p *Processor) finalize(ctx context.Context, taskID string, status task.Status, result map[string]any) error {
	if ctx.Err() != nil {
		// The per-task deadline (or an external cancellation) has already
		// fired. Reusing ctx here would make BeginTx/UpdateTask fail
		// immediately with the same error, leaving the task stuck at its
		// last non-terminal status forever. Detach from the expired
		// deadline so the terminal write still lands, but keep it bounded.
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
		defer cancel()
	}
	tx, t, err := p.lockTask(ctx, taskID)
	if errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		return err
	}
	kind, _ := task.ParseAssignee(t.Assignee)
	patch := task.Patch{Status: &status, Result: result}
	if _, err := p.gateway.UpdateTask(ctx, tx, taskID, patch, t.Version); err != nil {
		_ = tx.Rollback(ctx)
		if errors.Is(err, store.ErrVersionConflict) {
			if p.metrics != nil {
				p.metrics.IncrementVersionConflict(string(kind))
			}
			return nil
		}
		return fmt.Errorf("process: finalize task %s: %w", taskID, err)
	}
	return tx.Commit(ctx)
}

func (p *Processor) dispatchPending(ctx context.Context, tx store.Tx, t task.Task) error {
	kind, id := task.ParseAssignee(t.Assignee)
	switch kind {
	case task.AssigneeAgent:
		return p.runAgent(ctx, tx, t, id)
	case task.AssigneeTool:
		return p.runToolDirect(ctx, tx, t, id)
	default:
		status := task.StatusFailed
		patch := task.Patch{Status: &status, Result: task.FailureDetails{
			Kind:    task.FailureUnknownAssignee,
			Message: fmt.Sprintf("assignee %q is not a recognized Agent:/Tool: reference", t.Assignee),
		}.AsMap()}
		if _, err := p.gateway.UpdateTask(ctx, tx, t.ID, patch, t.Version); err != nil {
			_ = tx.Rollback(ctx)
			if errors.Is(err, store.ErrVersionConflict) {
				return nil
			}
			return fmt.Errorf("process: mark task %s failed (unknown assignee): %w", t.ID, err)
		}
		return tx.Commit(ctx)
	}
}

// runToolDirect handles a PENDING task whose assignee is a Tool: invoke
// once, no re-entry.
func (p *Processor) runToolDirect(ctx context.Context, tx store.Tx, t task.Task, toolID string) error {
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("process: release lock before tool call for task %s: %w", t.ID, err)
	}

	result, err := p.tools.InvokeTool(ctx, toolID, t.InputData)
	if err != nil {
		return p.finalize(ctx, t.ID, task.StatusFailed, classifyExecutionFailure(err, task.FailureToolExecutionFailed).AsMap())
	}
	if result.Status == task.ToolFailure {
		return p.finalize(ctx, t.ID, task.StatusFailed, toolFailureDetails(ctx, result).AsMap())
	}
	return p.finalize(ctx, t.ID, task.StatusCompleted, result.Output)
}

// toolFailureDetails classifies a ToolFailure outcome, a result a
// ToolRuntime returns without a Go error even when the underlying cause was
// the task's deadline firing mid-call (HTTPToolRuntime never surfaces
// transport errors as err; see its doc comment). ctx.Err() still reports
// DeadlineExceeded in that case, so it is checked here too.
func toolFailureDetails(ctx context.Context, result task.ToolResult) task.FailureDetails {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return task.FailureDetails{Kind: task.FailureTimeout, Message: result.ErrorMessage}
	}
	return task.FailureDetails{Kind: task.FailureToolExecutionFailed, Message: result.ErrorMessage}
}

// runAgent handles a PENDING (or recovered RUNNING) task whose assignee is
// an Agent: mark RUNNING, release the lock, invoke, then interpret the
// AgentResult (see §4.5.1's FinalAnswer/ToolCallRequest/PlanBlueprint
// split in applyIntent).
func (p *Processor) runAgent(ctx context.Context, tx store.Tx, t task.Task, agentID string) error {
	running := task.StatusRunning
	if _, err := p.gateway.UpdateTask(ctx, tx, t.ID, task.Patch{Status: &running}, t.Version); err != nil {
		_ = tx.Rollback(ctx)
		if errors.Is(err, store.ErrVersionConflict) {
			if p.metrics != nil {
				p.metrics.IncrementVersionConflict(string(task.AssigneeAgent))
			}
			return nil
		}
		return fmt.Errorf("process: mark task %s running: %w", t.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("process: commit running transition for task %s: %w", t.ID, err)
	}

	agentInput := map[string]any{
		"task_id":    t.ID,
		"input_data": t.InputData,
		"directives": t.Directives,
		"result":     t.Result,
	}
	result, err := p.agents.InvokeAgent(ctx, agentID, agentInput)
	if err != nil {
		return p.finalize(ctx, t.ID, task.StatusFailed, classifyExecutionFailure(err, task.FailureAgentExecutionError).AsMap())
	}

	switch result.Outcome() {
	case task.AgentFailure:
		return p.finalize(ctx, t.ID, task.StatusFailed, result.FailureDetails().AsMap())
	case task.AgentSuccess:
		return p.applyIntent(ctx, t.ID, t.WorkflowID, agentID, result.Intent())
	default:
		return p.finalize(ctx, t.ID, task.StatusFailed, task.FailureDetails{
			Kind: task.FailureAgentExecutionError, Message: "agent runtime returned an unrecognized outcome",
		}.AsMap())
	}
}

func (p *Processor) applyIntent(ctx context.Context, taskID, workflowID, agentID string, intent task.Intent) error {
	switch intent.Kind() {
	case task.IntentFinalAnswer:
		return p.finalize(ctx, taskID, task.StatusCompleted, intent.FinalContent())
	case task.IntentToolCallRequest:
		return p.runToolReentry(ctx, taskID, intent)
	case task.IntentPlanBlueprint:
		return p.applyBlueprint(ctx, taskID, workflowID, agentID, intent.PlanBlueprint())
	default:
		return p.finalize(ctx, taskID, task.StatusFailed, task.FailureDetails{
			Kind: task.FailureAgentExecutionError, Message: "agent returned an unrecognized intent",
		}.AsMap())
	}
}

// runToolReentry invokes the requested tool, merges its result into the
// task's accumulated result under last_tool_result, and sets status back
// to PENDING so the resulting change notification re-dispatches the same
// task id to the agent with enriched context.
func (p *Processor) runToolReentry(ctx context.Context, taskID string, intent task.Intent) error {
	toolID, args := intent.ToolCallRequest()
	result, err := p.tools.InvokeTool(ctx, toolID, args)
	if err != nil {
		return p.finalize(ctx, taskID, task.StatusFailed, classifyExecutionFailure(err, task.FailureToolExecutionFailed).AsMap())
	}

	tx, t, lerr := p.lockTask(ctx, taskID)
	if errors.Is(lerr, errSkip) {
		return nil
	}
	if lerr != nil {
		return lerr
	}

	mergedVersion, err := p.gateway.UpdateTaskContext(ctx, tx, taskID, map[string]any{"last_tool_result": result.AsMap()}, t.Version)
	if err != nil {
		_ = tx.Rollback(ctx)
		if errors.Is(err, store.ErrVersionConflict) {
			if p.metrics != nil {
				p.metrics.IncrementVersionConflict(string(task.AssigneeAgent))
			}
			return nil
		}
		return fmt.Errorf("process: merge tool result into task %s: %w", taskID, err)
	}

	pending := task.StatusPending
	if _, err := p.gateway.UpdateTask(ctx, tx, taskID, task.Patch{Status: &pending}, mergedVersion); err != nil {
		_ = tx.Rollback(ctx)
		if errors.Is(err, store.ErrVersionConflict) {
			if p.metrics != nil {
				p.metrics.IncrementVersionConflict(string(task.AssigneeAgent))
			}
			return nil
		}
		return fmt.Errorf("process: re-enqueue task %s as pending: %w", taskID, err)
	}
	return tx.Commit(ctx)
}

// applyBlueprint expands a PlanBlueprint intent, rejecting it outright if
// agentID is not registered as a PLANNER. ApplyBlueprint is its own atomic
// unit (the Gateway interface does not thread an open Tx through it), so
// unlike the other branches there is no surrounding transaction to share;
// it is invoked after the RUNNING transaction has already been released.
func (p *Processor) applyBlueprint(ctx context.Context, taskID, workflowID, agentID string, bp task.PlanBlueprint) error {
	role, ok := p.registry.RoleFor(agentID)
	if !ok || role != runtime.RolePlanner {
		return p.finalize(ctx, taskID, task.StatusFailed, task.FailureDetails{
			Kind:    task.FailurePlannerRoleViolation,
			Message: fmt.Sprintf("assignee %q is not registered as a planner", agentID),
		}.AsMap())
	}

	commit, err := p.gateway.ApplyBlueprint(ctx, workflowID, bp)
	if err != nil {
		reason := task.FailureBlueprintUnresolvedRef
		if errors.Is(err, store.ErrVersionConflict) {
			reason = task.FailureValidationError
		} else if errors.Is(err, store.ErrBlueprintInvalid) && bp.HasCycle() {
			reason = task.FailureBlueprintCycle
		}
		if p.metrics != nil {
			p.metrics.IncrementBlueprintRejected(reason)
		}
		return p.finalize(ctx, taskID, task.StatusFailed, task.FailureDetails{Kind: reason, Message: err.Error()}.AsMap())
	}

	var planID string
	if len(bp.NewTasks) > 0 {
		planID = commit.LocalToUUID[bp.NewTasks[0].LocalID]
	}
	return p.finalize(ctx, taskID, task.StatusCompleted, map[string]any{"plan_id": planID})
}

// propagate handles a task just observed COMPLETED: walk its outgoing
// edges and recompute each distinct target's fan-in merge. Edge-condition
// evaluation errors skip that edge rather than failing the source task.
func (p *Processor) propagate(ctx context.Context, tx store.Tx, t task.Task) error {
	edges, err := p.gateway.GetOutgoingEdges(ctx, tx, t.ID)
	if err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("process: load outgoing edges for task %s: %w", t.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("process: release lock after reading edges for task %s: %w", t.ID, err)
	}

	seen := make(map[string]bool, len(edges))
	for _, edge := range edges {
		if seen[edge.TargetTaskID] {
			continue
		}
		seen[edge.TargetTaskID] = true
		if err := p.recomputeFanIn(ctx, edge.TargetTaskID); err != nil {
			return err
		}
	}
	return nil
}

// recomputeFanIn rebuilds targetID's input_data from scratch: its creation
// snapshot (history version 1) merged with the data-flow delta of every
// currently-COMPLETED, condition-active incoming edge, applied in ascending
// source-task-id order so the final value for any path conflicting across
// multiple in-edges is always the one from the highest source task id —
// last-writer-wins by source task uuid ascending, independent of the
// wall-clock order in which the contributing sources actually completed.
// A no-op if the target is no longer PENDING (already dispatched) or if
// another worker currently holds its lock.
func (p *Processor) recomputeFanIn(ctx context.Context, targetID string) error {
	tx, target, err := p.lockTask(ctx, targetID)
	if errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		return err
	}
	if target.Status != task.StatusPending {
		return tx.Rollback(ctx)
	}

	incoming, err := p.gateway.GetIncomingEdges(ctx, tx, targetID)
	if err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("process: load incoming edges for task %s: %w", targetID, err)
	}

	base, err := p.creationInputData(ctx, targetID, target.InputData)
	if err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	merged := base
	contributed := false
	for _, edge := range incoming {
		source, err := p.gateway.GetTask(ctx, edge.SourceTaskID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("process: load source task %s for fan-in: %w", edge.SourceTaskID, err)
		}
		if source.Status != task.StatusCompleted {
			continue
		}

		sourceCtx := eval.Context{Result: source.Result, Input: source.InputData}
		active := true
		if edge.Condition != nil {
			ok, evalErr := eval.Evaluate(edge.Condition.Expression, sourceCtx)
			if evalErr != nil {
				p.emitter.Emit(emit.Event{
					WorkflowID: target.WorkflowID,
					TaskID:     targetID,
					Phase:      "propagation",
					Msg:        "edge_condition_error",
					Meta:       map[string]any{"edge_id": edge.ID, "error": evalErr.Error()},
				})
				continue
			}
			active = ok
		}
		if !active {
			continue
		}
		contributed = true
		if edge.DataFlow != nil {
			merged = task.DeepMergeInto(merged, eval.Apply(edge.DataFlow.Mappings, sourceCtx))
		}
	}

	if !contributed {
		return tx.Rollback(ctx)
	}

	if _, err := p.gateway.UpdateTask(ctx, tx, targetID, task.Patch{InputData: merged}, target.Version); err != nil {
		_ = tx.Rollback(ctx)
		if errors.Is(err, store.ErrVersionConflict) {
			if p.metrics != nil {
				p.metrics.IncrementVersionConflict("unknown")
			}
			return nil
		}
		return fmt.Errorf("process: merge fan-in result into task %s: %w", targetID, err)
	}
	return tx.Commit(ctx)
}

// creationInputData returns targetID's input_data as of its creation (history
// version 1), falling back to its current input_data if history is
// unavailable. Recomputing from this fixed base, rather than from whatever
// the target's input_data currently holds, is what makes recomputeFanIn
// idempotent: re-running it after the same set of sources complete always
// produces the same merged result regardless of how many times it already ran.
func (p *Processor) creationInputData(ctx context.Context, targetID string, fallback map[string]any) (map[string]any, error) {
	hist, err := p.gateway.GetTaskHistory(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("process: load creation snapshot for task %s: %w", targetID, err)
	}
	for _, h := range hist {
		if h.VersionNumber == 1 {
			return h.Snapshot.InputData, nil
		}
	}
	return fallback, nil
}
