// Package runtime defines the external collaborator interfaces the Task
// Processor dispatches to: AgentRuntime invokes an LLM-backed agent and
// ToolRuntime invokes a plain function/tool, each producing the AgentResult/
// ToolResult sum types the processor interprets into task state transitions.
// CapabilityRegistry resolves an assignee string to the role (planner or
// worker) it is allowed to act as, enforcing the planner/worker role split.
package runtime

import (
	"context"

	"github.com/taskflowhq/taskengine/task"
)

// AgentRuntime invokes an agent identified by agentID with the task's
// current input/result context, returning the agent's AgentResult. The
// caller, not AgentRuntime, is responsible for persisting the outcome.
type AgentRuntime interface {
	InvokeAgent(ctx context.Context, agentID string, input map[string]any) (task.AgentResult, error)
}

// ToolRuntime invokes a tool identified by toolID with arguments, returning
// a ToolResult. Unlike AgentRuntime, a tool failure is reported as a
// ToolResult with ToolFailure status rather than as a Go error: a tool
// "failing" (e.g. a 404 from an API) is a normal outcome the workflow graph
// may route on, not an execution fault.
type ToolRuntime interface {
	InvokeTool(ctx context.Context, toolID string, arguments map[string]any) (task.ToolResult, error)
}

// Role distinguishes the two capability classes an assignee can hold.
type Role string

const (
	RolePlanner Role = "PLANNER"
	RoleWorker  Role = "WORKER"
)

// CapabilityRegistry resolves an assignee id to the Role it is permitted to
// act as. Only planner-role agents may return a PlanBlueprint intent; a
// worker-role agent attempting to emit one is a FailurePlannerRoleViolation.
type CapabilityRegistry interface {
	RoleFor(assigneeID string) (Role, bool)
}

// StaticCapabilityRegistry is a CapabilityRegistry backed by a fixed map,
// suitable for configuration-file-driven deployments where the agent roster
// is known up front.
type StaticCapabilityRegistry struct {
	roles map[string]Role
}

func NewStaticCapabilityRegistry(roles map[string]Role) *StaticCapabilityRegistry {
	if roles == nil {
		roles = make(map[string]Role)
	}
	return &StaticCapabilityRegistry{roles: roles}
}

func (r *StaticCapabilityRegistry) RoleFor(assigneeID string) (Role, bool) {
	role, ok := r.roles[assigneeID]
	return role, ok
}
