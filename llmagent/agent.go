// Package llmagent adapts the engine's runtime.AgentRuntime to a chat-model
// backend: it turns a task's input/result context into a chat completion
// request and translates the provider's reply into the Agent Result
// sum-type the Task Processor expects.
//
// The translation convention: a model reply with a tool call whose name is
// the reserved PlanBlueprintTool emits a PlanBlueprint intent (only
// honored for planner-role agents — see translate); any other tool call
// becomes a ToolCallRequest; a reply with no tool calls is parsed as JSON
// and wrapped as a FinalAnswer, falling back to a {"text": ...} envelope if
// the reply isn't valid JSON.
package llmagent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/taskflowhq/taskengine/llmagent/chatmodel"
	"github.com/taskflowhq/taskengine/runtime"
	"github.com/taskflowhq/taskengine/task"
)

// PlanBlueprintTool is the reserved tool name a planner-role agent uses to
// emit a PlanBlueprint instead of a plain tool call.
const PlanBlueprintTool = "emit_plan_blueprint"

// ChatAgentRuntime implements runtime.AgentRuntime over any chatmodel.ChatModel
// (Anthropic, OpenAI, Google, or a mock), with a fixed system prompt and
// tool roster shared across every invocation.
type ChatAgentRuntime struct {
	chat       chatmodel.ChatModel
	systemText string
	tools      []chatmodel.ToolSpec
	registry   runtime.CapabilityRegistry
}

func NewChatAgentRuntime(chat chatmodel.ChatModel, systemText string, tools []chatmodel.ToolSpec, registry runtime.CapabilityRegistry) *ChatAgentRuntime {
	return &ChatAgentRuntime{chat: chat, systemText: systemText, tools: tools, registry: registry}
}

func (r *ChatAgentRuntime) InvokeAgent(ctx context.Context, agentID string, input map[string]any) (task.AgentResult, error) {
	if ctx.Err() != nil {
		return task.AgentResult{}, ctx.Err()
	}

	payload, err := json.Marshal(input)
	if err != nil {
		return task.AgentResult{}, fmt.Errorf("llmagent: marshal task context: %w", err)
	}

	messages := []chatmodel.Message{
		{Role: chatmodel.RoleSystem, Content: r.systemText},
		{Role: chatmodel.RoleUser, Content: string(payload)},
	}

	out, err := r.chat.Chat(ctx, messages, r.tools)
	if err != nil {
		return task.Failure(task.FailureDetails{Kind: task.FailureLLMRefusal, Message: err.Error()}), nil
	}

	return r.translate(agentID, out)
}

func (r *ChatAgentRuntime) translate(agentID string, out chatmodel.ChatOut) (task.AgentResult, error) {
	if len(out.ToolCalls) > 0 {
		call := out.ToolCalls[0]
		if call.Name == PlanBlueprintTool {
			role, ok := r.registry.RoleFor(agentID)
			if !ok || role != runtime.RolePlanner {
				return task.Failure(task.FailureDetails{
					Kind:    task.FailurePlannerRoleViolation,
					Message: fmt.Sprintf("agent %q emitted a plan blueprint without planner capability", agentID),
				}), nil
			}
			bp, err := decodeBlueprint(call.Input)
			if err != nil {
				return task.Failure(task.FailureDetails{Kind: task.FailureBlueprintUnresolvedRef, Message: err.Error()}), nil
			}
			return task.Success(task.Blueprint(bp)), nil
		}
		return task.Success(task.ToolCall(call.Name, call.Input)), nil
	}

	var final map[string]any
	if err := json.Unmarshal([]byte(out.Text), &final); err != nil || final == nil {
		final = map[string]any{"text": out.Text}
	}
	return task.Success(task.FinalAnswer(final)), nil
}

func decodeBlueprint(input map[string]any) (task.PlanBlueprint, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return task.PlanBlueprint{}, fmt.Errorf("llmagent: marshal blueprint input: %w", err)
	}
	var bp task.PlanBlueprint
	if err := json.Unmarshal(raw, &bp); err != nil {
		return task.PlanBlueprint{}, fmt.Errorf("llmagent: decode plan blueprint: %w", err)
	}
	return bp, nil
}
