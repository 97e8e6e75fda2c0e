package task

// IntentKind tags the variant carried by an Intent.
type IntentKind int

const (
	IntentFinalAnswer IntentKind = iota
	IntentToolCallRequest
	IntentPlanBlueprint
)

// Intent is the tagged variant an agent returns to describe its next action.
// Exactly one of the accessor-backed fields is meaningful, selected by Kind.
// Construct one via FinalAnswer, ToolCallRequest, or Blueprint rather than
// the zero value.
type Intent struct {
	kind IntentKind

	finalContent  map[string]any
	toolID        string
	toolArguments map[string]any
	blueprint     PlanBlueprint
}

func FinalAnswer(content map[string]any) Intent {
	return Intent{kind: IntentFinalAnswer, finalContent: content}
}

func ToolCall(toolID string, arguments map[string]any) Intent {
	return Intent{kind: IntentToolCallRequest, toolID: toolID, toolArguments: arguments}
}

func Blueprint(b PlanBlueprint) Intent {
	return Intent{kind: IntentPlanBlueprint, blueprint: b}
}

func (i Intent) Kind() IntentKind { return i.kind }

// FinalContent is valid only when Kind() == IntentFinalAnswer.
func (i Intent) FinalContent() map[string]any { return i.finalContent }

// ToolCallRequest is valid only when Kind() == IntentToolCallRequest.
func (i Intent) ToolCallRequest() (toolID string, arguments map[string]any) {
	return i.toolID, i.toolArguments
}

// PlanBlueprint is valid only when Kind() == IntentPlanBlueprint.
func (i Intent) PlanBlueprint() PlanBlueprint { return i.blueprint }

// AgentOutcome tags whether an AgentResult represents success (carrying an
// Intent) or failure (carrying FailureDetails).
type AgentOutcome int

const (
	AgentSuccess AgentOutcome = iota
	AgentFailure
)

// AgentResult is the value returned by the AgentRuntime collaborator.
type AgentResult struct {
	outcome AgentOutcome
	intent  Intent
	failure FailureDetails
}

func Success(intent Intent) AgentResult {
	return AgentResult{outcome: AgentSuccess, intent: intent}
}

func Failure(details FailureDetails) AgentResult {
	return AgentResult{outcome: AgentFailure, failure: details}
}

func (r AgentResult) Outcome() AgentOutcome { return r.outcome }
func (r AgentResult) Intent() Intent        { return r.intent }
func (r AgentResult) FailureDetails() FailureDetails {
	return r.failure
}

// FailureDetails classifies a failure to interpret an agent or tool outcome.
// Kind is a stable taxonomy string (see the constants below); it is persisted
// verbatim into a task's result.failure_details so downstream edge
// conditions can route on it.
type FailureDetails struct {
	Kind    string
	Message string
}

const (
	FailureLLMRefusal          = "LLM_REFUSAL"
	FailureToolExecutionFailed = "TOOL_EXECUTION_FAILED"
	FailureValidationError     = "VALIDATION_ERROR"
	FailureResourceUnavailable = "RESOURCE_UNAVAILABLE"
	FailureTimeout             = "TIMEOUT"
	FailureAgentExecutionError = "AGENT_EXECUTION_ERROR"
	FailureUnknownAssignee     = "UNKNOWN_ASSIGNEE"
	FailurePlannerRoleViolation = "PLANNER_ROLE_VIOLATION"
	FailureBlueprintUnresolvedRef = "BLUEPRINT_UNRESOLVED_REF"
	FailureBlueprintCycle       = "BLUEPRINT_CYCLE"
)

// AsMap renders FailureDetails into the JSON shape persisted at
// result.failure_details.
func (f FailureDetails) AsMap() map[string]any {
	return map[string]any{
		"type":    f.Kind,
		"message": f.Message,
	}
}

// ToolStatus tags the outcome of a ToolRuntime invocation.
type ToolStatus string

const (
	ToolSuccess ToolStatus = "SUCCESS"
	ToolFailure ToolStatus = "FAILURE"
)

// ToolResult is the value returned by the ToolRuntime collaborator.
type ToolResult struct {
	Status       ToolStatus
	Output       map[string]any
	ErrorType    string
	ErrorMessage string
}

// AsMap renders a ToolResult into the JSON shape merged into
// result.last_tool_result on agent re-entry.
func (r ToolResult) AsMap() map[string]any {
	m := map[string]any{"status": string(r.Status)}
	if r.Output != nil {
		m["output"] = r.Output
	}
	if r.ErrorType != "" {
		m["error_type"] = r.ErrorType
	}
	if r.ErrorMessage != "" {
		m["error_message"] = r.ErrorMessage
	}
	return m
}
