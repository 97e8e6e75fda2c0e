// Package task defines the data model of the workflow graph: tasks, edges,
// history snapshots, and the transient intent/result variants exchanged with
// the agent and tool runtimes.
package task

import "time"

// Status is the lifecycle state of a Task.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// AssigneeKind distinguishes an Agent-backed task from a Tool-backed one.
type AssigneeKind string

const (
	AssigneeAgent   AssigneeKind = "Agent"
	AssigneeTool    AssigneeKind = "Tool"
	AssigneeUnknown AssigneeKind = ""
)

// ParseAssignee splits an assignee string of the form "Agent:<id>" or
// "Tool:<id>" into its kind and id. An unrecognized format returns
// AssigneeUnknown with an empty id; callers must treat that as the
// UNKNOWN_ASSIGNEE failure case rather than a parse error.
func ParseAssignee(raw string) (kind AssigneeKind, id string) {
	for i := 0; i < len(raw); i++ {
		if raw[i] == ':' {
			prefix := AssigneeKind(raw[:i])
			if prefix == AssigneeAgent || prefix == AssigneeTool {
				return prefix, raw[i+1:]
			}
			return AssigneeUnknown, ""
		}
	}
	return AssigneeUnknown, ""
}

// Task is a single node in the workflow graph.
type Task struct {
	ID         string
	WorkflowID string
	ParentID   *string
	Assignee   string
	Status     Status
	InputData  map[string]any
	Result     map[string]any
	Directives map[string]any
	Version    int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Edge is an immutable directed connection between two tasks within the same
// workflow.
type Edge struct {
	ID           string
	WorkflowID   string
	SourceTaskID string
	TargetTaskID string
	Condition    *Condition
	DataFlow     *DataFlow
}

// Condition gates an edge: it is active only when Expression evaluates true
// against the source task's completion context.
type Condition struct {
	Evaluator  string // reserved for future evaluator selection; "" means the default grammar in package eval
	Expression string
}

// DataFlow projects a source task's completion context into a target task's
// input delta.
type DataFlow struct {
	// Mappings maps a target dot-path to a source expression evaluated
	// against {result, input} of the edge's source task.
	Mappings map[string]string
}

// History is an append-only snapshot of a Task at a given version.
type History struct {
	ID            string
	TaskID        string
	VersionNumber int
	Snapshot      Task
	CreatedAt     time.Time
}

// Patch describes a partial mutation applied by UpdateTask: nil fields are
// left untouched.
type Patch struct {
	Status     *Status
	Result     map[string]any
	InputData  map[string]any
	Directives map[string]any
}
