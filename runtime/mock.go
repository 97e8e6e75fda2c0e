package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/taskflowhq/taskengine/task"
)

// MockAgentRuntime is a test double for AgentRuntime: it returns a
// configured sequence of AgentResults (repeating the last one once
// exhausted) and records every invocation for assertion.
type MockAgentRuntime struct {
	Results []task.AgentResult
	Err     error

	// Delay, if set, blocks InvokeAgent until it elapses or ctx is done,
	// simulating a slow call that outlives the caller's deadline.
	Delay time.Duration

	mu    sync.Mutex
	calls []MockAgentCall
	index int
}

type MockAgentCall struct {
	AgentID string
	Input   map[string]any
}

func (m *MockAgentRuntime) InvokeAgent(ctx context.Context, agentID string, input map[string]any) (task.AgentResult, error) {
	if m.Delay > 0 {
		timer := time.NewTimer(m.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
	}
	if ctx.Err() != nil {
		return task.AgentResult{}, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, MockAgentCall{AgentID: agentID, Input: input})
	if m.Err != nil {
		return task.AgentResult{}, m.Err
	}
	if len(m.Results) == 0 {
		return task.Success(task.FinalAnswer(map[string]any{})), nil
	}
	idx := m.index
	if idx >= len(m.Results) {
		idx = len(m.Results) - 1
	} else {
		m.index++
	}
	return m.Results[idx], nil
}

func (m *MockAgentRuntime) Calls() []MockAgentCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockAgentCall(nil), m.calls...)
}

// MockToolRuntime is a test double for ToolRuntime, following the same
// sequenced-response/call-history shape as MockAgentRuntime.
type MockToolRuntime struct {
	Results []task.ToolResult
	Err     error

	mu    sync.Mutex
	calls []MockToolCall
	index int
}

type MockToolCall struct {
	ToolID    string
	Arguments map[string]any
}

func (m *MockToolRuntime) InvokeTool(ctx context.Context, toolID string, arguments map[string]any) (task.ToolResult, error) {
	if ctx.Err() != nil {
		return task.ToolResult{}, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, MockToolCall{ToolID: toolID, Arguments: arguments})
	if m.Err != nil {
		return task.ToolResult{}, m.Err
	}
	if len(m.Results) == 0 {
		return task.ToolResult{Status: task.ToolSuccess, Output: map[string]any{}}, nil
	}
	idx := m.index
	if idx >= len(m.Results) {
		idx = len(m.Results) - 1
	} else {
		m.index++
	}
	return m.Results[idx], nil
}

func (m *MockToolRuntime) Calls() []MockToolCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockToolCall(nil), m.calls...)
}
