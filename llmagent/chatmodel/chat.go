// Package chatmodel is the vocabulary ChatAgentRuntime speaks to a backing
// LLM provider: one request/response shape (Message/ToolSpec in,
// ChatOut out) that every provider adapter translates to and from its own
// wire format, so llmagent never imports a provider SDK directly.
package chatmodel

import "context"

// ChatModel sends one turn of conversation to an LLM provider and returns
// its reply. Implementations own provider authentication, wire-format
// translation, and error translation; they must respect ctx cancellation.
type ChatModel interface {
	Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error)
}

// Message is one turn in the conversation sent to Chat.
type Message struct {
	Role    string
	Content string
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ToolSpec describes a tool the LLM may call, in JSON Schema terms.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]interface{}
}

// ChatOut is a provider's reply: free text, tool calls, or both.
type ChatOut struct {
	Text      string
	ToolCalls []ToolCall
}

// ToolCall is one tool invocation the LLM requested.
type ToolCall struct {
	Name  string
	Input map[string]interface{}
}
