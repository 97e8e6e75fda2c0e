package llmagent

import (
	"github.com/taskflowhq/taskengine/llmagent/chatmodel"
	"github.com/taskflowhq/taskengine/llmagent/chatmodel/anthropic"
	"github.com/taskflowhq/taskengine/llmagent/chatmodel/google"
	"github.com/taskflowhq/taskengine/llmagent/chatmodel/openai"
	"github.com/taskflowhq/taskengine/runtime"
)

// NewAnthropicAgentRuntime builds a ChatAgentRuntime backed by Claude.
func NewAnthropicAgentRuntime(apiKey, modelName, systemText string, tools []chatmodel.ToolSpec, registry runtime.CapabilityRegistry) *ChatAgentRuntime {
	return NewChatAgentRuntime(anthropic.NewChatModel(apiKey, modelName), systemText, tools, registry)
}

// NewOpenAIAgentRuntime builds a ChatAgentRuntime backed by an OpenAI model.
func NewOpenAIAgentRuntime(apiKey, modelName, systemText string, tools []chatmodel.ToolSpec, registry runtime.CapabilityRegistry) *ChatAgentRuntime {
	return NewChatAgentRuntime(openai.NewChatModel(apiKey, modelName), systemText, tools, registry)
}

// NewGoogleAgentRuntime builds a ChatAgentRuntime backed by a Gemini model.
func NewGoogleAgentRuntime(apiKey, modelName, systemText string, tools []chatmodel.ToolSpec, registry runtime.CapabilityRegistry) *ChatAgentRuntime {
	return NewChatAgentRuntime(google.NewChatModel(apiKey, modelName), systemText, tools, registry)
}
