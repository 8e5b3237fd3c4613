package llm

import (
	"context"
	"encoding/json"
)

// ToolCall is a single function invocation requested by the model. The
// provider clients parse and stream it; the RAG strategies call Chat
// without tools and do not read it.
type ToolCall struct {
	Name string
	Args json.RawMessage
	ID   string
}

type Message struct {
	Role    string // "system" | "user" | "assistant" | "tool"
	Content string
	ToolID  string
	// ToolCalls are only set on assistant messages.
	ToolCalls []ToolCall
}

type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Usage reports token accounting for a single Chat/ChatStream call, used to
// populate the answer's total_tokens and the governance latency/cost trail.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ChatResult is a completed, non-streamed model turn.
type ChatResult struct {
	Message Message
	Usage   Usage
}

type StreamHandler interface {
	OnDelta(content string)
	OnToolCall(tc ToolCall)
}

// Provider is the minimal contract every concrete LLM client satisfies. Ask
// (C14) depends only on this interface, never on a concrete SDK type, so the
// strategy packages can be exercised against a fake in tests.
type Provider interface {
	Chat(ctx context.Context, msgs []Message, tools []ToolSchema, model string) (ChatResult, error)
	ChatStream(ctx context.Context, msgs []Message, tools []ToolSchema, model string, h StreamHandler) (Usage, error)
}
