package strategy

import (
	"context"

	"adaptiverag/internal/llm"
)

// fakeLLM returns canned responses (or errors) in call order; it exists
// purely to drive the strategy Run() paths under test without a real model.
type fakeLLM struct {
	responses []string
	errs      []error // errs[i] (if non-nil) is returned instead of responses[i]
	calls     int
}

func (f *fakeLLM) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string) (llm.ChatResult, error) {
	i := f.calls
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return llm.ChatResult{}, f.errs[i]
	}
	return llm.ChatResult{
		Message: llm.Message{Role: "assistant", Content: f.responses[i]},
		Usage:   llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func (f *fakeLLM) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, h llm.StreamHandler) (llm.Usage, error) {
	return llm.Usage{}, nil
}
