package modelcall

import (
	"context"
)

// Params are the per-call generation parameters forwarded to the
// provider adapter.
type Params struct {
	Temperature float64
	MaxTokens   int
}

// Result is the provider-agnostic shape of a model response.
type Result struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
	FinishReason     string
}

// Caller is the outbound model-call boundary. Provider-specific auth,
// timeouts and response shapes are resolved by a config-driven adapter
// behind this interface; this service never talks to a provider
// directly.
type Caller interface {
	Call(ctx context.Context, modelID string, systemPrompt *string, userPrompt string, params Params) (Result, error)
}
