package modelcall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const defaultCallTimeout = 60 * time.Second

// HttpCaller speaks the OpenAI-compatible chat-completions shape that
// every provider in the registry file exposes. Auth and timeout come
// from the provider entry; the key itself is read from the environment
// at call time so rotation does not require a restart.
type HttpCaller struct {
	registry *Registry
	client   *http.Client
}

func NewHttpCaller(registry *Registry) *HttpCaller {
	return &HttpCaller{
		registry: registry,
		client:   &http.Client{},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *HttpCaller) Call(ctx context.Context, modelID string, systemPrompt *string, userPrompt string, params Params) (Result, error) {
	provider, ok := c.registry.ProviderFor(modelID)
	if !ok {
		return Result{}, fmt.Errorf("no provider configured for model %s", modelID)
	}
	// providers without an api_key_env entry are unauthenticated, e.g.
	// a local endpoint; Usable() treats them the same way
	apiKey := ""
	if provider.ApiKeyEnv != "" {
		apiKey = os.Getenv(provider.ApiKeyEnv)
		if apiKey == "" {
			return Result{}, fmt.Errorf("provider %s: env var %s is not set", provider.ID, provider.ApiKeyEnv)
		}
	}

	timeout := defaultCallTimeout
	if provider.TimeoutMs > 0 {
		timeout = time.Duration(provider.TimeoutMs) * time.Millisecond
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	messages := []chatMessage{}
	if systemPrompt != nil && *systemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: *systemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: userPrompt})

	body, err := json.Marshal(chatRequest{
		Model:       modelID,
		Messages:    messages,
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	url := provider.BaseUrl + "/chat/completions"
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("failed to build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("model call to %s failed: %w", provider.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{}, fmt.Errorf("model call to %s returned %d: %s",
			provider.ID, resp.StatusCode, string(payload))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Result{}, fmt.Errorf("failed to decode chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return Result{}, fmt.Errorf("model call to %s returned no choices", provider.ID)
	}

	return Result{
		Content:          parsed.Choices[0].Message.Content,
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
		FinishReason:     parsed.Choices[0].FinishReason,
	}, nil
}
