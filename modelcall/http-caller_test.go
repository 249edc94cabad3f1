package modelcall_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/evalgrid/backend/modelcall"
	"github.com/stretchr/testify/require"
)

type chatStub struct {
	calls    int
	lastAuth string
}

func (s *chatStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.calls++
	s.lastAuth = r.Header.Get("Authorization")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"choices": []map[string]any{{
			"message":       map[string]string{"role": "assistant", "content": "pong"},
			"finish_reason": "stop",
		}},
		"usage": map[string]int{"prompt_tokens": 3, "completion_tokens": 1},
	})
}

func TestCallKeylessProvider(t *testing.T) {
	stub := &chatStub{}
	server := httptest.NewServer(stub)
	defer server.Close()

	registry := modelcall.NewRegistry([]modelcall.ProviderConf{
		{ID: "local", BaseUrl: server.URL, Models: []string{"local-llama"}},
	})
	caller := modelcall.NewHttpCaller(registry)

	// a provider that Usable() accepts without credentials must also
	// be callable without credentials
	provider, ok := registry.ProviderFor("local-llama")
	require.True(t, ok)
	require.True(t, provider.Usable())

	result, err := caller.Call(context.Background(), "local-llama", nil, "ping", modelcall.Params{})
	require.NoError(t, err)
	require.Equal(t, "pong", result.Content)
	require.Equal(t, 1, stub.calls)
	require.Empty(t, stub.lastAuth)
}

func TestCallSendsBearerWhenConfigured(t *testing.T) {
	stub := &chatStub{}
	server := httptest.NewServer(stub)
	defer server.Close()

	registry := modelcall.NewRegistry([]modelcall.ProviderConf{
		{ID: "hosted", BaseUrl: server.URL, ApiKeyEnv: "HOSTED_API_KEY", Models: []string{"hosted-large"}},
	})
	caller := modelcall.NewHttpCaller(registry)

	t.Run("missing key fails before any request", func(t *testing.T) {
		t.Setenv("HOSTED_API_KEY", "")
		_, err := caller.Call(context.Background(), "hosted-large", nil, "ping", modelcall.Params{})
		require.Error(t, err)
		require.Equal(t, 0, stub.calls)
	})

	t.Run("present key is sent as bearer", func(t *testing.T) {
		t.Setenv("HOSTED_API_KEY", "sk-test")
		_, err := caller.Call(context.Background(), "hosted-large", nil, "ping", modelcall.Params{})
		require.NoError(t, err)
		require.Equal(t, "Bearer sk-test", stub.lastAuth)
	})
}
