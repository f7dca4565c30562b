package providers

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Davincible/llmgate/internal/protocol"
)

func allTransformers() []Transformer {
	registry := NewRegistry()
	registry.Initialize()

	var out []Transformer
	for _, name := range registry.List() {
		tr, _ := registry.Get(name)
		out = append(out, tr)
	}

	return out
}

func sampleRequest() *protocol.UnifiedChatRequest {
	return &protocol.UnifiedChatRequest{
		Model: "m1",
		Messages: []protocol.Message{
			{Role: protocol.RoleSystem, Content: "You are terse."},
			{Role: protocol.RoleUser, Content: "Hello"},
			{Role: protocol.RoleAssistant, Content: "Hi."},
			{Role: protocol.RoleUser, Content: "Bye"},
		},
		Temperature: ptr(0.2),
		TopP:        ptr(0.9),
		MaxTokens:   ptr(256),
	}
}

func TestTransformers_RequestRoundTrip(t *testing.T) {
	for _, tr := range allTransformers() {
		t.Run(tr.Name(), func(t *testing.T) {
			req := sampleRequest()

			body, err := tr.TransformRequestOut(req)
			require.NoError(t, err)

			back, err := tr.TransformRequestIn(body)
			require.NoError(t, err)

			assert.Equal(t, req.Messages, back.Messages)
			assert.Equal(t, req.Temperature, back.Temperature)
			assert.Equal(t, req.TopP, back.TopP)
			assert.Equal(t, req.MaxTokens, back.MaxTokens)
		})
	}
}

func TestTransformers_ResponseRoundTrip(t *testing.T) {
	resp := &protocol.UnifiedChatResponse{
		ID:    "resp-1",
		Model: "m1",
		Choices: []protocol.Choice{{
			Message:      protocol.Message{Role: protocol.RoleAssistant, Content: "Hello there"},
			FinishReason: protocol.FinishReasonLength,
		}},
		Usage: protocol.Usage{PromptTokens: 5, CompletionTokens: 7, TotalTokens: 12},
	}

	for _, tr := range allTransformers() {
		t.Run(tr.Name(), func(t *testing.T) {
			body, err := tr.TransformResponseOut(resp)
			require.NoError(t, err)

			back, err := tr.TransformResponseIn(body)
			require.NoError(t, err)

			assert.Equal(t, "resp-1", back.ID)
			assert.Equal(t, "m1", back.Model)
			assert.Equal(t, "Hello there", back.Text())
			assert.Equal(t, protocol.FinishReasonLength, back.Choices[0].FinishReason)
			assert.Equal(t, resp.Usage, back.Usage)
		})
	}
}

func TestTransformers_SystemStrategies(t *testing.T) {
	expected := map[string]SystemStrategy{
		OpenAIName:           SystemInline,
		SelfHostedName:       SystemInline,
		SelfHostedLegacyName: SystemExchange,
		AnthropicName:        SystemField,
		GeminiName:           SystemInstruction,
	}

	for _, tr := range allTransformers() {
		assert.Equal(t, expected[tr.Name()], tr.SystemStrategy(), tr.Name())
	}
}

func TestTransformers_NoSystemLeaksIntoMessages(t *testing.T) {
	for _, tr := range []Transformer{NewAnthropicTransformer(), NewGeminiTransformer(), NewSelfHostedLegacyTransformer()} {
		t.Run(tr.Name(), func(t *testing.T) {
			body, err := tr.TransformRequestOut(sampleRequest())
			require.NoError(t, err)

			var raw map[string]any
			require.NoError(t, json.Unmarshal(body, &raw))

			list, _ := raw["messages"].([]any)
			if list == nil {
				list, _ = raw["contents"].([]any)
			}
			require.NotEmpty(t, list)
			for _, item := range list {
				m := item.(map[string]any)
				assert.NotEqual(t, "system", m["role"])
			}
		})
	}
}

func TestTransformers_SystemOnlyEncodesEmptyTurns(t *testing.T) {
	req := &protocol.UnifiedChatRequest{
		Model:    "m1",
		Messages: []protocol.Message{{Role: protocol.RoleSystem, Content: "only"}},
	}

	tests := []struct {
		tr    Transformer
		field string
	}{
		{NewAnthropicTransformer(), "messages"},
		{NewGeminiTransformer(), "contents"},
	}

	for _, tt := range tests {
		t.Run(tt.tr.Name(), func(t *testing.T) {
			body, err := tt.tr.TransformRequestOut(req)
			require.NoError(t, err)

			var raw map[string]json.RawMessage
			require.NoError(t, json.Unmarshal(body, &raw))
			assert.JSONEq(t, `[]`, string(raw[tt.field]))
		})
	}
}

func TestTransformers_ProviderOptionsMerged(t *testing.T) {
	req := sampleRequest()
	req.ProviderOptions = map[string]any{"seed": 7.0, "model": "ignored", "baseUrl": "http://x"}

	body, err := NewOpenAITransformer().TransformRequestOut(req)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(body, &raw))
	assert.Equal(t, 7.0, raw["seed"])
	assert.Equal(t, "m1", raw["model"], "options never override encoded fields")
	assert.NotContains(t, raw, "baseUrl")
}

func TestTransformers_Auth(t *testing.T) {
	tests := []struct {
		tr     Transformer
		header string
		value  string
	}{
		{NewOpenAITransformer(), "Authorization", "Bearer sk-1"},
		{NewSelfHostedTransformer(), "Authorization", "Bearer sk-1"},
		{NewAnthropicTransformer(), "x-api-key", "sk-1"},
		{NewGeminiTransformer(), "x-goog-api-key", "sk-1"},
	}

	for _, tt := range tests {
		t.Run(tt.tr.Name(), func(t *testing.T) {
			h := http.Header{}
			tt.tr.SetAuth(h, "sk-1")
			assert.Equal(t, tt.value, h.Get(tt.header))
		})
	}

	h := http.Header{}
	NewAnthropicTransformer().SetAuth(h, "")
	assert.Equal(t, AnthropicVersion, h.Get("anthropic-version"))
	assert.Empty(t, h.Get("x-api-key"))
}

func TestBuildUsage(t *testing.T) {
	assert.Equal(t, protocol.Usage{PromptTokens: 3, CompletionTokens: 0, TotalTokens: 3}, BuildUsage(ptr(3), nil, nil))
	assert.Equal(t, protocol.Usage{PromptTokens: 0, CompletionTokens: 4, TotalTokens: 4}, BuildUsage(nil, ptr(4), nil))
	assert.Equal(t, protocol.Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 10}, BuildUsage(ptr(1), ptr(2), ptr(10)))
}

func TestIsStreamingContentType(t *testing.T) {
	assert.True(t, IsStreamingContentType("text/event-stream; charset=utf-8"))
	assert.True(t, IsStreamingContentType("application/x-ndjson-stream"))
	assert.False(t, IsStreamingContentType("application/json"))
}
