package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Davincible/llmgate/internal/protocol"
)

func TestOpenAIProvider_TransformStreamChunk(t *testing.T) {
	tr := NewOpenAITransformer()

	tests := []struct {
		name    string
		data    string
		nilOut  bool
		content string
		finish  string
		role    bool
	}{
		{name: "opening", data: `{"id":"c1","model":"gpt","choices":[{"delta":{"role":"assistant","content":""}}]}`, role: true},
		{name: "content", data: `{"choices":[{"delta":{"content":"Hi"}}]}`, content: "Hi"},
		{name: "finish", data: `{"choices":[{"delta":{},"finish_reason":"stop"}]}`, finish: "stop"},
		{name: "finish with text", data: `{"choices":[{"delta":{"content":"!"},"finish_reason":"length"}]}`, content: "!", finish: "length"},
		{name: "function call", data: `{"choices":[{"delta":{},"finish_reason":"function_call"}]}`, finish: "tool_calls"},
		{name: "empty delta", data: `{"choices":[{"delta":{}}]}`, nilOut: true},
		{name: "no choices", data: `{"choices":[],"usage":{"prompt_tokens":1}}`, nilOut: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunk, err := tr.TransformStreamChunk([]byte(tt.data))
			require.NoError(t, err)
			if tt.nilOut {
				assert.Nil(t, chunk)
				return
			}
			require.NotNil(t, chunk)
			assert.Equal(t, tt.content, chunk.Content())
			assert.Equal(t, tt.finish, chunk.FinishReason())
			if tt.role {
				require.NotNil(t, chunk.Choices[0].Delta.Role)
				assert.Equal(t, protocol.RoleAssistant, *chunk.Choices[0].Delta.Role)
				assert.Equal(t, "c1", chunk.ID)
			}
		})
	}

	_, err := tr.TransformStreamChunk([]byte(`{"choices":[{"delta":`))
	assert.Error(t, err, "malformed fragment must surface as an error")
}

func TestAnthropicProvider_TransformStreamChunk(t *testing.T) {
	tr := NewAnthropicTransformer()

	chunk, err := tr.TransformStreamChunk([]byte(`{"type":"message_start","message":{"id":"msg_1","model":"claude-x","content":[]}}`))
	require.NoError(t, err)
	require.NotNil(t, chunk)
	assert.Equal(t, "msg_1", chunk.ID)
	assert.Equal(t, "claude-x", chunk.Model)
	assert.Equal(t, "", chunk.Content())

	chunk, err = tr.TransformStreamChunk([]byte(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}`))
	require.NoError(t, err)
	assert.Equal(t, "Hi", chunk.Content())

	chunk, err = tr.TransformStreamChunk([]byte(`{"type":"message_delta","delta":{"stop_reason":"max_tokens"},"usage":{"output_tokens":3}}`))
	require.NoError(t, err)
	assert.Equal(t, protocol.FinishReasonLength, chunk.FinishReason())
	assert.Nil(t, chunk.Choices[0].Delta.Content)

	for _, skipped := range []string{
		`{"type":"ping"}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","delta":{"type":"input_json_delta","partial_json":"{"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_stop"}`,
	} {
		chunk, err := tr.TransformStreamChunk([]byte(skipped))
		require.NoError(t, err)
		assert.Nil(t, chunk, skipped)
	}
}

func TestGeminiProvider_TransformStreamChunk(t *testing.T) {
	tr := NewGeminiTransformer()

	chunk, err := tr.TransformStreamChunk([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"Hel"},{"text":"lo"}]}}],"modelVersion":"gemini-2.5-flash","responseId":"r1"}`))
	require.NoError(t, err)
	assert.Equal(t, "Hello", chunk.Content())
	assert.Equal(t, "r1", chunk.ID)
	assert.Equal(t, "", chunk.FinishReason())

	chunk, err = tr.TransformStreamChunk([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"."}]},"finishReason":"STOP"}]}`))
	require.NoError(t, err)
	assert.Equal(t, ".", chunk.Content())
	assert.Equal(t, protocol.FinishReasonStop, chunk.FinishReason())

	chunk, err = tr.TransformStreamChunk([]byte(`{"candidates":[],"usageMetadata":{"promptTokenCount":3}}`))
	require.NoError(t, err)
	assert.Nil(t, chunk)
}

func TestGeminiProvider_Endpoint(t *testing.T) {
	tr := NewGeminiTransformer()

	assert.Equal(t,
		"https://generativelanguage.googleapis.com/v1beta/models/gemini-2.5-flash:generateContent",
		tr.Endpoint("", "gemini-2.5-flash", false))
	assert.Equal(t,
		"https://example.test/models/g1:streamGenerateContent?alt=sse",
		tr.Endpoint("https://example.test/models/", "g1", true))
}

func TestGeminiProvider_TransformRequestOut(t *testing.T) {
	body, err := NewGeminiTransformer().TransformRequestOut(sampleRequest())
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"systemInstruction": {"parts": [{"text": "You are terse."}]},
		"contents": [
			{"role": "user", "parts": [{"text": "Hello"}]},
			{"role": "model", "parts": [{"text": "Hi."}]},
			{"role": "user", "parts": [{"text": "Bye"}]}
		],
		"generationConfig": {"temperature": 0.2, "topP": 0.9, "maxOutputTokens": 256}
	}`, string(body))
}

func TestAnthropicProvider_TransformRequestOut(t *testing.T) {
	req := sampleRequest()
	req.MaxTokens = nil
	req.Stream = true

	body, err := NewAnthropicTransformer().TransformRequestOut(req)
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"model": "m1",
		"system": "You are terse.",
		"messages": [
			{"role": "user", "content": "Hello"},
			{"role": "assistant", "content": "Hi."},
			{"role": "user", "content": "Bye"}
		],
		"max_tokens": 4096,
		"temperature": 0.2,
		"top_p": 0.9,
		"stream": true
	}`, string(body))
}

func TestAnthropicProvider_TransformRequestIn_SystemBlocks(t *testing.T) {
	req, err := NewAnthropicTransformer().TransformRequestIn([]byte(`{
		"model": "claude-x",
		"max_tokens": 10,
		"system": [{"type":"text","text":"Be "},{"type":"text","text":"kind"}],
		"messages": [{"role":"user","content":[{"type":"text","text":"hi"},{"type":"image","source":{}}]}]
	}`))
	require.NoError(t, err)

	assert.Equal(t, "Be kind", req.SystemPrompt())
	assert.Equal(t, "hi", req.Messages[1].Content)
}

func TestSelfHostedLegacy_TransformRequestOut(t *testing.T) {
	body, err := NewSelfHostedLegacyTransformer().TransformRequestOut(sampleRequest())
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"model": "m1",
		"messages": [
			{"role": "user", "content": "You are terse."},
			{"role": "assistant", "content": "Understood."},
			{"role": "user", "content": "Hello"},
			{"role": "assistant", "content": "Hi."},
			{"role": "user", "content": "Bye"}
		],
		"temperature": 0.2,
		"top_p": 0.9,
		"max_tokens": 256
	}`, string(body))
}

func TestResponseIn_MissingFinishReason(t *testing.T) {
	resp, err := NewOpenAITransformer().TransformResponseIn([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	require.NoError(t, err)
	assert.Equal(t, protocol.FinishReasonUnknown, resp.Choices[0].FinishReason)
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, protocol.RoleAssistant, resp.Choices[0].Message.Role)

	resp, err = NewGeminiTransformer().TransformResponseIn([]byte(`{"candidates":[{"content":{"parts":[{"text":"ok"}]}}],"usageMetadata":{"promptTokenCount":4}}`))
	require.NoError(t, err)
	assert.Equal(t, protocol.FinishReasonUnknown, resp.Choices[0].FinishReason)
	assert.Equal(t, protocol.Usage{PromptTokens: 4, TotalTokens: 4}, resp.Usage)
}
