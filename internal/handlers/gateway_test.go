package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/Davincible/llmgate/internal/config"
	"github.com/Davincible/llmgate/internal/metrics"
	"github.com/Davincible/llmgate/internal/providers"
	"github.com/Davincible/llmgate/internal/router"
)

// recordedUpstream remembers what the gateway sent it.
type recordedUpstream struct {
	mu      sync.Mutex
	bodies  [][]byte
	headers []http.Header
}

func (u *recordedUpstream) record(r *http.Request) []byte {
	body, _ := io.ReadAll(r.Body)

	u.mu.Lock()
	defer u.mu.Unlock()
	u.bodies = append(u.bodies, body)
	u.headers = append(u.headers, r.Header.Clone())

	return body
}

func (u *recordedUpstream) last(t *testing.T) ([]byte, http.Header) {
	t.Helper()

	u.mu.Lock()
	defer u.mu.Unlock()
	require.NotEmpty(t, u.bodies, "upstream was not called")

	return u.bodies[len(u.bodies)-1], u.headers[len(u.headers)-1]
}

func newUpstream(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, body []byte)) (*httptest.Server, *recordedUpstream) {
	t.Helper()

	rec := &recordedUpstream{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler(w, r, rec.record(r))
	}))
	t.Cleanup(srv.Close)

	return srv, rec
}

func newTestDeps(t *testing.T, cfg *config.Config) Deps {
	t.Helper()

	registry := providers.NewRegistry()
	registry.Initialize()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := config.NewMemoryStore(cfg)

	return Deps{
		Store:    store,
		Registry: registry,
		Router:   router.New(store, registry, router.WithTokenCounter(router.EstimateTokens), router.WithLogger(logger)),
		Metrics:  metrics.New(),
		Logger:   logger,
	}
}

func gatewayConfig(primary, secondary string) *config.Config {
	return &config.Config{
		Providers: []config.ProviderConfig{
			{Name: "acme", APIBase: primary, APIKey: "acme-key", Models: []string{"m1", "m2"}, Transformer: providers.OpenAIName},
			{Name: "backup", APIBase: secondary, APIKey: "backup-key", Models: []string{"b1"}, Transformer: providers.OpenAIName},
		},
		Router: config.RouterConfig{
			Default:    config.RouteEntry{Provider: "acme", Model: "m1"},
			Background: config.RouteEntry{Provider: "backup", Model: "b1"},
		},
	}
}

func completionJSON(model, content string) string {
	return fmt.Sprintf(`{"id":"chatcmpl-1","object":"chat.completion","model":%q,"choices":[{"index":0,"message":{"role":"assistant","content":%q},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`, model, content)
}

func okUpstream(w http.ResponseWriter, _ *http.Request, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, completionJSON(gjson.GetBytes(body, "model").String(), "Hello"))
}

func post(t *testing.T, h http.Handler, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}

const helloBody = `{"messages":[{"role":"system","content":"be brief"},{"role":"user","content":"hi"}]}`

func TestChat_NonStreaming(t *testing.T) {
	srv, up := newUpstream(t, okUpstream)
	h := NewChatHandler(newTestDeps(t, gatewayConfig(srv.URL, srv.URL)))

	rec := post(t, h, "/v1/chat/completions", helloBody, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "m1", resp.Model)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "Hello", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Equal(t, 5, resp.Usage.TotalTokens)

	body, headers := up.last(t)
	assert.Equal(t, "m1", gjson.GetBytes(body, "model").String(), "router picked the default route")
	assert.False(t, gjson.GetBytes(body, "stream").Bool())
	assert.Equal(t, "Bearer acme-key", headers.Get("Authorization"))
}

func TestChat_ProviderSelection(t *testing.T) {
	primary, primaryRec := newUpstream(t, okUpstream)
	secondary, secondaryRec := newUpstream(t, okUpstream)

	tests := []struct {
		name      string
		body      string
		headers   map[string]string
		wantRec   *recordedUpstream
		wantModel string
	}{
		{
			name:      "body provider",
			body:      `{"provider":"backup","model":"b9","messages":[{"role":"user","content":"hi"}]}`,
			wantRec:   secondaryRec,
			wantModel: "b9",
		},
		{
			name:      "header provider uses first model",
			body:      `{"messages":[{"role":"user","content":"hi"}]}`,
			headers:   map[string]string{HeaderProvider: "BACKUP"},
			wantRec:   secondaryRec,
			wantModel: "b1",
		},
		{
			name:      "body wins over header",
			body:      `{"provider":"acme","model":"m2","messages":[{"role":"user","content":"hi"}]}`,
			headers:   map[string]string{HeaderProvider: "backup"},
			wantRec:   primaryRec,
			wantModel: "m2",
		},
		{
			name:      "task type header routes",
			body:      `{"messages":[{"role":"user","content":"hi"}]}`,
			headers:   map[string]string{HeaderTaskType: "background"},
			wantRec:   secondaryRec,
			wantModel: "b1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewChatHandler(newTestDeps(t, gatewayConfig(primary.URL, secondary.URL)))

			rec := post(t, h, "/v1/chat/completions", tt.body, tt.headers)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			body, _ := tt.wantRec.last(t)
			assert.Equal(t, tt.wantModel, gjson.GetBytes(body, "model").String())
			assert.Equal(t, tt.wantModel, gjson.Get(rec.Body.String(), "model").String())
		})
	}
}

func TestChat_AuthPassthrough(t *testing.T) {
	srv, up := newUpstream(t, okUpstream)
	h := NewChatHandler(newTestDeps(t, gatewayConfig(srv.URL, srv.URL)))

	rec := post(t, h, "/v1/chat/completions", helloBody, map[string]string{"Authorization": "Bearer client-key"})
	require.Equal(t, http.StatusOK, rec.Code)

	_, headers := up.last(t)
	assert.Equal(t, "Bearer client-key", headers.Get("Authorization"))
}

func anthropicUpstream(w http.ResponseWriter, _ *http.Request, _ []byte) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"id":"msg_1","type":"message","role":"assistant","model":"c1","content":[{"type":"text","text":"Hello"}],"stop_reason":"end_turn","usage":{"input_tokens":3,"output_tokens":1}}`)
}

func TestChat_ForeignBearerKeepsConfiguredKey(t *testing.T) {
	srv, up := newUpstream(t, anthropicUpstream)

	cfg := &config.Config{
		Providers: []config.ProviderConfig{
			{Name: "claude", APIBase: srv.URL, APIKey: "real-ant-key", Models: []string{"c1"}, Transformer: providers.AnthropicName},
		},
		Router: config.RouterConfig{Default: config.RouteEntry{Provider: "claude", Model: "c1"}},
	}
	h := NewChatHandler(newTestDeps(t, cfg))

	rec := post(t, h, "/v1/chat/completions", helloBody, map[string]string{"Authorization": "Bearer sk-openai-sdk"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	_, headers := up.last(t)
	assert.Equal(t, "real-ant-key", headers.Get("x-api-key"))
	assert.Equal(t, providers.AnthropicVersion, headers.Get("anthropic-version"))

	rec = post(t, h, "/v1/chat/completions", helloBody, map[string]string{"X-API-Key": "client-ant-key"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	_, headers = up.last(t)
	assert.Equal(t, "client-ant-key", headers.Get("x-api-key"), "the family's own header passes through")
}

func TestChat_UpstreamErrorPassthrough(t *testing.T) {
	const upstreamBody = `{"error":{"message":"slow down","type":"rate_limit_exceeded"}}`

	srv, _ := newUpstream(t, func(w http.ResponseWriter, _ *http.Request, _ []byte) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, upstreamBody)
	})
	h := NewChatHandler(newTestDeps(t, gatewayConfig(srv.URL, srv.URL)))

	for _, stream := range []bool{false, true} {
		t.Run(fmt.Sprintf("stream=%v", stream), func(t *testing.T) {
			body := fmt.Sprintf(`{"stream":%v,"messages":[{"role":"user","content":"hi"}]}`, stream)

			rec := post(t, h, "/v1/chat/completions", body, nil)
			assert.Equal(t, http.StatusTooManyRequests, rec.Code)
			assert.Equal(t, upstreamBody, rec.Body.String())
			assert.Equal(t, "7", rec.Header().Get("Retry-After"))
		})
	}
}

func TestChat_Errors(t *testing.T) {
	srv, _ := newUpstream(t, okUpstream)

	tests := []struct {
		name     string
		body     string
		headers  map[string]string
		mutate   func(cfg *config.Config)
		wantCode int
		wantType string
	}{
		{
			name:     "malformed json",
			body:     `{"messages":`,
			wantCode: http.StatusBadRequest,
			wantType: "invalid_request_error",
		},
		{
			name:     "no messages",
			body:     `{"messages":[]}`,
			wantCode: http.StatusBadRequest,
			wantType: "invalid_request_error",
		},
		{
			name:     "only a system message",
			body:     `{"messages":[{"role":"system","content":"only"}]}`,
			wantCode: http.StatusBadRequest,
			wantType: "invalid_request_error",
		},
		{
			name:     "unknown task type",
			body:     helloBody,
			headers:  map[string]string{HeaderTaskType: "poetry"},
			wantCode: http.StatusBadRequest,
			wantType: "invalid_request_error",
		},
		{
			name:     "unknown provider",
			body:     helloBody,
			headers:  map[string]string{HeaderProvider: "ghost"},
			wantCode: http.StatusInternalServerError,
			wantType: "configuration_error",
		},
		{
			name:     "disabled provider",
			body:     helloBody,
			mutate:   func(cfg *config.Config) { cfg.Providers[0].SetEnabled(false) },
			wantCode: http.StatusInternalServerError,
			wantType: "configuration_error",
		},
		{
			name:     "unreachable upstream",
			body:     helloBody,
			mutate:   func(cfg *config.Config) { cfg.Providers[0].APIBase = "http://127.0.0.1:1/v1/chat/completions" },
			wantCode: http.StatusInternalServerError,
			wantType: "transport_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := gatewayConfig(srv.URL, srv.URL)
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			h := NewChatHandler(newTestDeps(t, cfg))

			rec := post(t, h, "/v1/chat/completions", tt.body, tt.headers)
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Equal(t, tt.wantType, gjson.Get(rec.Body.String(), "error.type").String())
			assert.NotEmpty(t, gjson.Get(rec.Body.String(), "error.message").String())
		})
	}
}

func TestMessages_AnthropicDialect(t *testing.T) {
	srv, up := newUpstream(t, okUpstream)
	h := NewMessagesHandler(newTestDeps(t, gatewayConfig(srv.URL, srv.URL)))

	rec := post(t, h, "/v1/messages",
		`{"model":"ignored","system":"be brief","max_tokens":64,"messages":[{"role":"user","content":[{"type":"text","text":"hi"}]}]}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	out := rec.Body.String()
	assert.Equal(t, "message", gjson.Get(out, "type").String())
	assert.Equal(t, "Hello", gjson.Get(out, "content.0.text").String())
	assert.Equal(t, "end_turn", gjson.Get(out, "stop_reason").String())
	assert.Equal(t, int64(3), gjson.Get(out, "usage.input_tokens").Int())

	body, _ := up.last(t)
	assert.Equal(t, "system", gjson.GetBytes(body, "messages.0.role").String())
	assert.Equal(t, "be brief", gjson.GetBytes(body, "messages.0.content").String())
	assert.Equal(t, "hi", gjson.GetBytes(body, "messages.1.content").String())

	rec = post(t, h, "/v1/messages", `{"stream":true,"messages":[{"role":"user","content":"hi"}]}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	cfg := gatewayConfig("http://a", "http://b")
	cfg.Providers[1].SetEnabled(false)
	cfg.Settings.APITimeoutMS = 30000

	h := NewHealthHandler(config.NewMemoryStore(cfg), slog.New(slog.NewTextHandler(io.Discard, nil)))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","providers":["acme"],"api_timeout_ms":30000}`, rec.Body.String())
}
