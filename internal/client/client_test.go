package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/Davincible/llmgate/internal/apierr"
	"github.com/Davincible/llmgate/internal/config"
	"github.com/Davincible/llmgate/internal/protocol"
	"github.com/Davincible/llmgate/internal/providers"
	"github.com/Davincible/llmgate/internal/upstream"
)

// scriptedCompleter fails each model with the scripted error, or succeeds.
type scriptedCompleter struct {
	mu     sync.Mutex
	errs   map[string]error
	called []string
}

func (s *scriptedCompleter) Complete(_ context.Context, r upstream.Request) (*protocol.UnifiedChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.called = append(s.called, r.Chat.Model)
	if err := s.errs[r.Chat.Model]; err != nil {
		return nil, err
	}

	return &protocol.UnifiedChatResponse{
		ID: "r1",
		Choices: []protocol.Choice{{
			Message:      protocol.Message{Role: protocol.RoleAssistant, Content: "served by " + r.Chat.Model},
			FinishReason: protocol.FinishReasonStop,
		}},
	}, nil
}

func quotaErr(model string) error {
	return apierr.NewUpstreamError("acme", model, http.StatusTooManyRequests, []byte(`{"error":{"message":"rate limit"}}`))
}

func newTestClient(t *testing.T, caller Completer, opts ...Option) *Client {
	t.Helper()

	target := upstream.Target{Provider: "acme", Transformer: providers.NewOpenAITransformer()}
	base := []Option{
		WithCompleter(caller),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}

	c, err := New(target, append(base, opts...)...)
	require.NoError(t, err)

	return c
}

func userMessages() []protocol.Message {
	return []protocol.Message{{Role: protocol.RoleUser, Content: "hello"}}
}

func TestChat_FallsBackOnQuota(t *testing.T) {
	caller := &scriptedCompleter{errs: map[string]error{"m1": quotaErr("m1"), "m2": quotaErr("m2")}}
	c := newTestClient(t, caller, WithModels("m1", "m2", "m3"))

	res, err := c.Chat(context.Background(), userMessages())
	require.NoError(t, err)

	assert.True(t, res.UsedFallback)
	assert.Equal(t, "m1", res.OriginalModel)
	assert.Equal(t, "m3", res.Model)
	assert.Equal(t, "m3", res.Response.Model)
	assert.Equal(t, "served by m3", res.Response.Text())
	assert.Equal(t, []string{"m1", "m2", "m3"}, caller.called)
}

func TestChat_NonQuotaStopsImmediately(t *testing.T) {
	authErr := apierr.NewUpstreamError("acme", "m1", http.StatusUnauthorized, []byte(`{"error":{"message":"invalid api key"}}`))
	caller := &scriptedCompleter{errs: map[string]error{"m1": authErr}}
	c := newTestClient(t, caller, WithModels("m1", "m2", "m3"))

	_, err := c.Chat(context.Background(), userMessages())
	require.Error(t, err)

	assert.Same(t, authErr, err)
	assert.Equal(t, []string{"m1"}, caller.called)
}

func TestChat_TransportErrorNeverFallsBack(t *testing.T) {
	transport := &apierr.TransportError{Provider: "acme", Err: errors.New("connection refused: too many requests")}
	caller := &scriptedCompleter{errs: map[string]error{"m1": transport}}
	c := newTestClient(t, caller, WithModels("m1", "m2"))

	_, err := c.Chat(context.Background(), userMessages())
	assert.Same(t, transport, err)
	assert.Equal(t, []string{"m1"}, caller.called)
}

func TestChat_Exhausted(t *testing.T) {
	first := quotaErr("m1")
	caller := &scriptedCompleter{errs: map[string]error{"m1": first, "m2": quotaErr("m2")}}
	c := newTestClient(t, caller, WithModels("m1", "m2"))

	_, err := c.Chat(context.Background(), userMessages())

	var exhausted *apierr.FallbackExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, []string{"m1", "m2"}, exhausted.Attempted)
	assert.Same(t, first, exhausted.Original)
	assert.ErrorIs(t, err, first)
	assert.Contains(t, err.Error(), "original error")
}

func TestChat_SingleModelNeverFallsBack(t *testing.T) {
	first := quotaErr("only")
	caller := &scriptedCompleter{errs: map[string]error{"only": first}}
	c := newTestClient(t, caller, WithModels("only"))

	_, err := c.Chat(context.Background(), userMessages())
	assert.Same(t, first, err)
	assert.Equal(t, []string{"only"}, caller.called)
}

func TestChat_FallbackDisabled(t *testing.T) {
	first := quotaErr("m1")
	caller := &scriptedCompleter{errs: map[string]error{"m1": first}}
	c := newTestClient(t, caller, WithModels("m1", "m2"), WithFallback(false))

	_, err := c.Chat(context.Background(), userMessages())
	assert.Same(t, first, err)
	assert.Equal(t, []string{"m1"}, caller.called)
}

func TestChat_KeywordClassification(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		fallback bool
	}{
		{"tpm in body", apierr.NewUpstreamError("acme", "m1", 400, []byte(`{"error":{"message":"TPM limit reached"}}`)), true},
		{"resource exhausted", apierr.NewUpstreamError("acme", "m1", 503, []byte(`{"error":{"message":"Resource exhausted"}}`)), true},
		{"bad request", apierr.NewUpstreamError("acme", "m1", 400, []byte(`{"error":{"message":"messages must not be empty"}}`)), false},
		{"forbidden mentioning quota", apierr.NewUpstreamError("acme", "m1", 403, []byte(`{"error":{"message":"quota project not allowed"}}`)), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caller := &scriptedCompleter{errs: map[string]error{"m1": tt.err}}
			c := newTestClient(t, caller, WithModels("m1", "m2"))

			res, err := c.Chat(context.Background(), userMessages())
			if tt.fallback {
				require.NoError(t, err)
				assert.Equal(t, "m2", res.Model)
			} else {
				assert.Same(t, tt.err, err)
			}
		})
	}
}

func TestWithModel_MovesToFront(t *testing.T) {
	c := newTestClient(t, &scriptedCompleter{}, WithModels("a", "b", "c"), WithModel("c"))
	assert.Equal(t, []string{"c", "a", "b"}, c.Models())

	c = newTestClient(t, &scriptedCompleter{}, WithModels("a"), WithModel("z"))
	assert.Equal(t, []string{"z", "a"}, c.Models())
}

func TestNew_RequiresModels(t *testing.T) {
	_, err := New(upstream.Target{Provider: "acme", Transformer: providers.NewOpenAITransformer()})

	var cfgErr *apierr.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestChat_CancelledContextStopsFallback(t *testing.T) {
	caller := &scriptedCompleter{errs: map[string]error{"m1": quotaErr("m1")}}
	c := newTestClient(t, caller, WithModels("m1", "m2"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Chat(ctx, userMessages())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"m1"}, caller.called)
}

func TestFromConfig_EndToEnd(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		model := gjson.GetBytes(body, "model").String()

		mu.Lock()
		order = append(order, model)
		mu.Unlock()

		if model == "g-pro" {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"code":429,"message":"Resource has been exhausted","status":"RESOURCE_EXHAUSTED"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"id":"x","model":%q,"choices":[{"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}],"usage":{"total_tokens":9}}`, model)
	}))
	defer srv.Close()

	cfg := &config.Config{
		Providers: []config.ProviderConfig{{Name: "acme", APIBase: srv.URL, Transformer: "openai", Models: []string{"g-flash"}}},
		Settings:  config.Settings{FallbackModels: map[string][]string{"acme": {"g-pro", "g-flash"}}},
	}

	registry := providers.NewRegistry()
	registry.Initialize()

	c, err := FromConfig(cfg, registry, "acme",
		WithCompleter(upstream.NewClient(srv.Client(), nil, nil)),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(t, err)

	res, err := c.Chat(context.Background(), userMessages())
	require.NoError(t, err)
	assert.True(t, res.UsedFallback)
	assert.Equal(t, "g-pro", res.OriginalModel)
	assert.Equal(t, "g-flash", res.Response.Model)
	assert.Equal(t, protocol.Usage{TotalTokens: 9}, res.Response.Usage)
	assert.Equal(t, []string{"g-pro", "g-flash"}, order)

	_, err = FromConfig(cfg, registry, "ghost")
	var cfgErr *apierr.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}
