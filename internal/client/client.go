// Package client issues single logical completions against one provider,
// falling back across substitute models when the provider reports quota
// exhaustion.
package client

import (
	"context"
	"log/slog"

	"github.com/Davincible/llmgate/internal/apierr"
	"github.com/Davincible/llmgate/internal/config"
	"github.com/Davincible/llmgate/internal/metrics"
	"github.com/Davincible/llmgate/internal/protocol"
	"github.com/Davincible/llmgate/internal/providers"
	"github.com/Davincible/llmgate/internal/upstream"
)

// Completer performs one non-streaming upstream call.
type Completer interface {
	Complete(ctx context.Context, r upstream.Request) (*protocol.UnifiedChatResponse, error)
}

// Result is a completion plus how it was obtained.
type Result struct {
	Response      *protocol.UnifiedChatResponse
	Model         string
	UsedFallback  bool
	OriginalModel string
	Attempted     []string
}

type Client struct {
	target     upstream.Target
	models     []string
	fallback   bool
	caller     Completer
	classifier apierr.Classifier
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

type Option func(*Client)

// WithModels sets the ordered model list, most preferred first.
func WithModels(models ...string) Option {
	return func(c *Client) {
		c.models = append([]string(nil), models...)
	}
}

// WithModel moves model to the front of the list, adding it if absent.
func WithModel(model string) Option {
	return func(c *Client) {
		if model == "" {
			return
		}
		out := []string{model}
		for _, m := range c.models {
			if m != model {
				out = append(out, m)
			}
		}
		c.models = out
	}
}

func WithFallback(enabled bool) Option {
	return func(c *Client) { c.fallback = enabled }
}

func WithCompleter(caller Completer) Option {
	return func(c *Client) { c.caller = caller }
}

func WithClassifier(classifier apierr.Classifier) Option {
	return func(c *Client) { c.classifier = classifier }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New builds a client for target. Options apply in order, so WithModel
// should follow WithModels.
func New(target upstream.Target, opts ...Option) (*Client, error) {
	c := &Client{
		target:   target,
		fallback: true,
	}
	for _, opt := range opts {
		opt(c)
	}

	if target.Transformer == nil {
		return nil, apierr.Configurationf("provider %q has no transformer", target.Provider)
	}
	if len(c.models) == 0 {
		return nil, apierr.Configurationf("provider %q has no models configured", target.Provider)
	}
	if c.classifier == nil {
		c.classifier = target.Transformer.Classifier()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.caller == nil {
		c.caller = upstream.NewClient(nil, c.metrics, c.logger)
	}

	return c, nil
}

// FromConfig builds a client for a configured provider, taking its model
// list from settings.fallbackModels or the provider's models and the
// fallback switch from settings. Extra options apply last.
func FromConfig(cfg *config.Config, registry *providers.Registry, provider string, opts ...Option) (*Client, error) {
	p, ok := cfg.Provider(provider)
	if !ok {
		return nil, apierr.Configurationf("provider %q not found", provider)
	}
	if !p.IsEnabled() {
		return nil, apierr.Configurationf("provider %q is disabled", p.Name)
	}

	tr, err := registry.Resolve(p.Transformer, p.Name, p.APIBase)
	if err != nil {
		return nil, err
	}

	target := upstream.Target{Provider: p.Name, Transformer: tr, APIBase: p.APIBase, APIKey: p.APIKey}
	base := []Option{
		WithModels(cfg.ModelsFor(p.Name)...),
		WithFallback(cfg.Settings.IsFallbackEnabled()),
	}

	return New(target, append(base, opts...)...)
}

// Models returns the ordered model list.
func (c *Client) Models() []string {
	return append([]string(nil), c.models...)
}

func (c *Client) Provider() string {
	return c.target.Provider
}

// Chat sends messages starting at the most preferred model.
func (c *Client) Chat(ctx context.Context, messages []protocol.Message) (*Result, error) {
	return c.Complete(ctx, &protocol.UnifiedChatRequest{Messages: messages})
}

// Complete sends req, overriding its model with each candidate in turn.
// Quota failures move to the next candidate while fallback is enabled;
// any other failure is returned immediately.
func (c *Client) Complete(ctx context.Context, req *protocol.UnifiedChatRequest) (*Result, error) {
	return c.attempt(ctx, req, 0, nil, nil)
}

func (c *Client) attempt(ctx context.Context, req *protocol.UnifiedChatRequest, idx int, original error, tried []string) (*Result, error) {
	model := c.models[idx]
	tried = append(tried, model)

	call := *req
	call.Model = model
	call.Stream = false

	resp, err := c.caller.Complete(ctx, upstream.Request{Target: c.target, Chat: &call})
	if err == nil {
		if resp.Model == "" {
			resp.Model = model
		}

		return &Result{
			Response:      resp,
			Model:         model,
			UsedFallback:  idx > 0,
			OriginalModel: c.models[0],
			Attempted:     tried,
		}, nil
	}

	if original == nil {
		original = err
	}

	if !c.classifier.IsQuota(err) || !c.fallback || len(c.models) == 1 {
		return nil, err
	}

	if idx+1 >= len(c.models) {
		c.logger.Warn("All fallback models exhausted",
			"provider", c.target.Provider,
			"attempted", tried,
			"error", err,
		)

		return nil, &apierr.FallbackExhaustedError{
			Provider:  c.target.Provider,
			Attempted: tried,
			Original:  original,
			Last:      err,
		}
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	next := c.models[idx+1]
	c.logger.Warn("Model quota exhausted, falling back",
		"provider", c.target.Provider,
		"from", model,
		"to", next,
		"error", apierr.Message(err),
	)
	c.metrics.Fallback(c.target.Provider, model, next)

	return c.attempt(ctx, req, idx+1, original, tried)
}
