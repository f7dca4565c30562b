// Package router decides which provider and model serve a request and
// manages the provider registry behind that decision.
package router

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/Davincible/llmgate/internal/apierr"
	"github.com/Davincible/llmgate/internal/config"
	"github.com/Davincible/llmgate/internal/protocol"
	"github.com/Davincible/llmgate/internal/providers"
)

// bootstrapPreference orders providers when choosing default routes.
var bootstrapPreference = []string{"anthropic", "openai", "gemini", "openrouter"}

type Router struct {
	store    config.Store
	registry *providers.Registry
	counter  TokenCounter
	logger   *slog.Logger

	// mu serializes read-modify-write mutations; reads go straight to the store.
	mu sync.Mutex
}

type Option func(*Router)

func WithTokenCounter(counter TokenCounter) Option {
	return func(r *Router) { r.counter = counter }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

func New(store config.Store, registry *providers.Registry, opts ...Option) *Router {
	r := &Router{store: store, registry: registry}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.counter == nil {
		r.counter = NewTiktokenCounter(r.logger)
	}

	return r
}

// Route picks the provider and model for req. The default route applies
// first, a declared task route replaces it, and a token count above the
// long-context threshold forces the longContext route regardless of task.
func (r *Router) Route(req protocol.RoutingRequest) (*protocol.RoutingResult, error) {
	cfg := r.store.Get()
	routes := cfg.Router

	entry, ok := routes.Route(protocol.TaskDefault)
	reason := "default route"

	if req.TaskType != protocol.TaskDefault {
		if e, found := routes.Route(req.TaskType); found {
			entry, ok = e, true
			reason = fmt.Sprintf("%s route for task type", req.TaskType)
		}
	}

	if lc, found := routes.Route(protocol.TaskLongContext); found {
		tokens := 0
		if req.TokenCount != nil {
			tokens = *req.TokenCount
		} else {
			tokens = r.counter(req.Messages)
		}

		if threshold := routes.Threshold(); tokens > threshold {
			entry, ok = lc, true
			reason = fmt.Sprintf("%d tokens exceed the long-context threshold of %d", tokens, threshold)
		}
	}

	if !ok {
		return nil, apierr.Configurationf("no route configured for task type %q and no default route", req.TaskType)
	}

	p, found := cfg.Provider(entry.Provider)
	if !found {
		return nil, apierr.Configurationf("route references unknown provider %q", entry.Provider)
	}
	if !p.IsEnabled() {
		return nil, apierr.Configurationf("route references disabled provider %q", p.Name)
	}

	result := &protocol.RoutingResult{
		Provider:    p.Name,
		Model:       entry.Model,
		APIBaseURL:  p.APIBase,
		APIKey:      p.APIKey,
		Transformer: p.Transformer,
		Reason:      reason,
	}

	if r.registry != nil {
		tr, err := r.registry.Resolve(p.Transformer, p.Name, p.APIBase)
		if err != nil {
			return nil, err
		}
		result.Transformer = tr.Name()
		if result.APIBaseURL == "" {
			result.APIBaseURL = tr.DefaultBaseURL()
		}
	}

	r.logger.Debug("Routed request",
		"task_type", req.TaskType,
		"provider", result.Provider,
		"model", result.Model,
		"reason", reason,
	)

	return result, nil
}

// Providers returns a copy of the configured providers.
func (r *Router) Providers() []config.ProviderConfig {
	return r.store.Get().Clone().Providers
}

// Config returns the current configuration.
func (r *Router) Config() *config.Config {
	return r.store.Get()
}

func (r *Router) mutate(fn func(cfg *config.Config) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg := r.store.Get().Clone()
	if err := fn(cfg); err != nil {
		return err
	}

	if err := r.store.Save(cfg); err != nil {
		return fmt.Errorf("save configuration: %w", err)
	}

	return nil
}

// AddProvider registers a provider. Names are unique ignoring case. Known
// provider names get their default endpoint and models when unset.
func (r *Router) AddProvider(p config.ProviderConfig) error {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return apierr.Configurationf("provider name is required")
	}

	return r.mutate(func(cfg *config.Config) error {
		if existing, ok := cfg.Provider(p.Name); ok {
			return apierr.Configurationf("provider %q already exists", existing.Name)
		}

		key := strings.ToLower(p.Name)
		if p.APIBase == "" {
			p.APIBase = config.DefaultProviderURLs[key]
		}
		if len(p.Models) == 0 {
			p.Models = append([]string(nil), config.DefaultProviderModels[key]...)
		}

		if r.registry != nil {
			if _, err := r.registry.Resolve(p.Transformer, p.Name, p.APIBase); err != nil {
				return err
			}
		}

		cfg.Providers = append(cfg.Providers, p)
		r.logger.Info("Provider added", "provider", p.Name, "models", len(p.Models))

		return nil
	})
}

// RemoveProvider deletes a provider no route references.
func (r *Router) RemoveProvider(name string) error {
	return r.mutate(func(cfg *config.Config) error {
		p, ok := cfg.Provider(name)
		if !ok {
			return apierr.Configurationf("provider %q not found", name)
		}

		for task, entry := range cfg.Router.Entries() {
			if strings.EqualFold(entry.Provider, p.Name) {
				return apierr.Configurationf("provider %q is used by the %s route", p.Name, task)
			}
		}

		removed := p.Name
		out := cfg.Providers[:0]
		for _, existing := range cfg.Providers {
			if !strings.EqualFold(existing.Name, removed) {
				out = append(out, existing)
			}
		}
		cfg.Providers = out

		for k := range cfg.Settings.FallbackModels {
			if strings.EqualFold(k, removed) {
				delete(cfg.Settings.FallbackModels, k)
			}
		}

		r.logger.Info("Provider removed", "provider", removed)

		return nil
	})
}

// AddModel appends model to a provider's list. Adding a present model is a no-op.
func (r *Router) AddModel(provider, model string) error {
	model = strings.TrimSpace(model)
	if model == "" {
		return apierr.Configurationf("model name is required")
	}

	return r.mutate(func(cfg *config.Config) error {
		p, ok := cfg.Provider(provider)
		if !ok {
			return apierr.Configurationf("provider %q not found", provider)
		}
		if !p.HasModel(model) {
			p.Models = append(p.Models, model)
		}

		return nil
	})
}

// RemoveModel deletes model from a provider unless a route uses it.
func (r *Router) RemoveModel(provider, model string) error {
	return r.mutate(func(cfg *config.Config) error {
		p, ok := cfg.Provider(provider)
		if !ok {
			return apierr.Configurationf("provider %q not found", provider)
		}
		if !p.HasModel(model) {
			return apierr.Configurationf("provider %q has no model %q", p.Name, model)
		}

		for task, entry := range cfg.Router.Entries() {
			if strings.EqualFold(entry.Provider, p.Name) && entry.Model == model {
				return apierr.Configurationf("model %q is used by the %s route", model, task)
			}
		}

		out := p.Models[:0]
		for _, m := range p.Models {
			if m != model {
				out = append(out, m)
			}
		}
		p.Models = out

		return nil
	})
}

// SetRouter replaces the routing table after checking that every route
// names a known provider and a model.
func (r *Router) SetRouter(rc config.RouterConfig) error {
	return r.mutate(func(cfg *config.Config) error {
		if err := validateRoutes(cfg, rc); err != nil {
			return err
		}
		cfg.Router = rc

		return nil
	})
}

// SetRoute replaces a single route. A zero entry clears it.
func (r *Router) SetRoute(task protocol.TaskType, entry config.RouteEntry) error {
	return r.mutate(func(cfg *config.Config) error {
		rc := cfg.Router
		if err := rc.SetRoute(task, entry); err != nil {
			return apierr.Configurationf("%v", err)
		}
		if err := validateRoutes(cfg, rc); err != nil {
			return err
		}
		cfg.Router = rc

		return nil
	})
}

func validateRoutes(cfg *config.Config, rc config.RouterConfig) error {
	if rc.LongContextThreshold < 0 {
		return apierr.Configurationf("longContextThreshold must not be negative")
	}

	entries := rc.Entries()
	tasks := make([]string, 0, len(entries))
	for task := range entries {
		tasks = append(tasks, task)
	}
	sort.Strings(tasks)

	for _, task := range tasks {
		entry := entries[task]
		if entry.Model == "" {
			return apierr.Configurationf("%s route has no model", task)
		}
		if _, ok := cfg.Provider(entry.Provider); !ok {
			return apierr.Configurationf("%s route references unknown provider %q", task, entry.Provider)
		}
	}

	return nil
}

// Bootstrap adds a provider for every stored credential not yet configured,
// updates keys of configured ones, and fills the default and background
// routes when they are unset.
func (r *Router) Bootstrap(creds config.CredentialStore) error {
	return r.mutate(func(cfg *config.Config) error {
		for _, c := range creds.List() {
			if p, ok := cfg.Provider(c.Provider); ok {
				p.APIKey = c.APIKey
				if c.BaseURL != "" {
					p.APIBase = c.BaseURL
				}
				if c.Model != "" && !p.HasModel(c.Model) {
					p.Models = append([]string{c.Model}, p.Models...)
				}
				continue
			}

			key := strings.ToLower(c.Provider)
			p := config.ProviderConfig{
				Name:    c.Provider,
				APIBase: c.BaseURL,
				APIKey:  c.APIKey,
				Models:  append([]string(nil), config.DefaultProviderModels[key]...),
			}
			if p.APIBase == "" {
				p.APIBase = config.DefaultProviderURLs[key]
			}
			if c.Model != "" && !p.HasModel(c.Model) {
				p.Models = append([]string{c.Model}, p.Models...)
			}

			if r.registry != nil {
				if _, err := r.registry.Resolve("", p.Name, p.APIBase); err != nil {
					r.logger.Warn("Skipping credential without a known transformer", "provider", c.Provider, "error", err)
					continue
				}
			}

			cfg.Providers = append(cfg.Providers, p)
			r.logger.Info("Provider bootstrapped from credentials", "provider", p.Name)
		}

		applyDefaultRoutes(cfg)

		return nil
	})
}

func applyDefaultRoutes(cfg *config.Config) {
	preferred := preferredProvider(cfg)
	if preferred == nil {
		return
	}

	if cfg.Router.Default.IsZero() {
		cfg.Router.Default = config.RouteEntry{Provider: preferred.Name, Model: preferred.Models[0]}
	}
	if cfg.Router.Background.IsZero() && len(preferred.Models) > 1 {
		cfg.Router.Background = config.RouteEntry{Provider: preferred.Name, Model: preferred.Models[len(preferred.Models)-1]}
	}
}

func preferredProvider(cfg *config.Config) *config.ProviderConfig {
	usable := func(p *config.ProviderConfig) bool {
		return p.IsEnabled() && p.APIKey != "" && len(p.Models) > 0
	}

	for _, name := range bootstrapPreference {
		if p, ok := cfg.Provider(name); ok && usable(p) {
			return p
		}
	}

	var candidates []*config.ProviderConfig
	for i := range cfg.Providers {
		if usable(&cfg.Providers[i]) {
			candidates = append(candidates, &cfg.Providers[i])
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Name < candidates[j].Name })

	return candidates[0]
}
