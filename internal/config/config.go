package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Davincible/llmgate/internal/protocol"
)

const (
	DefaultPort                 = 6970
	DefaultHost                 = "127.0.0.1"
	DefaultConfigFilename       = "config.json"
	DefaultYAMLFilename         = "config.yaml"
	DefaultAPITimeoutMS         = 120000
	DefaultLongContextThreshold = 60000
)

// DefaultProviderURLs contains the default API endpoints for known providers
var DefaultProviderURLs = map[string]string{
	"openai":     "https://api.openai.com/v1/chat/completions",
	"anthropic":  "https://api.anthropic.com/v1/messages",
	"gemini":     "https://generativelanguage.googleapis.com/v1beta/models",
	"openrouter": "https://openrouter.ai/api/v1/chat/completions",
	"nvidia":     "https://integrate.api.nvidia.com/v1/chat/completions",
	"groq":       "https://api.groq.com/openai/v1/chat/completions",
	"deepseek":   "https://api.deepseek.com/v1/chat/completions",
	"mistral":    "https://api.mistral.ai/v1/chat/completions",
	"together":   "https://api.together.xyz/v1/chat/completions",
	"ollama":     "http://localhost:11434/v1/chat/completions",
	"selfhosted": "http://localhost:8080/v1/chat/completions",
}

// DefaultProviderModels lists each known provider's models, most preferred first.
var DefaultProviderModels = map[string][]string{
	"openai":     {"gpt-4o", "gpt-4o-mini", "gpt-4.1-mini"},
	"anthropic":  {"claude-sonnet-4-20250514", "claude-3-7-sonnet-latest", "claude-3-5-haiku-latest"},
	"gemini":     {"gemini-2.5-pro", "gemini-2.5-flash", "gemini-2.0-flash"},
	"openrouter": {"anthropic/claude-sonnet-4", "google/gemini-2.5-flash", "openai/gpt-4o-mini"},
	"nvidia":     {"nvidia/llama-3.1-nemotron-70b-instruct", "meta/llama-3.1-8b-instruct"},
	"groq":       {"llama-3.3-70b-versatile", "llama-3.1-8b-instant"},
	"deepseek":   {"deepseek-chat", "deepseek-reasoner"},
	"mistral":    {"mistral-large-latest", "mistral-small-latest"},
	"together":   {"meta-llama/Llama-3.3-70B-Instruct-Turbo"},
	"ollama":     {"llama3.1"},
}

// ProviderConfig is one upstream account. Names are unique ignoring case.
type ProviderConfig struct {
	Name        string   `json:"name" yaml:"name"`
	APIBase     string   `json:"api_base_url,omitempty" yaml:"api_base_url,omitempty"`
	APIKey      string   `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Models      []string `json:"models,omitempty" yaml:"models,omitempty"`
	Transformer string   `json:"transformer,omitempty" yaml:"transformer,omitempty"`
	Enabled     *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// IsEnabled reports whether the provider may serve traffic. Unset means enabled.
func (p ProviderConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

func (p *ProviderConfig) SetEnabled(enabled bool) {
	p.Enabled = &enabled
}

// HasModel reports whether model is in the provider's model list.
func (p ProviderConfig) HasModel(model string) bool {
	for _, m := range p.Models {
		if m == model {
			return true
		}
	}

	return false
}

// RouteEntry names the provider and model that serve one task category.
type RouteEntry struct {
	Provider string `json:"provider" yaml:"provider"`
	Model    string `json:"model" yaml:"model"`
}

// ParseRouteEntry accepts "provider,model" and the older "provider/model"
// form, where everything after the first slash is the model.
func ParseRouteEntry(s string) (RouteEntry, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return RouteEntry{}, nil
	}

	sep := ","
	if !strings.Contains(s, sep) {
		sep = "/"
	}

	provider, model, ok := strings.Cut(s, sep)
	if !ok || provider == "" || model == "" {
		return RouteEntry{}, fmt.Errorf("invalid route %q: expected provider,model", s)
	}

	return RouteEntry{Provider: strings.TrimSpace(provider), Model: strings.TrimSpace(model)}, nil
}

func (e RouteEntry) IsZero() bool {
	return e.Provider == "" && e.Model == ""
}

func (e RouteEntry) String() string {
	if e.IsZero() {
		return ""
	}

	return e.Provider + "," + e.Model
}

type routeEntryAlias RouteEntry

func (e *RouteEntry) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := ParseRouteEntry(s)
		if err != nil {
			return err
		}
		*e = parsed

		return nil
	}

	var alias routeEntryAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	*e = RouteEntry(alias)

	return nil
}

func (e *RouteEntry) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		parsed, err := ParseRouteEntry(node.Value)
		if err != nil {
			return err
		}
		*e = parsed

		return nil
	}

	var alias routeEntryAlias
	if err := node.Decode(&alias); err != nil {
		return err
	}
	*e = RouteEntry(alias)

	return nil
}

// RouterConfig maps task categories to routes. Only Default is required.
type RouterConfig struct {
	Default              RouteEntry `json:"default" yaml:"default"`
	Background           RouteEntry `json:"background,omitzero" yaml:"background,omitempty"`
	Think                RouteEntry `json:"think,omitzero" yaml:"think,omitempty"`
	LongContext          RouteEntry `json:"longContext,omitzero" yaml:"longContext,omitempty"`
	LongContextThreshold int        `json:"longContextThreshold,omitempty" yaml:"longContextThreshold,omitempty"`
	WebSearch            RouteEntry `json:"webSearch,omitzero" yaml:"webSearch,omitempty"`
	Image                RouteEntry `json:"image,omitzero" yaml:"image,omitempty"`
	Code                 RouteEntry `json:"code,omitzero" yaml:"code,omitempty"`
}

func (r *RouterConfig) slot(task protocol.TaskType) *RouteEntry {
	switch task {
	case protocol.TaskDefault:
		return &r.Default
	case protocol.TaskBackground:
		return &r.Background
	case protocol.TaskThink:
		return &r.Think
	case protocol.TaskLongContext:
		return &r.LongContext
	case protocol.TaskWebSearch:
		return &r.WebSearch
	case protocol.TaskImage:
		return &r.Image
	case protocol.TaskCode:
		return &r.Code
	default:
		return nil
	}
}

// Route returns the entry declared for task, if any.
func (r RouterConfig) Route(task protocol.TaskType) (RouteEntry, bool) {
	slot := r.slot(task)
	if slot == nil || slot.IsZero() {
		return RouteEntry{}, false
	}

	return *slot, true
}

// SetRoute replaces the entry for task. A zero entry clears it.
func (r *RouterConfig) SetRoute(task protocol.TaskType, entry RouteEntry) error {
	slot := r.slot(task)
	if slot == nil {
		return fmt.Errorf("unknown task type %q", task)
	}
	*slot = entry

	return nil
}

// Threshold returns the long-context token threshold, defaulted.
func (r RouterConfig) Threshold() int {
	if r.LongContextThreshold > 0 {
		return r.LongContextThreshold
	}

	return DefaultLongContextThreshold
}

// Entries returns every declared route keyed by task name; the default
// route is keyed "default".
func (r RouterConfig) Entries() map[string]RouteEntry {
	out := make(map[string]RouteEntry)
	if !r.Default.IsZero() {
		out["default"] = r.Default
	}
	for _, task := range protocol.TaskTypes {
		if e, ok := r.Route(task); ok {
			out[string(task)] = e
		}
	}

	return out
}

type Settings struct {
	Host            string              `json:"host,omitempty" yaml:"host,omitempty"`
	Port            int                 `json:"port,omitempty" yaml:"port,omitempty"`
	APIKey          string              `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	APITimeoutMS    int                 `json:"apiTimeout,omitempty" yaml:"apiTimeout,omitempty"`
	FallbackEnabled *bool               `json:"fallbackEnabled,omitempty" yaml:"fallbackEnabled,omitempty"`
	FallbackModels  map[string][]string `json:"fallbackModels,omitempty" yaml:"fallbackModels,omitempty"`
	LogLevel        string              `json:"logLevel,omitempty" yaml:"logLevel,omitempty"`
}

// IsFallbackEnabled reports the fallback switch. Unset means enabled.
func (s Settings) IsFallbackEnabled() bool {
	return s.FallbackEnabled == nil || *s.FallbackEnabled
}

// Config is the routing configuration document.
type Config struct {
	Providers []ProviderConfig `json:"providers" yaml:"providers"`
	Router    RouterConfig     `json:"router" yaml:"router"`
	Settings  Settings         `json:"settings" yaml:"settings"`
}

// Provider looks a provider up by name, ignoring case.
func (c *Config) Provider(name string) (*ProviderConfig, bool) {
	for i := range c.Providers {
		if strings.EqualFold(c.Providers[i].Name, name) {
			return &c.Providers[i], true
		}
	}

	return nil, false
}

// EnabledProviders returns the names of providers that may serve traffic.
func (c *Config) EnabledProviders() []string {
	names := make([]string, 0, len(c.Providers))
	for _, p := range c.Providers {
		if p.IsEnabled() {
			names = append(names, p.Name)
		}
	}

	return names
}

// ModelsFor returns the ordered fallback list for a provider: the explicit
// fallbackModels entry when present, else the provider's models.
func (c *Config) ModelsFor(provider string) []string {
	for name, models := range c.Settings.FallbackModels {
		if strings.EqualFold(name, provider) && len(models) > 0 {
			return append([]string(nil), models...)
		}
	}
	if p, ok := c.Provider(provider); ok {
		return append([]string(nil), p.Models...)
	}

	return nil
}

// Clone returns a deep copy so callers can mutate without affecting readers
// of the published configuration.
func (c *Config) Clone() *Config {
	out := &Config{
		Router:   c.Router,
		Settings: c.Settings,
	}

	out.Providers = make([]ProviderConfig, len(c.Providers))
	for i, p := range c.Providers {
		p.Models = append([]string(nil), p.Models...)
		if p.Enabled != nil {
			enabled := *p.Enabled
			p.Enabled = &enabled
		}
		out.Providers[i] = p
	}

	if c.Settings.FallbackEnabled != nil {
		enabled := *c.Settings.FallbackEnabled
		out.Settings.FallbackEnabled = &enabled
	}
	if c.Settings.FallbackModels != nil {
		out.Settings.FallbackModels = make(map[string][]string, len(c.Settings.FallbackModels))
		for k, v := range c.Settings.FallbackModels {
			out.Settings.FallbackModels[k] = append([]string(nil), v...)
		}
	}

	return out
}

// ApplyDefaults fills unset settings and known-provider endpoints and models.
func (c *Config) ApplyDefaults() {
	if c.Settings.Host == "" {
		c.Settings.Host = DefaultHost
	}
	if c.Settings.Port == 0 {
		c.Settings.Port = DefaultPort
	}
	if c.Settings.APITimeoutMS == 0 {
		c.Settings.APITimeoutMS = DefaultAPITimeoutMS
	}

	for i := range c.Providers {
		p := &c.Providers[i]
		key := strings.ToLower(p.Name)
		if p.APIBase == "" {
			p.APIBase = DefaultProviderURLs[key]
		}
		if len(p.Models) == 0 {
			p.Models = append([]string(nil), DefaultProviderModels[key]...)
		}
	}
}

// Validate checks the invariants the gateway relies on. Problems are
// reported together.
func (c *Config) Validate() error {
	var problems []string

	seen := make(map[string]bool)
	for i, p := range c.Providers {
		if strings.TrimSpace(p.Name) == "" {
			problems = append(problems, fmt.Sprintf("provider #%d has no name", i))
			continue
		}
		key := strings.ToLower(p.Name)
		if seen[key] {
			problems = append(problems, fmt.Sprintf("duplicate provider name %q", p.Name))
		}
		seen[key] = true
	}

	for task, entry := range c.Router.Entries() {
		p, ok := c.Provider(entry.Provider)
		switch {
		case !ok:
			problems = append(problems, fmt.Sprintf("route %s references unknown provider %q", task, entry.Provider))
		case !p.IsEnabled():
			problems = append(problems, fmt.Sprintf("route %s references disabled provider %q", task, entry.Provider))
		case entry.Model == "":
			problems = append(problems, fmt.Sprintf("route %s has no model", task))
		}
	}

	if c.Settings.Port < 0 || c.Settings.Port > 65535 {
		problems = append(problems, fmt.Sprintf("invalid port %d", c.Settings.Port))
	}
	if c.Router.LongContextThreshold < 0 {
		problems = append(problems, "longContextThreshold must not be negative")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}

	return nil
}

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}
