package providers

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/Davincible/llmgate/internal/apierr"
	"github.com/Davincible/llmgate/internal/protocol"
)

// SystemStrategy is how a transformer carries system instructions. Each
// transformer commits to exactly one.
type SystemStrategy int

const (
	// SystemInline keeps system messages as leading role=system messages.
	SystemInline SystemStrategy = iota
	// SystemField lifts system text into a top-level "system" string.
	SystemField
	// SystemInstruction lifts system text into a "systemInstruction" object.
	SystemInstruction
	// SystemExchange injects a synthetic user turn carrying the instruction
	// followed by a synthetic assistant acknowledgment.
	SystemExchange
)

func (s SystemStrategy) String() string {
	switch s {
	case SystemField:
		return "field"
	case SystemInstruction:
		return "instruction"
	case SystemExchange:
		return "exchange"
	default:
		return "inline"
	}
}

// Transformer maps the unified protocol onto one upstream dialect.
type Transformer interface {
	Name() string
	SystemStrategy() SystemStrategy
	// SelfHosted reports whether per-request base URL overrides are honoured.
	SelfHosted() bool
	DefaultBaseURL() string
	Endpoint(baseURL, model string, stream bool) string
	// SetAuth applies the configured key plus any fixed headers the family needs.
	SetAuth(h http.Header, apiKey string)
	// APIKeyHeader is the family-specific key header forwarded verbatim, if any.
	APIKeyHeader() string
	Classifier() apierr.Classifier

	TransformRequestOut(req *protocol.UnifiedChatRequest) ([]byte, error)
	TransformResponseIn(body []byte) (*protocol.UnifiedChatResponse, error)
	TransformRequestIn(body []byte) (*protocol.UnifiedChatRequest, error)
	TransformResponseOut(resp *protocol.UnifiedChatResponse) ([]byte, error)
	// TransformStreamChunk returns nil, nil for events that carry nothing to forward.
	TransformStreamChunk(data []byte) (*protocol.UnifiedChunk, error)
}

// Registry resolves transformers by name, alias or API host. It is built
// once at startup and read-only afterwards.
type Registry struct {
	transformers map[string]Transformer
	aliases      map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		transformers: make(map[string]Transformer),
		aliases:      make(map[string]string),
	}
}

// Register adds a transformer to the registry
func (r *Registry) Register(t Transformer) {
	r.transformers[t.Name()] = t
}

// Alias makes name resolve to the transformer registered as target.
func (r *Registry) Alias(name, target string) {
	r.aliases[strings.ToLower(name)] = target
}

// Get retrieves a transformer by name or alias
func (r *Registry) Get(name string) (Transformer, bool) {
	key := strings.ToLower(name)
	if t, ok := r.transformers[key]; ok {
		return t, true
	}
	if target, ok := r.aliases[key]; ok {
		t, ok := r.transformers[target]
		return t, ok
	}

	return nil, false
}

var domainTransformerMap = map[string]string{
	"openrouter.ai":                     "openai",
	"api.openrouter.ai":                 "openai",
	"api.openai.com":                    "openai",
	"openai.com":                        "openai",
	"integrate.api.nvidia.com":          "openai",
	"api.nvidia.com":                    "openai",
	"api.groq.com":                      "openai",
	"api.deepseek.com":                  "openai",
	"api.mistral.ai":                    "openai",
	"api.together.xyz":                  "openai",
	"api.anthropic.com":                 "anthropic",
	"anthropic.com":                     "anthropic",
	"generativelanguage.googleapis.com": "gemini",
	"googleapis.com":                    "gemini",
}

// GetByDomain returns a transformer based on the API base URL host.
// Loopback, private and .local hosts resolve to the self-hosted family.
func (r *Registry) GetByDomain(apiBase string) (Transformer, error) {
	u, err := url.Parse(apiBase)
	if err != nil {
		return nil, fmt.Errorf("invalid API base URL: %w", err)
	}

	domain := strings.ToLower(u.Hostname())
	if domain == "" {
		return nil, fmt.Errorf("invalid API base URL %q: missing host", apiBase)
	}

	if name, ok := domainTransformerMap[domain]; ok {
		if t, found := r.Get(name); found {
			return t, nil
		}
	}

	if isSelfHostedHost(domain) {
		if t, found := r.Get(SelfHostedName); found {
			return t, nil
		}
	}

	return nil, fmt.Errorf("no transformer found for domain: %s", domain)
}

// Resolve picks the transformer for a configured provider: an explicit
// transformer name wins, then the provider name, then the API host.
func (r *Registry) Resolve(transformer, providerName, apiBase string) (Transformer, error) {
	if transformer != "" {
		t, ok := r.Get(transformer)
		if !ok {
			return nil, apierr.Configurationf("provider %q: unknown transformer %q", providerName, transformer)
		}

		return t, nil
	}

	if t, ok := r.Get(providerName); ok {
		return t, nil
	}

	if apiBase != "" {
		t, err := r.GetByDomain(apiBase)
		if err == nil {
			return t, nil
		}

		return nil, apierr.Configurationf("provider %q: %v", providerName, err)
	}

	return nil, apierr.Configurationf("provider %q: no transformer and no api_base_url to infer one from", providerName)
}

// List returns all registered transformer names, sorted.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.transformers))
	for name := range r.transformers {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// Initialize registers all built-in transformers and provider aliases.
func (r *Registry) Initialize() {
	r.Register(NewOpenAITransformer())
	r.Register(NewAnthropicTransformer())
	r.Register(NewGeminiTransformer())
	r.Register(NewSelfHostedTransformer())
	r.Register(NewSelfHostedLegacyTransformer())

	for _, name := range []string{"openrouter", "nvidia", "groq", "deepseek", "mistral", "together"} {
		r.Alias(name, OpenAIName)
	}
	r.Alias("claude", AnthropicName)
	r.Alias("google", GeminiName)
	for _, name := range []string{"ollama", "lmstudio", "vllm", "llamacpp", "local"} {
		r.Alias(name, SelfHostedName)
	}
}

func isSelfHostedHost(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return true
	}

	ip := net.ParseIP(host)

	return ip != nil && (ip.IsLoopback() || ip.IsPrivate())
}
