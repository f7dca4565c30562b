package providers

import "github.com/Davincible/llmgate/internal/apierr"

// NewSelfHostedTransformer creates the transformer for local
// OpenAI-compatible servers (llama.cpp, vLLM, Ollama, LM Studio). It honours
// per-request base URL overrides and sends max_tokens.
func NewSelfHostedTransformer() *OpenAIProvider {
	return &OpenAIProvider{
		name:           SelfHostedName,
		defaultBaseURL: "http://localhost:8080/v1/chat/completions",
		maxTokensField: "max_tokens",
		strategy:       SystemInline,
		selfHosted:     true,
		classifier:     apierr.NewKeywordClassifier("server busy", "slots"),
	}
}

// NewSelfHostedLegacyTransformer is for local chat templates that reject a
// system role. The instruction travels as a user turn followed by a
// synthetic acknowledgment.
func NewSelfHostedLegacyTransformer() *OpenAIProvider {
	t := NewSelfHostedTransformer()
	t.name = SelfHostedLegacyName
	t.strategy = SystemExchange

	return t
}
