package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/Davincible/llmgate/internal/apierr"
	"github.com/Davincible/llmgate/internal/protocol"
)

// OpenAIProvider speaks the OpenAI chat completions dialect. The self-hosted
// families reuse it with different defaults.
type OpenAIProvider struct {
	name           string
	defaultBaseURL string
	maxTokensField string
	strategy       SystemStrategy
	selfHosted     bool
	classifier     apierr.Classifier
}

// NewOpenAITransformer creates the hosted OpenAI-compatible transformer.
func NewOpenAITransformer() *OpenAIProvider {
	return &OpenAIProvider{
		name:           OpenAIName,
		defaultBaseURL: "https://api.openai.com/v1/chat/completions",
		maxTokensField: "max_completion_tokens",
		strategy:       SystemInline,
		classifier:     apierr.NewKeywordClassifier("insufficient_quota", "rate_limit_exceeded"),
	}
}

func (p *OpenAIProvider) Name() string { return p.name }
func (p *OpenAIProvider) SystemStrategy() SystemStrategy { return p.strategy }
func (p *OpenAIProvider) SelfHosted() bool { return p.selfHosted }
func (p *OpenAIProvider) DefaultBaseURL() string { return p.defaultBaseURL }
func (p *OpenAIProvider) APIKeyHeader() string { return "" }
func (p *OpenAIProvider) Classifier() apierr.Classifier { return p.classifier }
func (p *OpenAIProvider) Endpoint(base, _ string, _ bool) string {
	if base == "" {
		return p.defaultBaseURL
	}

	return base
}

func (p *OpenAIProvider) SetAuth(h http.Header, apiKey string) {
	if apiKey != "" {
		h.Set("Authorization", "Bearer "+apiKey)
	}
}

type openAIMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type openAIRequest struct {
	Model               string          `json:"model"`
	Messages            []openAIMessage `json:"messages"`
	Stream              bool            `json:"stream,omitempty"`
	Temperature         *float64        `json:"temperature,omitempty"`
	TopP                *float64        `json:"top_p,omitempty"`
	MaxTokens           *int            `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int            `json:"max_completion_tokens,omitempty"`
}

type openAIUsage struct {
	PromptTokens     *int `json:"prompt_tokens"`
	CompletionTokens *int `json:"completion_tokens"`
	TotalTokens      *int `json:"total_tokens"`
}

type openAIResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Choices []struct {
		Index        int           `json:"index"`
		Message      openAIMessage `json:"message"`
		FinishReason *string       `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

type openAIChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Role    *string `json:"role"`
			Content *string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

func textContent(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}

// TransformRequestOut encodes a unified request for the upstream.
func (p *OpenAIProvider) TransformRequestOut(req *protocol.UnifiedChatRequest) ([]byte, error) {
	out := openAIRequest{
		Model:       req.Model,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}

	if p.maxTokensField == "max_tokens" {
		out.MaxTokens = req.MaxTokens
	} else {
		out.MaxCompletionTokens = req.MaxTokens
	}

	switch p.strategy {
	case SystemExchange:
		if system := req.SystemPrompt(); system != "" {
			out.Messages = append(out.Messages,
				openAIMessage{Role: protocol.RoleUser, Content: textContent(system)},
				openAIMessage{Role: protocol.RoleAssistant, Content: textContent(SyntheticAcknowledgment)},
			)
		}
		for _, m := range req.Conversation() {
			out.Messages = append(out.Messages, openAIMessage{Role: m.Role, Content: textContent(m.Content)})
		}
	default:
		for _, m := range req.Messages {
			out.Messages = append(out.Messages, openAIMessage{Role: m.Role, Content: textContent(m.Content)})
		}
	}

	body, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", p.name, err)
	}

	return mergeOptions(body, req.ProviderOptions, OptionBaseURL)
}

// TransformResponseIn decodes an upstream completion into the unified shape.
func (p *OpenAIProvider) TransformResponseIn(body []byte) (*protocol.UnifiedChatResponse, error) {
	var in openAIResponse
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", p.name, err)
	}

	resp := &protocol.UnifiedChatResponse{
		ID:      in.ID,
		Object:  protocol.ObjectChatCompletion,
		Model:   in.Model,
		Created: in.Created,
	}
	if resp.ID == "" {
		resp.ID = NewResponseID()
	}
	if resp.Created == 0 {
		resp.Created = now()
	}

	for i, c := range in.Choices {
		content, err := flattenContent(c.Message.Content)
		if err != nil {
			return nil, fmt.Errorf("choice %d: %w", i, err)
		}
		reason := ""
		if c.FinishReason != nil {
			reason = *c.FinishReason
		}
		role := c.Message.Role
		if role == "" {
			role = protocol.RoleAssistant
		}
		resp.Choices = append(resp.Choices, protocol.Choice{
			Index:        c.Index,
			Message:      protocol.Message{Role: role, Content: content},
			FinishReason: normalizeFinishReason(openAIFinishReasons, reason),
		})
	}

	if in.Usage != nil {
		resp.Usage = BuildUsage(in.Usage.PromptTokens, in.Usage.CompletionTokens, in.Usage.TotalTokens)
	}

	return resp, nil
}

// TransformRequestIn parses an OpenAI dialect request into the unified shape.
func (p *OpenAIProvider) TransformRequestIn(body []byte) (*protocol.UnifiedChatRequest, error) {
	var in struct {
		openAIRequest
		Provider        string         `json:"provider"`
		Endpoint        string         `json:"endpoint"`
		ProviderOptions map[string]any `json:"provider_options"`
	}
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, invalidBody(p.name, err)
	}

	req := &protocol.UnifiedChatRequest{
		Model:           in.Model,
		Provider:        in.Provider,
		Stream:          in.Stream,
		Temperature:     in.Temperature,
		TopP:            in.TopP,
		MaxTokens:       in.MaxTokens,
		Endpoint:        in.Endpoint,
		ProviderOptions: in.ProviderOptions,
	}
	if req.MaxTokens == nil {
		req.MaxTokens = in.MaxCompletionTokens
	}

	for i, m := range in.Messages {
		content, err := flattenContent(m.Content)
		if err != nil {
			return nil, invalidBody(p.name, fmt.Errorf("message %d: %w", i, err))
		}
		req.Messages = append(req.Messages, protocol.Message{Role: m.Role, Content: content})
	}

	if p.strategy == SystemExchange {
		if system, rest := stripSystemExchange(req.Messages); system != "" {
			req.Messages = append([]protocol.Message{{Role: protocol.RoleSystem, Content: system}}, rest...)
		}
	}

	return req, nil
}

// TransformResponseOut renders a unified response in the OpenAI dialect.
func (p *OpenAIProvider) TransformResponseOut(resp *protocol.UnifiedChatResponse) ([]byte, error) {
	out := *resp
	out.Object = protocol.ObjectChatCompletion

	return json.Marshal(out)
}

// TransformStreamChunk maps one upstream delta onto a unified chunk.
func (p *OpenAIProvider) TransformStreamChunk(data []byte) (*protocol.UnifiedChunk, error) {
	var in openAIChunk
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, err
	}
	if len(in.Choices) == 0 {
		return nil, nil
	}

	choice := in.Choices[0]
	content := ""
	if choice.Delta.Content != nil {
		content = *choice.Delta.Content
	}

	var chunk *protocol.UnifiedChunk
	switch {
	case choice.FinishReason != nil && *choice.FinishReason != "":
		chunk = protocol.NewFinishChunk(in.ID, in.Model, normalizeFinishReason(openAIFinishReasons, *choice.FinishReason))
		if content != "" {
			chunk.Choices[0].Delta.Content = &content
		}
	case content != "":
		chunk = protocol.NewContentChunk(in.ID, in.Model, content)
	case choice.Delta.Role != nil:
		chunk = protocol.NewOpeningChunk(in.ID, in.Model)
	default:
		return nil, nil
	}
	chunk.Created = in.Created

	return chunk, nil
}

// stripSystemExchange is only meaningful for transformers that inject a
// synthetic exchange: it removes the leading user/ack pair when present.
func stripSystemExchange(msgs []protocol.Message) (string, []protocol.Message) {
	if len(msgs) < 2 {
		return "", msgs
	}
	if msgs[0].Role == protocol.RoleUser && msgs[1].Role == protocol.RoleAssistant &&
		strings.TrimSpace(msgs[1].Content) == SyntheticAcknowledgment {
		return msgs[0].Content, msgs[2:]
	}

	return "", msgs
}
