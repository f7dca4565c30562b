package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/Davincible/llmgate/internal/apierr"
	"github.com/Davincible/llmgate/internal/protocol"
)

// AnthropicProvider speaks the Anthropic Messages dialect. System text is
// lifted into the top-level "system" field.
type AnthropicProvider struct {
	classifier apierr.Classifier
}

// NewAnthropicTransformer creates a new Anthropic transformer
func NewAnthropicTransformer() *AnthropicProvider {
	return &AnthropicProvider{
		classifier: apierr.NewKeywordClassifier("overloaded", "rate_limit_error"),
	}
}

func (p *AnthropicProvider) Name() string {
	return AnthropicName
}

func (p *AnthropicProvider) SystemStrategy() SystemStrategy {
	return SystemField
}

func (p *AnthropicProvider) SelfHosted() bool {
	return false
}

func (p *AnthropicProvider) DefaultBaseURL() string {
	return "https://api.anthropic.com/v1/messages"
}

func (p *AnthropicProvider) Endpoint(base, _ string, _ bool) string {
	if base == "" {
		return p.DefaultBaseURL()
	}

	return base
}

func (p *AnthropicProvider) APIKeyHeader() string {
	return "x-api-key"
}

func (p *AnthropicProvider) SetAuth(h http.Header, apiKey string) {
	if apiKey != "" {
		h.Set("x-api-key", apiKey)
	}
	if h.Get("anthropic-version") == "" {
		h.Set("anthropic-version", AnthropicVersion)
	}
}

func (p *AnthropicProvider) Classifier() apierr.Classifier {
	return p.classifier
}

type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      json.RawMessage    `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  *int `json:"input_tokens"`
	OutputTokens *int `json:"output_tokens"`
}

type anthropicResponse struct {
	ID           string                  `json:"id"`
	Type         string                  `json:"type"`
	Role         string                  `json:"role"`
	Model        string                  `json:"model"`
	Content      []anthropicContentBlock `json:"content"`
	StopReason   *string                 `json:"stop_reason"`
	StopSequence *string                 `json:"stop_sequence"`
	Usage        anthropicUsage          `json:"usage"`
}

type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		ID    string `json:"id"`
		Model string `json:"model"`
	} `json:"message"`
	Delta *struct {
		Type       string  `json:"type"`
		Text       string  `json:"text"`
		StopReason *string `json:"stop_reason"`
	} `json:"delta"`
}

func (p *AnthropicProvider) TransformRequestOut(req *protocol.UnifiedChatRequest) ([]byte, error) {
	out := anthropicRequest{
		Model:       req.Model,
		MaxTokens:   DefaultAnthropicMaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
		Messages:    make([]anthropicMessage, 0, len(req.Messages)),
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}
	if system := req.SystemPrompt(); system != "" {
		out.System = textContent(system)
	}
	for _, m := range req.Conversation() {
		out.Messages = append(out.Messages, anthropicMessage{Role: m.Role, Content: textContent(m.Content)})
	}

	body, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal anthropic request: %w", err)
	}

	return mergeOptions(body, req.ProviderOptions, OptionBaseURL)
}

func (p *AnthropicProvider) TransformResponseIn(body []byte) (*protocol.UnifiedChatResponse, error) {
	var in anthropicResponse
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("failed to decode anthropic response: %w", err)
	}

	var text strings.Builder
	for _, block := range in.Content {
		if block.Type == ContentTypeText {
			text.WriteString(block.Text)
		}
	}

	reason := ""
	if in.StopReason != nil {
		reason = *in.StopReason
	}

	id := in.ID
	if id == "" {
		id = NewResponseID()
	}

	return &protocol.UnifiedChatResponse{
		ID:      id,
		Object:  protocol.ObjectChatCompletion,
		Model:   in.Model,
		Created: now(),
		Choices: []protocol.Choice{{
			Message:      protocol.Message{Role: protocol.RoleAssistant, Content: text.String()},
			FinishReason: normalizeFinishReason(anthropicStopReasons, reason),
		}},
		Usage: BuildUsage(in.Usage.InputTokens, in.Usage.OutputTokens, nil),
	}, nil
}

// TransformRequestIn parses a Messages API request. The system field may be
// a string or an array of text blocks.
func (p *AnthropicProvider) TransformRequestIn(body []byte) (*protocol.UnifiedChatRequest, error) {
	var in struct {
		Model       string             `json:"model"`
		System      json.RawMessage    `json:"system"`
		Messages    []anthropicMessage `json:"messages"`
		MaxTokens   *int               `json:"max_tokens"`
		Temperature *float64           `json:"temperature"`
		TopP        *float64           `json:"top_p"`
		Stream      bool               `json:"stream"`
		Provider    string             `json:"provider"`
	}
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, invalidBody(AnthropicName, err)
	}

	req := &protocol.UnifiedChatRequest{
		Model:       in.Model,
		Provider:    in.Provider,
		Stream:      in.Stream,
		MaxTokens:   in.MaxTokens,
		Temperature: in.Temperature,
		TopP:        in.TopP,
	}

	system, err := flattenContent(in.System)
	if err != nil {
		return nil, invalidBody(AnthropicName, fmt.Errorf("system: %w", err))
	}
	if system != "" {
		req.Messages = append(req.Messages, protocol.Message{Role: protocol.RoleSystem, Content: system})
	}

	for i, m := range in.Messages {
		content, err := flattenContent(m.Content)
		if err != nil {
			return nil, invalidBody(AnthropicName, fmt.Errorf("message %d: %w", i, err))
		}
		req.Messages = append(req.Messages, protocol.Message{Role: m.Role, Content: content})
	}

	return req, nil
}

func (p *AnthropicProvider) TransformResponseOut(resp *protocol.UnifiedChatResponse) ([]byte, error) {
	reason := ""
	if len(resp.Choices) > 0 {
		reason = resp.Choices[0].FinishReason
	}

	out := anthropicResponse{
		ID:         resp.ID,
		Type:       "message",
		Role:       protocol.RoleAssistant,
		Model:      resp.Model,
		Content:    []anthropicContentBlock{{Type: ContentTypeText, Text: resp.Text()}},
		StopReason: ptr(ConvertStopReason(reason)),
		Usage: anthropicUsage{
			InputTokens:  ptr(resp.Usage.PromptTokens),
			OutputTokens: ptr(resp.Usage.CompletionTokens),
		},
	}

	return json.Marshal(out)
}

// TransformStreamChunk handles message_start, content_block_delta and
// message_delta events. Pings, block boundaries and message_stop carry
// nothing to forward.
func (p *AnthropicProvider) TransformStreamChunk(data []byte) (*protocol.UnifiedChunk, error) {
	var ev anthropicStreamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}

	switch ev.Type {
	case "message_start":
		if ev.Message == nil {
			return nil, nil
		}

		return protocol.NewOpeningChunk(ev.Message.ID, ev.Message.Model), nil
	case "content_block_delta":
		if ev.Delta == nil || ev.Delta.Type != "text_delta" || ev.Delta.Text == "" {
			return nil, nil
		}

		return protocol.NewContentChunk("", "", ev.Delta.Text), nil
	case "message_delta":
		if ev.Delta == nil || ev.Delta.StopReason == nil {
			return nil, nil
		}

		return protocol.NewFinishChunk("", "", normalizeFinishReason(anthropicStopReasons, *ev.Delta.StopReason)), nil
	default:
		return nil, nil
	}
}
