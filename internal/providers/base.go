package providers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Davincible/llmgate/internal/apierr"
	"github.com/Davincible/llmgate/internal/protocol"
)

const (
	OpenAIName           = "openai"
	AnthropicName        = "anthropic"
	GeminiName           = "gemini"
	SelfHostedName       = "selfhosted"
	SelfHostedLegacyName = "selfhosted-legacy"

	ContentTypeText        = "text"
	ContentTypeEventStream = "text/event-stream"

	// SyntheticAcknowledgment is the assistant reply injected after a
	// system instruction carried as a user turn.
	SyntheticAcknowledgment = "Understood."

	// OptionBaseURL is the provider option that overrides the endpoint base
	// for self-hosted transformers.
	OptionBaseURL = "baseUrl"

	// DefaultAnthropicMaxTokens is sent when the request does not set max_tokens.
	DefaultAnthropicMaxTokens = 4096
	AnthropicVersion          = "2023-06-01"
)

// IsStreamingContentType checks if the content type indicates streaming
func IsStreamingContentType(contentType string) bool {
	return strings.HasPrefix(contentType, ContentTypeEventStream) || strings.Contains(contentType, "stream")
}

// NewResponseID generates an id for responses whose upstream omitted one.
func NewResponseID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// BuildUsage fills in the missing half of a token count with zero and
// derives the total when the upstream did not report it.
func BuildUsage(prompt, completion, total *int) protocol.Usage {
	u := protocol.Usage{}
	if prompt != nil {
		u.PromptTokens = *prompt
	}
	if completion != nil {
		u.CompletionTokens = *completion
	}
	if total != nil {
		u.TotalTokens = *total
	} else {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}

	return u
}

var openAIFinishReasons = map[string]string{
	"function_call": protocol.FinishReasonToolCalls,
}

var anthropicStopReasons = map[string]string{
	"end_turn":      protocol.FinishReasonStop,
	"stop_sequence": protocol.FinishReasonStop,
	"pause_turn":    protocol.FinishReasonStop,
	"max_tokens":    protocol.FinishReasonLength,
	"tool_use":      protocol.FinishReasonToolCalls,
	"refusal":       protocol.FinishReasonContentFilter,
}

var geminiFinishReasons = map[string]string{
	"STOP":                    protocol.FinishReasonStop,
	"MAX_TOKENS":              protocol.FinishReasonLength,
	"SAFETY":                  protocol.FinishReasonContentFilter,
	"RECITATION":              protocol.FinishReasonContentFilter,
	"BLOCKLIST":               protocol.FinishReasonContentFilter,
	"PROHIBITED_CONTENT":      protocol.FinishReasonContentFilter,
	"SPII":                    protocol.FinishReasonContentFilter,
	"MALFORMED_FUNCTION_CALL": protocol.FinishReasonToolCalls,
}

// normalizeFinishReason maps a dialect-specific reason onto the unified
// vocabulary. Empty input yields FinishReasonUnknown; unmapped values pass
// through unchanged.
func normalizeFinishReason(table map[string]string, reason string) string {
	if reason == "" {
		return protocol.FinishReasonUnknown
	}
	if mapped, ok := table[reason]; ok {
		return mapped
	}

	return reason
}

// ConvertStopReason converts a unified finish reason to Anthropic format
func ConvertStopReason(reason string) string {
	switch reason {
	case protocol.FinishReasonLength:
		return "max_tokens"
	case protocol.FinishReasonToolCalls:
		return "tool_use"
	case protocol.FinishReasonContentFilter:
		return "refusal"
	default:
		return "end_turn"
	}
}

func toGeminiFinishReason(reason string) string {
	switch reason {
	case protocol.FinishReasonLength:
		return "MAX_TOKENS"
	case protocol.FinishReasonContentFilter:
		return "SAFETY"
	case protocol.FinishReasonToolCalls:
		return "MALFORMED_FUNCTION_CALL"
	case protocol.FinishReasonStop:
		return "STOP"
	default:
		return "FINISH_REASON_UNSPECIFIED"
	}
}

// flattenContent accepts either a plain string or an array of typed content
// parts and returns the concatenated text.
func flattenContent(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}

		return s, nil
	}

	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", fmt.Errorf("content must be a string or an array of parts: %w", err)
	}

	var sb strings.Builder
	for _, p := range parts {
		if p.Type == "" || p.Type == ContentTypeText {
			sb.WriteString(p.Text)
		}
	}

	return sb.String(), nil
}

// mergeOptions copies provider options into the top level of an encoded
// body. Keys already present in the body and keys in reserved are skipped.
func mergeOptions(body []byte, opts map[string]any, reserved ...string) ([]byte, error) {
	extra := make(map[string]any, len(opts))
	for k, v := range opts {
		skip := false
		for _, r := range reserved {
			if k == r {
				skip = true
				break
			}
		}
		if !skip {
			extra[k] = v
		}
	}
	if len(extra) == 0 {
		return body, nil
	}

	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	for k, v := range extra {
		if _, exists := m[k]; !exists {
			m[k] = v
		}
	}

	return json.Marshal(m)
}

func invalidBody(dialect string, err error) error {
	return &apierr.InvalidRequestError{Message: "cannot decode " + dialect + " payload", Err: err}
}

func now() int64 {
	return time.Now().Unix()
}

func ptr[T any](v T) *T {
	return &v
}
