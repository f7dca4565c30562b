package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/Davincible/llmgate/internal/apierr"
	"github.com/Davincible/llmgate/internal/protocol"
)

const geminiModelRole = "model"

// GeminiProvider speaks the Google Generative Language dialect. The model is
// part of the URL, assistant turns use role "model" and system text travels
// in systemInstruction.
type GeminiProvider struct {
	classifier apierr.Classifier
}

func NewGeminiTransformer() *GeminiProvider {
	return &GeminiProvider{
		classifier: apierr.NewKeywordClassifier("resource_exhausted"),
	}
}

func (p *GeminiProvider) Name() string {
	return GeminiName
}

func (p *GeminiProvider) SystemStrategy() SystemStrategy {
	return SystemInstruction
}

func (p *GeminiProvider) SelfHosted() bool {
	return false
}

func (p *GeminiProvider) DefaultBaseURL() string {
	return "https://generativelanguage.googleapis.com/v1beta/models"
}

// Endpoint appends the model and the generate method to the base URL.
func (p *GeminiProvider) Endpoint(base, model string, stream bool) string {
	if base == "" {
		base = p.DefaultBaseURL()
	}
	base = strings.TrimSuffix(base, "/")

	if stream {
		return fmt.Sprintf("%s/%s:streamGenerateContent?alt=sse", base, model)
	}

	return fmt.Sprintf("%s/%s:generateContent", base, model)
}

func (p *GeminiProvider) APIKeyHeader() string {
	return "x-goog-api-key"
}

func (p *GeminiProvider) SetAuth(h http.Header, apiKey string) {
	if apiKey != "" {
		h.Set("x-goog-api-key", apiKey)
	}
}

func (p *GeminiProvider) Classifier() apierr.Classifier {
	return p.classifier
}

// Gemini format structures
type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiCandidate struct {
	Content      *geminiContent `json:"content,omitempty"`
	FinishReason string         `json:"finishReason,omitempty"`
	Index        int            `json:"index"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     *int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount *int `json:"candidatesTokenCount,omitempty"`
	TotalTokenCount      *int `json:"totalTokenCount,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata,omitempty"`
	ModelVersion  string               `json:"modelVersion,omitempty"`
	ResponseID    string               `json:"responseId,omitempty"`
}

func (c *geminiContent) text() string {
	if c == nil {
		return ""
	}

	var sb strings.Builder
	for _, part := range c.Parts {
		sb.WriteString(part.Text)
	}

	return sb.String()
}

func (p *GeminiProvider) TransformRequestOut(req *protocol.UnifiedChatRequest) ([]byte, error) {
	out := geminiRequest{Contents: make([]geminiContent, 0, len(req.Messages))}

	if system := req.SystemPrompt(); system != "" {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}

	for _, m := range req.Conversation() {
		role := protocol.RoleUser
		if m.Role == protocol.RoleAssistant {
			role = geminiModelRole
		}
		out.Contents = append(out.Contents, geminiContent{Role: role, Parts: []geminiPart{{Text: m.Content}}})
	}

	if req.Temperature != nil || req.TopP != nil || req.MaxTokens != nil {
		out.GenerationConfig = &geminiGenerationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
		}
	}

	body, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal gemini request: %w", err)
	}

	return mergeOptions(body, req.ProviderOptions, OptionBaseURL)
}

func (p *GeminiProvider) TransformResponseIn(body []byte) (*protocol.UnifiedChatResponse, error) {
	var in geminiResponse
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("failed to decode gemini response: %w", err)
	}

	resp := &protocol.UnifiedChatResponse{
		ID:      in.ResponseID,
		Object:  protocol.ObjectChatCompletion,
		Model:   in.ModelVersion,
		Created: now(),
	}
	if resp.ID == "" {
		resp.ID = NewResponseID()
	}

	for _, c := range in.Candidates {
		resp.Choices = append(resp.Choices, protocol.Choice{
			Index:        c.Index,
			Message:      protocol.Message{Role: protocol.RoleAssistant, Content: c.Content.text()},
			FinishReason: normalizeFinishReason(geminiFinishReasons, c.FinishReason),
		})
	}

	if in.UsageMetadata != nil {
		u := in.UsageMetadata
		resp.Usage = BuildUsage(u.PromptTokenCount, u.CandidatesTokenCount, u.TotalTokenCount)
	}

	return resp, nil
}

// TransformRequestIn parses a generateContent body. The model is not part of
// the body and is left empty.
func (p *GeminiProvider) TransformRequestIn(body []byte) (*protocol.UnifiedChatRequest, error) {
	var in geminiRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, invalidBody(GeminiName, err)
	}

	req := &protocol.UnifiedChatRequest{}
	if system := in.SystemInstruction.text(); system != "" {
		req.Messages = append(req.Messages, protocol.Message{Role: protocol.RoleSystem, Content: system})
	}

	for _, c := range in.Contents {
		role := protocol.RoleUser
		if c.Role == geminiModelRole {
			role = protocol.RoleAssistant
		}
		req.Messages = append(req.Messages, protocol.Message{Role: role, Content: c.text()})
	}

	if gc := in.GenerationConfig; gc != nil {
		req.Temperature = gc.Temperature
		req.TopP = gc.TopP
		req.MaxTokens = gc.MaxOutputTokens
	}

	return req, nil
}

func (p *GeminiProvider) TransformResponseOut(resp *protocol.UnifiedChatResponse) ([]byte, error) {
	out := geminiResponse{
		ModelVersion: resp.Model,
		ResponseID:   resp.ID,
		UsageMetadata: &geminiUsageMetadata{
			PromptTokenCount:     ptr(resp.Usage.PromptTokens),
			CandidatesTokenCount: ptr(resp.Usage.CompletionTokens),
			TotalTokenCount:      ptr(resp.Usage.TotalTokens),
		},
	}

	for _, c := range resp.Choices {
		out.Candidates = append(out.Candidates, geminiCandidate{
			Content:      &geminiContent{Role: geminiModelRole, Parts: []geminiPart{{Text: c.Message.Content}}},
			FinishReason: toGeminiFinishReason(c.FinishReason),
			Index:        c.Index,
		})
	}

	return json.Marshal(out)
}

// TransformStreamChunk maps one streamGenerateContent event. Gemini has no
// opening event; text and the finish reason may arrive in the same event.
func (p *GeminiProvider) TransformStreamChunk(data []byte) (*protocol.UnifiedChunk, error) {
	var in geminiResponse
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, err
	}
	if len(in.Candidates) == 0 {
		return nil, nil
	}

	c := in.Candidates[0]
	text := c.Content.text()

	var chunk *protocol.UnifiedChunk
	switch {
	case c.FinishReason != "":
		chunk = protocol.NewFinishChunk(in.ResponseID, in.ModelVersion, normalizeFinishReason(geminiFinishReasons, c.FinishReason))
		if text != "" {
			chunk.Choices[0].Delta.Content = &text
		}
	case text != "":
		chunk = protocol.NewContentChunk(in.ResponseID, in.ModelVersion, text)
	default:
		return nil, nil
	}

	return chunk, nil
}
