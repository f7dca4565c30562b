// Package protocol defines the provider-agnostic chat shapes shared by the
// gateway, the router and every provider transformer.
package protocol

import "strings"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"

	FinishReasonStop          = "stop"
	FinishReasonLength        = "length"
	FinishReasonToolCalls     = "tool_calls"
	FinishReasonContentFilter = "content_filter"

	// FinishReasonUnknown is reported when the upstream omits a finish reason.
	FinishReasonUnknown = "unknown"

	ObjectChatCompletion      = "chat.completion"
	ObjectChatCompletionChunk = "chat.completion.chunk"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UnifiedChatRequest is the single request shape accepted by the gateway.
type UnifiedChatRequest struct {
	Messages        []Message      `json:"messages"`
	Model           string         `json:"model"`
	Provider        string         `json:"provider,omitempty"`
	Stream          bool           `json:"stream,omitempty"`
	Temperature     *float64       `json:"temperature,omitempty"`
	MaxTokens       *int           `json:"max_tokens,omitempty"`
	TopP            *float64       `json:"top_p,omitempty"`
	Endpoint        string         `json:"endpoint,omitempty"`
	ProviderOptions map[string]any `json:"provider_options,omitempty"`
}

// SystemPrompt joins the content of every system message, in order.
func (r *UnifiedChatRequest) SystemPrompt() string {
	var out string
	for _, m := range r.Messages {
		if m.Role != RoleSystem {
			continue
		}
		if out != "" {
			out += "\n\n"
		}
		out += m.Content
	}

	return out
}

// Conversation returns the messages without system turns.
func (r *UnifiedChatRequest) Conversation() []Message {
	out := make([]Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		if m.Role != RoleSystem {
			out = append(out, m)
		}
	}

	return out
}

// OptionString reads a string-valued provider option.
func (r *UnifiedChatRequest) OptionString(key string) string {
	if r.ProviderOptions == nil {
		return ""
	}
	s, _ := r.ProviderOptions[key].(string)

	return s
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type UnifiedChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object,omitempty"`
	Model   string   `json:"model"`
	Created int64    `json:"created"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Text returns the first choice's content, or "" when there is none.
func (r *UnifiedChatResponse) Text() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}

	return r.Choices[0].Message.Content
}

type Delta struct {
	Role    *string `json:"role,omitempty"`
	Content *string `json:"content,omitempty"`
}

type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// UnifiedChunk is one re-framed streaming event.
type UnifiedChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object,omitempty"`
	Model   string        `json:"model"`
	Created int64         `json:"created,omitempty"`
	Choices []ChunkChoice `json:"choices"`
}

// NewOpeningChunk builds the empty-content chunk that announces an assistant turn.
func NewOpeningChunk(id, model string) *UnifiedChunk {
	role := RoleAssistant
	empty := ""

	return &UnifiedChunk{
		ID:      id,
		Object:  ObjectChatCompletionChunk,
		Model:   model,
		Choices: []ChunkChoice{{Delta: Delta{Role: &role, Content: &empty}}},
	}
}

func NewContentChunk(id, model, content string) *UnifiedChunk {
	return &UnifiedChunk{
		ID:      id,
		Object:  ObjectChatCompletionChunk,
		Model:   model,
		Choices: []ChunkChoice{{Delta: Delta{Content: &content}}},
	}
}

func NewFinishChunk(id, model, reason string) *UnifiedChunk {
	return &UnifiedChunk{
		ID:      id,
		Object:  ObjectChatCompletionChunk,
		Model:   model,
		Choices: []ChunkChoice{{FinishReason: &reason}},
	}
}

// Content returns the first choice's delta content.
func (c *UnifiedChunk) Content() string {
	if c == nil || len(c.Choices) == 0 || c.Choices[0].Delta.Content == nil {
		return ""
	}

	return *c.Choices[0].Delta.Content
}

// FinishReason returns the first choice's finish reason, or "".
func (c *UnifiedChunk) FinishReason() string {
	if c == nil || len(c.Choices) == 0 || c.Choices[0].FinishReason == nil {
		return ""
	}

	return *c.Choices[0].FinishReason
}

// TaskType names a semantic routing category.
type TaskType string

const (
	TaskDefault     TaskType = ""
	TaskBackground  TaskType = "background"
	TaskThink       TaskType = "think"
	TaskLongContext TaskType = "longContext"
	TaskWebSearch   TaskType = "webSearch"
	TaskImage       TaskType = "image"
	TaskCode        TaskType = "code"
)

// TaskTypes lists every routable task category.
var TaskTypes = []TaskType{TaskBackground, TaskThink, TaskLongContext, TaskWebSearch, TaskImage, TaskCode}

// ParseTaskType accepts the camelCase names plus their lower-case spellings.
func ParseTaskType(s string) (TaskType, bool) {
	for _, t := range TaskTypes {
		if strings.EqualFold(string(t), s) {
			return t, true
		}
	}

	return TaskDefault, s == "" || s == "default"
}

// RoutingRequest is what CLI and gateway callers hand to the router.
type RoutingRequest struct {
	TaskType   TaskType  `json:"taskType,omitempty"`
	TokenCount *int      `json:"tokenCount,omitempty"`
	Messages   []Message `json:"messages"`
}

// RoutingResult is the router's per-call decision.
type RoutingResult struct {
	Provider    string `json:"provider"`
	Model       string `json:"model"`
	APIBaseURL  string `json:"apiBaseUrl"`
	APIKey      string `json:"apiKey"`
	Transformer string `json:"transformer,omitempty"`
	Reason      string `json:"reason"`
}
