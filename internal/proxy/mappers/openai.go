package mappers

import (
	"encoding/json"
	"strings"
)

// OpenAI Chat Completions structures

type OpenAIChatRequest struct {
	Model       string          `json:"model"`
	Messages    []OpenAIMessage `json:"messages"`
	Stream      bool            `json:"stream,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
	Tools       []Tool          `json:"tools,omitempty"`
	ToolChoice  interface{}     `json:"tool_choice,omitempty"` // string or object
	User        string          `json:"user,omitempty"`
}

// Tool is an OpenAI-compatible tool definition.
type Tool struct {
	Type     string              `json:"type"` // "function"
	Function *FunctionDefinition `json:"function,omitempty"`
}

type FunctionDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"` // JSON Schema
}

type OpenAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	Name       string           `json:"name,omitempty"`
	ToolCalls  []OpenAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`

	// Images extracted from multimodal content parts (data URIs), not
	// re-marshalled back to OpenAI JSON.
	Images []OpenAIImage `json:"-"`
}

type OpenAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"` // "function"
	Function OpenAIFunctionCall `json:"function"`
}

type OpenAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON string
}

type OpenAIImage struct {
	MediaType string
	Data      string // base64 payload without the data: prefix
}

// UnmarshalJSON handles both string and multimodal-array content formats.
func (m *OpenAIMessage) UnmarshalJSON(data []byte) error {
	type Alias struct {
		Role       string           `json:"role"`
		Content    json.RawMessage  `json:"content"`
		Name       string           `json:"name"`
		ToolCalls  []OpenAIToolCall `json:"tool_calls"`
		ToolCallID string           `json:"tool_call_id"`
	}
	var alias Alias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	m.Role = alias.Role
	m.Name = alias.Name
	m.ToolCalls = alias.ToolCalls
	m.ToolCallID = alias.ToolCallID

	if len(alias.Content) == 0 || string(alias.Content) == "null" {
		return nil
	}

	var strContent string
	if err := json.Unmarshal(alias.Content, &strContent); err == nil {
		m.Content = strContent
		return nil
	}

	var parts []struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		ImageURL *struct {
			URL string `json:"url"`
		} `json:"image_url"`
	}
	if err := json.Unmarshal(alias.Content, &parts); err == nil {
		var texts []string
		for _, part := range parts {
			switch part.Type {
			case "text":
				if part.Text != "" {
					texts = append(texts, part.Text)
				}
			case "image_url":
				if part.ImageURL != nil {
					if img, ok := parseDataURI(part.ImageURL.URL); ok {
						m.Images = append(m.Images, img)
					}
				}
			}
		}
		m.Content = strings.Join(texts, "\n")
		return nil
	}

	m.Content = string(alias.Content)
	return nil
}

// parseDataURI extracts base64 image data from data:image/png;base64,...
func parseDataURI(uri string) (OpenAIImage, bool) {
	if !strings.HasPrefix(uri, "data:") {
		return OpenAIImage{}, false
	}
	rest := strings.TrimPrefix(uri, "data:")
	semi := strings.Index(rest, ";base64,")
	if semi < 0 {
		return OpenAIImage{}, false
	}
	return OpenAIImage{MediaType: rest[:semi], Data: rest[semi+len(";base64,"):]}, true
}

type OpenAIChatResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []OpenAIChoice `json:"choices"`
	Usage   *OpenAIUsage   `json:"usage,omitempty"`
}

type OpenAIChoice struct {
	Index        int            `json:"index"`
	Message      *OpenAIMessage `json:"message,omitempty"`
	Delta        *OpenAIDelta   `json:"delta,omitempty"`
	FinishReason *string        `json:"finish_reason,omitempty"`
}

type OpenAIDelta struct {
	Role      string            `json:"role,omitempty"`
	Content   string            `json:"content,omitempty"`
	ToolCalls []OpenAIToolDelta `json:"tool_calls,omitempty"`
}

type OpenAIToolDelta struct {
	Index    int                 `json:"index"`
	ID       string              `json:"id,omitempty"`
	Type     string              `json:"type,omitempty"`
	Function *OpenAIFunctionCall `json:"function,omitempty"`
}

type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// OpenAIStreamChunk is one chat.completion.chunk SSE payload.
type OpenAIStreamChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []OpenAIChoice `json:"choices"`
	Usage   *OpenAIUsage   `json:"usage,omitempty"`
}

// PlainText joins system and message text, used for token counting and
// session keys.
func (r *OpenAIChatRequest) PlainText() string {
	var sb strings.Builder
	for _, msg := range r.Messages {
		if msg.Content != "" {
			sb.WriteString(msg.Content)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// MessageTexts returns one plain-text string per message, in order.
func (r *OpenAIChatRequest) MessageTexts() []string {
	texts := make([]string, 0, len(r.Messages))
	for _, msg := range r.Messages {
		texts = append(texts, msg.Content)
	}
	return texts
}
