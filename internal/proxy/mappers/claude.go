package mappers

import (
	"encoding/json"
	"strings"
)

// Anthropic (Claude) Messages API structures

type ClaudeRequest struct {
	Model       string          `json:"model"`
	Messages    []ClaudeMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Stream      bool            `json:"stream,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	System      ClaudeSystem    `json:"system,omitempty"`
	Tools       []ClaudeTool    `json:"tools,omitempty"`
	ToolChoice  interface{}     `json:"tool_choice,omitempty"`
	Thinking    *ClaudeThinking `json:"thinking,omitempty"`
}

type ClaudeThinking struct {
	Type         string `json:"type"` // "enabled" / "disabled"
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

type ClaudeTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
}

// ClaudeSystem accepts both the string form and the content-block array form.
type ClaudeSystem struct {
	Text string
}

func (s *ClaudeSystem) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		s.Text = str
		return nil
	}
	var blocks []ClaudeContentBlock
	if err := json.Unmarshal(data, &blocks); err == nil {
		var texts []string
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				texts = append(texts, b.Text)
			}
		}
		s.Text = strings.Join(texts, "\n")
		return nil
	}
	// Unknown shape; ignore rather than fail the whole request.
	return nil
}

func (s ClaudeSystem) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Text)
}

type ClaudeMessage struct {
	Role    string        `json:"role"`
	Content ClaudeContent `json:"content"`
}

// ClaudeContent accepts both string content and content-block arrays.
type ClaudeContent []ClaudeContentBlock

func (c *ClaudeContent) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*c = ClaudeContent{{Type: "text", Text: str}}
		return nil
	}
	var blocks []ClaudeContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	*c = blocks
	return nil
}

type ClaudeContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// tool_use blocks
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`

	// tool_result blocks; Content is a string or nested blocks
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// image blocks
	Source *ClaudeImageSource `json:"source,omitempty"`
}

type ClaudeImageSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// ToolResultText flattens a tool_result body into plain text.
func (b *ClaudeContentBlock) ToolResultText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var str string
	if err := json.Unmarshal(b.Content, &str); err == nil {
		return str
	}
	var blocks []ClaudeContentBlock
	if err := json.Unmarshal(b.Content, &blocks); err == nil {
		var texts []string
		for _, nested := range blocks {
			if nested.Text != "" {
				texts = append(texts, nested.Text)
			}
		}
		return strings.Join(texts, "\n")
	}
	return string(b.Content)
}

// Claude response structures

type ClaudeResponse struct {
	ID           string               `json:"id"`
	Type         string               `json:"type"`
	Role         string               `json:"role"`
	Content      []ClaudeContentBlock `json:"content"`
	Model        string               `json:"model"`
	StopReason   string               `json:"stop_reason,omitempty"`
	StopSequence *string              `json:"stop_sequence,omitempty"`
	Usage        ClaudeUsage          `json:"usage"`
}

type ClaudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// PlainText joins the text blocks of a Claude request message list, used for
// token counting and session keys.
func (r *ClaudeRequest) PlainText() string {
	var sb strings.Builder
	if r.System.Text != "" {
		sb.WriteString(r.System.Text)
		sb.WriteString("\n")
	}
	for _, msg := range r.Messages {
		for _, block := range msg.Content {
			if block.Text != "" {
				sb.WriteString(block.Text)
				sb.WriteString("\n")
			}
			if block.Thinking != "" {
				sb.WriteString(block.Thinking)
				sb.WriteString("\n")
			}
		}
	}
	return sb.String()
}

// MessageTexts returns one plain-text string per message, in order.
func (r *ClaudeRequest) MessageTexts() []string {
	texts := make([]string, 0, len(r.Messages))
	for _, msg := range r.Messages {
		var sb strings.Builder
		for _, block := range msg.Content {
			sb.WriteString(block.Text)
		}
		texts = append(texts, sb.String())
	}
	return texts
}
