package streaming

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pysugar/kiro-nexus/internal/proxy/mappers"
	"github.com/pysugar/kiro-nexus/internal/tokenizer"
	"github.com/pysugar/kiro-nexus/internal/upstream"
)

// OpenAIConverter turns upstream events into chat.completion.chunk frames.
// Thinking tags are stripped: OpenAI callers get plain assistant text.
type OpenAIConverter struct {
	model       string
	id          string
	created     int64
	inputTokens int
	counter     *tokenizer.Counter

	sentRole   bool
	inThinking bool
	pendingTag string

	contentBuf strings.Builder
	toolCalls  []mappers.OpenAIToolCall
	toolInput  strings.Builder
	currentTool struct {
		id   string
		name string
	}
	processedTools map[string]bool
	hasContent     bool
}

// NewOpenAIConverter builds a converter for one response.
func NewOpenAIConverter(model string, inputTokens int, counter *tokenizer.Counter) *OpenAIConverter {
	return &OpenAIConverter{
		model:          model,
		id:             "chatcmpl-" + uuid.NewString(),
		created:        time.Now().Unix(),
		inputTokens:    inputTokens,
		counter:        counter,
		processedTools: make(map[string]bool),
	}
}

// HasContent reports whether any content was delivered.
func (c *OpenAIConverter) HasContent() bool { return c.hasContent }

func (c *OpenAIConverter) chunk(delta *mappers.OpenAIDelta, finish *string) SSEEvent {
	return SSEEvent{Data: mappers.OpenAIStreamChunk{
		ID:      c.id,
		Object:  "chat.completion.chunk",
		Created: c.created,
		Model:   c.model,
		Choices: []mappers.OpenAIChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}}
}

// Start emits the role-bearing first chunk.
func (c *OpenAIConverter) Start() []SSEEvent {
	c.sentRole = true
	return []SSEEvent{c.chunk(&mappers.OpenAIDelta{Role: "assistant"}, nil)}
}

// OnEvent converts one upstream event.
func (c *OpenAIConverter) OnEvent(ev upstream.Event) []SSEEvent {
	switch ev.Type {
	case "assistantResponseEvent", "textEvent":
		text := stringField(ev.Payload, "content")
		if text == "" {
			text = stringField(ev.Payload, "text")
		}
		return c.onText(text)
	case "toolUseEvent":
		return c.onToolUse(ev.Payload)
	default:
		return nil
	}
}

// onText strips thinking sections and emits content deltas.
func (c *OpenAIConverter) onText(text string) []SSEEvent {
	if text == "" && c.pendingTag == "" {
		return nil
	}
	var out []SSEEvent
	s := c.pendingTag + text
	c.pendingTag = ""

	for s != "" {
		tag := thinkingOpenTag
		if c.inThinking {
			tag = thinkingCloseTag
		}
		if idx := strings.Index(s, tag); idx >= 0 {
			out = append(out, c.emitContent(s[:idx])...)
			c.inThinking = !c.inThinking
			s = s[idx+len(tag):]
			continue
		}
		if hold := partialTagSuffix(s, tag); hold > 0 {
			c.pendingTag = s[len(s)-hold:]
			s = s[:len(s)-hold]
		}
		out = append(out, c.emitContent(s)...)
		break
	}
	return out
}

func (c *OpenAIConverter) emitContent(text string) []SSEEvent {
	if text == "" || c.inThinking {
		// Thinking text is dropped for the OpenAI dialect.
		if c.inThinking && text != "" {
			c.hasContent = true
		}
		return nil
	}
	c.contentBuf.WriteString(text)
	c.hasContent = true
	return []SSEEvent{c.chunk(&mappers.OpenAIDelta{Content: text}, nil)}
}

func (c *OpenAIConverter) onToolUse(payload map[string]interface{}) []SSEEvent {
	toolID := stringField(payload, "toolUseId")
	if toolID == "" || c.processedTools[toolID] {
		return nil
	}

	var out []SSEEvent
	if c.currentTool.id != toolID {
		c.flushTool()
		c.currentTool.id = toolID
		c.currentTool.name = stringField(payload, "name")
		c.toolInput.Reset()
		out = append(out, c.chunk(&mappers.OpenAIDelta{ToolCalls: []mappers.OpenAIToolDelta{{
			Index:    len(c.toolCalls),
			ID:       toolID,
			Type:     "function",
			Function: &mappers.OpenAIFunctionCall{Name: c.currentTool.name},
		}}}, nil))
	}

	if fragment := toolInputFragment(payload["input"]); fragment != "" {
		c.toolInput.WriteString(fragment)
		c.hasContent = true
		out = append(out, c.chunk(&mappers.OpenAIDelta{ToolCalls: []mappers.OpenAIToolDelta{{
			Index:    len(c.toolCalls),
			Function: &mappers.OpenAIFunctionCall{Arguments: fragment},
		}}}, nil))
	}

	if stop, _ := payload["stop"].(bool); stop {
		c.processedTools[toolID] = true
		c.flushTool()
	}
	return out
}

// flushTool records the finished tool call for accumulation.
func (c *OpenAIConverter) flushTool() {
	if c.currentTool.id == "" {
		return
	}
	args := c.toolInput.String()
	if args == "" {
		args = "{}"
	}
	c.toolCalls = append(c.toolCalls, mappers.OpenAIToolCall{
		ID:   c.currentTool.id,
		Type: "function",
		Function: mappers.OpenAIFunctionCall{
			Name:      c.currentTool.name,
			Arguments: args,
		},
	})
	c.currentTool.id = ""
	c.currentTool.name = ""
	c.toolInput.Reset()
}

// Finish emits the finish_reason chunk with usage.
func (c *OpenAIConverter) Finish() []SSEEvent {
	c.flushTool()
	finish := "stop"
	if len(c.toolCalls) > 0 {
		finish = "tool_calls"
	}
	completion := c.outputTokens()
	final := SSEEvent{Data: mappers.OpenAIStreamChunk{
		ID:      c.id,
		Object:  "chat.completion.chunk",
		Created: c.created,
		Model:   c.model,
		Choices: []mappers.OpenAIChoice{{Index: 0, Delta: &mappers.OpenAIDelta{}, FinishReason: &finish}},
		Usage: &mappers.OpenAIUsage{
			PromptTokens:     c.inputTokens,
			CompletionTokens: completion,
			TotalTokens:      c.inputTokens + completion,
		},
	}}
	return []SSEEvent{final}
}

// Error emits an OpenAI-shaped error frame for mid-stream failures.
func (c *OpenAIConverter) Error(message string) SSEEvent {
	return SSEEvent{Data: map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "upstream_error",
		},
	}}
}

// Response builds the non-streaming chat.completion body.
func (c *OpenAIConverter) Response() *mappers.OpenAIChatResponse {
	c.flushTool()
	finish := "stop"
	if len(c.toolCalls) > 0 {
		finish = "tool_calls"
	}
	completion := c.outputTokens()
	msg := &mappers.OpenAIMessage{Role: "assistant", Content: c.contentBuf.String()}
	if len(c.toolCalls) > 0 {
		msg.ToolCalls = c.toolCalls
	}
	return &mappers.OpenAIChatResponse{
		ID:      c.id,
		Object:  "chat.completion",
		Created: c.created,
		Model:   c.model,
		Choices: []mappers.OpenAIChoice{{Index: 0, Message: msg, FinishReason: &finish}},
		Usage: &mappers.OpenAIUsage{
			PromptTokens:     c.inputTokens,
			CompletionTokens: completion,
			TotalTokens:      c.inputTokens + completion,
		},
	}
}

func (c *OpenAIConverter) outputTokens() int {
	var sb strings.Builder
	sb.WriteString(c.contentBuf.String())
	for _, call := range c.toolCalls {
		raw, _ := json.Marshal(call.Function)
		sb.Write(raw)
	}
	return c.counter.Scale(c.counter.Count(sb.String()))
}
