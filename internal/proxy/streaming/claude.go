package streaming

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/pysugar/kiro-nexus/internal/proxy/mappers"
	"github.com/pysugar/kiro-nexus/internal/tokenizer"
	"github.com/pysugar/kiro-nexus/internal/upstream"
)

const (
	thinkingOpenTag  = "<thinking>"
	thinkingCloseTag = "</thinking>"
)

// ClaudeConverter turns upstream events into Claude Messages SSE events.
// Text carrying <thinking> tags is split into thinking_delta blocks; tool
// use events become tool_use blocks with input_json_delta fragments.
type ClaudeConverter struct {
	model       string
	messageID   string
	inputTokens int
	counter     *tokenizer.Counter

	blockIndex int
	blockOpen  bool
	blockType  string
	inThinking bool
	pendingTag string

	// accumulation for usage counting and the non-streaming body
	blocks      []mappers.ClaudeContentBlock
	textBuf     strings.Builder
	thinkingBuf strings.Builder
	toolInput   strings.Builder
	currentTool struct {
		id   string
		name string
	}
	processedTools map[string]bool
	sawToolUse     bool
	hasContent     bool
}

// NewClaudeConverter builds a converter for one response. inputTokens is the
// already-scaled prompt count reported in message_start.
func NewClaudeConverter(model string, inputTokens int, counter *tokenizer.Counter) *ClaudeConverter {
	return &ClaudeConverter{
		model:          model,
		messageID:      "msg_" + uuid.NewString(),
		inputTokens:    inputTokens,
		counter:        counter,
		processedTools: make(map[string]bool),
	}
}

// HasContent reports whether any content was delivered, which decides how a
// client disconnect is accounted.
func (c *ClaudeConverter) HasContent() bool { return c.hasContent }

// Start emits message_start and the customary ping.
func (c *ClaudeConverter) Start() []SSEEvent {
	return []SSEEvent{
		{Name: "message_start", Data: map[string]interface{}{
			"type": "message_start",
			"message": map[string]interface{}{
				"id":            c.messageID,
				"type":          "message",
				"role":          "assistant",
				"model":         c.model,
				"content":       []interface{}{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage": map[string]interface{}{
					"input_tokens":  c.inputTokens,
					"output_tokens": 0,
				},
			},
		}},
		{Name: "ping", Data: map[string]interface{}{"type": "ping"}},
	}
}

// OnEvent converts one upstream event into zero or more SSE events.
func (c *ClaudeConverter) OnEvent(ev upstream.Event) []SSEEvent {
	switch ev.Type {
	case "initial-response":
		return nil
	case "assistantResponseEvent", "textEvent":
		text := stringField(ev.Payload, "content")
		if text == "" {
			text = stringField(ev.Payload, "text")
		}
		return c.onText(text)
	case "toolUseEvent":
		return c.onToolUse(ev.Payload)
	case "assistantResponseEnd", "messageMetadataEvent":
		return c.closeBlock()
	default:
		return nil
	}
}

// onText routes chunks through the thinking-tag splitter. A tag broken
// across chunk boundaries is held back until the next chunk resolves it.
func (c *ClaudeConverter) onText(text string) []SSEEvent {
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
			out = append(out, c.emitText(s[:idx])...)
			c.inThinking = !c.inThinking
			s = s[idx+len(tag):]
			continue
		}
		if hold := partialTagSuffix(s, tag); hold > 0 {
			c.pendingTag = s[len(s)-hold:]
			s = s[:len(s)-hold]
		}
		out = append(out, c.emitText(s)...)
		break
	}
	return out
}

// emitText writes a delta in the current mode, opening a block if needed.
func (c *ClaudeConverter) emitText(text string) []SSEEvent {
	if text == "" {
		return nil
	}
	wantType := "text"
	if c.inThinking {
		wantType = "thinking"
	}

	var out []SSEEvent
	if c.blockOpen && c.blockType != wantType {
		out = append(out, c.closeBlock()...)
	}
	if !c.blockOpen {
		c.blockOpen = true
		c.blockType = wantType
		block := map[string]interface{}{"type": wantType}
		if wantType == "text" {
			block["text"] = ""
		} else {
			block["thinking"] = ""
		}
		out = append(out, SSEEvent{Name: "content_block_start", Data: map[string]interface{}{
			"type":          "content_block_start",
			"index":         c.blockIndex,
			"content_block": block,
		}})
	}

	var delta map[string]interface{}
	if wantType == "text" {
		delta = map[string]interface{}{"type": "text_delta", "text": text}
		c.textBuf.WriteString(text)
	} else {
		delta = map[string]interface{}{"type": "thinking_delta", "thinking": text}
		c.thinkingBuf.WriteString(text)
	}
	c.hasContent = true
	out = append(out, SSEEvent{Name: "content_block_delta", Data: map[string]interface{}{
		"type":  "content_block_delta",
		"index": c.blockIndex,
		"delta": delta,
	}})
	return out
}

func (c *ClaudeConverter) onToolUse(payload map[string]interface{}) []SSEEvent {
	toolID := stringField(payload, "toolUseId")
	if toolID == "" || c.processedTools[toolID] {
		return nil
	}

	var out []SSEEvent
	if c.currentTool.id != toolID {
		// New tool call: close whatever is open and start a tool_use block.
		out = append(out, c.closeBlock()...)
		c.currentTool.id = toolID
		c.currentTool.name = stringField(payload, "name")
		c.toolInput.Reset()
		c.blockOpen = true
		c.blockType = "tool_use"
		c.sawToolUse = true
		out = append(out, SSEEvent{Name: "content_block_start", Data: map[string]interface{}{
			"type":  "content_block_start",
			"index": c.blockIndex,
			"content_block": map[string]interface{}{
				"type":  "tool_use",
				"id":    toolID,
				"name":  c.currentTool.name,
				"input": map[string]interface{}{},
			},
		}})
	}

	if fragment := toolInputFragment(payload["input"]); fragment != "" {
		c.toolInput.WriteString(fragment)
		c.hasContent = true
		out = append(out, SSEEvent{Name: "content_block_delta", Data: map[string]interface{}{
			"type":  "content_block_delta",
			"index": c.blockIndex,
			"delta": map[string]interface{}{"type": "input_json_delta", "partial_json": fragment},
		}})
	}

	if stop, _ := payload["stop"].(bool); stop {
		c.processedTools[toolID] = true
		out = append(out, c.closeBlock()...)
	}
	return out
}

// closeBlock ends the open content block, recording it for accumulation.
func (c *ClaudeConverter) closeBlock() []SSEEvent {
	if !c.blockOpen {
		return nil
	}
	switch c.blockType {
	case "text":
		c.blocks = append(c.blocks, mappers.ClaudeContentBlock{Type: "text", Text: c.textBuf.String()})
		c.textBuf.Reset()
	case "thinking":
		c.blocks = append(c.blocks, mappers.ClaudeContentBlock{Type: "thinking", Thinking: c.thinkingBuf.String()})
		c.thinkingBuf.Reset()
	case "tool_use":
		input := map[string]interface{}{}
		if raw := c.toolInput.String(); raw != "" {
			json.Unmarshal([]byte(raw), &input)
		}
		c.blocks = append(c.blocks, mappers.ClaudeContentBlock{
			Type:  "tool_use",
			ID:    c.currentTool.id,
			Name:  c.currentTool.name,
			Input: input,
		})
		c.currentTool.id = ""
		c.currentTool.name = ""
		c.toolInput.Reset()
	}
	ev := SSEEvent{Name: "content_block_stop", Data: map[string]interface{}{
		"type":  "content_block_stop",
		"index": c.blockIndex,
	}}
	c.blockOpen = false
	c.blockIndex++
	return []SSEEvent{ev}
}

// Finish closes any open block and emits message_delta plus message_stop.
func (c *ClaudeConverter) Finish() []SSEEvent {
	out := c.closeBlock()

	stopReason := "end_turn"
	if c.sawToolUse {
		stopReason = "tool_use"
	}
	out = append(out,
		SSEEvent{Name: "message_delta", Data: map[string]interface{}{
			"type": "message_delta",
			"delta": map[string]interface{}{
				"stop_reason":   stopReason,
				"stop_sequence": nil,
			},
			"usage": map[string]interface{}{"output_tokens": c.outputTokens()},
		}},
		SSEEvent{Name: "message_stop", Data: map[string]interface{}{"type": "message_stop"}},
	)
	return out
}

// Error produces the terminal error event for mid-stream failures. Partial
// content already sent is not retracted.
func (c *ClaudeConverter) Error(message string) SSEEvent {
	return SSEEvent{Name: "error", Data: map[string]interface{}{
		"type": "error",
		"error": map[string]interface{}{
			"type":    "api_error",
			"message": message,
		},
	}}
}

// Response builds the non-streaming body from the accumulated blocks. It is
// identical in content to what the streamed deltas reconstruct.
func (c *ClaudeConverter) Response() *mappers.ClaudeResponse {
	c.closeBlock()
	stopReason := "end_turn"
	if c.sawToolUse {
		stopReason = "tool_use"
	}
	blocks := c.blocks
	if blocks == nil {
		blocks = []mappers.ClaudeContentBlock{}
	}
	return &mappers.ClaudeResponse{
		ID:         c.messageID,
		Type:       "message",
		Role:       "assistant",
		Model:      c.model,
		Content:    blocks,
		StopReason: stopReason,
		Usage: mappers.ClaudeUsage{
			InputTokens:  c.inputTokens,
			OutputTokens: c.outputTokens(),
		},
	}
}

// outputTokens counts everything produced: text, thinking, tool inputs.
func (c *ClaudeConverter) outputTokens() int {
	var sb strings.Builder
	for _, b := range c.blocks {
		sb.WriteString(b.Text)
		sb.WriteString(b.Thinking)
		if b.Input != nil {
			raw, _ := json.Marshal(b.Input)
			sb.Write(raw)
		}
	}
	sb.WriteString(c.textBuf.String())
	sb.WriteString(c.thinkingBuf.String())
	n := c.counter.Count(sb.String())
	return c.counter.Scale(n)
}

// partialTagSuffix returns the length of the longest suffix of s that is a
// proper prefix of tag, so a split "<thin" at a chunk boundary is held back.
func partialTagSuffix(s, tag string) int {
	max := len(tag) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasPrefix(tag, s[len(s)-n:]) {
			return n
		}
	}
	return 0
}

func stringField(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// toolInputFragment normalizes the input field: upstreams send either raw
// JSON fragments as strings or already-parsed objects.
func toolInputFragment(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}
