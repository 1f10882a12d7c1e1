package mappers

import (
	"encoding/json"
	"strings"
	"testing"
)

func conversationState(t *testing.T, body map[string]interface{}) map[string]interface{} {
	t.Helper()
	state, ok := body["conversationState"].(map[string]interface{})
	if !ok {
		t.Fatalf("missing conversationState: %v", body)
	}
	return state
}

func currentContent(t *testing.T, body map[string]interface{}) string {
	t.Helper()
	state := conversationState(t, body)
	current := state["currentMessage"].(map[string]interface{})
	msg := current["userInputMessage"].(map[string]interface{})
	return msg["content"].(string)
}

func TestClaudeToKiroBasic(t *testing.T) {
	req := &ClaudeRequest{
		Model: "claude-sonnet-4",
		Messages: []ClaudeMessage{
			{Role: "user", Content: ClaudeContent{{Type: "text", Text: "Hello"}}},
		},
		System: ClaudeSystem{Text: "You are helpful."},
	}

	body, err := ClaudeToKiro(req, "claude-sonnet-4", "conv-1")
	if err != nil {
		t.Fatalf("ClaudeToKiro failed: %v", err)
	}

	state := conversationState(t, body)
	if state["conversationId"] != "conv-1" {
		t.Errorf("conversationId: %v", state["conversationId"])
	}
	if state["chatTriggerType"] != "MANUAL" {
		t.Errorf("chatTriggerType: %v", state["chatTriggerType"])
	}

	content := currentContent(t, body)
	if !strings.Contains(content, "--- SYSTEM PROMPT BEGIN ---") ||
		!strings.Contains(content, "You are helpful.") {
		t.Errorf("system prompt not wrapped into content: %q", content)
	}
	if !strings.Contains(content, "Hello") {
		t.Errorf("user text missing: %q", content)
	}

	history := state["history"].([]map[string]interface{})
	if len(history) != 0 {
		t.Errorf("single-message request should have empty history, got %d", len(history))
	}
}

func TestClaudeToKiroHistoryAlternation(t *testing.T) {
	req := &ClaudeRequest{
		Messages: []ClaudeMessage{
			{Role: "user", Content: ClaudeContent{{Type: "text", Text: "first"}}},
			{Role: "user", Content: ClaudeContent{{Type: "text", Text: "second"}}},
			{Role: "assistant", Content: ClaudeContent{{Type: "text", Text: "reply"}}},
			{Role: "user", Content: ClaudeContent{{Type: "text", Text: "third"}}},
		},
	}

	body, err := ClaudeToKiro(req, "claude-sonnet-4", "")
	if err != nil {
		t.Fatalf("ClaudeToKiro failed: %v", err)
	}

	state := conversationState(t, body)
	history := state["history"].([]map[string]interface{})
	if len(history) != 2 {
		t.Fatalf("history length: got %d, want 2 (merged user + assistant)", len(history))
	}
	userMsg := history[0]["userInputMessage"].(map[string]interface{})
	if got := userMsg["content"].(string); got != "first\nsecond" {
		t.Errorf("consecutive user turns not merged: %q", got)
	}
	if _, ok := history[1]["assistantResponseMessage"]; !ok {
		t.Error("second history entry should be assistant")
	}
	if got := currentContent(t, body); got != "third" {
		t.Errorf("current message: %q", got)
	}
}

func TestClaudeToKiroTrailingAssistantSynthesizesContinue(t *testing.T) {
	req := &ClaudeRequest{
		Messages: []ClaudeMessage{
			{Role: "user", Content: ClaudeContent{{Type: "text", Text: "hi"}}},
			{Role: "assistant", Content: ClaudeContent{{Type: "text", Text: "hello"}}},
		},
	}
	body, err := ClaudeToKiro(req, "claude-sonnet-4", "")
	if err != nil {
		t.Fatalf("ClaudeToKiro failed: %v", err)
	}
	if got := currentContent(t, body); got != "Continue" {
		t.Errorf("expected synthesized Continue, got %q", got)
	}
}

func TestClaudeToKiroToolRoundTrip(t *testing.T) {
	req := &ClaudeRequest{
		Messages: []ClaudeMessage{
			{Role: "user", Content: ClaudeContent{{Type: "text", Text: "search it"}}},
			{Role: "assistant", Content: ClaudeContent{
				{Type: "tool_use", ID: "tu-1", Name: "search", Input: map[string]interface{}{"q": "go"}},
			}},
			{Role: "user", Content: ClaudeContent{
				{Type: "tool_result", ToolUseID: "tu-1", Content: json.RawMessage(`"found it"`)},
			}},
		},
		Tools: []ClaudeTool{{
			Name:        "search",
			Description: "Searches things",
			InputSchema: map[string]interface{}{"type": "object"},
		}},
	}

	body, err := ClaudeToKiro(req, "claude-sonnet-4", "")
	if err != nil {
		t.Fatalf("ClaudeToKiro failed: %v", err)
	}
	state := conversationState(t, body)

	history := state["history"].([]map[string]interface{})
	if len(history) != 2 {
		t.Fatalf("history length: %d", len(history))
	}
	assistant := history[1]["assistantResponseMessage"].(map[string]interface{})
	uses := assistant["toolUses"].([]map[string]interface{})
	if uses[0]["toolUseId"] != "tu-1" || uses[0]["name"] != "search" {
		t.Errorf("toolUses: %v", uses)
	}

	current := state["currentMessage"].(map[string]interface{})
	msg := current["userInputMessage"].(map[string]interface{})
	ctx := msg["userInputMessageContext"].(map[string]interface{})
	results := ctx["toolResults"].([]map[string]interface{})
	if results[0]["toolUseId"] != "tu-1" || results[0]["status"] != "success" {
		t.Errorf("toolResults: %v", results)
	}
	tools := ctx["tools"].([]map[string]interface{})
	spec := tools[0]["toolSpecification"].(map[string]interface{})
	if spec["name"] != "search" {
		t.Errorf("tool spec: %v", spec)
	}
}

func TestClaudeToKiroEmptyToolResultIsCancellation(t *testing.T) {
	req := &ClaudeRequest{
		Messages: []ClaudeMessage{
			{Role: "user", Content: ClaudeContent{
				{Type: "tool_result", ToolUseID: "tu-9"},
			}},
		},
	}
	body, err := ClaudeToKiro(req, "claude-sonnet-4", "")
	if err != nil {
		t.Fatalf("ClaudeToKiro failed: %v", err)
	}
	state := conversationState(t, body)
	msg := state["currentMessage"].(map[string]interface{})["userInputMessage"].(map[string]interface{})
	ctx := msg["userInputMessageContext"].(map[string]interface{})
	results := ctx["toolResults"].([]map[string]interface{})
	content := results[0]["content"].([]map[string]interface{})
	if content[0]["text"] != cancelledToolResult {
		t.Errorf("empty tool result: %v", content)
	}
}

func TestClaudeToKiroThinkingBlocks(t *testing.T) {
	req := &ClaudeRequest{
		Messages: []ClaudeMessage{
			{Role: "user", Content: ClaudeContent{{Type: "text", Text: "why?"}}},
			{Role: "assistant", Content: ClaudeContent{
				{Type: "thinking", Thinking: "pondering"},
				{Type: "text", Text: "because"},
			}},
			{Role: "user", Content: ClaudeContent{{Type: "text", Text: "ok"}}},
		},
		Thinking: &ClaudeThinking{Type: "enabled"},
	}
	body, err := ClaudeToKiro(req, "claude-sonnet-4", "")
	if err != nil {
		t.Fatalf("ClaudeToKiro failed: %v", err)
	}
	state := conversationState(t, body)
	history := state["history"].([]map[string]interface{})
	assistant := history[1]["assistantResponseMessage"].(map[string]interface{})
	if got := assistant["content"].(string); !strings.Contains(got, "<thinking>pondering</thinking>") {
		t.Errorf("thinking block not wrapped: %q", got)
	}
	if got := currentContent(t, body); !strings.Contains(got, "<thinking_mode>interleaved</thinking_mode>") {
		t.Errorf("thinking hint missing: %q", got)
	}
}

func TestOpenAIToKiroSystemAndTools(t *testing.T) {
	req := &OpenAIChatRequest{
		Model: "gpt-4o",
		Messages: []OpenAIMessage{
			{Role: "system", Content: "Be terse."},
			{Role: "user", Content: "list files"},
			{Role: "assistant", ToolCalls: []OpenAIToolCall{{
				ID: "call-1", Type: "function",
				Function: OpenAIFunctionCall{Name: "ls", Arguments: `{"path":"/tmp"}`},
			}}},
			{Role: "tool", ToolCallID: "call-1", Content: "a.txt"},
		},
		Tools: []Tool{{Type: "function", Function: &FunctionDefinition{
			Name: "ls", Parameters: map[string]interface{}{"type": "object"},
		}}},
	}

	body, err := OpenAIToKiro(req, "claude-sonnet-4", "")
	if err != nil {
		t.Fatalf("OpenAIToKiro failed: %v", err)
	}
	state := conversationState(t, body)

	content := currentContent(t, body)
	if !strings.Contains(content, "Be terse.") {
		t.Errorf("system prompt missing: %q", content)
	}

	history := state["history"].([]map[string]interface{})
	if len(history) != 2 {
		t.Fatalf("history length: %d", len(history))
	}
	assistant := history[1]["assistantResponseMessage"].(map[string]interface{})
	uses := assistant["toolUses"].([]map[string]interface{})
	input := uses[0]["input"].(map[string]interface{})
	if input["path"] != "/tmp" {
		t.Errorf("tool arguments not parsed: %v", input)
	}

	msg := state["currentMessage"].(map[string]interface{})["userInputMessage"].(map[string]interface{})
	ctx := msg["userInputMessageContext"].(map[string]interface{})
	results := ctx["toolResults"].([]map[string]interface{})
	if results[0]["toolUseId"] != "call-1" {
		t.Errorf("tool result: %v", results)
	}
}

func TestImagePruningKeepsLastTwoUserTurns(t *testing.T) {
	img := func(n string) ClaudeContentBlock {
		return ClaudeContentBlock{Type: "image", Source: &ClaudeImageSource{Type: "base64", MediaType: "image/png", Data: n}}
	}
	req := &ClaudeRequest{
		Messages: []ClaudeMessage{
			{Role: "user", Content: ClaudeContent{{Type: "text", Text: "one"}, img("img1")}},
			{Role: "assistant", Content: ClaudeContent{{Type: "text", Text: "a"}}},
			{Role: "user", Content: ClaudeContent{{Type: "text", Text: "two"}, img("img2")}},
			{Role: "assistant", Content: ClaudeContent{{Type: "text", Text: "b"}}},
			{Role: "user", Content: ClaudeContent{{Type: "text", Text: "three"}, img("img3")}},
		},
	}
	body, err := ClaudeToKiro(req, "claude-sonnet-4", "")
	if err != nil {
		t.Fatalf("ClaudeToKiro failed: %v", err)
	}
	state := conversationState(t, body)
	history := state["history"].([]map[string]interface{})

	first := history[0]["userInputMessage"].(map[string]interface{})
	if _, ok := first["images"]; ok {
		t.Error("oldest user turn should have images pruned")
	}
	second := history[2]["userInputMessage"].(map[string]interface{})
	if _, ok := second["images"]; !ok {
		t.Error("most recent prior user turn should keep images")
	}
	msg := state["currentMessage"].(map[string]interface{})["userInputMessage"].(map[string]interface{})
	if _, ok := msg["images"]; !ok {
		t.Error("current message should keep images")
	}
}

func TestNoMessagesFails(t *testing.T) {
	if _, err := ClaudeToKiro(&ClaudeRequest{}, "m", ""); err != ErrNoMessages {
		t.Errorf("expected ErrNoMessages, got %v", err)
	}
}

func TestLongToolDescriptionMovedToDocs(t *testing.T) {
	long := strings.Repeat("x", longToolDescription+100)
	req := &ClaudeRequest{
		Messages: []ClaudeMessage{{Role: "user", Content: ClaudeContent{{Type: "text", Text: "go"}}}},
		Tools:    []ClaudeTool{{Name: "big", Description: long}},
	}
	body, err := ClaudeToKiro(req, "claude-sonnet-4", "")
	if err != nil {
		t.Fatalf("ClaudeToKiro failed: %v", err)
	}
	content := currentContent(t, body)
	if !strings.Contains(content, toolDocsBegin) {
		t.Errorf("tool documentation section missing: %q", content[:100])
	}
}
