package streaming

import (
	"strings"
	"testing"

	"github.com/pysugar/kiro-nexus/internal/proxy/mappers"
	"github.com/pysugar/kiro-nexus/internal/tokenizer"
	"github.com/pysugar/kiro-nexus/internal/upstream"
)

func runOpenAI(events ...upstream.Event) (*OpenAIConverter, []SSEEvent) {
	c := NewOpenAIConverter("claude-sonnet-4", 7, tokenizer.NewCounter(1.0))
	out := c.Start()
	for _, ev := range events {
		out = append(out, c.OnEvent(ev)...)
	}
	out = append(out, c.Finish()...)
	return c, out
}

func deltaOf(t *testing.T, ev SSEEvent) *mappers.OpenAIDelta {
	t.Helper()
	chunk, ok := ev.Data.(mappers.OpenAIStreamChunk)
	if !ok {
		t.Fatalf("chunk type: %T", ev.Data)
	}
	if len(chunk.Choices) != 1 {
		t.Fatalf("choices: %d", len(chunk.Choices))
	}
	return chunk.Choices[0].Delta
}

func TestOpenAIRoleThenContentThenFinish(t *testing.T) {
	c, out := runOpenAI(textEvent("Hello"), textEvent(" there"))

	// role chunk, two content chunks, finish chunk
	if len(out) != 4 {
		t.Fatalf("chunk count: %d", len(out))
	}
	for _, ev := range out {
		if ev.Name != "" {
			t.Errorf("OpenAI frames must be unnamed, got %q", ev.Name)
		}
	}
	if d := deltaOf(t, out[0]); d.Role != "assistant" {
		t.Errorf("first chunk role: %q", d.Role)
	}
	if d := deltaOf(t, out[1]); d.Content != "Hello" {
		t.Errorf("content delta: %q", d.Content)
	}

	final := out[len(out)-1].Data.(mappers.OpenAIStreamChunk)
	if fr := final.Choices[0].FinishReason; fr == nil || *fr != "stop" {
		t.Errorf("finish_reason: %v", fr)
	}
	if final.Usage == nil || final.Usage.PromptTokens != 7 || final.Usage.CompletionTokens <= 0 {
		t.Errorf("usage: %+v", final.Usage)
	}

	resp := c.Response()
	if resp.Choices[0].Message.Content != "Hello there" {
		t.Errorf("accumulated content: %q", resp.Choices[0].Message.Content)
	}
}

func TestOpenAIThinkingStripped(t *testing.T) {
	c, out := runOpenAI(
		textEvent("<thinking>internal "),
		textEvent("musings</thinking>visible"),
	)
	var streamed strings.Builder
	for _, ev := range out[1 : len(out)-1] {
		streamed.WriteString(deltaOf(t, ev).Content)
	}
	if streamed.String() != "visible" {
		t.Errorf("streamed content: %q", streamed.String())
	}
	if got := c.Response().Choices[0].Message.Content; got != "visible" {
		t.Errorf("accumulated content: %q", got)
	}
	// Thinking-only output still counts as delivered content.
	if !c.HasContent() {
		t.Error("HasContent should be true")
	}
}

func TestOpenAIToolCallStreaming(t *testing.T) {
	c, out := runOpenAI(
		upstream.Event{Type: "toolUseEvent", Payload: map[string]interface{}{
			"toolUseId": "tu-9", "name": "lookup", "input": `{"key":`,
		}},
		upstream.Event{Type: "toolUseEvent", Payload: map[string]interface{}{
			"toolUseId": "tu-9", "input": `"v"}`, "stop": true,
		}},
	)

	var sawNamed bool
	var args strings.Builder
	for _, ev := range out {
		d := deltaOf(t, ev)
		for _, tc := range d.ToolCalls {
			if tc.ID == "tu-9" && tc.Function != nil && tc.Function.Name == "lookup" {
				sawNamed = true
			}
			if tc.Function != nil {
				args.WriteString(tc.Function.Arguments)
			}
		}
	}
	if !sawNamed {
		t.Error("no named tool_call delta")
	}
	if args.String() != `{"key":"v"}` {
		t.Errorf("streamed arguments: %q", args.String())
	}

	resp := c.Response()
	if fr := resp.Choices[0].FinishReason; fr == nil || *fr != "tool_calls" {
		t.Errorf("finish_reason: %v", fr)
	}
	calls := resp.Choices[0].Message.ToolCalls
	if len(calls) != 1 {
		t.Fatalf("tool calls: %d", len(calls))
	}
	if calls[0].ID != "tu-9" || calls[0].Function.Name != "lookup" {
		t.Errorf("call identity: %+v", calls[0])
	}
	if calls[0].Function.Arguments != `{"key":"v"}` {
		t.Errorf("arguments: %q", calls[0].Function.Arguments)
	}
}

func TestOpenAIToolCallEmptyInputDefaultsToObject(t *testing.T) {
	c, _ := runOpenAI(
		upstream.Event{Type: "toolUseEvent", Payload: map[string]interface{}{
			"toolUseId": "tu-0", "name": "noop", "stop": true,
		}},
	)
	calls := c.Response().Choices[0].Message.ToolCalls
	if len(calls) != 1 || calls[0].Function.Arguments != "{}" {
		t.Errorf("empty input: %+v", calls)
	}
}

func TestOpenAIErrorFrameShape(t *testing.T) {
	c := NewOpenAIConverter("m", 0, tokenizer.NewCounter(1.0))
	ev := c.Error("boom")
	data := ev.Data.(map[string]interface{})
	errObj, ok := data["error"].(map[string]interface{})
	if !ok || errObj["message"] != "boom" {
		t.Errorf("error frame: %v", data)
	}
}
