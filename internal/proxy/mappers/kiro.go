package mappers

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

// Conversion to the upstream native request shape. Both caller dialects are
// normalized into alternating turns, then rendered into the
// conversationState body the completion endpoint expects. Pure functions, no
// I/O.

const (
	systemPromptBegin = "--- SYSTEM PROMPT BEGIN ---"
	systemPromptEnd   = "--- SYSTEM PROMPT END ---"
	toolDocsBegin     = "--- TOOL DOCUMENTATION ---"

	// Tool descriptions beyond this many bytes are truncated on the wire.
	maxToolDescription = 10240
	// Descriptions beyond this are moved into the documentation section and
	// summarized in the tool spec itself.
	longToolDescription = 4096

	// Hint appended to the current message when the caller enables extended
	// thinking.
	thinkingHint = "<thinking_mode>interleaved</thinking_mode><max_thinking_length>16000</max_thinking_length>"

	cancelledToolResult = "Tool use was cancelled by the user"

	origin = "KIRO_CLI"
)

// ErrNoMessages is returned when a request carries no convertible messages.
var ErrNoMessages = fmt.Errorf("request contains no messages")

// turn is a normalized conversation entry shared by both dialects.
type turn struct {
	role        string // "user" or "assistant"
	content     string
	toolUses    []map[string]interface{}
	toolResults []map[string]interface{}
	images      []map[string]interface{}
}

// ClaudeToKiro converts a Claude Messages request into the upstream body.
func ClaudeToKiro(req *ClaudeRequest, modelID, conversationID string) (map[string]interface{}, error) {
	turns := claudeTurns(req.Messages)
	tools, docs := convertTools(claudeToolSpecs(req.Tools))
	thinking := req.Thinking != nil && req.Thinking.Type == "enabled"
	return buildConversation(turns, req.System.Text, tools, docs, thinking, modelID, conversationID)
}

// OpenAIToKiro converts an OpenAI Chat Completions request into the upstream
// body. System messages become the system prompt; tool/function calls map to
// the normalized tool representation.
func OpenAIToKiro(req *OpenAIChatRequest, modelID, conversationID string) (map[string]interface{}, error) {
	var system []string
	for _, msg := range req.Messages {
		if msg.Role == "system" || msg.Role == "developer" {
			if msg.Content != "" {
				system = append(system, msg.Content)
			}
		}
	}
	turns := openAITurns(req.Messages)
	tools, docs := convertTools(openAIToolSpecs(req.Tools))
	return buildConversation(turns, strings.Join(system, "\n"), tools, docs, false, modelID, conversationID)
}

// toolSpec is the dialect-neutral tool definition.
type toolSpec struct {
	name        string
	description string
	schema      map[string]interface{}
}

func claudeToolSpecs(tools []ClaudeTool) []toolSpec {
	specs := make([]toolSpec, 0, len(tools))
	for _, t := range tools {
		specs = append(specs, toolSpec{name: t.Name, description: t.Description, schema: t.InputSchema})
	}
	return specs
}

func openAIToolSpecs(tools []Tool) []toolSpec {
	var specs []toolSpec
	for _, t := range tools {
		if t.Type != "function" || t.Function == nil {
			continue
		}
		specs = append(specs, toolSpec{
			name:        t.Function.Name,
			description: t.Function.Description,
			schema:      t.Function.Parameters,
		})
	}
	return specs
}

// convertTools renders tool specs into the upstream shape. Oversized
// descriptions are summarized inline and the full text is collected into a
// documentation section appended to the current message.
func convertTools(specs []toolSpec) ([]map[string]interface{}, string) {
	if len(specs) == 0 {
		return nil, ""
	}
	var out []map[string]interface{}
	var docs strings.Builder
	for _, spec := range specs {
		desc := spec.description
		if len(desc) > longToolDescription {
			docs.WriteString(fmt.Sprintf("\n## Tool: %s\n%s\n", spec.name, desc))
			desc = desc[:longToolDescription] + "... (see tool documentation)"
		}
		if len(desc) > maxToolDescription {
			desc = desc[:maxToolDescription]
		}
		schema := spec.schema
		if schema == nil {
			schema = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
		}
		out = append(out, map[string]interface{}{
			"toolSpecification": map[string]interface{}{
				"name":        spec.name,
				"description": desc,
				"inputSchema": map[string]interface{}{"json": schema},
			},
		})
	}
	if docs.Len() > 0 {
		return out, toolDocsBegin + "\n" + docs.String()
	}
	return out, ""
}

func claudeTurns(messages []ClaudeMessage) []turn {
	var turns []turn
	for _, msg := range messages {
		t := turn{role: msg.Role}
		var texts []string
		for _, block := range msg.Content {
			switch block.Type {
			case "text":
				if block.Text != "" {
					texts = append(texts, block.Text)
				}
			case "thinking":
				if block.Thinking != "" {
					texts = append(texts, "<thinking>"+block.Thinking+"</thinking>")
				}
			case "tool_use":
				t.toolUses = append(t.toolUses, map[string]interface{}{
					"toolUseId": block.ID,
					"name":      block.Name,
					"input":     orEmptyInput(block.Input),
				})
			case "tool_result":
				t.toolResults = append(t.toolResults, toolResultEntry(block.ToolUseID, block.ToolResultText(), block.IsError))
			case "image":
				if block.Source != nil && block.Source.Data != "" {
					t.images = append(t.images, imageEntry(block.Source.MediaType, block.Source.Data))
				}
			}
		}
		t.content = strings.Join(texts, "\n")
		turns = append(turns, t)
	}
	return mergeTurns(turns)
}

func openAITurns(messages []OpenAIMessage) []turn {
	var turns []turn
	for _, msg := range messages {
		switch msg.Role {
		case "system", "developer":
			continue
		case "assistant":
			t := turn{role: "assistant", content: msg.Content}
			for _, call := range msg.ToolCalls {
				input := map[string]interface{}{}
				if call.Function.Arguments != "" {
					json.Unmarshal([]byte(call.Function.Arguments), &input)
				}
				t.toolUses = append(t.toolUses, map[string]interface{}{
					"toolUseId": call.ID,
					"name":      call.Function.Name,
					"input":     input,
				})
			}
			turns = append(turns, t)
		case "tool":
			turns = append(turns, turn{
				role:        "user",
				toolResults: []map[string]interface{}{toolResultEntry(msg.ToolCallID, msg.Content, false)},
			})
		default: // user
			t := turn{role: "user", content: msg.Content}
			for _, img := range msg.Images {
				t.images = append(t.images, imageEntry(img.MediaType, img.Data))
			}
			turns = append(turns, t)
		}
	}
	return mergeTurns(turns)
}

func toolResultEntry(toolUseID, text string, isError bool) map[string]interface{} {
	if text == "" {
		text = cancelledToolResult
	}
	status := "success"
	if isError {
		status = "error"
	}
	return map[string]interface{}{
		"toolUseId": toolUseID,
		"content":   []map[string]interface{}{{"text": text}},
		"status":    status,
	}
}

func imageEntry(mediaType, data string) map[string]interface{} {
	format := "png"
	if i := strings.LastIndexByte(mediaType, '/'); i >= 0 && i+1 < len(mediaType) {
		format = mediaType[i+1:]
	}
	return map[string]interface{}{
		"format": format,
		"source": map[string]interface{}{"bytes": data},
	}
}

// mergeTurns collapses consecutive same-role turns so the history alternates
// strictly. The upstream rejects two user turns in a row.
func mergeTurns(turns []turn) []turn {
	var merged []turn
	for _, t := range turns {
		if len(merged) > 0 && merged[len(merged)-1].role == t.role {
			prev := &merged[len(merged)-1]
			if t.content != "" {
				if prev.content != "" {
					prev.content += "\n" + t.content
				} else {
					prev.content = t.content
				}
			}
			prev.toolUses = append(prev.toolUses, t.toolUses...)
			prev.toolResults = append(prev.toolResults, t.toolResults...)
			prev.images = append(prev.images, t.images...)
			continue
		}
		merged = append(merged, t)
	}
	return merged
}

// buildConversation renders normalized turns into the final request body.
// The trailing user turn becomes the current message; the rest become
// history, repaired to start with a user turn.
func buildConversation(turns []turn, system string, tools []map[string]interface{}, toolDocs string, thinking bool, modelID, conversationID string) (map[string]interface{}, error) {
	if len(turns) == 0 {
		return nil, ErrNoMessages
	}

	var current turn
	if turns[len(turns)-1].role == "user" {
		current = turns[len(turns)-1]
		turns = turns[:len(turns)-1]
	} else {
		// Caller ended on an assistant turn; ask the model to continue.
		current = turn{role: "user", content: "Continue"}
	}
	if len(turns) > 0 && turns[0].role == "assistant" {
		turns = append([]turn{{role: "user", content: ""}}, turns...)
	}

	// Only the current and the most recent prior user turn keep images.
	pruneImages(turns)

	history := make([]map[string]interface{}, 0, len(turns))
	for _, t := range turns {
		if t.role == "user" {
			history = append(history, map[string]interface{}{
				"userInputMessage": userInputMessage(t, "", modelID, nil, ""),
			})
		} else {
			msg := map[string]interface{}{"content": t.content}
			if len(t.toolUses) > 0 {
				msg["toolUses"] = t.toolUses
			}
			history = append(history, map[string]interface{}{
				"assistantResponseMessage": msg,
			})
		}
	}

	// Current message content: system prompt wrapper, tool documentation,
	// caller text, thinking hint.
	var sb strings.Builder
	if system != "" {
		sb.WriteString(systemPromptBegin + "\n" + system + "\n" + systemPromptEnd + "\n\n")
	}
	if toolDocs != "" {
		sb.WriteString(toolDocs + "\n\n")
	}
	sb.WriteString(current.content)
	if thinking {
		sb.WriteString("\n" + thinkingHint)
	}
	content := sb.String()
	if strings.TrimSpace(content) == "" {
		content = "Continue"
	}

	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	return map[string]interface{}{
		"conversationState": map[string]interface{}{
			"conversationId": conversationID,
			"history":        history,
			"currentMessage": map[string]interface{}{
				"userInputMessage": userInputMessage(current, content, modelID, tools, "current"),
			},
			"chatTriggerType": "MANUAL",
		},
	}, nil
}

// userInputMessage renders one user turn. contentOverride replaces the raw
// turn content for the current message (wrappers applied).
func userInputMessage(t turn, contentOverride, modelID string, tools []map[string]interface{}, position string) map[string]interface{} {
	content := t.content
	if contentOverride != "" {
		content = contentOverride
	}
	msg := map[string]interface{}{
		"content": content,
		"modelId": modelID,
		"origin":  origin,
	}

	ctx := map[string]interface{}{}
	if len(t.toolResults) > 0 {
		ctx["toolResults"] = t.toolResults
	}
	if position == "current" {
		if len(tools) > 0 {
			ctx["tools"] = tools
		}
		ctx["envState"] = map[string]interface{}{
			"operatingSystem": runtime.GOOS,
		}
	}
	if len(ctx) > 0 {
		msg["userInputMessageContext"] = ctx
	}

	if len(t.images) > 0 {
		msg["images"] = t.images
	}
	return msg
}

// pruneImages drops images from all but the most recent prior user turn.
// Old screenshots blow the request size without adding context.
func pruneImages(turns []turn) {
	kept := 0
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].role != "user" || len(turns[i].images) == 0 {
			continue
		}
		if kept >= 1 {
			turns[i].images = nil
		} else {
			kept++
		}
	}
}

func orEmptyInput(input map[string]interface{}) map[string]interface{} {
	if input == nil {
		return map[string]interface{}{}
	}
	return input
}
