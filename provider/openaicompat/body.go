package openaicompat

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/athanor-ai/athanor"
)

// buildBody flattens the engine's block-structured messages into the chat
// completions shape: tool-use blocks become assistant tool_calls, tool-result
// blocks become individual role:"tool" messages, images become data URIs.
func buildBody(req athanor.Request, model string) chatRequest {
	var msgs []wireMessage
	if req.System != "" {
		msgs = append(msgs, wireMessage{Role: "system", Content: req.System})
	}

	for _, m := range req.Messages {
		role := roleOf(m.Role)

		var text string
		var blocks []contentBlock
		var calls []toolCallRequest
		var results []wireMessage
		for _, b := range m.Blocks {
			switch b.Type {
			case athanor.BlockText:
				text += b.Text
				blocks = append(blocks, contentBlock{Type: "text", Text: b.Text})
			case athanor.BlockImage:
				blocks = append(blocks, contentBlock{
					Type: "image_url",
					ImageURL: &imageURL{URL: fmt.Sprintf("data:%s;base64,%s",
						b.MediaType, base64.StdEncoding.EncodeToString(b.Data))},
				})
			case athanor.BlockToolUse:
				calls = append(calls, toolCallRequest{
					ID:   b.CallID,
					Type: "function",
					Function: functionCall{
						Name:      b.ToolName,
						Arguments: string(b.Args),
					},
				})
			case athanor.BlockToolResult:
				results = append(results, wireMessage{
					Role:       "tool",
					Content:    b.Payload,
					ToolCallID: b.CallID,
				})
			}
		}

		switch {
		case len(calls) > 0:
			msg := wireMessage{Role: "assistant", ToolCalls: calls}
			if text != "" {
				msg.Content = text
			}
			msgs = append(msgs, msg)
		case len(results) > 0:
			msgs = append(msgs, results...)
		case len(blocks) > 1:
			msgs = append(msgs, wireMessage{Role: role, Content: blocks})
		default:
			msgs = append(msgs, wireMessage{Role: role, Content: text})
		}
	}

	body := chatRequest{
		Model:     model,
		Messages:  msgs,
		MaxTokens: req.MaxTokens,
		Stop:      req.StopSequences,
	}
	if req.Temperature != 0 {
		t := req.Temperature
		body.Temperature = &t
	}
	if len(req.Tools) > 0 {
		body.Tools = buildToolDefs(req.Tools)
	}
	return body
}

func roleOf(r athanor.Role) string {
	switch r {
	case athanor.RoleAssistant:
		return "assistant"
	case athanor.RoleSystem:
		return "system"
	default:
		// User turns and human interjections both speak as the user.
		return "user"
	}
}

// buildToolDefs converts engine tool definitions to the function-tool format.
func buildToolDefs(tools []athanor.ToolDefinition) []wireTool {
	out := make([]wireTool, 0, len(tools))
	for _, t := range tools {
		params := t.InputSchema
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		out = append(out, wireTool{
			Type: "function",
			Function: wireFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
