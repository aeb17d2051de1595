package anthropic

import (
	"encoding/base64"
	"encoding/json"

	sdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/athanor-ai/athanor"
)

// buildParams converts an engine request to Messages API parameters. The
// system prompt rides in params.System, never in the message list.
func buildParams(req athanor.Request, model string) (sdk.MessageNewParams, error) {
	messages, err := convertMessages(req.Messages)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		Messages:  messages,
		MaxTokens: int64(req.MaxTokens),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	if len(req.StopSequences) > 0 {
		params.StopSequences = req.StopSequences
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return sdk.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

func convertMessages(messages []athanor.Message) ([]sdk.MessageParam, error) {
	var result []sdk.MessageParam
	for _, msg := range messages {
		if msg.Role == athanor.RoleSystem {
			continue
		}

		var content []sdk.ContentBlockParamUnion
		for _, blk := range msg.Blocks {
			switch blk.Type {
			case athanor.BlockText:
				content = append(content, sdk.NewTextBlock(blk.Text))
			case athanor.BlockImage:
				content = append(content, sdk.NewImageBlockBase64(
					blk.MediaType, base64.StdEncoding.EncodeToString(blk.Data)))
			case athanor.BlockToolUse:
				var input map[string]any
				if err := json.Unmarshal(blk.Args, &input); err != nil {
					return nil, athanor.ToolErr(athanor.KindMalformedToolCall, blk.CallID,
						"tool use input is not a JSON object: %v", err)
				}
				content = append(content, sdk.NewToolUseBlock(blk.CallID, input, blk.ToolName))
			case athanor.BlockToolResult:
				content = append(content, sdk.NewToolResultBlock(blk.CallID, blk.Payload, !blk.OK))
			}
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == athanor.RoleAssistant {
			result = append(result, sdk.NewAssistantMessage(content...))
		} else {
			// User turns and human interjections both speak as the user.
			result = append(result, sdk.NewUserMessage(content...))
		}
	}
	return result, nil
}

func convertTools(tools []athanor.ToolDefinition) ([]sdk.ToolUnionParam, error) {
	result := make([]sdk.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema sdk.ToolInputSchemaParam
		if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
			return nil, athanor.E(athanor.KindProviderPermanent,
				"invalid input schema for tool %s: %v", t.Name, err)
		}
		param := sdk.ToolUnionParamOfTool(schema, t.Name)
		if param.OfTool == nil {
			return nil, athanor.E(athanor.KindProviderPermanent,
				"invalid tool definition for %s", t.Name)
		}
		param.OfTool.Description = sdk.String(t.Description)
		result = append(result, param)
	}
	return result, nil
}
