package anthropic

import (
	"context"
	"encoding/json"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/athanor-ai/athanor"
)

// maxEmptyStreamEvents bounds consecutive events that produce no output.
// A stream flooding empty frames is treated as malformed rather than being
// consumed forever.
const maxEmptyStreamEvents = 300

// pendingTool tracks the tool-use block currently being assembled. Input
// arrives as partial JSON across delta events and is finalized at block stop.
type pendingTool struct {
	id    string
	name  string
	input strings.Builder
}

// consume drains the SSE stream and emits normalized events. Exactly one
// tool_use_end is emitted per tool call, after all of its argument deltas.
func consume(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion], ch chan<- athanor.ProviderEvent) error {
	send := func(ev athanor.ProviderEvent) error {
		select {
		case ch <- ev:
			return nil
		case <-ctx.Done():
			return athanor.E(athanor.KindCancelled, "stream cancelled")
		}
	}

	var (
		tool       *pendingTool
		usage      athanor.Usage
		stopReason athanor.StopReason = athanor.StopEndTurn
		emptyCount int
	)

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			usage.InputTokens = int(start.Message.Usage.InputTokens)
			usage.CachedTokens = int(start.Message.Usage.CacheReadInputTokens)
			processed = true

		case "content_block_start":
			blockStart := event.AsContentBlockStart()
			if blockStart.ContentBlock.Type == "tool_use" {
				toolUse := blockStart.ContentBlock.AsToolUse()
				tool = &pendingTool{id: toolUse.ID, name: toolUse.Name}
				if err := send(athanor.ProviderEvent{
					Type: athanor.ToolUseStart, CallID: tool.id, ToolName: tool.name,
				}); err != nil {
					return err
				}
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					if err := send(athanor.ProviderEvent{
						Type: athanor.TextDelta, Text: delta.Text,
					}); err != nil {
						return err
					}
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" && tool != nil {
					tool.input.WriteString(delta.PartialJSON)
					if err := send(athanor.ProviderEvent{
						Type: athanor.ToolUseArgumentsDelta, CallID: tool.id,
						Fragment: delta.PartialJSON,
					}); err != nil {
						return err
					}
					processed = true
				}
			}

		case "content_block_stop":
			if tool != nil {
				raw := tool.input.String()
				if raw == "" {
					raw = "{}"
				}
				args := json.RawMessage(raw)
				if !json.Valid(args) {
					return athanor.ToolErr(athanor.KindMalformedToolCall, tool.id,
						"tool call arguments incomplete at block end")
				}
				if err := send(athanor.ProviderEvent{
					Type: athanor.ToolUseEnd, CallID: tool.id, ToolName: tool.name, Args: args,
				}); err != nil {
					return err
				}
				tool = nil
				processed = true
			}

		case "message_delta":
			msgDelta := event.AsMessageDelta()
			if msgDelta.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(msgDelta.Usage.OutputTokens)
			}
			switch msgDelta.Delta.StopReason {
			case "tool_use":
				stopReason = athanor.StopToolUse
			case "max_tokens":
				stopReason = athanor.StopMaxTokens
			case "end_turn", "stop_sequence":
				stopReason = athanor.StopEndTurn
			}
			processed = true

		case "message_stop":
			if err := send(athanor.ProviderEvent{Type: athanor.UsageReport, Usage: usage}); err != nil {
				return err
			}
			return send(athanor.ProviderEvent{Type: athanor.TurnDone, StopReason: stopReason})
		}

		if processed {
			emptyCount = 0
		} else {
			emptyCount++
			if emptyCount >= maxEmptyStreamEvents {
				return athanor.E(athanor.KindProviderTransient,
					"stream malformed: %d consecutive empty events", emptyCount)
			}
		}
	}

	if err := stream.Err(); err != nil {
		return classify(err)
	}
	if ctx.Err() != nil {
		return athanor.E(athanor.KindCancelled, "stream cancelled")
	}
	return athanor.E(athanor.KindProviderTransient, "stream ended without message_stop")
}
