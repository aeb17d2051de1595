package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/athanor-ai/athanor"
)

// partialToolCall accumulates one tool call across stream chunks: the first
// chunk for an index carries id and name, later chunks append argument
// fragments.
type partialToolCall struct {
	id      string
	name    string
	args    strings.Builder
	started bool
}

// streamSSE reads the SSE body line by line and emits normalized events.
// Tool calls are closed only at stream end, after every fragment has
// arrived; arguments that still do not parse then surface as
// MalformedToolCall.
//
// Expected framing:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func streamSSE(ctx context.Context, body io.Reader, ch chan<- athanor.ProviderEvent) error {
	scanner := bufio.NewScanner(body)
	// Large payloads arrive in single SSE lines.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	send := func(ev athanor.ProviderEvent) error {
		select {
		case ch <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var (
		calls      []*partialToolCall
		usage      athanor.Usage
		finish     string
		sawDone    bool
	)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			sawDone = true
			break
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Malformed frames are skipped; the arguments-complete check
			// at stream end catches anything that mattered.
			continue
		}

		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
			if chunk.Usage.PromptTokensDetails != nil {
				usage.CachedTokens = chunk.Usage.PromptTokensDetails.CachedTokens
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finish = choice.FinishReason
		}
		delta := choice.Delta
		if delta == nil {
			continue
		}

		if delta.Content != "" {
			if err := send(athanor.ProviderEvent{Type: athanor.TextDelta, Text: delta.Content}); err != nil {
				return err
			}
		}

		for _, tc := range delta.ToolCalls {
			idx := tc.Index
			for len(calls) <= idx {
				calls = append(calls, &partialToolCall{})
			}
			call := calls[idx]
			if tc.ID != "" {
				call.id = tc.ID
			}
			if tc.Function.Name != "" {
				call.name = tc.Function.Name
			}
			if !call.started && call.id != "" && call.name != "" {
				call.started = true
				if err := send(athanor.ProviderEvent{
					Type: athanor.ToolUseStart, CallID: call.id, ToolName: call.name,
				}); err != nil {
					return err
				}
			}
			if tc.Function.Arguments != "" {
				call.args.WriteString(tc.Function.Arguments)
				if call.started {
					if err := send(athanor.ProviderEvent{
						Type: athanor.ToolUseArgumentsDelta, CallID: call.id,
						Fragment: tc.Function.Arguments,
					}); err != nil {
						return err
					}
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return &athanor.Error{Kind: athanor.KindProviderTransient, Message: "stream read failed", Err: err}
	}
	if !sawDone && finish == "" {
		return athanor.E(athanor.KindProviderTransient, "stream ended without completion")
	}

	// Close out tool calls in index order.
	for _, call := range calls {
		raw := call.args.String()
		if raw == "" {
			raw = "{}"
		}
		args := json.RawMessage(raw)
		if call.id == "" || call.name == "" || !json.Valid(args) {
			return &athanor.Error{
				Kind: athanor.KindMalformedToolCall, CallID: call.id,
				Message: "incomplete tool call arguments at stream end",
			}
		}
		if err := send(athanor.ProviderEvent{
			Type: athanor.ToolUseEnd, CallID: call.id, ToolName: call.name, Args: args,
		}); err != nil {
			return err
		}
	}

	if err := send(athanor.ProviderEvent{Type: athanor.UsageReport, Usage: usage}); err != nil {
		return err
	}
	return send(athanor.ProviderEvent{Type: athanor.TurnDone, StopReason: stopReasonOf(finish, len(calls) > 0)})
}

func stopReasonOf(finish string, hasTools bool) athanor.StopReason {
	switch finish {
	case "tool_calls":
		return athanor.StopToolUse
	case "length":
		return athanor.StopMaxTokens
	case "stop", "":
		if hasTools {
			return athanor.StopToolUse
		}
		return athanor.StopEndTurn
	default:
		return athanor.StopEndTurn
	}
}
