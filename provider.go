package athanor

import (
	"context"
	"encoding/json"
)

// ProviderEventType identifies the kind of a normalized provider event.
type ProviderEventType string

const (
	// TextDelta carries an incremental chunk of assistant text.
	TextDelta ProviderEventType = "text_delta"
	// ToolUseStart announces a tool call; argument deltas follow.
	ToolUseStart ProviderEventType = "tool_use_start"
	// ToolUseArgumentsDelta carries a fragment of the call's JSON arguments.
	ToolUseArgumentsDelta ProviderEventType = "tool_use_arguments_delta"
	// ToolUseEnd closes a tool call with its complete parsed arguments.
	// Emitted exactly once per call id, after all of its argument deltas.
	ToolUseEnd ProviderEventType = "tool_use_end"
	// UsageReport carries token accounting for the turn.
	UsageReport ProviderEventType = "usage_report"
	// TurnDone is the last event of a successful stream.
	TurnDone ProviderEventType = "done"
)

// StopReason explains why the model stopped emitting.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// ProviderEvent is one normalized event from a model stream. Only the fields
// for its Type are set.
type ProviderEvent struct {
	Type ProviderEventType

	Text string // TextDelta

	CallID   string          // ToolUseStart, ToolUseArgumentsDelta, ToolUseEnd
	ToolName string          // ToolUseStart
	Fragment string          // ToolUseArgumentsDelta
	Args     json.RawMessage // ToolUseEnd

	Usage Usage // UsageReport

	StopReason StopReason // TurnDone
}

// Request is one model turn handed to a provider adapter.
type Request struct {
	Model         string
	System        string
	Messages      []Message
	Tools         []ToolDefinition
	MaxTokens     int
	Temperature   float64
	StopSequences []string
}

// Provider abstracts one model backend behind a single streaming operation.
//
// Stream executes one model turn and sends normalized events into ch in
// arrival order. On success the last event sent is TurnDone. On failure
// Stream stops sending and returns a typed *Error: ProviderTransient for
// retry-eligible transport faults, ProviderPermanent for upstream rejections,
// MalformedToolCall when a tool call's arguments are incomplete at stream
// end. Stream never closes ch, never retries, and returns promptly once ctx
// is cancelled.
type Provider interface {
	Stream(ctx context.Context, req Request, ch chan<- ProviderEvent) error
	// Name identifies the backend, e.g. "anthropic" or "openaicompat".
	Name() string
}

var _ Provider = (ProviderFunc)(nil)

// ProviderFunc adapts a function to the Provider interface. Used by tests
// and by thin decorators.
type ProviderFunc func(ctx context.Context, req Request, ch chan<- ProviderEvent) error

func (f ProviderFunc) Stream(ctx context.Context, req Request, ch chan<- ProviderEvent) error {
	return f(ctx, req, ch)
}

func (f ProviderFunc) Name() string { return "func" }
