// Package openaicompat adapts any OpenAI-style chat completions endpoint
// (OpenAI, OpenRouter, Groq, Together, DeepSeek, Ollama, vLLM, and friends)
// to the engine's normalized streaming contract. Tool-call arguments arrive
// as JSON fragments spread across SSE frames; this package reassembles them
// and emits exactly one complete tool_use_end per call.
package openaicompat

import "encoding/json"

// chatRequest is the chat completions request body.
type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []wireMessage  `json:"messages"`
	Tools         []wireTool     `json:"tools,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Stop          []string       `json:"stop,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

// streamOptions requests usage in the final chunk.
type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// wireMessage is a single message in the flat chat format.
type wireMessage struct {
	Role       string            `json:"role"`
	Content    any               `json:"content"` // string or []contentBlock
	ToolCalls  []toolCallRequest `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
}

// contentBlock is a typed block for multimodal messages.
type contentBlock struct {
	Type     string    `json:"type"` // "text" or "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

// wireTool wraps a function definition in the tool format.
type wireTool struct {
	Type     string       `json:"type"` // always "function"
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// toolCallRequest appears in requests (complete) and stream deltas
// (fragmented; Index addresses the call being updated).
type toolCallRequest struct {
	Index    int          `json:"index"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function functionCall `json:"function"`
}

// functionCall carries the name and the arguments as a JSON string.
type functionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// chatChunk is one streamed response chunk.
type chatChunk struct {
	ID      string       `json:"id"`
	Choices []chunkChoice `json:"choices"`
	Usage   *wireUsage    `json:"usage,omitempty"`
}

type chunkChoice struct {
	Index        int           `json:"index"`
	Delta        *choiceDelta  `json:"delta,omitempty"`
	FinishReason string        `json:"finish_reason,omitempty"`
}

type choiceDelta struct {
	Role      string            `json:"role,omitempty"`
	Content   string            `json:"content,omitempty"`
	ToolCalls []toolCallRequest `json:"tool_calls,omitempty"`
}

type wireUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	PromptTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details,omitempty"`
}
