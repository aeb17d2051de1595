package athanor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ToolCategory drives the per-user concurrency cap for a tool.
type ToolCategory string

const (
	// CategoryBackground tools run without user interaction (cap 3 per user).
	CategoryBackground ToolCategory = "background"
	// CategoryInteractive tools wait on user confirmation (cap 1 per user).
	CategoryInteractive ToolCategory = "interactive"
)

// ToolDefinition is the model-facing description of a tool: what the
// provider adapter serializes into the request's tool list.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Invocation carries one tool call through the executor to its handler.
type Invocation struct {
	CallID         string
	Tool           string
	Args           json.RawMessage
	UserID         string
	ConversationID string
	AgentID        string
}

// Handler executes one validated tool call. It returns the payload the model
// receives as a tool-result block, or a typed error. Handlers must honor ctx
// cancellation; the executor enforces the deadline as a backstop.
type Handler func(ctx context.Context, inv Invocation) (string, error)

// Tool is one catalog entry. The zero Timeout means the executor default.
type Tool struct {
	Name        string
	Description string
	Category    ToolCategory
	// InputSchema is the JSON-schema source for the tool's arguments.
	// It is compiled once at registration.
	InputSchema string
	// MinTier blocks the tool below this tier. Zero value admits everyone.
	MinTier Tier
	// Feature names a tier feature flag the policy gate must grant, e.g.
	// code execution. Empty means no flag required.
	Feature string
	// RequiresApproval makes the executor wait for user confirmation
	// before running the handler.
	RequiresApproval bool
	Timeout          time.Duration
	Handler          Handler

	schema *jsonschema.Schema
}

// Definition returns the model-facing view of the tool.
func (t *Tool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: json.RawMessage(t.InputSchema),
	}
}

// ValidateArgs checks args against the tool's compiled schema.
func (t *Tool) ValidateArgs(args json.RawMessage) error {
	if t.schema == nil {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return E(KindValidationError, "arguments are not valid JSON: %v", err)
	}
	if err := t.schema.Validate(decoded); err != nil {
		return &Error{Kind: KindValidationError, Message: err.Error(), Err: err}
	}
	return nil
}
