package athanor

import (
	"encoding/json"
	"strings"
)

// Tier is an ordered subscription level. Capability gates compare tiers
// monotonically: a gate that admits seeker admits everything above it.
type Tier string

const (
	TierTrial     Tier = "trial"
	TierSeeker    Tier = "seeker"
	TierAlchemist Tier = "alchemist"
	TierAdept     Tier = "adept"
	TierOpus      Tier = "opus"
	TierAzothic   Tier = "azothic"
)

var tierRank = map[Tier]int{
	TierTrial:     0,
	TierSeeker:    1,
	TierAlchemist: 2,
	TierAdept:     3,
	TierOpus:      4,
	TierAzothic:   5,
}

// AtLeast reports whether t is at or above min. Unknown tiers rank below trial.
func (t Tier) AtLeast(min Tier) bool {
	r, ok := tierRank[t]
	if !ok {
		return false
	}
	return r >= tierRank[min]
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	_, ok := tierRank[t]
	return ok
}

// User is the caller identity as seen by the policy gate. Authentication and
// session issuance happen upstream; by the time a User reaches the gate its
// fields are trusted.
type User struct {
	ID   string `json:"id"`
	Tier Tier   `json:"tier"`
	// DevMode is a persisted, audited flag that widens the allowed-model set.
	// It never bypasses quota counters and has no per-request override.
	DevMode bool `json:"dev_mode,omitempty"`
	// PeriodStart is the unix second the current billing period began.
	// Counters reset lazily on first access past the period boundary.
	PeriodStart int64 `json:"period_start,omitempty"`
}

// ModelFamily buckets model ids for per-family quota counters and pricing.
type ModelFamily string

const (
	FamilyHaiku  ModelFamily = "haiku"
	FamilySonnet ModelFamily = "sonnet"
	FamilyOpus   ModelFamily = "opus"
	FamilyOther  ModelFamily = "other"
)

// FamilyOf maps a model id to its quota family by substring match.
func FamilyOf(modelID string) ModelFamily {
	switch {
	case strings.Contains(modelID, "haiku"):
		return FamilyHaiku
	case strings.Contains(modelID, "sonnet"):
		return FamilySonnet
	case strings.Contains(modelID, "opus"):
		return FamilyOpus
	default:
		return FamilyOther
	}
}

// BlockType identifies the kind of a content block.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockImage      BlockType = "image"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// Block is one atomic unit of message content. Only the fields for its Type
// are set; the rest stay zero.
type Block struct {
	Type BlockType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image
	MediaType string `json:"media_type,omitempty"`
	Data      []byte `json:"data,omitempty"`

	// tool_use / tool_result
	CallID   string          `json:"call_id,omitempty"`
	ToolName string          `json:"tool_name,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`

	// tool_result
	OK      bool   `json:"ok,omitempty"`
	Payload string `json:"payload,omitempty"`
}

func TextBlock(text string) Block {
	return Block{Type: BlockText, Text: text}
}

func ImageBlock(mediaType string, data []byte) Block {
	return Block{Type: BlockImage, MediaType: mediaType, Data: data}
}

func ToolUseBlock(callID, name string, args json.RawMessage) Block {
	return Block{Type: BlockToolUse, CallID: callID, ToolName: name, Args: args}
}

func ToolResultBlock(callID string, ok bool, payload string) Block {
	return Block{Type: BlockToolResult, CallID: callID, OK: ok, Payload: payload}
}

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	// RoleHumanInterject marks a human message injected into a council
	// session between agent turns. Providers serialize it as a user turn.
	RoleHumanInterject Role = "human_interject"
)

// Message is one entry in a conversation's append-only log.
//
// Invariant: every tool_use block carries exactly one matching tool_result
// block (same call id) in a following user message before the next assistant
// turn is solicited.
type Message struct {
	ID             string  `json:"id"`
	ConversationID string  `json:"conversation_id"`
	Role           Role    `json:"role"`
	Blocks         []Block `json:"blocks"`
	AgentID        string  `json:"agent_id,omitempty"`
	Usage          Usage   `json:"usage,omitzero"`
	CreatedAt      int64   `json:"created_at"`
}

// TextContent concatenates the message's text blocks.
func (m Message) TextContent() string {
	var b strings.Builder
	for _, blk := range m.Blocks {
		if blk.Type == BlockText {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

// Conversation is an append-only message log. A fork shares its parent's
// prefix by reference: ParentID and AnchorMessageID name the branch point and
// loads walk the parent chain up to the anchor.
type Conversation struct {
	ID              string `json:"id"`
	UserID          string `json:"user_id"`
	ParentID        string `json:"parent_id,omitempty"`
	AnchorMessageID string `json:"anchor_message_id,omitempty"`
	Label           string `json:"label,omitempty"`
	CreatedAt       int64  `json:"created_at"`
}

// EstimateTokens approximates the token size of a message for context-window
// budgeting. Roughly four characters per token plus per-block overhead.
func EstimateTokens(m Message) int {
	chars := 0
	for _, blk := range m.Blocks {
		chars += len(blk.Text) + len(blk.Payload) + len(blk.Args) + len(blk.Data)
	}
	return chars/4 + 8*len(m.Blocks)
}

// Usage tracks token accounting for one model call or one whole request.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	CachedTokens int `json:"cached_tokens,omitempty"`
}

// Add accumulates other into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CachedTokens += other.CachedTokens
}

// Total returns input plus output tokens.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }
