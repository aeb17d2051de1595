package athanor

import "context"

// Counter identifies one usage ledger per user and billing period.
type Counter string

const (
	CounterMessagesTotal   Counter = "messages_total"
	CounterMessagesHaiku   Counter = "messages_haiku"
	CounterMessagesSonnet  Counter = "messages_sonnet"
	CounterMessagesOpus    Counter = "messages_opus"
	CounterMessagesOther   Counter = "messages_other"
	CounterMusic           Counter = "music_generations"
	CounterCouncilSessions Counter = "council_sessions"
	CounterCouncilRounds   Counter = "council_rounds"
	CounterJam             Counter = "jam_sessions"
	CounterTraining        Counter = "training_jobs"
	CounterVaultBytes      Counter = "vault_bytes"
)

// MessagesCounter returns the per-family message counter for a model family.
func MessagesCounter(f ModelFamily) Counter {
	switch f {
	case FamilyHaiku:
		return CounterMessagesHaiku
	case FamilySonnet:
		return CounterMessagesSonnet
	case FamilyOpus:
		return CounterMessagesOpus
	default:
		return CounterMessagesOther
	}
}

// ConversationStore is the repository contract for conversations and their
// branches. Implementations guarantee a total order on messages within a
// conversation and atomic append.
type ConversationStore interface {
	// CreateConversation persists a new root conversation.
	CreateConversation(ctx context.Context, conv Conversation) error
	// GetConversation returns the conversation record.
	GetConversation(ctx context.Context, id string) (Conversation, error)
	// LoadTail returns the newest messages of the conversation, walking
	// parent links through the branch anchor, oldest first. maxTokens
	// bounds the tail by the estimated token size; zero means no bound.
	LoadTail(ctx context.Context, conversationID string, maxTokens int) ([]Message, error)
	// Append adds msg at the end of the conversation.
	Append(ctx context.Context, conversationID string, msg Message) error
	// Fork creates a conversation sharing the prefix of conversationID up
	// to anchorMessageID by reference and returns the new id. The fork is
	// the new append target; the parent is untouched.
	Fork(ctx context.Context, conversationID, anchorMessageID, label string) (string, error)
}

// QuotaStore is the persistence contract behind the quota gate. Counters are
// keyed by (user, counter, period start); a new period simply starts new
// rows, which is the lazy reset.
type QuotaStore interface {
	// CounterValue returns the current count for the key, zero when absent.
	CounterValue(ctx context.Context, userID string, counter Counter, period int64) (int64, error)
	// AddCounter adds delta (possibly negative) to the key and returns the
	// new value. The add must be atomic at the storage level.
	AddCounter(ctx context.Context, userID string, counter Counter, period int64, delta int64) (int64, error)
}

// AuditEntry is one recorded tool invocation or notable engine decision.
// Input and output are truncated before persistence.
type AuditEntry struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	AgentID        string    `json:"agent_id,omitempty"`
	CallID         string    `json:"call_id,omitempty"`
	Tool           string    `json:"tool,omitempty"`
	Input          string    `json:"input,omitempty"`
	Output         string    `json:"output,omitempty"`
	Kind           ErrorKind `json:"kind,omitempty"`
	ElapsedMS      int64     `json:"elapsed_ms"`
	CreatedAt      int64     `json:"created_at"`
}

// AuditStore records audit rows. Implementations must not block the hot path
// beyond a single write.
type AuditStore interface {
	RecordAudit(ctx context.Context, entry AuditEntry) error
}

// Store is the full persistence surface a substrate provides.
type Store interface {
	ConversationStore
	QuotaStore
	AuditStore
}
