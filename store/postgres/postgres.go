// Package postgres implements athanor.Store using PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/athanor-ai/athanor"
)

// maxForkDepth bounds how many parent links LoadTail will follow. A chain
// deeper than this indicates a cycle or runaway forking.
const maxForkDepth = 64

// Store implements athanor.Store backed by PostgreSQL. Message blocks are
// stored as JSONB; quota counters upsert atomically with RETURNING.
type Store struct {
	pool *pgxpool.Pool
}

var _ athanor.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			parent_id TEXT,
			anchor_message_id TEXT,
			label TEXT,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS conversations_user_idx ON conversations(user_id)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			agent_id TEXT,
			blocks JSONB NOT NULL,
			usage JSONB,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_conversation_idx ON messages(conversation_id, created_at, id)`,

		`CREATE TABLE IF NOT EXISTS counters (
			user_id TEXT NOT NULL,
			counter TEXT NOT NULL,
			period_start BIGINT NOT NULL,
			value BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, counter, period_start)
		)`,

		`CREATE TABLE IF NOT EXISTS audit (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			conversation_id TEXT,
			agent_id TEXT,
			call_id TEXT,
			tool TEXT,
			input TEXT,
			output TEXT,
			kind TEXT,
			elapsed_ms BIGINT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS audit_user_idx ON audit(user_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}
	return nil
}

// CreateConversation persists a new conversation record.
func (s *Store) CreateConversation(ctx context.Context, conv athanor.Conversation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (id, user_id, parent_id, anchor_message_id, label, created_at)
		 VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), $6)`,
		conv.ID, conv.UserID, conv.ParentID, conv.AnchorMessageID, conv.Label, conv.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

// GetConversation returns a conversation by ID.
func (s *Store) GetConversation(ctx context.Context, id string) (athanor.Conversation, error) {
	var c athanor.Conversation
	var parentID, anchorID, label *string
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, parent_id, anchor_message_id, label, created_at
		 FROM conversations WHERE id = $1`, id,
	).Scan(&c.ID, &c.UserID, &parentID, &anchorID, &label, &c.CreatedAt)
	if err != nil {
		return athanor.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	if parentID != nil {
		c.ParentID = *parentID
	}
	if anchorID != nil {
		c.AnchorMessageID = *anchorID
	}
	if label != nil {
		c.Label = *label
	}
	return c, nil
}

// Append adds a message at the end of a conversation.
func (s *Store) Append(ctx context.Context, conversationID string, msg athanor.Message) error {
	blocksJSON, err := json.Marshal(msg.Blocks)
	if err != nil {
		return fmt.Errorf("marshal blocks: %w", err)
	}
	var usageJSON []byte
	if msg.Usage != (athanor.Usage{}) {
		usageJSON, _ = json.Marshal(msg.Usage)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, role, agent_id, blocks, usage, created_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7)`,
		msg.ID, conversationID, string(msg.Role), msg.AgentID, blocksJSON, usageJSON, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// LoadTail returns the conversation's messages oldest first, walking parent
// links through each branch anchor. maxTokens bounds the tail by estimated
// token size; zero means no bound.
func (s *Store) LoadTail(ctx context.Context, conversationID string, maxTokens int) ([]athanor.Message, error) {
	var segments [][]athanor.Message
	id := conversationID
	boundary := ""

	for depth := 0; id != ""; depth++ {
		if depth >= maxForkDepth {
			return nil, fmt.Errorf("load tail: fork chain deeper than %d at %s", maxForkDepth, id)
		}
		conv, err := s.GetConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		seg, err := s.segment(ctx, id, boundary)
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg)
		id = conv.ParentID
		boundary = conv.AnchorMessageID
	}

	var messages []athanor.Message
	for i := len(segments) - 1; i >= 0; i-- {
		messages = append(messages, segments[i]...)
	}

	if maxTokens > 0 {
		total := 0
		cut := 0
		for i := len(messages) - 1; i >= 0; i-- {
			total += athanor.EstimateTokens(messages[i])
			if total > maxTokens {
				cut = i + 1
				break
			}
		}
		messages = messages[cut:]
	}
	return messages, nil
}

func (s *Store) segment(ctx context.Context, conversationID, boundary string) ([]athanor.Message, error) {
	query := `SELECT id, conversation_id, role, agent_id, blocks, usage, created_at
		 FROM messages WHERE conversation_id = $1`
	args := []any{conversationID}
	if boundary != "" {
		var createdAt int64
		err := s.pool.QueryRow(ctx,
			`SELECT created_at FROM messages WHERE id = $1 AND conversation_id = $2`,
			boundary, conversationID,
		).Scan(&createdAt)
		if err != nil {
			return nil, fmt.Errorf("resolve anchor %s: %w", boundary, err)
		}
		query += ` AND (created_at < $2 OR (created_at = $2 AND id <= $3))`
		args = append(args, createdAt, boundary)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	var messages []athanor.Message
	for rows.Next() {
		var m athanor.Message
		var role string
		var agentID *string
		var blocksJSON, usageJSON []byte
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &agentID, &blocksJSON, &usageJSON, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = athanor.Role(role)
		if agentID != nil {
			m.AgentID = *agentID
		}
		if err := json.Unmarshal(blocksJSON, &m.Blocks); err != nil {
			return nil, fmt.Errorf("unmarshal blocks for %s: %w", m.ID, err)
		}
		if len(usageJSON) > 0 {
			_ = json.Unmarshal(usageJSON, &m.Usage)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// Fork creates a conversation sharing the prefix of conversationID up to and
// including anchorMessageID by reference, and returns the new id.
func (s *Store) Fork(ctx context.Context, conversationID, anchorMessageID, label string) (string, error) {
	parent, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return "", err
	}
	var exists int
	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE id = $1 AND conversation_id = $2`,
		anchorMessageID, conversationID,
	).Scan(&exists)
	if err != nil {
		return "", fmt.Errorf("check anchor: %w", err)
	}
	if exists == 0 {
		return "", fmt.Errorf("fork: anchor message %s not in conversation %s", anchorMessageID, conversationID)
	}

	fork := athanor.Conversation{
		ID:              athanor.NewID(),
		UserID:          parent.UserID,
		ParentID:        conversationID,
		AnchorMessageID: anchorMessageID,
		Label:           label,
		CreatedAt:       time.Now().Unix(),
	}
	if err := s.CreateConversation(ctx, fork); err != nil {
		return "", err
	}
	return fork.ID, nil
}

// CounterValue returns the current count for the key, zero when absent.
func (s *Store) CounterValue(ctx context.Context, userID string, counter athanor.Counter, period int64) (int64, error) {
	var value int64
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM counters WHERE user_id = $1 AND counter = $2 AND period_start = $3`,
		userID, string(counter), period,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("counter value: %w", err)
	}
	return value, nil
}

// AddCounter adds delta to the key atomically and returns the new value.
func (s *Store) AddCounter(ctx context.Context, userID string, counter athanor.Counter, period int64, delta int64) (int64, error) {
	var value int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO counters (user_id, counter, period_start, value)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, counter, period_start) DO UPDATE SET value = counters.value + EXCLUDED.value
		 RETURNING value`,
		userID, string(counter), period, delta,
	).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("add counter: %w", err)
	}
	return value, nil
}

// RecordAudit persists one audit row.
func (s *Store) RecordAudit(ctx context.Context, entry athanor.AuditEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit (id, user_id, conversation_id, agent_id, call_id, tool, input, output, kind, elapsed_ms, created_at)
		 VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), $10, $11)`,
		entry.ID, entry.UserID, entry.ConversationID, entry.AgentID, entry.CallID,
		entry.Tool, entry.Input, entry.Output, string(entry.Kind), entry.ElapsedMS, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}
