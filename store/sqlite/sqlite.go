// Package sqlite implements athanor.Store using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/athanor-ai/athanor"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// maxForkDepth bounds how many parent links LoadTail will follow. A chain
// deeper than this indicates a cycle or runaway forking.
const maxForkDepth = 64

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing and row counts. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements athanor.Store backed by a local SQLite file.
// Message blocks are stored as JSON text; forks share their parent's
// prefix by reference and loads walk the parent chain.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ athanor.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			parent_id TEXT,
			anchor_message_id TEXT,
			label TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			agent_id TEXT,
			blocks TEXT NOT NULL,
			usage TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS counters (
			user_id TEXT NOT NULL,
			counter TEXT NOT NULL,
			period_start INTEGER NOT NULL,
			value INTEGER NOT NULL DEFAULT 0,
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
			elapsed_ms INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Indexes on frequently queried columns.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at, id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_audit_user ON audit(user_id, created_at)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// CreateConversation persists a new conversation record.
func (s *Store) CreateConversation(ctx context.Context, conv athanor.Conversation) error {
	start := time.Now()
	s.logger.Debug("sqlite: create conversation", "id", conv.ID, "user_id", conv.UserID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, parent_id, anchor_message_id, label, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.UserID, nullable(conv.ParentID), nullable(conv.AnchorMessageID),
		nullable(conv.Label), conv.CreatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: create conversation failed", "id", conv.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("create conversation: %w", err)
	}
	s.logger.Debug("sqlite: create conversation ok", "id", conv.ID, "duration", time.Since(start))
	return nil
}

// GetConversation returns a conversation by ID.
func (s *Store) GetConversation(ctx context.Context, id string) (athanor.Conversation, error) {
	var c athanor.Conversation
	var parentID, anchorID, label sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, parent_id, anchor_message_id, label, created_at
		 FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &c.UserID, &parentID, &anchorID, &label, &c.CreatedAt)
	if err != nil {
		return athanor.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	c.ParentID = parentID.String
	c.AnchorMessageID = anchorID.String
	c.Label = label.String
	return c, nil
}

// Append adds a message at the end of a conversation.
func (s *Store) Append(ctx context.Context, conversationID string, msg athanor.Message) error {
	start := time.Now()
	s.logger.Debug("sqlite: append message", "id", msg.ID, "conversation_id", conversationID, "role", msg.Role)

	blocksJSON, err := json.Marshal(msg.Blocks)
	if err != nil {
		return fmt.Errorf("marshal blocks: %w", err)
	}
	var usageJSON *string
	if msg.Usage != (athanor.Usage{}) {
		data, _ := json.Marshal(msg.Usage)
		v := string(data)
		usageJSON = &v
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, agent_id, blocks, usage, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, conversationID, string(msg.Role), nullable(msg.AgentID),
		string(blocksJSON), usageJSON, msg.CreatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: append message failed", "id", msg.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("append message: %w", err)
	}
	s.logger.Debug("sqlite: append message ok", "id", msg.ID, "duration", time.Since(start))
	return nil
}

// LoadTail returns the conversation's messages oldest first, walking parent
// links through each branch anchor. maxTokens bounds the tail by estimated
// token size; zero means no bound.
func (s *Store) LoadTail(ctx context.Context, conversationID string, maxTokens int) ([]athanor.Message, error) {
	start := time.Now()
	s.logger.Debug("sqlite: load tail", "conversation_id", conversationID, "max_tokens", maxTokens)

	var segments [][]athanor.Message
	id := conversationID
	boundary := "" // anchor message id, empty for the leaf conversation

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

	// Segments were collected leaf first; flatten root first.
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

	s.logger.Debug("sqlite: load tail ok", "conversation_id", conversationID, "count", len(messages), "duration", time.Since(start))
	return messages, nil
}

// segment returns one conversation's own messages oldest first, up to and
// including the boundary message when one is set.
func (s *Store) segment(ctx context.Context, conversationID, boundary string) ([]athanor.Message, error) {
	query := `SELECT id, conversation_id, role, agent_id, blocks, usage, created_at
		 FROM messages WHERE conversation_id = ?`
	args := []any{conversationID}
	if boundary != "" {
		var createdAt int64
		err := s.db.QueryRowContext(ctx,
			`SELECT created_at FROM messages WHERE id = ? AND conversation_id = ?`,
			boundary, conversationID,
		).Scan(&createdAt)
		if err != nil {
			return nil, fmt.Errorf("resolve anchor %s: %w", boundary, err)
		}
		query += ` AND (created_at < ? OR (created_at = ? AND id <= ?))`
		args = append(args, createdAt, createdAt, boundary)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	var messages []athanor.Message
	for rows.Next() {
		var m athanor.Message
		var agentID, usageJSON sql.NullString
		var role, blocksJSON string
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &agentID, &blocksJSON, &usageJSON, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = athanor.Role(role)
		m.AgentID = agentID.String
		if err := json.Unmarshal([]byte(blocksJSON), &m.Blocks); err != nil {
			return nil, fmt.Errorf("unmarshal blocks for %s: %w", m.ID, err)
		}
		if usageJSON.Valid {
			_ = json.Unmarshal([]byte(usageJSON.String), &m.Usage)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// Fork creates a conversation sharing the prefix of conversationID up to and
// including anchorMessageID by reference, and returns the new id.
func (s *Store) Fork(ctx context.Context, conversationID, anchorMessageID, label string) (string, error) {
	start := time.Now()
	s.logger.Debug("sqlite: fork conversation", "conversation_id", conversationID, "anchor", anchorMessageID)

	parent, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return "", err
	}
	var exists int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE id = ? AND conversation_id = ?`,
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
	s.logger.Debug("sqlite: fork conversation ok", "fork_id", fork.ID, "duration", time.Since(start))
	return fork.ID, nil
}

// CounterValue returns the current count for the key, zero when absent.
func (s *Store) CounterValue(ctx context.Context, userID string, counter athanor.Counter, period int64) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM counters WHERE user_id = ? AND counter = ? AND period_start = ?`,
		userID, string(counter), period,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("counter value: %w", err)
	}
	return value, nil
}

// AddCounter adds delta to the key and returns the new value. The upsert is
// atomic; all writers serialize through the single connection.
func (s *Store) AddCounter(ctx context.Context, userID string, counter athanor.Counter, period int64, delta int64) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO counters (user_id, counter, period_start, value)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id, counter, period_start) DO UPDATE SET value = value + excluded.value
		 RETURNING value`,
		userID, string(counter), period, delta,
	).Scan(&value)
	if err != nil {
		s.logger.Error("sqlite: add counter failed", "user_id", userID, "counter", counter, "error", err)
		return 0, fmt.Errorf("add counter: %w", err)
	}
	return value, nil
}

// RecordAudit persists one audit row.
func (s *Store) RecordAudit(ctx context.Context, entry athanor.AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit (id, user_id, conversation_id, agent_id, call_id, tool, input, output, kind, elapsed_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.UserID, nullable(entry.ConversationID), nullable(entry.AgentID),
		nullable(entry.CallID), nullable(entry.Tool), nullable(entry.Input),
		nullable(entry.Output), nullable(string(entry.Kind)), entry.ElapsedMS, entry.CreatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: record audit failed", "id", entry.ID, "error", err)
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}

// DB returns the underlying *sql.DB for sharing with auxiliary stores.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}

func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
