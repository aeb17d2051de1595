package sqlite

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/athanor-ai/athanor"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "athanor.db"))
	t.Cleanup(func() { s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return s
}

func seedConversation(t *testing.T, s *Store, userID string, texts ...string) (string, []string) {
	t.Helper()
	ctx := context.Background()
	convID := athanor.NewID()
	err := s.CreateConversation(ctx, athanor.Conversation{
		ID: convID, UserID: userID, CreatedAt: athanor.NowUnix(),
	})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	ids := make([]string, len(texts))
	for i, text := range texts {
		msg := athanor.Message{
			ID:        athanor.NewID(),
			Role:      athanor.RoleUser,
			Blocks:    []athanor.Block{athanor.TextBlock(text)},
			CreatedAt: int64(1000 + i),
		}
		if i%2 == 1 {
			msg.Role = athanor.RoleAssistant
		}
		if err := s.Append(ctx, convID, msg); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		ids[i] = msg.ID
	}
	return convID, ids
}

func tailTexts(t *testing.T, s *Store, convID string, maxTokens int) []string {
	t.Helper()
	msgs, err := s.LoadTail(context.Background(), convID, maxTokens)
	if err != nil {
		t.Fatalf("load tail: %v", err)
	}
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.TextContent()
	}
	return out
}

func TestInitIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("second init: %v", err)
	}
}

func TestAppendAndLoadTailOrder(t *testing.T) {
	s := newTestStore(t)
	convID, _ := seedConversation(t, s, "u1", "one", "two", "three")

	got := tailTexts(t, s, convID, 0)
	want := []string{"one", "two", "three"}
	if len(got) != len(want) {
		t.Fatalf("tail = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("tail[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestLoadTailPreservesBlocksAndUsage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	convID, _ := seedConversation(t, s, "u1")

	msg := athanor.Message{
		ID:      athanor.NewID(),
		Role:    athanor.RoleAssistant,
		AgentID: "assistant",
		Blocks: []athanor.Block{
			athanor.TextBlock("using a tool"),
			athanor.ToolUseBlock("call_1", "calc", []byte(`{"expr":"1+1"}`)),
			athanor.ToolResultBlock("call_1", true, "2"),
		},
		Usage:     athanor.Usage{InputTokens: 9, OutputTokens: 3},
		CreatedAt: athanor.NowUnix(),
	}
	if err := s.Append(ctx, convID, msg); err != nil {
		t.Fatalf("append: %v", err)
	}

	msgs, err := s.LoadTail(ctx, convID, 0)
	if err != nil {
		t.Fatalf("load tail: %v", err)
	}
	got := msgs[0]
	if got.AgentID != "assistant" || len(got.Blocks) != 3 {
		t.Fatalf("message = %+v", got)
	}
	if got.Blocks[1].Type != athanor.BlockToolUse || got.Blocks[1].CallID != "call_1" {
		t.Errorf("tool use block = %+v", got.Blocks[1])
	}
	if got.Blocks[2].Type != athanor.BlockToolResult || !got.Blocks[2].OK {
		t.Errorf("tool result block = %+v", got.Blocks[2])
	}
	if got.Usage.InputTokens != 9 || got.Usage.OutputTokens != 3 {
		t.Errorf("usage = %+v", got.Usage)
	}
}

func TestLoadTailTokenBound(t *testing.T) {
	s := newTestStore(t)
	long := strings.Repeat("x", 400)
	convID, _ := seedConversation(t, s, "u1", long, long, "short tail")

	// A tight budget keeps only the newest message.
	got := tailTexts(t, s, convID, 40)
	if len(got) != 1 || got[0] != "short tail" {
		t.Errorf("bounded tail = %v", got)
	}
	// Zero means unbounded.
	if got := tailTexts(t, s, convID, 0); len(got) != 3 {
		t.Errorf("unbounded tail = %v", got)
	}
}

func TestForkSharesPrefixByReference(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	convID, ids := seedConversation(t, s, "u1", "a", "b", "c")

	forkID, err := s.Fork(ctx, convID, ids[1], "branch")
	if err != nil {
		t.Fatalf("fork: %v", err)
	}

	// The fork sees the shared prefix up to the anchor, nothing after it.
	got := tailTexts(t, s, forkID, 0)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("fork tail = %v", got)
	}

	// Appending to the fork leaves the parent untouched.
	err = s.Append(ctx, forkID, athanor.Message{
		ID: athanor.NewID(), Role: athanor.RoleUser,
		Blocks:    []athanor.Block{athanor.TextBlock("d-fork")},
		CreatedAt: athanor.NowUnix(),
	})
	if err != nil {
		t.Fatalf("append to fork: %v", err)
	}
	if got := tailTexts(t, s, forkID, 0); len(got) != 3 || got[2] != "d-fork" {
		t.Errorf("fork tail after append = %v", got)
	}
	if got := tailTexts(t, s, convID, 0); len(got) != 3 || got[2] != "c" {
		t.Errorf("parent tail = %v", got)
	}

	conv, err := s.GetConversation(ctx, forkID)
	if err != nil {
		t.Fatalf("get fork: %v", err)
	}
	if conv.ParentID != convID || conv.AnchorMessageID != ids[1] || conv.Label != "branch" {
		t.Errorf("fork conversation = %+v", conv)
	}
}

func TestForkRejectsForeignAnchor(t *testing.T) {
	s := newTestStore(t)
	convID, _ := seedConversation(t, s, "u1", "a")
	if _, err := s.Fork(context.Background(), convID, "not-a-message", "x"); err == nil {
		t.Error("fork accepted an anchor outside the conversation")
	}
}

func TestForkOfForkWalksBothAnchors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	convID, ids := seedConversation(t, s, "u1", "a", "b", "c")

	fork1, err := s.Fork(ctx, convID, ids[2], "first")
	if err != nil {
		t.Fatalf("fork1: %v", err)
	}
	mid := athanor.Message{
		ID: athanor.NewID(), Role: athanor.RoleAssistant,
		Blocks:    []athanor.Block{athanor.TextBlock("d")},
		CreatedAt: athanor.NowUnix(),
	}
	if err := s.Append(ctx, fork1, mid); err != nil {
		t.Fatalf("append: %v", err)
	}
	fork2, err := s.Fork(ctx, fork1, mid.ID, "second")
	if err != nil {
		t.Fatalf("fork2: %v", err)
	}

	got := tailTexts(t, s, fork2, 0)
	want := []string{"a", "b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("tail = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("tail[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.CounterValue(ctx, "u1", athanor.CounterMessagesTotal, 100)
	if err != nil || v != 0 {
		t.Fatalf("absent counter = %d, %v", v, err)
	}
	if v, _ = s.AddCounter(ctx, "u1", athanor.CounterMessagesTotal, 100, 3); v != 3 {
		t.Errorf("after first add = %d", v)
	}
	if v, _ = s.AddCounter(ctx, "u1", athanor.CounterMessagesTotal, 100, -1); v != 2 {
		t.Errorf("after decrement = %d", v)
	}
	// Other periods and counters are independent keys.
	if v, _ = s.CounterValue(ctx, "u1", athanor.CounterMessagesTotal, 200); v != 0 {
		t.Errorf("other period = %d", v)
	}
	if v, _ = s.CounterValue(ctx, "u1", athanor.CounterCouncilRounds, 100); v != 0 {
		t.Errorf("other counter = %d", v)
	}
}

func TestAddCounterConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.AddCounter(ctx, "u1", athanor.CounterMessagesTotal, 100, 1); err != nil {
				t.Errorf("add: %v", err)
			}
		}()
	}
	wg.Wait()
	if v, _ := s.CounterValue(ctx, "u1", athanor.CounterMessagesTotal, 100); v != 20 {
		t.Errorf("value = %d, want 20", v)
	}
}

func TestRecordAudit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := athanor.AuditEntry{
		ID:        athanor.NewID(),
		UserID:    "u1",
		CallID:    "call_1",
		Tool:      "calc",
		Input:     `{"expr":"2+2"}`,
		Output:    "4",
		ElapsedMS: 12,
		CreatedAt: athanor.NowUnix(),
	}
	if err := s.RecordAudit(ctx, entry); err != nil {
		t.Fatalf("record audit: %v", err)
	}

	var tool, output string
	err := s.DB().QueryRowContext(ctx,
		`SELECT tool, output FROM audit WHERE id = ?`, entry.ID,
	).Scan(&tool, &output)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if tool != "calc" || output != "4" {
		t.Errorf("row = %s %s", tool, output)
	}
}
