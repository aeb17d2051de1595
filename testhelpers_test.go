package athanor

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// memStore is the in-memory Store used across the engine tests.
type memStore struct {
	mu            sync.Mutex
	conversations map[string]Conversation
	messages      map[string][]Message
	counters      map[string]int64
	audits        []AuditEntry
}

func newMemStore() *memStore {
	return &memStore{
		conversations: make(map[string]Conversation),
		messages:      make(map[string][]Message),
		counters:      make(map[string]int64),
	}
}

func (s *memStore) CreateConversation(_ context.Context, conv Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.conversations[conv.ID]; dup {
		return fmt.Errorf("conversation %s exists", conv.ID)
	}
	s.conversations[conv.ID] = conv
	return nil
}

func (s *memStore) GetConversation(_ context.Context, id string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return Conversation{}, fmt.Errorf("conversation %s not found", id)
	}
	return conv, nil
}

func (s *memStore) Append(_ context.Context, conversationID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return fmt.Errorf("conversation %s not found", conversationID)
	}
	s.messages[conversationID] = append(s.messages[conversationID], msg)
	return nil
}

func (s *memStore) LoadTail(_ context.Context, conversationID string, maxTokens int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []Message
	id := conversationID
	anchor := ""
	for id != "" {
		conv, ok := s.conversations[id]
		if !ok {
			return nil, fmt.Errorf("conversation %s not found", id)
		}
		segment := s.messages[id]
		if anchor != "" {
			cut := len(segment)
			for i, m := range segment {
				if m.ID == anchor {
					cut = i + 1
					break
				}
			}
			segment = segment[:cut]
		}
		all = append(append([]Message{}, segment...), all...)
		id, anchor = conv.ParentID, conv.AnchorMessageID
	}
	if maxTokens <= 0 {
		return all, nil
	}
	budget := maxTokens
	start := len(all)
	for i := len(all) - 1; i >= 0; i-- {
		cost := EstimateTokens(all[i])
		if cost > budget {
			break
		}
		budget -= cost
		start = i
	}
	return all[start:], nil
}

func (s *memStore) Fork(_ context.Context, conversationID, anchorMessageID, label string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	parent, ok := s.conversations[conversationID]
	if !ok {
		return "", fmt.Errorf("conversation %s not found", conversationID)
	}
	id := NewID()
	s.conversations[id] = Conversation{
		ID: id, UserID: parent.UserID,
		ParentID: conversationID, AnchorMessageID: anchorMessageID,
		Label: label, CreatedAt: NowUnix(),
	}
	return id, nil
}

func (s *memStore) CounterValue(_ context.Context, userID string, counter Counter, period int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[counterKey(userID, counter, period)], nil
}

func (s *memStore) AddCounter(_ context.Context, userID string, counter Counter, period int64, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := counterKey(userID, counter, period)
	s.counters[key] += delta
	return s.counters[key], nil
}

func (s *memStore) RecordAudit(_ context.Context, entry AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, entry)
	return nil
}

func counterKey(userID string, counter Counter, period int64) string {
	return fmt.Sprintf("%s|%s|%d", userID, counter, period)
}

// counterTotal sums one counter across all periods.
func (s *memStore) counterTotal(userID string, counter Counter) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	prefix := fmt.Sprintf("%s|%s|", userID, counter)
	for key, v := range s.counters {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			total += v
		}
	}
	return total
}

func (s *memStore) messageCount(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages[conversationID])
}

var _ Store = (*memStore)(nil)

// --- Scripted provider (shared across orchestrator_test.go, council_test.go) ---

type scriptStep struct {
	events []ProviderEvent
	err    error
	// gate, when set, blocks the step until the test closes it.
	gate chan struct{}
	// midGate, when set, blocks after the first event until the test
	// closes it, pinning the stream mid-turn.
	midGate chan struct{}
}

// scriptedProvider replays one scriptStep per Stream call and records the
// requests it saw. Calls past the script return an empty successful turn.
type scriptedProvider struct {
	mu    sync.Mutex
	steps []scriptStep
	calls int
	reqs  []Request
}

func (p *scriptedProvider) Stream(ctx context.Context, req Request, ch chan<- ProviderEvent) error {
	p.mu.Lock()
	idx := p.calls
	p.calls++
	p.reqs = append(p.reqs, req)
	step := scriptStep{events: textTurn("")}
	if idx < len(p.steps) {
		step = p.steps[idx]
	}
	p.mu.Unlock()

	if step.gate != nil {
		select {
		case <-step.gate:
		case <-ctx.Done():
			return E(KindCancelled, "stream cancelled")
		}
	}
	for i, ev := range step.events {
		select {
		case ch <- ev:
		case <-ctx.Done():
			return E(KindCancelled, "stream cancelled")
		}
		if i == 0 && step.midGate != nil {
			select {
			case <-step.midGate:
			case <-ctx.Done():
				return E(KindCancelled, "stream cancelled")
			}
		}
	}
	return step.err
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *scriptedProvider) request(i int) Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reqs[i]
}

// textTurn scripts one plain text turn.
func textTurn(text string) []ProviderEvent {
	events := []ProviderEvent{}
	if text != "" {
		events = append(events, ProviderEvent{Type: TextDelta, Text: text})
	}
	return append(events,
		ProviderEvent{Type: UsageReport, Usage: Usage{InputTokens: 10, OutputTokens: 5}},
		ProviderEvent{Type: TurnDone, StopReason: StopEndTurn},
	)
}

// toolTurn scripts one turn requesting the given tool calls.
func toolTurn(calls ...[3]string) []ProviderEvent {
	var events []ProviderEvent
	for _, c := range calls {
		events = append(events,
			ProviderEvent{Type: ToolUseStart, CallID: c[0], ToolName: c[1]},
			ProviderEvent{Type: ToolUseEnd, CallID: c[0], ToolName: c[1], Args: []byte(c[2])},
		)
	}
	return append(events,
		ProviderEvent{Type: UsageReport, Usage: Usage{InputTokens: 20, OutputTokens: 15}},
		ProviderEvent{Type: TurnDone, StopReason: StopToolUse},
	)
}

// --- Tool fixtures ---

// echoTool returns its raw arguments as the payload.
func echoTool(name string) *Tool {
	return &Tool{
		Name:     name,
		Category: CategoryBackground,
		Handler: func(_ context.Context, inv Invocation) (string, error) {
			return string(inv.Args), nil
		},
	}
}

// barrierTool blocks in its handler until released; entered receives one
// value per invocation that reached the handler.
func barrierTool(name string, cat ToolCategory) (*Tool, chan struct{}, chan struct{}) {
	entered := make(chan struct{}, 16)
	release := make(chan struct{})
	t := &Tool{
		Name:     name,
		Category: cat,
		Handler: func(ctx context.Context, _ Invocation) (string, error) {
			entered <- struct{}{}
			select {
			case <-release:
				return "released", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	}
	return t, entered, release
}

// --- Engine wiring ---

// generousTiers grants the azothic test user everything it needs.
func generousTiers() map[Tier]TierPolicy {
	return map[Tier]TierPolicy{
		TierAzothic: {
			Limits: map[Counter]int64{
				CounterMessagesTotal:   UnlimitedQuota,
				CounterMessagesHaiku:   UnlimitedQuota,
				CounterMessagesSonnet:  UnlimitedQuota,
				CounterMessagesOpus:    UnlimitedQuota,
				CounterMessagesOther:   UnlimitedQuota,
				CounterCouncilSessions: UnlimitedQuota,
				CounterCouncilRounds:   UnlimitedQuota,
			},
			AllowedModels:    []string{"sonnet-test", "haiku-test"},
			ToolsEnabled:     true,
			MaxContextTokens: 100_000,
			Features:         []string{FeatureCouncil, FeatureCodeExecution},
		},
		TierTrial: {
			Limits:        map[Counter]int64{CounterMessagesTotal: 2, CounterMessagesSonnet: 2, CounterMessagesOther: 2},
			AllowedModels: []string{"sonnet-test"},
			ToolsEnabled:  false,
		},
	}
}

func testUser() User {
	return User{ID: "u-test", Tier: TierAzothic}
}

// engine bundles one fully wired test engine.
type engine struct {
	store    *memStore
	registry *Registry
	policy   *Policy
	quota    *Quota
	executor *Executor
	bus      *Bus
	orch     *Orchestrator
	provider *scriptedProvider
	agents   *AgentCatalog
}

// newEngine wires an orchestrator over a scripted provider and the given
// tools.
func newEngine(t interface{ Fatalf(string, ...any) }, provider *scriptedProvider, tools []*Tool, opts ...OrchestratorOption) *engine {
	store := newMemStore()
	registry := NewRegistry()
	for _, tool := range tools {
		if err := registry.Register(*tool); err != nil {
			t.Fatalf("register %s: %v", tool.Name, err)
		}
	}
	policy := NewPolicy(generousTiers(), nil)
	quota := NewQuota(store, policy)
	bus := NewBus()
	executor := NewExecutor(registry, bus, store)
	agents := NewAgentCatalog(
		Agent{ID: "assistant", Name: "Assistant", SystemPrompt: "You are a helpful assistant.", DefaultModel: "sonnet-test"},
		Agent{ID: "skeptic", Name: "Skeptic", SystemPrompt: "Question everything.", DefaultModel: "sonnet-test"},
	)
	base := []OrchestratorOption{
		WithProvider("scripted", provider),
		WithDefaultProvider("scripted"),
		WithAgents(agents),
		WithBus(bus),
		WithRetryDelays(time.Millisecond, 4*time.Millisecond),
	}
	orch := NewOrchestrator(store, registry, executor, quota, policy, append(base, opts...)...)
	return &engine{
		store: store, registry: registry, policy: policy, quota: quota,
		executor: executor, bus: bus, orch: orch, provider: provider, agents: agents,
	}
}

// drain collects every event from sub on a background goroutine.
func drain(sub *Subscription) *eventLog {
	log := &eventLog{done: make(chan struct{})}
	go func() {
		defer close(log.done)
		for ev := range sub.Events() {
			log.mu.Lock()
			log.events = append(log.events, ev)
			log.mu.Unlock()
		}
	}()
	return log
}

type eventLog struct {
	mu     sync.Mutex
	events []StreamEvent
	done   chan struct{}
}

// wait blocks until the subscription closed and returns the ordered events.
func (l *eventLog) wait() []StreamEvent {
	<-l.done
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]StreamEvent{}, l.events...)
}

func (l *eventLog) types() []StreamEventType {
	var out []StreamEventType
	for _, ev := range l.wait() {
		out = append(out, ev.Type)
	}
	return out
}

func firstOfType(events []StreamEvent, t StreamEventType) (StreamEvent, bool) {
	for _, ev := range events {
		if ev.Type == t {
			return ev, true
		}
	}
	return StreamEvent{}, false
}

func countType(events []StreamEvent, t StreamEventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == t {
			n++
		}
	}
	return n
}
