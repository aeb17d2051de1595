package athanor

import (
	"context"
	"testing"
	"time"
)

func newCouncil(e *engine, opts ...CouncilOption) *Council {
	return NewCouncil(e.orch, e.store, e.quota, e.policy, e.agents, e.registry, e.bus, opts...)
}

// waitSession polls until the session reaches a terminal state.
func waitSession(t *testing.T, s *CouncilSession) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st := s.State()
		if st == StateStopped || st == StateCompleted {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("session stuck in state %s", s.State())
}

func councilConfig(rounds int) CouncilConfig {
	return CouncilConfig{
		Topic:     "Should the village adopt a shared calendar?",
		Agents:    []string{"assistant", "skeptic"},
		MaxRounds: rounds,
	}
}

func TestCouncilRunsToRoundCap(t *testing.T) {
	provider := &scriptedProvider{steps: []scriptStep{
		{events: textTurn("A calendar helps coordination.")},
		{events: textTurn("Calendars impose structure people resist.")},
		{events: textTurn("Structure is the point.")},
		{events: textTurn("Then make it optional.")},
	}}
	e := newEngine(t, provider, nil)
	c := newCouncil(e)

	s, err := c.Start(context.Background(), testUser(), councilConfig(2))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitSession(t, s)

	if s.State() != StateCompleted || s.Reason() != "round_cap" {
		t.Errorf("state = %s reason = %s", s.State(), s.Reason())
	}
	if provider.callCount() != 4 {
		t.Errorf("provider calls = %d, want 4", provider.callCount())
	}
	// Topic seed plus one message per agent turn.
	if got := e.store.messageCount(s.ConversationID()); got != 5 {
		t.Errorf("transcript length = %d, want 5", got)
	}
	if e.store.counterTotal("u-test", CounterCouncilSessions) != 1 {
		t.Error("session quota not consumed")
	}
	if e.store.counterTotal("u-test", CounterCouncilRounds) != 2 {
		t.Errorf("round quota = %d, want 2", e.store.counterTotal("u-test", CounterCouncilRounds))
	}
}

func TestCouncilConsensusEndsEarly(t *testing.T) {
	gate := make(chan struct{})
	provider := &scriptedProvider{steps: []scriptStep{
		{events: textTurn("I agree, a shared calendar works."), gate: gate},
		{events: textTurn("Agreed on all points.")},
	}}
	e := newEngine(t, provider, nil)
	c := newCouncil(e)

	s, err := c.Start(context.Background(), testUser(), councilConfig(5))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	busSub := e.bus.Subscribe(CouncilTopic(s.ID))
	close(gate)

	var events []StreamEvent
	timeout := time.After(5 * time.Second)
collect:
	for {
		select {
		case ev := <-busSub.Events():
			events = append(events, ev)
			if ev.Type == EventSessionState && ev.Message != "" {
				break collect
			}
		case <-timeout:
			t.Fatal("no terminal session_state event")
		}
	}
	e.bus.Unsubscribe(busSub)
	waitSession(t, s)

	if s.State() != StateCompleted || s.Reason() != "consensus" {
		t.Errorf("state = %s reason = %s", s.State(), s.Reason())
	}
	if provider.callCount() != 2 {
		t.Errorf("provider calls = %d, want 2 (one round)", provider.callCount())
	}

	// The score announces itself before the terminal state event.
	cons, ok := firstOfType(events, EventConsensus)
	if !ok {
		t.Fatal("no consensus event on the session topic")
	}
	if cons.Score != 1.0 || cons.Round != 1 {
		t.Errorf("consensus event = %+v, want score 1.0 in round 1", cons)
	}
	last := events[len(events)-1]
	if last.Type != EventSessionState || last.Message != "consensus" {
		t.Errorf("terminal event = %+v", last)
	}
}

func TestCouncilStreamsAgentEvents(t *testing.T) {
	gate := make(chan struct{})
	provider := &scriptedProvider{steps: []scriptStep{
		{events: append([]ProviderEvent{{Type: TextDelta, Text: "first"}}, textTurn("")...), gate: gate},
		{events: textTurn("second voice")},
	}}
	e := newEngine(t, provider, nil)
	c := newCouncil(e)

	s, err := c.Start(context.Background(), testUser(), councilConfig(1))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	busSub := e.bus.Subscribe(CouncilTopic(s.ID))
	close(gate)

	var events []StreamEvent
	timeout := time.After(5 * time.Second)
collect:
	for {
		select {
		case ev := <-busSub.Events():
			events = append(events, ev)
			if ev.Type == EventSessionState && (ev.State == string(StateCompleted) || ev.State == string(StateStopped)) {
				break collect
			}
		case <-timeout:
			t.Fatal("no terminal session_state event")
		}
	}
	e.bus.Unsubscribe(busSub)

	if countType(events, EventAgentToken) == 0 {
		t.Error("no agent_token events")
	}
	completes := countType(events, EventAgentComplete)
	if completes != 2 {
		t.Errorf("agent_complete events = %d, want 2", completes)
	}
	if ev, ok := firstOfType(events, EventAgentComplete); !ok || ev.AgentID != "assistant" || ev.Round != 1 {
		t.Errorf("first agent_complete = %+v", ev)
	}
	last := events[len(events)-1]
	if last.Message != "round_cap" {
		t.Errorf("terminal reason = %q", last.Message)
	}
	for _, ev := range events {
		if ev.SessionID != s.ID {
			t.Fatalf("event missing session id: %+v", ev)
		}
	}
}

func TestCouncilPauseFinishesTurnInFlight(t *testing.T) {
	gate := make(chan struct{})
	provider := &scriptedProvider{steps: []scriptStep{
		{events: textTurn("holding forth"), gate: gate},
		{events: textTurn("response")},
	}}
	e := newEngine(t, provider, nil)
	c := newCouncil(e)

	s, err := c.Start(context.Background(), testUser(), councilConfig(1))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitCalls(t, provider, 1)
	if err := s.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	close(gate)

	// The in-flight turn completes; the next agent waits at the gate.
	time.Sleep(30 * time.Millisecond)
	if provider.callCount() != 1 {
		t.Fatalf("paused session advanced to call %d", provider.callCount())
	}
	if s.State() != StatePaused {
		t.Fatalf("state = %s, want paused", s.State())
	}

	if err := s.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitSession(t, s)
	if provider.callCount() != 2 {
		t.Errorf("provider calls = %d after resume", provider.callCount())
	}
}

func TestCouncilStop(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	provider := &scriptedProvider{steps: []scriptStep{
		{events: textTurn("never finishes"), gate: gate},
	}}
	e := newEngine(t, provider, nil)
	c := newCouncil(e)

	s, err := c.Start(context.Background(), testUser(), councilConfig(3))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitCalls(t, provider, 1)
	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitSession(t, s)
	// Stop marks the terminal state before the driver records the
	// reason; wait for the driver to finish.
	for deadline := time.Now().Add(5 * time.Second); s.Reason() == "" && time.Now().Before(deadline); {
		time.Sleep(time.Millisecond)
	}

	if s.State() != StateStopped || s.Reason() != "stopped" {
		t.Errorf("state = %s reason = %s", s.State(), s.Reason())
	}
	// Stop is idempotent.
	if err := s.Stop(); err != nil {
		t.Errorf("second stop: %v", err)
	}
}

func TestCouncilButtInReachesNextTurn(t *testing.T) {
	gate := make(chan struct{})
	provider := &scriptedProvider{steps: []scriptStep{
		{events: textTurn("opening statement"), gate: gate},
		{events: textTurn("reply")},
	}}
	e := newEngine(t, provider, nil)
	c := newCouncil(e)

	s, err := c.Start(context.Background(), testUser(), councilConfig(1))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitCalls(t, provider, 1)
	if err := s.ButtIn("please consider the farmers"); err != nil {
		t.Fatalf("butt in: %v", err)
	}
	close(gate)
	waitSession(t, s)

	// The interjection lands in the transcript before the second agent speaks.
	req := provider.request(1)
	found := false
	for _, m := range req.Messages {
		if m.Role == RoleHumanInterject {
			found = true
			if len(m.Blocks) == 0 || m.Blocks[0].Text != "please consider the farmers" {
				t.Errorf("interjection blocks = %+v", m.Blocks)
			}
		}
	}
	if !found {
		t.Error("interjection missing from second turn")
	}
}

func TestCouncilMailboxFull(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	provider := &scriptedProvider{steps: []scriptStep{
		{events: textTurn("busy"), gate: gate},
	}}
	e := newEngine(t, provider, nil)
	c := newCouncil(e)

	s, err := c.Start(context.Background(), testUser(), councilConfig(1))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitCalls(t, provider, 1)
	for i := 0; i < mailboxCap; i++ {
		if err := s.ButtIn("note"); err != nil {
			t.Fatalf("butt in %d: %v", i, err)
		}
	}
	if err := s.ButtIn("one too many"); KindOf(err) != KindBackpressureRejected {
		t.Errorf("overflow err = %v, want BackpressureRejected", err)
	}
	_ = s.Stop()
}

func TestCouncilStartValidation(t *testing.T) {
	e := newEngine(t, &scriptedProvider{}, nil)
	c := newCouncil(e)
	ctx := context.Background()

	_, err := c.Start(ctx, testUser(), CouncilConfig{Topic: "t", Agents: []string{"assistant"}})
	if KindOf(err) != KindValidationError {
		t.Errorf("one agent err = %v", err)
	}
	_, err = c.Start(ctx, testUser(), CouncilConfig{Topic: "t", Agents: []string{"assistant", "ghost"}})
	if KindOf(err) != KindValidationError {
		t.Errorf("unknown agent err = %v", err)
	}
	_, err = c.Start(ctx, User{ID: "u-trial", Tier: TierTrial}, councilConfig(1))
	if KindOf(err) != KindTierForbidden {
		t.Errorf("trial tier err = %v", err)
	}
	_, err = c.Start(ctx, testUser(), CouncilConfig{
		Topic: "t", Agents: []string{"assistant", "skeptic"}, Model: "frontier-secret",
	})
	if KindOf(err) != KindTierForbidden {
		t.Errorf("denied model err = %v", err)
	}
	if e.store.counterTotal("u-test", CounterCouncilSessions) != 0 {
		t.Error("failed starts consumed session quota")
	}
}

func TestCouncilDefaultRounds(t *testing.T) {
	e := newEngine(t, &scriptedProvider{}, nil)
	c := newCouncil(e, WithDefaultRounds(2))

	s, err := c.Start(context.Background(), testUser(), CouncilConfig{
		Topic: "t", Agents: []string{"assistant", "skeptic"},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.Config.MaxRounds != 2 {
		t.Errorf("max rounds = %d, want the council default", s.Config.MaxRounds)
	}
	waitSession(t, s)
}

func waitCalls(t *testing.T, p *scriptedProvider, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if p.callCount() >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("provider calls = %d, want %d", p.callCount(), n)
}
