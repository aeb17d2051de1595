package athanor

import (
	"context"
	"log/slog"
	"sync"
)

// CouncilState is a session's lifecycle phase.
type CouncilState string

const (
	StatePending   CouncilState = "pending"
	StateRunning   CouncilState = "running"
	StatePaused    CouncilState = "paused"
	StateStopped   CouncilState = "stopped"
	StateCompleted CouncilState = "completed"
)

const (
	// DefaultMaxRounds caps a session when the starter names no bound.
	DefaultMaxRounds = 5
	// mailboxCap bounds pending human interjections per session.
	mailboxCap = 16
)

// CouncilConfig describes one deliberation session.
type CouncilConfig struct {
	Topic string
	// Agents are persona ids in turn order. At least two.
	Agents    []string
	MaxRounds int
	Model     string
	// Tools optionally allows tool use during agent turns.
	Tools bool
}

// Council runs multi-agent deliberation sessions on top of the
// orchestrator's turn primitive.
type Council struct {
	orch      *Orchestrator
	store     Store
	quota     *Quota
	policy    *Policy
	agents    *AgentCatalog
	registry  *Registry
	bus       *Bus
	detector  *Convergence
	logger    *slog.Logger
	tracer    Tracer
	metrics   Metrics
	providerN string

	defaultRounds int

	mu       sync.Mutex
	sessions map[string]*CouncilSession
}

// CouncilOption configures a Council.
type CouncilOption func(*Council)

// WithCouncilLogger sets the structured logger.
func WithCouncilLogger(l *slog.Logger) CouncilOption {
	return func(c *Council) { c.logger = l }
}

// WithCouncilTracer sets the tracer.
func WithCouncilTracer(t Tracer) CouncilOption {
	return func(c *Council) { c.tracer = t }
}

// WithCouncilMetrics sets the measurement sink.
func WithCouncilMetrics(m Metrics) CouncilOption {
	return func(c *Council) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithCouncilProvider routes agent turns to a named backend instead of the
// orchestrator default.
func WithCouncilProvider(name string) CouncilOption {
	return func(c *Council) { c.providerN = name }
}

// WithDefaultRounds overrides the round cap applied when a start command
// names none.
func WithDefaultRounds(n int) CouncilOption {
	return func(c *Council) {
		if n > 0 {
			c.defaultRounds = n
		}
	}
}

// WithConvergence replaces the default cue detector.
func WithConvergence(d *Convergence) CouncilOption {
	return func(c *Council) { c.detector = d }
}

// NewCouncil wires the deliberation engine.
func NewCouncil(orch *Orchestrator, store Store, quota *Quota, policy *Policy, agents *AgentCatalog, registry *Registry, bus *Bus, opts ...CouncilOption) *Council {
	c := &Council{
		orch:     orch,
		store:    store,
		quota:    quota,
		policy:   policy,
		agents:   agents,
		registry: registry,
		bus:      bus,
		detector: NewConvergence(),
		logger:   nopLogger,
		metrics:  nopMetrics{},

		defaultRounds: DefaultMaxRounds,
		sessions:      make(map[string]*CouncilSession),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Session returns a live session by id.
func (c *Council) Session(id string) (*CouncilSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	return s, ok
}

// Start validates the config, reserves the session quota, and launches the
// round driver. The returned session is already running.
func (c *Council) Start(ctx context.Context, user User, cfg CouncilConfig) (*CouncilSession, error) {
	if err := c.policy.CheckFeature(user, FeatureCouncil); err != nil {
		return nil, err
	}
	if len(cfg.Agents) < 2 {
		return nil, E(KindValidationError, "council needs at least two agents, got %d", len(cfg.Agents))
	}
	participants := make([]*Agent, 0, len(cfg.Agents))
	for _, id := range cfg.Agents {
		a, ok := c.agents.Get(id)
		if !ok {
			return nil, E(KindValidationError, "unknown agent %q", id)
		}
		participants = append(participants, a)
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = c.defaultRounds
	}
	if cfg.Model == "" {
		cfg.Model = participants[0].DefaultModel
	}
	if err := c.policy.CheckModel(user, cfg.Model); err != nil {
		return nil, err
	}

	res, err := c.quota.Reserve(ctx, user, CounterCouncilSessions, 1)
	if err != nil {
		return nil, err
	}

	convID := NewID()
	conv := Conversation{ID: convID, UserID: user.ID, Label: cfg.Topic, CreatedAt: NowUnix()}
	if err := c.store.CreateConversation(ctx, conv); err != nil {
		_ = res.Release(context.WithoutCancel(ctx))
		return nil, &Error{Kind: KindInternal, Message: "create session transcript", Err: err}
	}
	res.Commit()
	c.metrics.RecordCouncilSession(ctx)

	// The session outlives the start request; its context derives from the
	// engine, not the caller.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &CouncilSession{
		ID:           NewID(),
		UserID:       user.ID,
		Config:       cfg,
		state:        StatePending,
		stateCh:      make(chan struct{}, 1),
		mailbox:      make(chan string, mailboxCap),
		cancel:       cancel,
		conversation: convID,
	}
	c.mu.Lock()
	c.sessions[s.ID] = s
	c.mu.Unlock()

	go c.run(runCtx, s, user, participants)
	return s, nil
}

// run is the round driver: one goroutine per session, turns sequential
// within a round, rounds sequential within the session.
func (c *Council) run(ctx context.Context, s *CouncilSession, user User, participants []*Agent) {
	ctx, span := startSpan(ctx, c.tracer, "council.session",
		StringAttr("session", s.ID), IntAttr("agents", len(participants)))
	defer span.End()
	defer func() {
		c.mu.Lock()
		delete(c.sessions, s.ID)
		c.mu.Unlock()
	}()

	s.setState(c, StateRunning)

	transcript := []Message{{
		ID:        NewID(),
		Role:      RoleUser,
		Blocks:    []Block{TextBlock("Deliberation topic: " + s.Config.Topic)},
		CreatedAt: NowUnix(),
	}}
	_ = c.store.Append(ctx, s.conversation, transcript[0])

	reason := "round_cap"
rounds:
	for round := 1; round <= s.Config.MaxRounds; round++ {
		if err := c.quota.ReserveAndCommit(ctx, user, CounterCouncilRounds, 1); err != nil {
			c.publish(s, ErrorEvent(err))
			reason = "quota"
			break rounds
		}
		c.metrics.RecordCouncilRound(ctx)
		s.setRound(round)

		var roundMessages []Message
		for _, agent := range participants {
			if err := s.gate(ctx); err != nil {
				reason = "stopped"
				break rounds
			}
			transcript = c.drainMailbox(ctx, s, transcript)

			msg, err := c.turn(ctx, s, user, agent, round, transcript)
			if err != nil {
				if KindOf(err) == KindCancelled {
					reason = "stopped"
				} else {
					c.publish(s, ErrorEvent(err))
					reason = "error"
				}
				break rounds
			}
			transcript = append(transcript, msg)
			roundMessages = append(roundMessages, msg)
		}

		score, err := c.detector.Score(ctx, roundMessages)
		if err != nil {
			c.logger.Warn("convergence scoring failed", "session", s.ID, "error", err)
			continue
		}
		c.logger.Debug("round scored", "session", s.ID, "round", round, "score", score)
		if c.detector.Converged(score) {
			reason = "consensus"
			c.publish(s, StreamEvent{Type: EventConsensus, Round: round, Score: score})
			break rounds
		}
	}

	final := StateCompleted
	if reason == "stopped" || reason == "error" || reason == "quota" {
		final = StateStopped
	}
	s.finish(c, final, reason)
	c.logger.Info("council session ended", "session", s.ID, "state", final, "reason", reason)
}

// turn runs one agent's turn through the orchestrator and persists the
// resulting message.
func (c *Council) turn(ctx context.Context, s *CouncilSession, user User, agent *Agent, round int, transcript []Message) (Message, error) {
	if err := c.quota.ReserveAndCommit(ctx, user, MessagesCounter(FamilyOf(s.Config.Model)), 1); err != nil {
		return Message{}, err
	}

	var tools []ToolDefinition
	if s.Config.Tools && c.policy.ToolsEnabled(user.Tier) {
		tools = c.registry.Filter(user, agent, c.policy)
	}

	sub := NewSubscription()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sub.Events() {
			c.publish(s, translateAgentEvent(agent.ID, round, ev))
		}
	}()

	msg, usage, err := c.orch.Turn(ctx, user, agent, s.Config.Model, c.providerN, transcript, tools, sub)
	sub.Close()
	<-done
	if err != nil {
		return Message{}, err
	}

	msg.ConversationID = s.conversation
	if err := c.store.Append(ctx, s.conversation, msg); err != nil {
		return Message{}, &Error{Kind: KindInternal, Message: "append session message", Err: err}
	}
	c.publish(s, StreamEvent{
		Type: EventAgentComplete, AgentID: agent.ID, Round: round, Usage: &usage,
	})
	return msg, nil
}

// drainMailbox appends pending human interjections to the transcript before
// the next agent speaks.
func (c *Council) drainMailbox(ctx context.Context, s *CouncilSession, transcript []Message) []Message {
	for {
		select {
		case text := <-s.mailbox:
			msg := Message{
				ID:             NewID(),
				ConversationID: s.conversation,
				Role:           RoleHumanInterject,
				Blocks:         []Block{TextBlock(text)},
				CreatedAt:      NowUnix(),
			}
			transcript = append(transcript, msg)
			_ = c.store.Append(ctx, s.conversation, msg)
			c.publish(s, StreamEvent{Type: EventHumanInterject, Text: text})
		default:
			return transcript
		}
	}
}

func (c *Council) publish(s *CouncilSession, ev StreamEvent) {
	ev.SessionID = s.ID
	c.bus.Publish(CouncilTopic(s.ID), ev)
}

// translateAgentEvent rewrites a turn's stream events into the session's
// agent-scoped wire events.
func translateAgentEvent(agentID string, round int, ev StreamEvent) StreamEvent {
	switch ev.Type {
	case EventToken:
		ev.Type = EventAgentToken
	case EventToolStart:
		ev.Type = EventAgentToolStart
	case EventToolComplete:
		ev.Type = EventAgentToolComplete
	case EventToolError:
		ev.Type = EventAgentToolError
	}
	ev.AgentID = agentID
	ev.Round = round
	return ev
}

// CouncilSession is one live deliberation. Command methods are safe for
// concurrent use; the driver goroutine observes them between turns.
type CouncilSession struct {
	ID     string
	UserID string
	Config CouncilConfig

	mu      sync.Mutex
	state   CouncilState
	round   int
	reason  string
	stateCh chan struct{}

	mailbox      chan string
	cancel       context.CancelFunc
	conversation string
}

// State returns the current lifecycle phase.
func (s *CouncilSession) State() CouncilState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Round returns the current round number, 1-based.
func (s *CouncilSession) Round() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.round
}

// Reason returns the termination reason once the session has ended.
func (s *CouncilSession) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// ConversationID returns the persisted transcript's conversation id.
func (s *CouncilSession) ConversationID() string { return s.conversation }

// Pause suspends the session after the in-flight agent turn completes.
func (s *CouncilSession) Pause() error {
	return s.transition(StateRunning, StatePaused)
}

// Resume continues a paused session.
func (s *CouncilSession) Resume() error {
	return s.transition(StatePaused, StateRunning)
}

// Stop ends the session. In-flight work is cancelled promptly.
func (s *CouncilSession) Stop() error {
	s.mu.Lock()
	if s.state == StateStopped || s.state == StateCompleted {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopped
	s.mu.Unlock()
	s.signal()
	s.cancel()
	return nil
}

// ButtIn queues a human interjection for the next turn boundary. A full
// mailbox rejects rather than blocks.
func (s *CouncilSession) ButtIn(text string) error {
	select {
	case s.mailbox <- text:
		return nil
	default:
		return E(KindBackpressureRejected, "interjection mailbox full")
	}
}

func (s *CouncilSession) transition(from, to CouncilState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return E(KindValidationError, "cannot move %s session to %s", s.state, to)
	}
	s.state = to
	s.signalLocked()
	return nil
}

// gate blocks while the session is paused and fails once it is stopped.
func (s *CouncilSession) gate(ctx context.Context) error {
	for {
		s.mu.Lock()
		st := s.state
		s.mu.Unlock()
		switch st {
		case StateRunning:
			return nil
		case StateStopped, StateCompleted:
			return E(KindCancelled, "session %s", st)
		default:
			select {
			case <-s.stateCh:
			case <-ctx.Done():
				return E(KindCancelled, "session cancelled")
			}
		}
	}
}

func (s *CouncilSession) setState(c *Council, st CouncilState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.signal()
	c.publish(s, StreamEvent{Type: EventSessionState, State: string(st)})
}

func (s *CouncilSession) setRound(round int) {
	s.mu.Lock()
	s.round = round
	s.mu.Unlock()
}

func (s *CouncilSession) finish(c *Council, st CouncilState, reason string) {
	s.mu.Lock()
	// A stop that raced the driver keeps its stopped state.
	if s.state != StateStopped {
		s.state = st
	}
	s.reason = reason
	st = s.state
	s.mu.Unlock()
	s.signal()
	s.cancel()
	c.publish(s, StreamEvent{
		Type: EventSessionState, State: string(st), Message: reason,
	})
}

func (s *CouncilSession) signal() {
	select {
	case s.stateCh <- struct{}{}:
	default:
	}
}

// signalLocked is signal for callers already holding s.mu.
func (s *CouncilSession) signalLocked() {
	select {
	case s.stateCh <- struct{}{}:
	default:
	}
}
