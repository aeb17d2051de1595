package athanor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultMaxIterations bounds provider turns per chat request.
	DefaultMaxIterations = 5
	// defaultStreamInactivity aborts a provider stream that goes silent.
	defaultStreamInactivity = 60 * time.Second
	// maxParallelDispatch caps concurrent tool goroutines per batch.
	maxParallelDispatch = 10

	// loopBoundNotice is the synthetic assistant text appended when the
	// iteration cap is reached with tool use still pending.
	loopBoundNotice = "I ran out of tool-use budget before finishing. Here is what I have so far."
)

// ChatTask is one inbound chat request after authentication.
type ChatTask struct {
	User User
	// ConversationID targets an existing conversation; empty starts a new
	// one.
	ConversationID string
	AgentID        string
	Text           string
	// Attachments are image blocks accompanying the text.
	Attachments []Block
	// Model overrides the agent's default model.
	Model string
	// ToolsEnabled is the caller's opt-in; the tier gate can still deny.
	ToolsEnabled bool
	// Provider overrides the configured default backend.
	Provider string
}

// ChatResult summarizes one completed request.
type ChatResult struct {
	ConversationID string
	MessageID      string
	Text           string
	Usage          Usage
	Iterations     int
	// Reason is "end_turn", "loop_bound", or "cancelled".
	Reason string
}

// Orchestrator turns a user message into one persisted assistant message,
// streaming tokens and tool lifecycle events along the way.
type Orchestrator struct {
	store    Store
	registry *Registry
	executor *Executor
	quota    *Quota
	policy   *Policy

	providers       map[string]Provider
	defaultProvider string
	agents          *AgentCatalog
	bus             *Bus
	logger          *slog.Logger
	tracer          Tracer
	metrics         Metrics

	maxIter    int
	maxRetries int
	retryBase  time.Duration
	retryCap   time.Duration
	inactivity time.Duration
	maxTokens  int
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithProvider registers a backend under its routing name.
func WithProvider(name string, p Provider) OrchestratorOption {
	return func(o *Orchestrator) { o.providers[name] = p }
}

// WithDefaultProvider selects the backend used when a task names none.
func WithDefaultProvider(name string) OrchestratorOption {
	return func(o *Orchestrator) { o.defaultProvider = name }
}

// WithAgents sets the persona catalog.
func WithAgents(c *AgentCatalog) OrchestratorOption {
	return func(o *Orchestrator) { o.agents = c }
}

// WithBus attaches the observer event bus.
func WithBus(b *Bus) OrchestratorOption {
	return func(o *Orchestrator) { o.bus = b }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// WithTracer sets the tracer.
func WithTracer(t Tracer) OrchestratorOption {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithMetrics sets the measurement sink.
func WithMetrics(m Metrics) OrchestratorOption {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithMaxIterations overrides the loop bound.
func WithMaxIterations(k int) OrchestratorOption {
	return func(o *Orchestrator) {
		if k > 0 {
			o.maxIter = k
		}
	}
}

// WithMaxRetries overrides the transient-error retry bound per model call.
func WithMaxRetries(m int) OrchestratorOption {
	return func(o *Orchestrator) {
		if m >= 0 {
			o.maxRetries = m
		}
	}
}

// WithRetryDelays overrides the backoff base and cap.
func WithRetryDelays(base, cap time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if base > 0 {
			o.retryBase = base
		}
		if cap > 0 {
			o.retryCap = cap
		}
	}
}

// WithStreamInactivity overrides the provider silence deadline.
func WithStreamInactivity(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if d > 0 {
			o.inactivity = d
		}
	}
}

// WithMaxOutputTokens sets the decode budget passed to providers.
func WithMaxOutputTokens(n int) OrchestratorOption {
	return func(o *Orchestrator) { o.maxTokens = n }
}

// NewOrchestrator wires the engine. Providers, agents, and the bus attach
// through options.
func NewOrchestrator(store Store, registry *Registry, executor *Executor, quota *Quota, policy *Policy, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:      store,
		registry:   registry,
		executor:   executor,
		quota:      quota,
		policy:     policy,
		providers:  make(map[string]Provider),
		agents:     NewAgentCatalog(),
		logger:     nopLogger,
		metrics:    nopMetrics{},
		maxIter:    DefaultMaxIterations,
		maxRetries: defaultMaxRetries,
		retryBase:  retryBaseDelay,
		retryCap:   retryMaxDelay,
		inactivity: defaultStreamInactivity,
		maxTokens:  4096,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// providerFor resolves the backend for a task.
func (o *Orchestrator) providerFor(name string) (Provider, error) {
	if name == "" {
		name = o.defaultProvider
	}
	p, ok := o.providers[name]
	if !ok {
		return nil, E(KindInternal, "no provider registered as %q", name)
	}
	return p, nil
}

// Run executes one chat request end to end: pre-flight gate, history load,
// the bounded tool loop, persistence, and counter commit. Events flow to sub
// in order; done is always the last event and the subscription is closed
// before Run returns.
//
// Pre-flight denials (quota, tier, unknown agent) return before any event is
// sent so the server can answer with a plain status code.
func (o *Orchestrator) Run(ctx context.Context, task ChatTask, sub *Subscription) (ChatResult, error) {
	agent, ok := o.agents.Get(task.AgentID)
	if !ok {
		return ChatResult{}, E(KindValidationError, "unknown agent %q", task.AgentID)
	}
	model := task.Model
	if model == "" {
		model = agent.DefaultModel
	}
	if err := o.policy.CheckModel(task.User, model); err != nil {
		return ChatResult{}, err
	}
	provider, err := o.providerFor(task.Provider)
	if err != nil {
		return ChatResult{}, err
	}

	// Reserve the total and per-family message counters before anything
	// billable happens. Both release if the request dies before commit.
	resTotal, err := o.quota.Reserve(ctx, task.User, CounterMessagesTotal, 1)
	if err != nil {
		return ChatResult{}, err
	}
	resFamily, err := o.quota.Reserve(ctx, task.User, MessagesCounter(FamilyOf(model)), 1)
	if err != nil {
		_ = resTotal.Release(ctx)
		return ChatResult{}, err
	}
	release := func() {
		_ = resTotal.Release(context.WithoutCancel(ctx))
		_ = resFamily.Release(context.WithoutCancel(ctx))
	}
	commit := func() {
		resTotal.Commit()
		resFamily.Commit()
	}

	convID := task.ConversationID
	var history []Message
	if convID == "" {
		convID = NewID()
		conv := Conversation{ID: convID, UserID: task.User.ID, CreatedAt: NowUnix()}
		if err := o.store.CreateConversation(ctx, conv); err != nil {
			release()
			return ChatResult{}, &Error{Kind: KindInternal, Message: "create conversation", Err: err}
		}
	} else {
		conv, err := o.store.GetConversation(ctx, convID)
		if err != nil {
			release()
			return ChatResult{}, &Error{Kind: KindInternal, Message: "load conversation", Err: err}
		}
		if conv.UserID != task.User.ID {
			release()
			return ChatResult{}, E(KindUnauthenticated, "conversation belongs to another user")
		}
		history, err = o.store.LoadTail(ctx, convID, o.policy.MaxContextTokens(task.User.Tier))
		if err != nil {
			release()
			return ChatResult{}, &Error{Kind: KindInternal, Message: "load history", Err: err}
		}
	}

	userMsg := Message{
		ID:             NewID(),
		ConversationID: convID,
		Role:           RoleUser,
		Blocks:         append([]Block{TextBlock(task.Text)}, task.Attachments...),
		CreatedAt:      NowUnix(),
	}
	if err := o.store.Append(ctx, convID, userMsg); err != nil {
		release()
		return ChatResult{}, &Error{Kind: KindInternal, Message: "append user message", Err: err}
	}

	var tools []ToolDefinition
	if task.ToolsEnabled && o.policy.ToolsEnabled(task.User.Tier) {
		tools = o.registry.Filter(task.User, agent, o.policy)
	}

	ctx, span := startSpan(ctx, o.tracer, "chat.request",
		StringAttr("agent", agent.ID), StringAttr("model", model))
	defer span.End()

	transcript := append(history, userMsg)
	blocks, usage, reason, loopErr := o.runLoop(ctx, loopInput{
		user:           task.User,
		agent:          agent,
		model:          model,
		provider:       provider,
		transcript:     transcript,
		tools:          tools,
		conversationID: convID,
	}, sub)

	defer sub.Close()

	if loopErr != nil && KindOf(loopErr) != KindCancelled {
		span.Error(loopErr)
		release()
		_ = sub.Send(context.WithoutCancel(ctx), ErrorEvent(loopErr))
		_ = sub.Send(context.WithoutCancel(ctx), StreamEvent{Type: EventDone})
		return ChatResult{ConversationID: convID, Usage: usage}, loopErr
	}

	if ctx.Err() != nil || KindOf(loopErr) == KindCancelled {
		// Partial output is discarded; what the provider billed stays
		// committed.
		commit()
		bg := context.WithoutCancel(ctx)
		_ = sub.Send(bg, StreamEvent{Type: EventDone})
		return ChatResult{ConversationID: convID, Usage: usage, Reason: "cancelled"}, nil
	}

	final := Message{
		ID:             NewID(),
		ConversationID: convID,
		Role:           RoleAssistant,
		AgentID:        agent.ID,
		Blocks:         blocks,
		Usage:          usage,
		CreatedAt:      NowUnix(),
	}
	if err := o.store.Append(ctx, convID, final); err != nil {
		release()
		err = &Error{Kind: KindInternal, Message: "append assistant message", Err: err}
		_ = sub.Send(context.WithoutCancel(ctx), ErrorEvent(err))
		_ = sub.Send(context.WithoutCancel(ctx), StreamEvent{Type: EventDone})
		return ChatResult{ConversationID: convID, Usage: usage}, err
	}
	commit()

	_ = sub.Send(context.WithoutCancel(ctx), StreamEvent{Type: EventDone})
	o.logger.Info("chat complete",
		"conversation", convID, "agent", agent.ID, "model", model,
		"tokens", usage.Total(), "reason", reason)
	return ChatResult{
		ConversationID: convID,
		MessageID:      final.ID,
		Text:           final.TextContent(),
		Usage:          usage,
		Reason:         reason,
	}, nil
}

// Turn runs the bounded loop over an in-memory transcript without touching
// the conversation store or quota gate. The council engine drives its agent
// turns through it.
func (o *Orchestrator) Turn(ctx context.Context, user User, agent *Agent, model, providerName string, transcript []Message, tools []ToolDefinition, sub *Subscription) (Message, Usage, error) {
	provider, err := o.providerFor(providerName)
	if err != nil {
		return Message{}, Usage{}, err
	}
	blocks, usage, _, loopErr := o.runLoop(ctx, loopInput{
		user:       user,
		agent:      agent,
		model:      model,
		provider:   provider,
		transcript: transcript,
		tools:      tools,
	}, sub)
	if loopErr != nil {
		return Message{}, usage, loopErr
	}
	msg := Message{
		ID:        NewID(),
		Role:      RoleAssistant,
		AgentID:   agent.ID,
		Blocks:    blocks,
		Usage:     usage,
		CreatedAt: NowUnix(),
	}
	return msg, usage, nil
}

type loopInput struct {
	user           User
	agent          *Agent
	model          string
	provider       Provider
	transcript     []Message
	tools          []ToolDefinition
	conversationID string
}

// runLoop is the bounded tool-calling loop shared by chat requests and
// council turns. It returns the final assistant blocks in occurrence order:
// per iteration the turn's text, then its tool-use/tool-result pairs in
// ToolUseEnd order.
func (o *Orchestrator) runLoop(ctx context.Context, in loopInput, sub *Subscription) ([]Block, Usage, string, error) {
	var (
		total    Usage
		final    []Block
		messages = in.transcript
	)

	for i := 0; i < o.maxIter; i++ {
		iterCtx, iterSpan := startSpan(ctx, o.tracer, "chat.iteration",
			IntAttr("iteration", i), BoolAttr("has_tools", len(in.tools) > 0))

		req := Request{
			Model:     in.model,
			System:    in.agent.SystemPrompt,
			Messages:  messages,
			Tools:     in.tools,
			MaxTokens: o.maxTokens,
		}
		turn, err := o.streamWithRetry(iterCtx, in.provider, req, sub)
		total.Add(turn.usage)
		if err != nil {
			iterSpan.Error(err)
			iterSpan.End()
			return nil, total, "", err
		}

		if len(turn.calls) == 0 {
			if turn.text != "" {
				final = append(final, TextBlock(turn.text))
			}
			iterSpan.End()
			return final, total, "end_turn", nil
		}

		// The model asked for tools. Record the turn in the working list,
		// dispatch the batch, and append results in ToolUseEnd order.
		assistantBlocks := make([]Block, 0, len(turn.calls)+1)
		if turn.text != "" {
			assistantBlocks = append(assistantBlocks, TextBlock(turn.text))
		}
		for _, call := range turn.calls {
			assistantBlocks = append(assistantBlocks, ToolUseBlock(call.id, call.name, call.args))
		}

		if i == o.maxIter-1 {
			// Bound reached with tool use still pending. The undispatched
			// calls are dropped so every persisted tool-use block keeps a
			// matching result.
			iterSpan.Event("loop_bound")
			iterSpan.End()
			if turn.text != "" {
				final = append(final, TextBlock(turn.text))
			}
			final = append(final, TextBlock(loopBoundNotice))
			_ = sub.Send(ctx, StreamEvent{Type: EventToken, Text: loopBoundNotice})
			o.recordLoopBound(ctx, in)
			return final, total, "loop_bound", nil
		}

		messages = append(messages, Message{Role: RoleAssistant, Blocks: assistantBlocks, AgentID: in.agent.ID})

		outcomes := o.dispatchBatch(iterCtx, in, turn.calls, sub)

		if turn.text != "" {
			final = append(final, TextBlock(turn.text))
		}
		resultBlocks := make([]Block, 0, len(outcomes))
		for j, call := range turn.calls {
			final = append(final, ToolUseBlock(call.id, call.name, call.args))
			final = append(final, outcomes[j].Block())
			resultBlocks = append(resultBlocks, outcomes[j].Block())
		}
		messages = append(messages, Message{Role: RoleUser, Blocks: resultBlocks})
		iterSpan.End()

		if ctx.Err() != nil {
			return nil, total, "", E(KindCancelled, "request cancelled")
		}
	}

	// Unreachable: the final iteration either returns end_turn or hits the
	// bound branch above.
	return final, total, "loop_bound", nil
}

// toolCall is one complete call collected from a provider turn.
type toolCall struct {
	id   string
	name string
	args json.RawMessage
}

type turnOutput struct {
	text  string
	calls []toolCall
	usage Usage
	stop  StopReason
}

// streamWithRetry drives one model call, retrying transient failures with
// backoff. A retry discards the attempt's text and sends a restart marker so
// consumers reset their accumulator; usage billed by failed attempts still
// counts.
func (o *Orchestrator) streamWithRetry(ctx context.Context, provider Provider, req Request, sub *Subscription) (turnOutput, error) {
	var total Usage
	var lastErr error
	for attempt := 0; attempt <= o.maxRetries; attempt++ {
		start := time.Now()
		turn, err := o.streamTurn(ctx, provider, req, sub)
		o.metrics.RecordModelCall(ctx, provider.Name(), req.Model, time.Since(start), turn.usage, KindOf(err))
		total.Add(turn.usage)
		if err == nil {
			turn.usage = total
			return turn, nil
		}
		lastErr = err
		if !Retryable(err) || ctx.Err() != nil {
			break
		}
		if attempt < o.maxRetries {
			o.logger.Warn("provider transient error, retrying",
				"provider", provider.Name(), "attempt", attempt+1, "error", err)
			if err := sub.Send(ctx, StreamEvent{Type: EventRestart}); err != nil {
				break
			}
			if err := sleepBackoff(ctx, o.retryBase, o.retryCap, attempt); err != nil {
				break
			}
		}
	}
	if Retryable(lastErr) {
		// Exhausted the budget; surface as permanent.
		lastErr = &Error{Kind: KindProviderPermanent, Message: "retries exhausted", Err: lastErr}
	}
	return turnOutput{usage: total}, lastErr
}

// streamTurn consumes one provider stream: text deltas forward immediately,
// tool calls buffer until ToolUseEnd. An inactivity deadline guards against
// silent streams.
func (o *Orchestrator) streamTurn(ctx context.Context, provider Provider, req Request, sub *Subscription) (turnOutput, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan ProviderEvent, 64)
	errCh := make(chan error, 1)
	go func() {
		errCh <- provider.Stream(streamCtx, req, events)
		close(events)
	}()

	var out turnOutput
	timer := time.NewTimer(o.inactivity)
	defer timer.Stop()
	for {
		select {
		case ev, open := <-events:
			if !open {
				if err := <-errCh; err != nil {
					return out, err
				}
				return out, nil
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(o.inactivity)
			switch ev.Type {
			case TextDelta:
				out.text += ev.Text
				if err := sub.Send(ctx, StreamEvent{Type: EventToken, Text: ev.Text}); err != nil {
					cancel()
					<-errCh
					return out, E(KindCancelled, "stream consumer gone")
				}
			case ToolUseEnd:
				out.calls = append(out.calls, toolCall{id: ev.CallID, name: ev.ToolName, args: ev.Args})
			case UsageReport:
				out.usage.Add(ev.Usage)
			case TurnDone:
				out.stop = ev.StopReason
			}
		case <-timer.C:
			cancel()
			<-errCh
			return out, E(KindProviderTransient, "stream inactive for %s", o.inactivity)
		case <-ctx.Done():
			cancel()
			<-errCh
			return out, E(KindCancelled, "request cancelled")
		}
	}
}

// dispatchBatch runs the turn's tool calls concurrently through the executor
// with a fixed worker pool. Results land at the index of their ToolUseEnd,
// so the caller appends them in batch order regardless of completion order.
func (o *Orchestrator) dispatchBatch(ctx context.Context, in loopInput, calls []toolCall, sub *Subscription) []ToolOutcome {
	outcomes := make([]ToolOutcome, len(calls))
	run := func(idx int, call toolCall) {
		outcomes[idx] = o.executor.Execute(ctx, Invocation{
			CallID:         call.id,
			Tool:           call.name,
			Args:           call.args,
			UserID:         in.user.ID,
			ConversationID: in.conversationID,
			AgentID:        in.agent.ID,
		}, sub)
	}

	if len(calls) == 1 {
		run(0, calls[0])
		return outcomes
	}

	type workItem struct {
		idx  int
		call toolCall
	}
	work := make(chan workItem, len(calls))
	for i, c := range calls {
		work <- workItem{i, c}
	}
	close(work)

	workers := min(len(calls), maxParallelDispatch)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for w := range work {
				if ctx.Err() != nil {
					outcomes[w.idx] = ToolOutcome{
						CallID: w.call.id, Tool: w.call.name,
						Kind: KindToolCancelled, Payload: "invocation cancelled",
					}
					continue
				}
				run(w.idx, w.call)
			}
		}()
	}
	wg.Wait()
	return outcomes
}

func (o *Orchestrator) recordLoopBound(ctx context.Context, in loopInput) {
	if o.store == nil {
		return
	}
	entry := AuditEntry{
		ID:             NewID(),
		UserID:         in.user.ID,
		ConversationID: in.conversationID,
		AgentID:        in.agent.ID,
		Kind:           KindLoopBoundExceeded,
		Output:         fmt.Sprintf("terminated after %d iterations", o.maxIter),
		CreatedAt:      NowUnix(),
	}
	if err := o.store.RecordAudit(ctx, entry); err != nil {
		o.logger.Warn("audit write failed", "kind", KindLoopBoundExceeded, "error", err)
	}
}
