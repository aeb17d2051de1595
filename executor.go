package athanor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	// DefaultToolTimeout bounds one handler run unless the tool overrides it.
	DefaultToolTimeout = 120 * time.Second
	// defaultApprovalWindow bounds the wait for a user confirmation.
	defaultApprovalWindow = 60 * time.Second

	backgroundCap  = 3
	interactiveCap = 1
	// defaultQueueBound caps invocations queued behind a busy slot.
	defaultQueueBound = 8

	// auditFieldMax truncates tool input/output before audit and broadcast.
	auditFieldMax = 2048
)

// ToolOutcome is the settled result of one tool invocation. Failures carry
// their kind; every outcome converts to a tool-result block so the model can
// observe it.
type ToolOutcome struct {
	CallID  string
	Tool    string
	OK      bool
	Payload string
	Kind    ErrorKind
	Elapsed time.Duration
}

// Block renders the outcome as the tool-result content block appended to the
// working list.
func (o ToolOutcome) Block() Block {
	payload := o.Payload
	if !o.OK && payload == "" {
		payload = string(o.Kind)
	}
	return ToolResultBlock(o.CallID, o.OK, payload)
}

// Executor runs validated tool calls with per-user concurrency caps,
// deadlines, approval waits, lifecycle broadcasts, and audit rows.
type Executor struct {
	registry *Registry
	bus      *Bus
	audit    AuditStore
	logger   *slog.Logger
	tracer   Tracer
	metrics  Metrics

	timeout        time.Duration
	approvalWindow time.Duration
	queueBound     int

	mu    sync.Mutex
	slots map[string]*userSlots
}

// userSlots holds one user's concurrency state. Caps apply per category.
type userSlots struct {
	background  chan struct{}
	interactive chan struct{}
	bgQueued    int
	intQueued   int
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithToolTimeout overrides the default handler deadline.
func WithToolTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithApprovalWindow overrides the confirmation wait bound.
func WithApprovalWindow(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.approvalWindow = d
		}
	}
}

// WithQueueBound overrides the per-user wait queue bound.
func WithQueueBound(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.queueBound = n
		}
	}
}

// WithExecutorLogger sets the structured logger.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithExecutorTracer sets the tracer.
func WithExecutorTracer(t Tracer) ExecutorOption {
	return func(e *Executor) { e.tracer = t }
}

// WithExecutorMetrics sets the measurement sink.
func WithExecutorMetrics(m Metrics) ExecutorOption {
	return func(e *Executor) {
		if m != nil {
			e.metrics = m
		}
	}
}

// NewExecutor builds an executor over the catalog. bus and audit may be nil;
// broadcasts and audit rows are then skipped.
func NewExecutor(registry *Registry, bus *Bus, audit AuditStore, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry:       registry,
		bus:            bus,
		audit:          audit,
		logger:         nopLogger,
		metrics:        nopMetrics{},
		timeout:        DefaultToolTimeout,
		approvalWindow: defaultApprovalWindow,
		queueBound:     defaultQueueBound,
		slots:          make(map[string]*userSlots),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Execute runs one invocation through the full pipeline. It always returns
// an outcome; failures never propagate as Go errors because the model is
// given the chance to recover from them.
func (e *Executor) Execute(ctx context.Context, inv Invocation, sub *Subscription) ToolOutcome {
	ctx, span := startSpan(ctx, e.tracer, "tool.execute",
		StringAttr("tool", inv.Tool), StringAttr("call_id", inv.CallID))
	defer span.End()

	tool, ok := e.registry.Lookup(inv.Tool)
	if !ok {
		return e.fail(ctx, inv, sub, 0, ToolErr(KindUnknownTool, inv.CallID, "unknown tool %q", inv.Tool))
	}
	if err := tool.ValidateArgs(inv.Args); err != nil {
		var te *Error
		if errors.As(err, &te) {
			te.CallID = inv.CallID
		}
		return e.fail(ctx, inv, sub, 0, err)
	}

	if err := e.acquire(ctx, inv.UserID, tool.Category); err != nil {
		return e.fail(ctx, inv, sub, 0, err)
	}
	defer e.release(inv.UserID, tool.Category)

	e.emit(ctx, inv.UserID, sub, StreamEvent{
		Type: EventToolStart, CallID: inv.CallID, Tool: inv.Tool,
	})

	if tool.RequiresApproval && sub != nil {
		if err := sub.AwaitApproval(ctx, inv.CallID, e.approvalWindow); err != nil {
			return e.fail(ctx, inv, sub, 0, err)
		}
	}

	timeout := tool.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	payload, err := e.run(runCtx, tool, inv)
	elapsed := time.Since(start)

	if err != nil {
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			err = ToolErr(KindTimeout, inv.CallID, "handler exceeded %s deadline", timeout)
		case ctx.Err() != nil:
			err = ToolErr(KindToolCancelled, inv.CallID, "invocation cancelled")
		case KindOf(err) == KindInternal:
			err = &Error{Kind: KindToolRuntimeError, CallID: inv.CallID, Message: err.Error(), Err: err}
		}
		span.Error(err)
		return e.fail(ctx, inv, sub, elapsed, err)
	}

	outcome := ToolOutcome{
		CallID: inv.CallID, Tool: inv.Tool, OK: true,
		Payload: payload, Elapsed: elapsed,
	}
	e.emit(ctx, inv.UserID, sub, StreamEvent{
		Type: EventToolComplete, CallID: inv.CallID, Tool: inv.Tool,
		Result: truncate(payload, auditFieldMax), ElapsedMS: elapsed.Milliseconds(),
	})
	e.record(ctx, inv, "", payload, elapsed)
	e.metrics.RecordToolExecution(ctx, inv.Tool, elapsed, "")
	e.logger.Debug("tool complete", "tool", inv.Tool, "call_id", inv.CallID, "elapsed", elapsed)
	return outcome
}

// run executes the handler in its own goroutine so a handler that ignores
// cancellation cannot stall the request past its deadline.
func (e *Executor) run(ctx context.Context, tool *Tool, inv Invocation) (string, error) {
	type result struct {
		payload string
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		payload, err := tool.Handler(ctx, inv)
		ch <- result{payload, err}
	}()
	select {
	case r := <-ch:
		if ctx.Err() != nil && r.err == nil {
			return "", ctx.Err()
		}
		return r.payload, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (e *Executor) fail(ctx context.Context, inv Invocation, sub *Subscription, elapsed time.Duration, err error) ToolOutcome {
	kind := KindOf(err)
	msg := PublicMessage(err)
	e.emit(ctx, inv.UserID, sub, StreamEvent{
		Type: EventToolError, CallID: inv.CallID, Tool: inv.Tool,
		Kind: kind, Message: msg, ElapsedMS: elapsed.Milliseconds(),
	})
	e.record(ctx, inv, kind, msg, elapsed)
	e.metrics.RecordToolExecution(ctx, inv.Tool, elapsed, kind)
	e.logger.Warn("tool failed", "tool", inv.Tool, "call_id", inv.CallID, "kind", kind)
	return ToolOutcome{
		CallID: inv.CallID, Tool: inv.Tool,
		Kind: kind, Payload: msg, Elapsed: elapsed,
	}
}

// emit sends the event to the request stream and the user's village topic.
// Stream delivery blocks (ordered, lossless); bus delivery is best-effort.
func (e *Executor) emit(ctx context.Context, userID string, sub *Subscription, ev StreamEvent) {
	if sub != nil {
		_ = sub.Send(ctx, ev)
	}
	if e.bus != nil {
		ev.UserID = userID
		e.bus.Publish(VillageTopic(userID), ev)
	}
}

func (e *Executor) record(ctx context.Context, inv Invocation, kind ErrorKind, output string, elapsed time.Duration) {
	if e.audit == nil {
		return
	}
	entry := AuditEntry{
		ID:             NewID(),
		UserID:         inv.UserID,
		ConversationID: inv.ConversationID,
		AgentID:        inv.AgentID,
		CallID:         inv.CallID,
		Tool:           inv.Tool,
		Input:          truncate(string(inv.Args), auditFieldMax),
		Output:         truncate(output, auditFieldMax),
		Kind:           kind,
		ElapsedMS:      elapsed.Milliseconds(),
		CreatedAt:      NowUnix(),
	}
	if err := e.audit.RecordAudit(ctx, entry); err != nil {
		e.logger.Warn("audit write failed", "tool", inv.Tool, "error", err)
	}
}

// acquire claims a concurrency slot for the user, queueing up to the bound.
func (e *Executor) acquire(ctx context.Context, userID string, cat ToolCategory) error {
	e.mu.Lock()
	slots, ok := e.slots[userID]
	if !ok {
		slots = &userSlots{
			background:  make(chan struct{}, backgroundCap),
			interactive: make(chan struct{}, interactiveCap),
		}
		e.slots[userID] = slots
	}
	ch := slots.background
	queued := &slots.bgQueued
	if cat == CategoryInteractive {
		ch = slots.interactive
		queued = &slots.intQueued
	}
	// Fast path while the lock is held keeps the queued count exact.
	select {
	case ch <- struct{}{}:
		e.mu.Unlock()
		return nil
	default:
	}
	if *queued >= e.queueBound {
		e.mu.Unlock()
		return E(KindBackpressureRejected, "too many queued %s tool calls", cat)
	}
	*queued++
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		*queued--
		e.mu.Unlock()
	}()
	select {
	case ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return E(KindToolCancelled, "cancelled while queued")
	}
}

func (e *Executor) release(userID string, cat ToolCategory) {
	e.mu.Lock()
	slots := e.slots[userID]
	e.mu.Unlock()
	if slots == nil {
		return
	}
	if cat == CategoryInteractive {
		<-slots.interactive
		return
	}
	<-slots.background
}

// truncate caps s at n bytes with a sentinel, backing up to a rune boundary
// so the result stays valid UTF-8.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…[truncated]"
}
