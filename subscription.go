package athanor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// StreamEventType identifies a wire event sent to clients and observers.
type StreamEventType string

const (
	EventToken        StreamEventType = "token"
	EventToolStart    StreamEventType = "tool_start"
	EventToolComplete StreamEventType = "tool_complete"
	EventToolError    StreamEventType = "tool_error"
	EventRestart      StreamEventType = "restart"
	EventDone         StreamEventType = "done"
	EventError        StreamEventType = "error"

	EventApprovalNeeded StreamEventType = "approval_needed"
	EventInputNeeded    StreamEventType = "input_needed"
	EventConnection     StreamEventType = "connection"
	EventLagged         StreamEventType = "subscriber_lagged"

	// Council session events.
	EventAgentToken        StreamEventType = "agent_token"
	EventAgentToolStart    StreamEventType = "agent_tool_start"
	EventAgentToolComplete StreamEventType = "agent_tool_complete"
	EventAgentToolError    StreamEventType = "agent_tool_error"
	EventAgentComplete     StreamEventType = "agent_complete"
	EventHumanInterject    StreamEventType = "human_interject"
	EventConsensus         StreamEventType = "consensus"
	EventSessionState      StreamEventType = "session_state"
)

// StreamEvent is the JSON-stable wire event. Only the fields for its Type
// are set; the encoding must stay line-parseable by SSE consumers.
type StreamEvent struct {
	Type StreamEventType `json:"type"`

	Text string `json:"text,omitempty"`

	CallID    string `json:"call_id,omitempty"`
	Tool      string `json:"tool,omitempty"`
	Result    string `json:"result,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms,omitempty"`

	Kind    ErrorKind `json:"kind,omitempty"`
	Message string    `json:"message,omitempty"`
	Counter string    `json:"counter,omitempty"`
	ResetAt int64     `json:"reset_at,omitempty"`

	AgentID   string  `json:"agent_id,omitempty"`
	SessionID string  `json:"session_id,omitempty"`
	State     string  `json:"state,omitempty"`
	Round     int     `json:"round,omitempty"`
	Score     float64 `json:"score,omitempty"`
	Usage     *Usage  `json:"usage,omitempty"`
	UserID    string  `json:"user_id,omitempty"`
}

// ErrorEvent frames err as the in-stream error event that precedes done.
func ErrorEvent(err error) StreamEvent {
	ev := StreamEvent{Type: EventError, Kind: KindOf(err), Message: PublicMessage(err)}
	var e *Error
	if errors.As(err, &e) {
		ev.Counter = e.Counter
		ev.ResetAt = e.ResetAt
	}
	return ev
}

// Subscription is the request-scoped event sink. The producing side (the
// orchestrator and executor) sends ordered events; one consumer drains them.
// Send blocks when the consumer is slow, so no event is ever dropped
// silently; the consumer abandoning the stream cancels the request context
// instead.
type Subscription struct {
	ch        chan StreamEvent
	closeOnce sync.Once

	mu        sync.Mutex
	approvals map[string]chan bool
}

// NewSubscription creates a subscription with a small send buffer.
func NewSubscription() *Subscription {
	return &Subscription{
		ch:        make(chan StreamEvent, 64),
		approvals: make(map[string]chan bool),
	}
}

// Send delivers ev in order, blocking until the consumer accepts it or ctx
// is cancelled.
func (s *Subscription) Send(ctx context.Context, ev StreamEvent) error {
	select {
	case s.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns the consumer side.
func (s *Subscription) Events() <-chan StreamEvent { return s.ch }

// Close ends the stream. Safe to call more than once; only the producing
// side may call it.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// AwaitApproval publishes approval_needed for callID and waits for the
// client's verdict. No verdict within window yields ApprovalTimeout;
// an explicit rejection yields UserRejected.
func (s *Subscription) AwaitApproval(ctx context.Context, callID string, window time.Duration) error {
	verdict := make(chan bool, 1)
	s.mu.Lock()
	s.approvals[callID] = verdict
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.approvals, callID)
		s.mu.Unlock()
	}()

	if err := s.Send(ctx, StreamEvent{Type: EventApprovalNeeded, CallID: callID}); err != nil {
		return err
	}

	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case ok := <-verdict:
		if !ok {
			return ToolErr(KindUserRejected, callID, "user rejected the call")
		}
		return nil
	case <-timer.C:
		return ToolErr(KindApprovalTimeout, callID, "no confirmation within %s", window)
	case <-ctx.Done():
		return ToolErr(KindToolCancelled, callID, "cancelled while awaiting approval")
	}
}

// Resolve records the client's verdict for a pending approval. Unknown call
// ids are ignored.
func (s *Subscription) Resolve(callID string, approved bool) {
	s.mu.Lock()
	verdict, ok := s.approvals[callID]
	s.mu.Unlock()
	if ok {
		select {
		case verdict <- approved:
		default:
		}
	}
}

// ServeSSE drains sub to w using the stable framing "data: <json>\n\n".
// It returns when the subscription closes or the client disconnects.
func ServeSSE(ctx context.Context, w http.ResponseWriter, sub *Subscription) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for {
		select {
		case ev, open := <-sub.Events():
			if !open {
				return nil
			}
			if err := WriteSSEEvent(w, flusher, ev); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WriteSSEEvent frames one event and flushes it.
func WriteSSEEvent(w http.ResponseWriter, flusher http.Flusher, ev StreamEvent) error {
	encoded, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal sse event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", encoded); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
