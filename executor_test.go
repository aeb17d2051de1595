package athanor

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func newTestExecutor(t *testing.T, tools []*Tool, opts ...ExecutorOption) (*Executor, *memStore) {
	t.Helper()
	registry := NewRegistry()
	for _, tool := range tools {
		if err := registry.Register(*tool); err != nil {
			t.Fatalf("register %s: %v", tool.Name, err)
		}
	}
	store := newMemStore()
	return NewExecutor(registry, nil, store, opts...), store
}

func inv(callID, tool, args string) Invocation {
	return Invocation{CallID: callID, Tool: tool, Args: []byte(args), UserID: "u-test"}
}

func TestExecuteUnknownTool(t *testing.T) {
	exec, store := newTestExecutor(t, nil)
	out := exec.Execute(context.Background(), inv("c1", "nope", `{}`), nil)
	if out.OK || out.Kind != KindUnknownTool {
		t.Errorf("outcome = %+v, want UnknownTool failure", out)
	}
	if len(store.audits) != 1 || store.audits[0].Kind != KindUnknownTool {
		t.Errorf("audit = %+v", store.audits)
	}
}

func TestExecuteValidatesArgs(t *testing.T) {
	tool := echoTool("strict")
	tool.InputSchema = `{"type":"object","properties":{"q":{"type":"string"}},"required":["q"]}`
	exec, _ := newTestExecutor(t, []*Tool{tool})

	out := exec.Execute(context.Background(), inv("c1", "strict", `{"wrong":1}`), nil)
	if out.OK || out.Kind != KindValidationError {
		t.Errorf("outcome = %+v, want ValidationError", out)
	}
	out = exec.Execute(context.Background(), inv("c2", "strict", `not json`), nil)
	if out.Kind != KindValidationError {
		t.Errorf("kind = %v for invalid JSON", out.Kind)
	}
	out = exec.Execute(context.Background(), inv("c3", "strict", `{"q":"ok"}`), nil)
	if !out.OK {
		t.Errorf("valid args rejected: %+v", out)
	}
}

func TestExecuteTimeoutIsRecoverable(t *testing.T) {
	slow := &Tool{
		Name:     "sleepy",
		Category: CategoryBackground,
		Timeout:  20 * time.Millisecond,
		Handler: func(ctx context.Context, _ Invocation) (string, error) {
			select {
			case <-time.After(time.Second):
				return "too late", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	}
	exec, _ := newTestExecutor(t, []*Tool{slow})
	out := exec.Execute(context.Background(), inv("c1", "sleepy", `{}`), nil)
	if out.OK || out.Kind != KindTimeout {
		t.Errorf("outcome = %+v, want Timeout", out)
	}
	// The outcome still renders as a tool-result block the model can read.
	blk := out.Block()
	if blk.Type != BlockToolResult || blk.OK {
		t.Errorf("block = %+v", blk)
	}
}

func TestExecuteMapsUntypedErrors(t *testing.T) {
	flaky := &Tool{
		Name:     "flaky",
		Category: CategoryBackground,
		Handler: func(_ context.Context, _ Invocation) (string, error) {
			return "", fmt.Errorf("upstream exploded")
		},
	}
	exec, _ := newTestExecutor(t, []*Tool{flaky})
	out := exec.Execute(context.Background(), inv("c1", "flaky", `{}`), nil)
	if out.OK {
		t.Fatal("expected failure")
	}
	// An untyped handler error surfaces as a recoverable runtime error.
	if out.Kind != KindToolRuntimeError {
		t.Errorf("kind = %v, want ToolRuntimeError", out.Kind)
	}
}

func TestExecuteBackpressure(t *testing.T) {
	tool, entered, release := barrierTool("hold", CategoryInteractive)
	exec, _ := newTestExecutor(t, []*Tool{tool}, WithQueueBound(1))
	defer close(release)

	running := make(chan ToolOutcome, 3)
	go func() { running <- exec.Execute(context.Background(), inv("c1", "hold", `{}`), nil) }()
	<-entered // c1 holds the single interactive slot

	go func() { running <- exec.Execute(context.Background(), inv("c2", "hold", `{}`), nil) }()
	// Wait until c2 is queued before firing the overflow call.
	deadline := time.After(time.Second)
	for {
		exec.mu.Lock()
		queued := exec.slots["u-test"].intQueued
		exec.mu.Unlock()
		if queued == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("second call never queued")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	out := exec.Execute(context.Background(), inv("c3", "hold", `{}`), nil)
	if out.Kind != KindBackpressureRejected {
		t.Fatalf("kind = %v, want BackpressureRejected", out.Kind)
	}
}

func TestExecuteApprovalReject(t *testing.T) {
	tool := echoTool("dangerous")
	tool.RequiresApproval = true
	exec, _ := newTestExecutor(t, []*Tool{tool})

	sub := NewSubscription()
	go func() {
		for ev := range sub.Events() {
			if ev.Type == EventApprovalNeeded {
				sub.Resolve(ev.CallID, false)
			}
		}
	}()
	out := exec.Execute(context.Background(), inv("c1", "dangerous", `{}`), sub)
	sub.Close()
	if out.Kind != KindUserRejected {
		t.Errorf("kind = %v, want UserRejected", out.Kind)
	}
}

func TestExecuteApprovalTimeout(t *testing.T) {
	tool := echoTool("dangerous")
	tool.RequiresApproval = true
	exec, _ := newTestExecutor(t, []*Tool{tool}, WithApprovalWindow(10*time.Millisecond))

	sub := NewSubscription()
	go func() {
		for range sub.Events() {
			// Observe but never resolve.
		}
	}()
	out := exec.Execute(context.Background(), inv("c1", "dangerous", `{}`), sub)
	sub.Close()
	if out.Kind != KindApprovalTimeout {
		t.Errorf("kind = %v, want ApprovalTimeout", out.Kind)
	}
}

func TestExecuteApprovalGranted(t *testing.T) {
	tool := echoTool("dangerous")
	tool.RequiresApproval = true
	exec, _ := newTestExecutor(t, []*Tool{tool})

	sub := NewSubscription()
	go func() {
		for ev := range sub.Events() {
			if ev.Type == EventApprovalNeeded {
				sub.Resolve(ev.CallID, true)
			}
		}
	}()
	out := exec.Execute(context.Background(), inv("c1", "dangerous", `{"x":1}`), sub)
	sub.Close()
	if !out.OK {
		t.Errorf("outcome = %+v, want success", out)
	}
}

func TestExecuteBackgroundConcurrency(t *testing.T) {
	tool, entered, release := barrierTool("bg", CategoryBackground)
	exec, _ := newTestExecutor(t, []*Tool{tool})

	results := make(chan ToolOutcome, 4)
	for i := 0; i < 4; i++ {
		go func(i int) {
			results <- exec.Execute(context.Background(), inv("c", "bg", `{}`), nil)
		}(i)
	}

	// Exactly the background cap runs at once.
	for i := 0; i < 3; i++ {
		select {
		case <-entered:
		case <-time.After(time.Second):
			t.Fatalf("only %d invocations started", i)
		}
	}
	select {
	case <-entered:
		t.Fatal("fourth invocation ran past the cap")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	for i := 0; i < 4; i++ {
		out := <-results
		if !out.OK {
			t.Errorf("outcome %d failed: %+v", i, out)
		}
	}
}

func TestExecuteAuditTruncatesFields(t *testing.T) {
	big := make([]byte, 5000)
	for i := range big {
		big[i] = 'a'
	}
	tool := &Tool{
		Name:     "big",
		Category: CategoryBackground,
		Handler: func(_ context.Context, _ Invocation) (string, error) {
			return string(big), nil
		},
	}
	exec, store := newTestExecutor(t, []*Tool{tool})
	out := exec.Execute(context.Background(), Invocation{
		CallID: "c1", Tool: "big", Args: big, UserID: "u-test",
	}, nil)
	if !out.OK {
		t.Fatalf("outcome = %+v", out)
	}
	entry := store.audits[0]
	if len(entry.Input) > 2100 || len(entry.Output) > 2100 {
		t.Errorf("audit fields not truncated: in=%d out=%d", len(entry.Input), len(entry.Output))
	}
}

func TestTruncateKeepsValidUTF8(t *testing.T) {
	// "héllo" repeated so the cap lands inside the two-byte é.
	s := strings.Repeat("héllo", 10)
	for n := 1; n < len(s); n++ {
		got := truncate(s, n)
		if !utf8.ValidString(got) {
			t.Fatalf("truncate(%q, %d) = %q, not valid UTF-8", s, n, got)
		}
		if !strings.HasSuffix(got, "…[truncated]") {
			t.Fatalf("truncate(%q, %d) missing sentinel", s, n)
		}
	}
	if got := truncate("short", 100); got != "short" {
		t.Errorf("under-cap string modified: %q", got)
	}
}
