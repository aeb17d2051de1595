package athanor

import (
	"context"
	"time"
)

// Metrics receives the engine's measurements: model calls, tool executions,
// and council activity. The observer package provides an OTEL-backed
// implementation via NewMetrics(); when none is configured, recording is
// skipped.
type Metrics interface {
	// RecordModelCall reports one provider stream attempt, including failed
	// ones. kind is empty on success.
	RecordModelCall(ctx context.Context, provider, model string, elapsed time.Duration, usage Usage, kind ErrorKind)
	// RecordToolExecution reports one settled tool invocation. kind is empty
	// on success.
	RecordToolExecution(ctx context.Context, tool string, elapsed time.Duration, kind ErrorKind)
	// RecordCouncilSession reports one started deliberation session.
	RecordCouncilSession(ctx context.Context)
	// RecordCouncilRound reports one completed or started council round.
	RecordCouncilRound(ctx context.Context)
}

// nopMetrics is used when no metrics sink is configured.
type nopMetrics struct{}

func (nopMetrics) RecordModelCall(context.Context, string, string, time.Duration, Usage, ErrorKind) {
}
func (nopMetrics) RecordToolExecution(context.Context, string, time.Duration, ErrorKind) {}
func (nopMetrics) RecordCouncilSession(context.Context)                                  {}
func (nopMetrics) RecordCouncilRound(context.Context)                                    {}
