package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/athanor-ai/athanor"
)

// engineMetrics feeds the engine's measurements into the OTEL instruments,
// including USD cost per the calculator's pricing table.
type engineMetrics struct {
	inst *Instruments
}

// NewMetrics returns an athanor.Metrics recording to inst. Call observer.Init()
// first; otherwise the instruments record to a no-op provider.
func NewMetrics(inst *Instruments) athanor.Metrics {
	return &engineMetrics{inst: inst}
}

func (m *engineMetrics) RecordModelCall(ctx context.Context, provider, model string, elapsed time.Duration, usage athanor.Usage, kind athanor.ErrorKind) {
	base := []attribute.KeyValue{
		attribute.String("provider", provider),
		attribute.String("model", model),
		attribute.String("family", string(athanor.FamilyOf(model))),
	}
	status := "ok"
	if kind != "" {
		status = string(kind)
	}
	m.inst.LLMRequests.Add(ctx, 1,
		metric.WithAttributes(append(base, attribute.String("status", status))...))
	m.inst.LLMDuration.Record(ctx, float64(elapsed.Milliseconds()),
		metric.WithAttributes(base...))

	if usage.InputTokens > 0 {
		m.inst.TokenUsage.Add(ctx, int64(usage.InputTokens),
			metric.WithAttributes(append(base, attribute.String("direction", "input"))...))
	}
	if usage.OutputTokens > 0 {
		m.inst.TokenUsage.Add(ctx, int64(usage.OutputTokens),
			metric.WithAttributes(append(base, attribute.String("direction", "output"))...))
	}
	if cost := m.inst.Cost.Calculate(model, usage.InputTokens, usage.OutputTokens); cost > 0 {
		m.inst.CostTotal.Add(ctx, cost, metric.WithAttributes(base...))
	}
}

func (m *engineMetrics) RecordToolExecution(ctx context.Context, tool string, elapsed time.Duration, kind athanor.ErrorKind) {
	status := "ok"
	if kind != "" {
		status = string(kind)
	}
	m.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool), attribute.String("status", status)))
	m.inst.ToolDuration.Record(ctx, float64(elapsed.Milliseconds()),
		metric.WithAttributes(attribute.String("tool", tool)))
}

func (m *engineMetrics) RecordCouncilSession(ctx context.Context) {
	m.inst.CouncilSessions.Add(ctx, 1)
}

func (m *engineMetrics) RecordCouncilRound(ctx context.Context) {
	m.inst.CouncilRounds.Add(ctx, 1)
}

var _ athanor.Metrics = (*engineMetrics)(nil)
