package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Attribute keys shared by all components.
const (
	AttrBoard     = attribute.Key("swarm.board")
	AttrTaskID    = attribute.Key("swarm.task_id")
	AttrAgentID   = attribute.Key("swarm.agent_id")
	AttrSessionID = attribute.Key("swarm.session_id")
	AttrTopic     = attribute.Key("swarm.topic")
)

// Tracer wraps an OpenTelemetry tracer with swarm-specific helpers.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a tracer named name from the given provider.
func NewTracer(tp trace.TracerProvider, name string) *Tracer {
	if tp == nil {
		return Noop()
	}
	return &Tracer{tracer: tp.Tracer(name)}
}

// Noop returns a tracer that records nothing.
func Noop() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// StartBoardSpan starts a span for a board store operation.
func (t *Tracer) StartBoardSpan(ctx context.Context, op, board string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "board."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(AttrBoard.String(board)),
	)
}

// StartTaskSpan starts a span for a mailbox or worker operation on a task.
func (t *Tracer) StartTaskSpan(ctx context.Context, name, agentID, taskID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{AttrAgentID.String(agentID)}
	if taskID != "" {
		attrs = append(attrs, AttrTaskID.String(taskID))
	}
	return t.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// StartVoteSpan starts a span for a consensus session operation.
func (t *Tracer) StartVoteSpan(ctx context.Context, op, sessionID, topic string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "consensus."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			AttrSessionID.String(sessionID),
			AttrTopic.String(topic),
		),
	)
}

// End records err (if any) on the span, sets its status and ends it.
func End(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
