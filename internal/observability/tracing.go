package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span name/attribute constants, grounded on the teacher's react/tracing.go
// startReactSpan/markSpanResult pattern, renamed onto this module's own
// session/task/tool vocabulary.
const (
	traceScope = "orchestrator"

	SpanTurn       = "orchestrator.turn"
	SpanLLMDrive   = "orchestrator.llm.drive"
	SpanToolExec   = "orchestrator.tool.execute"
	SpanSubagentRun = "orchestrator.subagent.run"

	attrSessionID = "orchestrator.session_id"
	attrTaskID    = "orchestrator.task_id"
	attrToolName  = "orchestrator.tool_name"
	attrStatus    = "orchestrator.status"
)

// StartSpan opens a span under this module's tracer scope, tagging it with
// sessionID/taskID when non-empty.
func StartSpan(ctx context.Context, spanName, sessionID, taskID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	spanAttrs := make([]attribute.KeyValue, 0, len(attrs)+2)
	if sessionID != "" {
		spanAttrs = append(spanAttrs, attribute.String(attrSessionID, sessionID))
	}
	if taskID != "" {
		spanAttrs = append(spanAttrs, attribute.String(attrTaskID, taskID))
	}
	spanAttrs = append(spanAttrs, attrs...)
	return otel.Tracer(traceScope).Start(ctx, spanName, trace.WithAttributes(spanAttrs...))
}

// ToolNameAttr tags a span with the tool being invoked.
func ToolNameAttr(name string) attribute.KeyValue {
	return attribute.String(attrToolName, name)
}

// MarkSpanResult records err (if any) onto span and closes out its status,
// matching the teacher's markSpanResult.
func MarkSpanResult(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String(attrStatus, "error"))
		return
	}
	span.SetStatus(codes.Ok, "")
	span.SetAttributes(attribute.String(attrStatus, "success"))
}
