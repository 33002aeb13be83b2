package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "parley"

// StartTurnSpan starts a span covering one streamed turn.
func StartTurnSpan(ctx context.Context, conversationID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "turn",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
		),
	)
}

// StartApprovalSpan starts a span for resolving an approval request.
func StartApprovalSpan(ctx context.Context, requestID, action string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "approval",
		trace.WithAttributes(
			attribute.String("approval.id", requestID),
			attribute.String("approval.action", action),
		),
	)
}

// StartMeetingSpan starts a span covering a meeting socket attachment.
func StartMeetingSpan(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "meeting",
		trace.WithAttributes(
			attribute.String("meeting.session", sessionID),
		),
	)
}
