package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type jobCtxKey struct{}
type ticketCtxKey struct{}
type requestCtxKey struct{}

// ContextFields extracts correlation fields from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 5)

	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id := JobIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("job.id", id))
	}
	if id := TicketIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("ticket.id", id))
	}
	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request.id", id))
	}
	return fields
}

// WithJobID tags ctx with a harvest job id.
func WithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, jobCtxKey{}, id)
}

// JobIDFromContext returns the job id or "".
func JobIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(jobCtxKey{}).(string)
	return id
}

// WithTicketID tags ctx with the ticket currently being processed.
func WithTicketID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ticketCtxKey{}, id)
}

// TicketIDFromContext returns the ticket id or "".
func TicketIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ticketCtxKey{}).(string)
	return id
}

// WithRequestID tags ctx with an HTTP request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, id)
}

// RequestIDFromContext returns the request id or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestCtxKey{}).(string)
	return id
}
