package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ReportError is the gateway's error-tracking hook. It logs err with the trace
// ids in ctx, marks the active span as failed and increments the error
// counter for component. Extra attributes are attached to the log record.
//
// ReportError is for failures that are handled (the user already got an
// apology, the call carries on). Failures that abort a request are returned
// to the caller instead.
func ReportError(ctx context.Context, component string, err error, attrs ...any) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	DefaultMetrics().Errors.Add(ctx, 1, metric.WithAttributes(Attr("component", component)))

	args := append([]any{"component", component, "err", err}, attrs...)
	Logger(ctx).ErrorContext(ctx, "error reported", args...)
}

// WithComponent returns a logger for ctx tagged with component.
func WithComponent(ctx context.Context, component string) *slog.Logger {
	return Logger(ctx).With("component", component)
}
