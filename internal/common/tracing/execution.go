package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	clientTracerName = "pegasus-client"
	kernelTracerName = "pegasus-kernel"
)

// TraceCellRun creates a client-side span covering one cell execution, from the
// execute request until the terminal frame or connection loss.
func TraceCellRun(ctx context.Context, notebook, cellID string, codeLen int) (context.Context, trace.Span) {
	ctx, span := Tracer(clientTracerName).Start(ctx, "cell.run",
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("notebook", notebook),
		attribute.String("cell_id", cellID),
		attribute.Int("code_length", codeLen),
	)
	return ctx, span
}

// TraceKernelExecute creates a server-side span for one sandboxed execution.
func TraceKernelExecute(ctx context.Context, executionID, image string, shell bool) (context.Context, trace.Span) {
	ctx, span := Tracer(kernelTracerName).Start(ctx, "kernel.execute",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	span.SetAttributes(
		attribute.String("execution_id", executionID),
		attribute.String("image", image),
		attribute.Bool("shell", shell),
	)
	return ctx, span
}

// TraceResult records the outcome on span and ends it.
func TraceResult(span trace.Span, outcome string, err error) {
	span.SetAttributes(attribute.String("outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
