package graph

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/allsmog/revgraph/internal/types"
)

// TracedClient wraps a Client with OpenTelemetry tracing.
// Creates a span per operation and records query attributes.
//
// Span names:
//   - Connect: "revgraph.graph.connect"
//   - Query:   "revgraph.graph.query"
//   - Write:   "revgraph.graph.write"
//
// Thread-safety: safe for concurrent access (delegates to inner client).
type TracedClient struct {
	inner  Client
	tracer trace.Tracer
}

// NewTracedClient wraps inner with OpenTelemetry tracing using tracer.
func NewTracedClient(inner Client, tracer trace.Tracer) *TracedClient {
	return &TracedClient{inner: inner, tracer: tracer}
}

// Connect establishes a connection with tracing.
func (t *TracedClient) Connect(ctx context.Context) error {
	ctx, span := t.tracer.Start(ctx, "revgraph.graph.connect")
	defer span.End()

	err := t.inner.Connect(ctx)
	recordSpanError(span, err)
	return err
}

// Close closes the inner client. Not traced; shutdown paths stay simple.
func (t *TracedClient) Close(ctx context.Context) error {
	return t.inner.Close(ctx)
}

// Health delegates to the inner client.
func (t *TracedClient) Health(ctx context.Context) types.HealthStatus {
	return t.inner.Health(ctx)
}

// Query executes a read query with tracing.
func (t *TracedClient) Query(ctx context.Context, cypher string, params map[string]any) (QueryResult, error) {
	return t.traced(ctx, "revgraph.graph.query", cypher, params, t.inner.Query)
}

// Write executes a write statement with tracing.
func (t *TracedClient) Write(ctx context.Context, cypher string, params map[string]any) (QueryResult, error) {
	return t.traced(ctx, "revgraph.graph.write", cypher, params, t.inner.Write)
}

func (t *TracedClient) traced(
	ctx context.Context,
	name, cypher string,
	params map[string]any,
	fn func(context.Context, string, map[string]any) (QueryResult, error),
) (QueryResult, error) {
	ctx, span := t.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		attribute.String("db.system", "neo4j"),
		attribute.String("db.statement", cypher),
		attribute.Int("db.parameter_count", len(params)),
	)

	start := time.Now()
	result, err := fn(ctx, cypher, params)
	span.SetAttributes(
		attribute.Int64("db.duration_ms", time.Since(start).Milliseconds()),
		attribute.Int("db.records", len(result.Records)),
	)
	recordSpanError(span, err)
	return result, err
}

func recordSpanError(span trace.Span, err error) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
