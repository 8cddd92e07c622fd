package observability

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

func TestInitTracer_InvalidEndpoint(t *testing.T) {
	// gRPC connects lazily, so an unreachable endpoint still initializes.
	ctx := context.Background()

	shutdown, err := InitTracer(ctx, "test-service", "invalid-endpoint:9999")
	if err != nil {
		t.Logf("InitTracer failed in this environment: %v", err)
		return
	}
	if shutdown == nil {
		t.Fatal("expected shutdown function to be non-nil")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	_ = shutdown(shutdownCtx)
}

func TestInitTracer_NoCollectorStillPropagates(t *testing.T) {
	ctx := context.Background()

	shutdown, err := InitTracer(ctx, "runplane-test", "")
	if err != nil {
		t.Fatalf("InitTracer failed: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	ctx, span := otel.Tracer("test").Start(ctx, "parent")
	defer span.End()

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if carrier.Get("traceparent") == "" {
		t.Fatalf("expected traceparent in carrier, got %v", carrier)
	}

	remote := otel.GetTextMapPropagator().Extract(context.Background(), carrier)
	_, child := otel.Tracer("test").Start(remote, "child")
	defer child.End()
	if child.SpanContext().TraceID() != span.SpanContext().TraceID() {
		t.Error("child span did not join the propagated trace")
	}
}
