package tracing

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitTracer_ExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := InitTracer("convertx-test", &buf)
	if err != nil {
		t.Fatalf("InitTracer failed: %v", err)
	}

	_, span := otel.Tracer("test").Start(context.Background(), "dispatcher.Submit")
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "dispatcher.Submit") {
		t.Fatalf("exported spans missing span name: %s", out)
	}
	if !strings.Contains(out, "convertx-test") {
		t.Fatalf("exported spans missing service name: %s", out)
	}
}
