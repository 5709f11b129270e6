package tracing

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestSetupDisabledIsNoop(t *testing.T) {
	p, err := Setup(Options{})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	_, span := p.Tracer("test").Start(context.Background(), "noop")
	if span.SpanContext().IsValid() {
		t.Fatalf("disabled tracing should produce invalid span contexts")
	}
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSetupExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	p, err := Setup(Options{Enabled: true, ServiceName: "cachegate-test", Version: "v0", Writer: &buf})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	_, span := p.Tracer("test").Start(context.Background(), "upstream.fetch")
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !strings.Contains(buf.String(), "upstream.fetch") {
		t.Fatalf("expected exported span, got %q", buf.String())
	}
}
