package otel

import (
	"context"
	"errors"
	"testing"

	"github.com/arklow/chorus"
)

func TestNewTracerReturnsTracer(t *testing.T) {
	tracer := NewTracer()
	if tracer == nil {
		t.Fatal("NewTracer() returned nil")
	}

	ctx, span := tracer.Start(context.Background(), "test.span",
		chorus.StringAttr("key", "value"),
		chorus.IntAttr("count", 42))
	if ctx == nil {
		t.Fatal("Start() returned nil context")
	}
	if span == nil {
		t.Fatal("Start() returned nil span")
	}

	span.SetAttr(chorus.BoolAttr("ok", true))
	span.Event("test.event", chorus.Float64Attr("score", 0.95))
	span.End()
}

func TestNewTracerErrorSpan(t *testing.T) {
	tracer := NewTracer()
	_, span := tracer.Start(context.Background(), "test.error")

	span.Error(errors.New("test error"))
	span.End()
}

var _ chorus.Tracer = (*Tracer)(nil)
