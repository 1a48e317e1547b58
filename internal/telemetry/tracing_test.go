/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// setupTestTracer installs an in-memory span exporter for test assertions.
func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(
		trace.WithSyncer(exporter),
	)
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

func TestInitTraceProviderNoopWhenEmpty(t *testing.T) {
	shutdown, err := InitTraceProvider(context.Background(), "", "test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestToolSpanAttributes(t *testing.T) {
	exporter := setupTestTracer(t)

	_, span := StartToolSpan(context.Background(), "create_scene", "scene:res://a.tscn")
	EndToolSpan(span, "req-1", "success", nil)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "editor.tool_invoke" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "editor.tool_invoke")
	}

	want := map[string]string{
		"editorbridge.tool":         "create_scene",
		"editorbridge.resource_key": "scene:res://a.tscn",
		"editorbridge.request_id":   "req-1",
		"editorbridge.outcome":      "success",
	}
	for _, a := range spans[0].Attributes {
		if v, ok := want[string(a.Key)]; ok && a.Value.AsString() == v {
			delete(want, string(a.Key))
		}
	}
	if len(want) != 0 {
		t.Errorf("missing attributes: %v", want)
	}
	if spans[0].Status.Code == codes.Error {
		t.Error("successful span should not carry an error status")
	}
}

func TestToolSpanRecordsError(t *testing.T) {
	exporter := setupTestTracer(t)

	_, span := StartToolSpan(context.Background(), "save_scene", "")
	EndToolSpan(span, "req-2", "remote_error", errors.New("boom"))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("status = %v, want error", spans[0].Status.Code)
	}
	if spans[0].Status.Description != "boom" {
		t.Errorf("status description = %q", spans[0].Status.Description)
	}
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "editorbridge.resource_key" {
			t.Error("resource key attribute should be omitted when empty")
		}
	}
}

func TestToolSpanNestsUnderCaller(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, parent := Tracer().Start(context.Background(), "mcp.call_tool")
	_, child := StartToolSpan(ctx, "get_scene_tree", "")
	EndToolSpan(child, "req-3", "success", nil)
	parent.End()

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	if spans[0].Parent.TraceID() != spans[1].SpanContext.TraceID() {
		t.Error("tool span should share trace ID with its caller")
	}
}
