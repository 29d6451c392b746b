package redpanda

import (
	"context"
	"testing"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestTraceHeadersRoundTrip(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	record := &kgo.Record{Topic: TopicBuildRequests}
	injectTraceHeaders(ctx, record)
	injectTraceHeaders(ctx, record)
	if len(record.Headers) != 1 || record.Headers[0].Key != "traceparent" {
		t.Fatalf("headers = %+v", record.Headers)
	}

	got := trace.SpanContextFromContext(extractTraceContext(context.Background(), record))
	if got.TraceID() != traceID || got.SpanID() != spanID || !got.IsRemote() {
		t.Errorf("extracted span context = %+v", got)
	}
}

func TestDefaultTopicConfigs(t *testing.T) {
	seen := map[string]bool{}
	for _, c := range DefaultTopicConfigs() {
		seen[c.Name] = true
		if c.Partitions < 1 {
			t.Errorf("%s has no partitions", c.Name)
		}
	}
	for _, name := range []string{TopicBuildRequests, TopicCohortEvents, TopicDeadLetter} {
		if !seen[name] {
			t.Errorf("topic %s not configured", name)
		}
	}
}
