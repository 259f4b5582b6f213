package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newTestTracerProvider returns a TracerProvider with an in-memory exporter
// for inspecting recorded spans.
func newTestTracerProvider(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exp
}

// captureLogs routes the default logger into a buffer for the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestCorrelationID_EmptyByDefault(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}
}

func TestCorrelationID_ReturnsTraceID(t *testing.T) {
	tp, _ := newTestTracerProvider(t)

	ctx, span := tp.Tracer("test").Start(context.Background(), "test-span")
	defer span.End()

	cid := CorrelationID(ctx)
	if len(cid) != 32 {
		t.Errorf("correlation ID length = %d, want 32", len(cid))
	}
	if strings.Trim(cid, "0123456789abcdef") != "" {
		t.Errorf("correlation ID %q is not lowercase hex", cid)
	}
}

func TestStartSpan_CreatesSpan(t *testing.T) {
	tp, exp := newTestTracerProvider(t)

	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	ctx, span := StartSpan(context.Background(), "call.setup")
	if CorrelationID(ctx) == "" {
		t.Error("StartSpan did not create a span with a trace ID")
	}

	span.End()
	spans := exp.GetSpans()
	if len(spans) == 0 {
		t.Fatal("no spans recorded")
	}
	if spans[0].Name != "call.setup" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "call.setup")
	}
}

func TestSessionID_RoundTrip(t *testing.T) {
	ctx := WithSessionID(context.Background(), "abc-123")
	if got := SessionID(ctx); got != "abc-123" {
		t.Errorf("SessionID = %q, want abc-123", got)
	}
	if got := SessionID(context.Background()); got != "" {
		t.Errorf("SessionID(background) = %q, want empty", got)
	}
}

func TestLogger_Attributes(t *testing.T) {
	tp, _ := newTestTracerProvider(t)

	tests := []struct {
		name    string
		ctx     func() (context.Context, func())
		want    []string
		notWant []string
	}{
		{
			name:    "plain",
			ctx:     func() (context.Context, func()) { return context.Background(), func() {} },
			notWant: []string{"trace_id", "session_id"},
		},
		{
			name: "span",
			ctx: func() (context.Context, func()) {
				ctx, span := tp.Tracer("test").Start(context.Background(), "log-test")
				return ctx, func() { span.End() }
			},
			want:    []string{"trace_id=", "span_id="},
			notWant: []string{"session_id"},
		},
		{
			name: "session and span",
			ctx: func() (context.Context, func()) {
				ctx, span := tp.Tracer("test").Start(context.Background(), "log-test")
				return WithSessionID(ctx, "s-1"), func() { span.End() }
			},
			want: []string{"trace_id=", "session_id=s-1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLogs(t)
			ctx, done := tt.ctx()
			defer done()

			Logger(ctx).Info("test message")

			logged := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(logged, w) {
					t.Errorf("log output missing %q, got: %s", w, logged)
				}
			}
			for _, nw := range tt.notWant {
				if strings.Contains(logged, nw) {
					t.Errorf("log output should not contain %q, got: %s", nw, logged)
				}
			}
		})
	}
}
