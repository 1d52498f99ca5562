package comm

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelTracerOptions configures NewOTelTracer.
type OTelTracerOptions struct {
	TracerProvider trace.TracerProvider
	Tracer         trace.Tracer
	// Context parents every span. Defaults to context.Background.
	Context             context.Context
	InstrumentationName string
}

var _ Tracer = (*OTelTracer)(nil)

// OTelTracer adapts an OpenTelemetry tracer to Tracer.
type OTelTracer struct {
	tracer trace.Tracer
	ctx    context.Context
}

// NewOTelTracer constructs a Tracer backed by OpenTelemetry.
func NewOTelTracer(opts OTelTracerOptions) *OTelTracer {
	tracer := opts.Tracer
	if tracer == nil {
		provider := opts.TracerProvider
		if provider == nil {
			provider = otel.GetTracerProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rocketbitz/commbench-go/comm"
		}
		tracer = provider.Tracer(name)
	}
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	return &OTelTracer{tracer: tracer, ctx: ctx}
}

// StartSpan implements Tracer.
func (t *OTelTracer) StartSpan(name string, attrs ...TraceAttribute) Span {
	_, span := t.tracer.Start(t.ctx, name, trace.WithAttributes(toAttributes(attrs)...))
	return otelSpan{span: span}
}

type otelSpan struct {
	span trace.Span
}

func (s otelSpan) End(err error) {
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
}

func (s otelSpan) AddEvent(name string, attrs ...TraceAttribute) {
	s.span.AddEvent(name, trace.WithAttributes(toAttributes(attrs)...))
}

func (s otelSpan) RecordError(err error) {
	s.span.RecordError(err)
}

func toAttributes(attrs []TraceAttribute) []attribute.KeyValue {
	if len(attrs) == 0 {
		return nil
	}
	kvs := make([]attribute.KeyValue, 0, len(attrs))
	for _, a := range attrs {
		kvs = append(kvs, toAttribute(a))
	}
	return kvs
}

func toAttribute(a TraceAttribute) attribute.KeyValue {
	switch v := a.Value.(type) {
	case string:
		return attribute.String(a.Key, v)
	case bool:
		return attribute.Bool(a.Key, v)
	case int:
		return attribute.Int(a.Key, v)
	case int64:
		return attribute.Int64(a.Key, v)
	case uint64:
		return attribute.Int64(a.Key, int64(v))
	case float64:
		return attribute.Float64(a.Key, v)
	case time.Duration:
		return attribute.Int64(a.Key, v.Nanoseconds())
	case fmt.Stringer:
		return attribute.String(a.Key, v.String())
	case error:
		return attribute.String(a.Key, v.Error())
	default:
		return attribute.String(a.Key, fmt.Sprint(v))
	}
}
