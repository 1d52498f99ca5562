package comm

import (
	"fmt"
	"strconv"
	"strings"
)

// Logger provides debug logging hooks for the communicator.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// TraceAttribute represents a tracing attribute attached to spans or events.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans that wrap measurement runs.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records lifecycle, events, and errors for tracing systems.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// MetricHook captures communicator telemetry events.
type MetricHook interface {
	PlanCompiled(attrs map[string]string)
	ExecutionCompleted(attrs map[string]string)
	ExecutionFailed(err error, attrs map[string]string)
	TransferFailed(err error, attrs map[string]string)
	IterationTimed(seconds float64, attrs map[string]string)
}

const (
	labelBackend = "backend"
	labelComm    = "comm"
	labelRank    = "rank"
	labelGroup   = "group"
	labelPhase   = "phase"
	labelStatus  = "status"
)

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}

func (c *Comm) metricAttrs(fields ...logField) map[string]string {
	attrs := make(map[string]string, len(fields)+4)
	attrs[labelBackend] = c.kind.String()
	attrs[labelRank] = strconv.Itoa(c.g.Rank())
	attrs[labelGroup] = c.g.Name()
	if c.name != "" {
		attrs[labelComm] = c.name
	}
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs[field.key] = fmt.Sprint(field.value)
	}
	return attrs
}

func (c *Comm) logEvent(event string, fields ...logField) {
	if c == nil {
		return
	}
	if c.structuredLogger != nil {
		kv := make([]any, 0, len(fields)*2+6)
		kv = append(kv, "event", event, labelBackend, c.kind.String(), labelRank, c.g.Rank())
		if c.name != "" {
			kv = append(kv, labelComm, c.name)
		}
		for _, field := range fields {
			if field.key == "" {
				continue
			}
			kv = append(kv, field.key, field.value)
		}
		c.structuredLogger.Debugw("commbench communicator", kv...)
		return
	}
	if c.logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString(event)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(field.key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(field.value))
	}
	c.logger.Debugf("comm %s rank %d %s", c.kind, c.g.Rank(), b.String())
}

func (c *Comm) metricPlanCompiled(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.PlanCompiled(c.metricAttrs(fields...))
}

func (c *Comm) metricExecutionCompleted(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.ExecutionCompleted(c.metricAttrs(fields...))
}

func (c *Comm) metricExecutionFailed(err error, fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.ExecutionFailed(err, c.metricAttrs(fields...))
}

func (c *Comm) metricTransferFailed(err error, fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.TransferFailed(err, c.metricAttrs(fields...))
}

func (c *Comm) metricIterationTimed(seconds float64, fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.IterationTimed(seconds, c.metricAttrs(fields...))
}

func (c *Comm) startSpan(name string, fields ...logField) Span {
	if c == nil || c.tracer == nil {
		return nil
	}
	attrs := []TraceAttribute{
		{Key: "component", Value: "commbench"},
		{Key: labelBackend, Value: c.kind.String()},
		{Key: labelRank, Value: c.g.Rank()},
		{Key: labelGroup, Value: c.g.Name()},
	}
	if c.name != "" {
		attrs = append(attrs, TraceAttribute{Key: labelComm, Value: c.name})
	}
	attrs = append(attrs, attributesFromFields(fields...)...)
	return c.tracer.StartSpan(name, attrs...)
}

func finishSpan(span Span, err error) {
	if span == nil {
		return
	}
	span.End(err)
}

func spanAddEvent(span Span, name string, fields ...logField) {
	if span == nil {
		return
	}
	span.AddEvent(name, attributesFromFields(fields...)...)
}

func spanRecordError(span Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
}

func attributesFromFields(fields ...logField) []TraceAttribute {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]TraceAttribute, 0, len(fields))
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs = append(attrs, TraceAttribute{Key: field.key, Value: field.value})
	}
	return attrs
}
