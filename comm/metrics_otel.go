package comm

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry instruments.
type OTelMetrics struct {
	meter               metric.Meter
	plansCompiled       metric.Int64Counter
	executionsCompleted metric.Int64Counter
	executionsFailed    metric.Int64Counter
	transfersFailed     metric.Int64Counter
	iterationSeconds    metric.Float64Histogram
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rocketbitz/commbench-go/comm"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	plansCompiled, err := meter.Int64Counter("commbench.plans.compiled")
	if err != nil {
		return nil, err
	}
	executionsCompleted, err := meter.Int64Counter("commbench.executions.completed")
	if err != nil {
		return nil, err
	}
	executionsFailed, err := meter.Int64Counter("commbench.executions.failed")
	if err != nil {
		return nil, err
	}
	transfersFailed, err := meter.Int64Counter("commbench.transfers.failed")
	if err != nil {
		return nil, err
	}
	iterationSeconds, err := meter.Float64Histogram("commbench.iteration.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Elapsed time of benchmark iterations from start to completion"),
	)
	if err != nil {
		return nil, err
	}

	return &OTelMetrics{
		meter:               meter,
		plansCompiled:       plansCompiled,
		executionsCompleted: executionsCompleted,
		executionsFailed:    executionsFailed,
		transfersFailed:     transfersFailed,
		iterationSeconds:    iterationSeconds,
	}, nil
}

// PlanCompiled records a compiled plan.
func (o *OTelMetrics) PlanCompiled(attrs map[string]string) {
	o.plansCompiled.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// ExecutionCompleted records an execution without failures.
func (o *OTelMetrics) ExecutionCompleted(attrs map[string]string) {
	o.executionsCompleted.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWith(attrs, labelStatus)...))
}

// ExecutionFailed records an execution with failed transfers.
func (o *OTelMetrics) ExecutionFailed(_ error, attrs map[string]string) {
	o.executionsFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWith(attrs, labelStatus)...))
}

// TransferFailed records one failed transfer.
func (o *OTelMetrics) TransferFailed(_ error, attrs map[string]string) {
	o.transfersFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// IterationTimed records one benchmark iteration.
func (o *OTelMetrics) IterationTimed(seconds float64, attrs map[string]string) {
	o.iterationSeconds.Record(context.Background(), seconds, metric.WithAttributes(otelAttrsWith(attrs, labelPhase)...))
}

func otelAttrs(attrs map[string]string) []attribute.KeyValue {
	kvs := []attribute.KeyValue{
		attribute.String(labelBackend, attrs[labelBackend]),
		attribute.String(labelRank, attrs[labelRank]),
	}
	if v := attrs[labelGroup]; v != "" {
		kvs = append(kvs, attribute.String(labelGroup, v))
	}
	if v := attrs[labelComm]; v != "" {
		kvs = append(kvs, attribute.String(labelComm, v))
	}
	return kvs
}

func otelAttrsWith(attrs map[string]string, keys ...string) []attribute.KeyValue {
	kvs := otelAttrs(attrs)
	for _, key := range keys {
		if v := attrs[key]; v != "" {
			kvs = append(kvs, attribute.String(key, v))
		}
	}
	return kvs
}
