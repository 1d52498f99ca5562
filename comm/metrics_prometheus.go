package comm

import "github.com/prometheus/client_golang/prometheus"

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
	// Buckets for the iteration histogram, in seconds. Defaults to
	// exponential buckets from 1µs to about 1s.
	Buckets []float64
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus collectors.
type PrometheusMetrics struct {
	plansCompiled       *prometheus.CounterVec
	executionsCompleted *prometheus.CounterVec
	executionsFailed    *prometheus.CounterVec
	transfersFailed     *prometheus.CounterVec
	iterationSeconds    *prometheus.HistogramVec
}

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus counters
// and an iteration latency histogram.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	buckets := opts.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.ExponentialBuckets(1e-6, 4, 11)
	}

	p := &PrometheusMetrics{
		plansCompiled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "commbench_plans_compiled_total",
			Help:        "Number of communication plans compiled",
			ConstLabels: opts.ConstLabels,
		}, baseLabelKeys),
		executionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "commbench_executions_completed_total",
			Help:        "Number of plan executions that completed without failures",
			ConstLabels: opts.ConstLabels,
		}, executionLabelKeys),
		executionsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "commbench_executions_failed_total",
			Help:        "Number of plan executions with at least one failed transfer",
			ConstLabels: opts.ConstLabels,
		}, executionLabelKeys),
		transfersFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "commbench_transfers_failed_total",
			Help:        "Number of individual transfers that failed",
			ConstLabels: opts.ConstLabels,
		}, baseLabelKeys),
		iterationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "commbench_iteration_seconds",
			Help:        "Elapsed time of benchmark iterations from start to completion",
			ConstLabels: opts.ConstLabels,
			Buckets:     buckets,
		}, iterationLabelKeys),
	}

	var err error
	if p.plansCompiled, err = registerCounterVec(reg, p.plansCompiled); err != nil {
		return nil, err
	}
	if p.executionsCompleted, err = registerCounterVec(reg, p.executionsCompleted); err != nil {
		return nil, err
	}
	if p.executionsFailed, err = registerCounterVec(reg, p.executionsFailed); err != nil {
		return nil, err
	}
	if p.transfersFailed, err = registerCounterVec(reg, p.transfersFailed); err != nil {
		return nil, err
	}
	if p.iterationSeconds, err = registerHistogramVec(reg, p.iterationSeconds); err != nil {
		return nil, err
	}

	return p, nil
}

var (
	baseLabelKeys      = []string{labelBackend, labelGroup, labelRank, labelComm}
	executionLabelKeys = []string{labelBackend, labelGroup, labelRank, labelComm, labelStatus}
	iterationLabelKeys = []string{labelBackend, labelGroup, labelRank, labelComm, labelPhase}
)

func (p *PrometheusMetrics) PlanCompiled(attrs map[string]string) {
	p.plansCompiled.With(labels(attrs, baseLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ExecutionCompleted(attrs map[string]string) {
	p.executionsCompleted.With(labels(attrs, executionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ExecutionFailed(_ error, attrs map[string]string) {
	p.executionsFailed.With(labels(attrs, executionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) TransferFailed(_ error, attrs map[string]string) {
	p.transfersFailed.With(labels(attrs, baseLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) IterationTimed(seconds float64, attrs map[string]string) {
	p.iterationSeconds.With(labels(attrs, iterationLabelKeys...)).Observe(seconds)
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}
