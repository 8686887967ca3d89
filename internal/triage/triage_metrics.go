package triage

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the triage subsystem.
type Metrics struct {
	SubmitsTotal          *prometheus.CounterVec
	DropsTotal            *prometheus.CounterVec
	PendingDepth          prometheus.Gauge
	ProcessedTotal        *prometheus.CounterVec
	ProcessDuration       prometheus.Histogram
	InvestigationsTotal   *prometheus.CounterVec
	InvestigationDuration prometheus.Histogram
	ClassifierTotal       *prometheus.CounterVec
	ClassifierDuration    prometheus.Histogram
	InvestigatorRuns      *prometheus.CounterVec
	InvestigatorDuration  *prometheus.HistogramVec
	InvestigatorToolCalls prometheus.Histogram
	LLMCallsTotal         prometheus.Counter
	LLMTokensIn           prometheus.Counter
	LLMTokensOut          prometheus.Counter
	LLMDuration           prometheus.Histogram
	ToolCallsTotal        *prometheus.CounterVec
	ToolDuration          *prometheus.HistogramVec
	ToolOutputBytes       *prometheus.HistogramVec
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_submits_total",
			Help: "Total transaction submissions by result.",
		}, []string{"result"}),
		DropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_ingest_drops_total",
			Help: "Pending transactions dropped under backpressure, by severity.",
		}, []string{"severity"}),
		PendingDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sift_ingest_pending",
			Help: "Transactions waiting for an ingest worker.",
		}),
		ProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_ingest_processed_total",
			Help: "Transactions processed by ingest workers, by outcome.",
		}, []string{"outcome"}),
		ProcessDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sift_ingest_process_duration_seconds",
			Help:    "Duration of per-transaction ingest processing.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms .. ~1s
		}),
		InvestigationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_investigations_total",
			Help: "Recorded correlations by verdict and degradation.",
		}, []string{"verdict", "degraded"}),
		InvestigationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sift_investigation_duration_seconds",
			Help:    "End-to-end duration of investigateNext.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms .. ~82s
		}),
		ClassifierTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_classifier_calls_total",
			Help: "Behavioral classifier calls by outcome.",
		}, []string{"outcome"}),
		ClassifierDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sift_classifier_duration_seconds",
			Help:    "Duration of behavioral classifier calls.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms .. ~82s
		}),
		InvestigatorRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_investigator_runs_total",
			Help: "LLM investigator runs by outcome.",
		}, []string{"outcome"}),
		InvestigatorDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sift_investigator_duration_seconds",
			Help:    "Duration of LLM investigator runs.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s .. ~512s
		}, []string{"outcome", "model"}),
		InvestigatorToolCalls: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sift_investigator_tool_calls",
			Help:    "Tool calls per investigator run.",
			Buckets: prometheus.LinearBuckets(0, 1, 16), // 0 .. 15
		}),
		LLMCallsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sift_llm_calls_total",
			Help: "Total LLM provider calls.",
		}),
		LLMTokensIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sift_llm_tokens_input_total",
			Help: "Total LLM input tokens consumed.",
		}),
		LLMTokensOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sift_llm_tokens_output_total",
			Help: "Total LLM output tokens consumed.",
		}),
		LLMDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sift_llm_call_duration_seconds",
			Help:    "Duration of individual LLM calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s .. ~64s
		}),
		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_tool_calls_total",
			Help: "Total tool executions by tool name and status.",
		}, []string{"tool", "status"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sift_tool_duration_seconds",
			Help:    "Duration of tool executions in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms .. ~2s
		}, []string{"tool"}),
		ToolOutputBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sift_tool_output_bytes",
			Help:    "Size of tool output in bytes.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8), // 64B .. ~1MB
		}, []string{"tool"}),
	}

	reg.MustRegister(
		m.SubmitsTotal,
		m.DropsTotal,
		m.PendingDepth,
		m.ProcessedTotal,
		m.ProcessDuration,
		m.InvestigationsTotal,
		m.InvestigationDuration,
		m.ClassifierTotal,
		m.ClassifierDuration,
		m.InvestigatorRuns,
		m.InvestigatorDuration,
		m.InvestigatorToolCalls,
		m.LLMCallsTotal,
		m.LLMTokensIn,
		m.LLMTokensOut,
		m.LLMDuration,
		m.ToolCallsTotal,
		m.ToolDuration,
		m.ToolOutputBytes,
	)

	return m
}

// ServiceHooks returns hooks that record service activity.
func (m *Metrics) ServiceHooks() ServiceHooks {
	return ServiceHooks{
		OnSubmit: func(result string) {
			m.SubmitsTotal.WithLabelValues(result).Inc()
		},
		OnDrop: func(sev Severity) {
			m.DropsTotal.WithLabelValues(sev.String()).Inc()
		},
		OnProcessed: func(outcome string, duration float64) {
			m.ProcessedTotal.WithLabelValues(outcome).Inc()
			m.ProcessDuration.Observe(duration)
		},
		OnPendingDepth: func(depth int) {
			m.PendingDepth.Set(float64(depth))
		},
		OnInvestigation: func(verdict Verdict, degraded bool, duration float64) {
			d := "false"
			if degraded {
				d = "true"
			}
			m.InvestigationsTotal.WithLabelValues(string(verdict), d).Inc()
			if duration > 0 {
				m.InvestigationDuration.Observe(duration)
			}
		},
		OnClassifier: func(outcome string, duration float64) {
			m.ClassifierTotal.WithLabelValues(outcome).Inc()
			m.ClassifierDuration.Observe(duration)
		},
	}
}

// InvestigationHooks returns hooks that record LLM investigator activity.
func (m *Metrics) InvestigationHooks() InvestigationHooks {
	return InvestigationHooks{
		OnLLMCall: func(inputTokens, outputTokens int, duration float64) {
			m.LLMCallsTotal.Inc()
			m.LLMTokensIn.Add(float64(inputTokens))
			m.LLMTokensOut.Add(float64(outputTokens))
			m.LLMDuration.Observe(duration)
		},
		OnToolCall: func(name string, duration float64, _ int, outputBytes int, isError bool) {
			status := "success"
			if isError {
				status = "error"
			}
			m.ToolCallsTotal.WithLabelValues(name, status).Inc()
			m.ToolDuration.WithLabelValues(name).Observe(duration)
			m.ToolOutputBytes.WithLabelValues(name).Observe(float64(outputBytes))
		},
		OnComplete: func(e *InvestigationEvent) {
			m.InvestigatorRuns.WithLabelValues(e.Outcome).Inc()
			m.InvestigatorDuration.WithLabelValues(e.Outcome, e.Model).Observe(e.Duration)
			m.InvestigatorToolCalls.Observe(float64(e.ToolCalls))
		},
	}
}
