package intake

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/ticketsmith/internal/directory"
	"github.com/linnemanlabs/ticketsmith/internal/syncro"
)

// Metrics holds Prometheus metrics for the intake subsystem.
type Metrics struct {
	DescribesTotal      *prometheus.CounterVec
	ResolutionsTotal    *prometheus.CounterVec
	SessionsActive      prometheus.Gauge
	LLMCallsTotal       *prometheus.CounterVec
	LLMTokensIn         prometheus.Counter
	LLMTokensOut        prometheus.Counter
	LLMDuration         *prometheus.HistogramVec
	SubmissionsTotal    *prometheus.CounterVec
	SubmissionDuration  prometheus.Histogram
	DirectoryLoads      *prometheus.CounterVec
	DirectoryDuration   prometheus.Histogram
	DirectoryCustomers  prometheus.Gauge
	DirectoryContacts   prometheus.Gauge
	SyncroRequestsTotal *prometheus.CounterVec
	SyncroDuration      *prometheus.HistogramVec
}

// NewMetrics registers and returns intake metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DescribesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketsmith_describes_total",
			Help: "Total describe requests by result.",
		}, []string{"result"}),
		ResolutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketsmith_resolutions_total",
			Help: "Total entity resolutions by outcome.",
		}, []string{"outcome"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ticketsmith_sessions_active",
			Help: "Open review sessions.",
		}),
		LLMCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketsmith_llm_calls_total",
			Help: "Total completion calls by status.",
		}, []string{"status"}),
		LLMTokensIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ticketsmith_llm_tokens_input_total",
			Help: "Total completion input tokens consumed.",
		}),
		LLMTokensOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ticketsmith_llm_tokens_output_total",
			Help: "Total completion output tokens consumed.",
		}),
		LLMDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ticketsmith_llm_call_duration_seconds",
			Help:    "Duration of completion calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 9), // 0.25s .. 64s
		}, []string{"model"}),
		SubmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketsmith_submissions_total",
			Help: "Total ticket submissions by outcome.",
		}, []string{"outcome"}),
		SubmissionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ticketsmith_submission_duration_seconds",
			Help:    "Duration of create-ticket calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 9), // 50ms .. ~12.8s
		}),
		DirectoryLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketsmith_directory_loads_total",
			Help: "Total directory loads by result.",
		}, []string{"result"}),
		DirectoryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ticketsmith_directory_load_duration_seconds",
			Help:    "Duration of directory loads in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s .. ~512s
		}),
		DirectoryCustomers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ticketsmith_directory_customers",
			Help: "Customers in the directory snapshot.",
		}),
		DirectoryContacts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ticketsmith_directory_contacts",
			Help: "Contacts in the directory snapshot.",
		}),
		SyncroRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketsmith_syncro_requests_total",
			Help: "Total ticketing service requests by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		SyncroDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ticketsmith_syncro_request_duration_seconds",
			Help:    "Duration of ticketing service requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 9), // 50ms .. ~12.8s
		}, []string{"endpoint"}),
	}

	reg.MustRegister(
		m.DescribesTotal,
		m.ResolutionsTotal,
		m.SessionsActive,
		m.LLMCallsTotal,
		m.LLMTokensIn,
		m.LLMTokensOut,
		m.LLMDuration,
		m.SubmissionsTotal,
		m.SubmissionDuration,
		m.DirectoryLoads,
		m.DirectoryDuration,
		m.DirectoryCustomers,
		m.DirectoryContacts,
		m.SyncroRequestsTotal,
		m.SyncroDuration,
	)

	return m
}

// ServiceHooks returns hooks that update the service-level metrics.
func (m *Metrics) ServiceHooks() ServiceHooks {
	return ServiceHooks{
		OnDescribe: func(result string) {
			m.DescribesTotal.WithLabelValues(result).Inc()
		},
		OnResolution: func(outcome Outcome) {
			m.ResolutionsTotal.WithLabelValues(string(outcome)).Inc()
		},
		OnSessions: func(active int) {
			m.SessionsActive.Set(float64(active))
		},
	}
}

// ExtractHooks returns hooks that count completion calls and tokens.
func (m *Metrics) ExtractHooks() ExtractHooks {
	return ExtractHooks{
		OnCompletion: func(model string, usage Usage, d time.Duration, err error) {
			status := "success"
			switch {
			case err == nil:
			case errors.Is(err, ErrNotConfigured):
				status = "not_configured"
			default:
				status = "error"
			}
			m.LLMCallsTotal.WithLabelValues(status).Inc()
			m.LLMTokensIn.Add(float64(usage.InputTokens))
			m.LLMTokensOut.Add(float64(usage.OutputTokens))
			m.LLMDuration.WithLabelValues(model).Observe(d.Seconds())
		},
	}
}

// SubmitHooks returns hooks that count submissions.
func (m *Metrics) SubmitHooks() SubmitHooks {
	return SubmitHooks{
		OnSubmit: func(outcome string, d time.Duration) {
			m.SubmissionsTotal.WithLabelValues(outcome).Inc()
			if d > 0 {
				m.SubmissionDuration.Observe(d.Seconds())
			}
		},
	}
}

// DirectoryHooks returns hooks that record directory loads.
func (m *Metrics) DirectoryHooks() directory.Hooks {
	return directory.Hooks{
		OnLoad: func(customers, contacts, failures int, d time.Duration) {
			result := "complete"
			if failures > 0 {
				result = "partial"
			}
			m.DirectoryLoads.WithLabelValues(result).Inc()
			m.DirectoryDuration.Observe(d.Seconds())
			m.DirectoryCustomers.Set(float64(customers))
			m.DirectoryContacts.Set(float64(contacts))
		},
	}
}

// SyncroObserver returns a request observer for the ticketing client.
func (m *Metrics) SyncroObserver() syncro.RequestObserver {
	return syncro.RequestObserverFunc(func(endpoint, outcome string, d time.Duration) {
		m.SyncroRequestsTotal.WithLabelValues(endpoint, outcome).Inc()
		m.SyncroDuration.WithLabelValues(endpoint).Observe(d.Seconds())
	})
}
