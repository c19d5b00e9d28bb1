package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sark-labs/sark/internal/breaker"
	"github.com/sark-labs/sark/internal/service"
)

// Metrics holds the request instruments the middleware records.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers the request metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sark",
				Name:      "requests_total",
				Help:      "Total gateway API requests",
			},
			[]string{"route", "status"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sark",
				Name:      "request_duration_seconds",
				Help:      "Gateway API request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}
}

// RuntimeSources are the live services whose counters back the
// function-valued metrics. Nil members are skipped.
type RuntimeSources struct {
	Stats     *service.StatsService
	Policy    *service.PolicyService
	Gateway   *service.GatewayService
	Audit     *service.AuditService
	Processes ProcessLister
	Events    *EventStream
}

// RegisterRuntimeMetrics registers function-valued metrics reading
// live service state, so the pipeline stays free of metric calls.
func RegisterRuntimeMetrics(reg prometheus.Registerer, src RuntimeSources) {
	factory := promauto.With(reg)

	if src.Stats != nil {
		stats := src.Stats
		factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "sark",
			Name:      "decisions_allowed_total",
			Help:      "Requests that passed the decision chain",
		}, func() float64 { return float64(stats.GetStats().Allowed) })
		factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "sark",
			Name:      "decisions_denied_total",
			Help:      "Requests rejected by the decision chain",
		}, func() float64 { return float64(stats.GetStats().Denied) })
		factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "sark",
			Name:      "decisions_rate_limited_total",
			Help:      "Requests shed by the rate gate",
		}, func() float64 { return float64(stats.GetStats().RateLimited) })
		factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "sark",
			Name:      "decisions_errored_total",
			Help:      "Requests that failed inside the chain or upstream",
		}, func() float64 { return float64(stats.GetStats().Errors) })
	}

	if src.Policy != nil {
		policy := src.Policy
		factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "sark",
			Name:      "decision_cache_hits_total",
			Help:      "Decision cache hits",
		}, func() float64 { return float64(policy.CacheStats().Hits) })
		factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "sark",
			Name:      "decision_cache_misses_total",
			Help:      "Decision cache misses",
		}, func() float64 { return float64(policy.CacheStats().Misses) })
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "sark",
			Name:      "decision_cache_entries",
			Help:      "Decision cache occupancy",
		}, func() float64 { return float64(policy.CacheStats().Entries) })
	}

	if src.Gateway != nil {
		gateway := src.Gateway
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "sark",
			Name:      "inflight_requests",
			Help:      "Invocations currently inside the gateway",
		}, func() float64 { return float64(gateway.InFlight()) })
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "sark",
			Name:      "breakers_open",
			Help:      "Upstream circuit breakers not in the closed state",
		}, func() float64 {
			open := 0
			for _, state := range gateway.BreakerStates() {
				if state != breaker.StateClosed {
					open++
				}
			}
			return float64(open)
		})
	}

	if src.Audit != nil {
		auditSvc := src.Audit
		factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "sark",
			Name:      "audit_drops_total",
			Help:      "Audit events dropped under backpressure",
		}, func() float64 { return float64(auditSvc.DroppedRecords()) })
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "sark",
			Name:      "audit_queue_depth",
			Help:      "Audit events waiting for the writer",
		}, func() float64 { return float64(auditSvc.ChannelDepth()) })
	}

	if src.Processes != nil {
		processes := src.Processes
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "sark",
			Name:      "stdio_children",
			Help:      "Supervised stdio child processes",
		}, func() float64 { return float64(len(processes.Processes())) })
	}

	if src.Events != nil {
		events := src.Events
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "sark",
			Name:      "event_stream_subscribers",
			Help:      "Connected audit event stream subscribers",
		}, func() float64 { return float64(events.Subscribers()) })
	}
}
