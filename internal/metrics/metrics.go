package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/linnemanlabs-throttle/internal/version"
)

// Evaluation outcomes used as the "outcome" label.
const (
	OutcomeMatch   = "match"
	OutcomeNoMatch = "no_match"
)

type ServerMetrics struct {
	reg                    *prometheus.Registry
	handler                http.Handler
	inflight               prometheus.Gauge
	reqTotal               *prometheus.CounterVec
	reqDur                 *prometheus.HistogramVec
	respBytes              *prometheus.HistogramVec
	errorsTotal            *prometheus.CounterVec
	httpPanicTotal         prometheus.Counter
	buildInfo              *prometheus.GaugeVec
	ratelimitDeniedTotal   prometheus.Counter
	ratelimitCapacityTotal prometheus.Counter
	profilingActive        prometheus.Gauge

	// evaluation
	evaluationsTotal *prometheus.CounterVec
	matchesTotal     *prometheus.CounterVec
	rangeErrorsTotal *prometheus.CounterVec

	// active rule set
	rulesetInfo            *prometheus.GaugeVec
	rulesetRules           prometheus.Gauge
	rulesetProblems        *prometheus.GaugeVec
	rulesetLoadedTimestamp prometheus.Gauge

	// watcher metrics
	watcherPollsTotal    prometheus.Counter
	watcherSwapsTotal    prometheus.Counter
	watcherErrorsTotal   *prometheus.CounterVec
	loadDuration         prometheus.Histogram
	watcherLastSuccessTs prometheus.Gauge
	watcherStale         prometheus.Gauge
}

// New returns a fresh registry + standard collectors + HTTP and throttle metrics
// safe labels only (method, route, code) to avoid path/cardinality explosions
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{64, 256, 1024, 4096, 16384, 65536, 262144},
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		ratelimitDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by rate limiter",
		}),
		ratelimitCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Total number of times rate limiter capacity reached",
		}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		evaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "throttle_evaluations_total",
			Help: "Throttle exception evaluations by outcome",
		}, []string{"outcome"}),
		matchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "throttle_exception_matches_total",
			Help: "Matched throttle exceptions by ticket",
		}, []string{"ticket"}),
		rangeErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "throttle_range_check_errors_total",
			Help: "Range membership checks that failed and skipped their rule, by ticket",
		}, []string{"ticket"}),
		rulesetInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "throttle_ruleset_info",
			Help: "Currently active rule set (labels carry identity, value is always 1)",
		}, []string{"version", "sha256", "source"}),
		rulesetRules: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "throttle_ruleset_rules",
			Help: "Number of compiled rules in the active rule set",
		}),
		rulesetProblems: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "throttle_ruleset_problems",
			Help: "Load-time problems in the active rule set by severity",
		}, []string{"severity"}),
		rulesetLoadedTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "throttle_ruleset_loaded_timestamp_seconds",
			Help: "Unix timestamp of when the active rule set was loaded",
		}),
		watcherPollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "throttle_rules_watcher_polls_total",
			Help: "Total number of rules watcher poll cycles",
		}),
		watcherSwapsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "throttle_rules_watcher_swaps_total",
			Help: "Total number of successful rule set swaps",
		}),
		watcherErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "throttle_rules_watcher_errors_total",
			Help: "Total rules watcher errors by type",
		}, []string{"type"}),
		loadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "throttle_rules_load_duration_seconds",
			Help:    "Time to fetch, verify, and compile a rules file",
			Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 2.5, 5, 10},
		}),
		watcherLastSuccessTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "throttle_rules_watcher_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successful rules source check",
		}),
		watcherStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "throttle_rules_watcher_stale",
			Help: "Whether the rules watcher is stale (1) or healthy (0)",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.httpPanicTotal,
		m.buildInfo,
		m.ratelimitDeniedTotal,
		m.ratelimitCapacityTotal,
		m.profilingActive,
		m.evaluationsTotal,
		m.matchesTotal,
		m.rangeErrorsTotal,
		m.rulesetInfo,
		m.rulesetRules,
		m.rulesetProblems,
		m.rulesetLoadedTimestamp,
		m.watcherPollsTotal,
		m.watcherSwapsTotal,
		m.watcherErrorsTotal,
		m.loadDuration,
		m.watcherLastSuccessTs,
		m.watcherStale,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) IncRateLimitDenied() {
	m.ratelimitDeniedTotal.Inc()
}

func (m *ServerMetrics) IncRateLimitCapacity() {
	m.ratelimitCapacityTotal.Inc()
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	m.profilingActive.Set(boolGauge(active))
}

// IncEvaluation counts one evaluation; outcome is OutcomeMatch or OutcomeNoMatch.
func (m *ServerMetrics) IncEvaluation(outcome string) {
	m.evaluationsTotal.WithLabelValues(outcome).Inc()
}

// IncMatch counts a match against the rule with the given ticket. Tickets
// come from the rules file so the label set is bounded by it.
func (m *ServerMetrics) IncMatch(ticket string) {
	m.matchesTotal.WithLabelValues(ticketLabel(ticket)).Inc()
}

func (m *ServerMetrics) IncRangeError(ticket string) {
	m.rangeErrorsTotal.WithLabelValues(ticketLabel(ticket)).Inc()
}

// SetRuleSet records the identity and size of the active rule set.
func (m *ServerMetrics) SetRuleSet(ver, sha256, source string, rules, errors, warnings int, loadedAt time.Time) {
	m.rulesetInfo.Reset() // clear previous label value
	m.rulesetInfo.WithLabelValues(ver, sha256, source).Set(1)
	m.rulesetRules.Set(float64(rules))
	m.rulesetProblems.WithLabelValues("error").Set(float64(errors))
	m.rulesetProblems.WithLabelValues("warning").Set(float64(warnings))
	m.rulesetLoadedTimestamp.Set(float64(loadedAt.Unix()))
}

func (m *ServerMetrics) IncWatcherPolls() {
	m.watcherPollsTotal.Inc()
}

func (m *ServerMetrics) IncWatcherSwaps() {
	m.watcherSwapsTotal.Inc()
}

func (m *ServerMetrics) IncWatcherError(errType string) {
	m.watcherErrorsTotal.WithLabelValues(errType).Inc()
}

func (m *ServerMetrics) ObserveLoadDuration(seconds float64) {
	m.loadDuration.Observe(seconds)
}

func (m *ServerMetrics) SetWatcherLastSuccess(unixSeconds float64) {
	m.watcherLastSuccessTs.Set(unixSeconds)
}

func (m *ServerMetrics) SetWatcherStale(stale bool) {
	m.watcherStale.Set(boolGauge(stale))
}

func ticketLabel(ticket string) string {
	if ticket == "" {
		return "none"
	}
	return ticket
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
