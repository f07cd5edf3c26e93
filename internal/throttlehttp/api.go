package throttlehttp

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-throttle/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/log"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/rules"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/throttle"
)

// RuleSource is satisfied by *rules.Manager.
type RuleSource interface {
	Get() (*rules.RuleSet, bool)
}

// Metrics is the subset of metrics.ServerMetrics the API reports to.
type Metrics interface {
	IncEvaluation(outcome string)
	IncMatch(ticket string)
	IncRangeError(ticket string)
}

type Option func(*API)

func WithMetrics(m Metrics) Option { return func(a *API) { a.metrics = m } }

// WithClock replaces time.Now for evaluations without an explicit time.
func WithClock(now func() time.Time) Option { return func(a *API) { a.now = now } }

// API serves throttle evaluation and rule listing.
type API struct {
	rules   RuleSource
	logger  log.Logger
	metrics Metrics
	now     func() time.Time
	eval    *throttle.Evaluator
}

func NewAPI(src RuleSource, logger log.Logger, opts ...Option) *API {
	if logger == nil {
		logger = log.Nop()
	}
	api := &API{rules: src, logger: logger, now: time.Now}
	for _, o := range opts {
		o(api)
	}
	api.eval = api.newEvaluator()
	return api
}

func (api *API) newEvaluator() *throttle.Evaluator {
	e := &throttle.Evaluator{Logger: api.logger}
	if m := api.metrics; m != nil {
		e.OnMatch = func(r *throttle.Rule) {
			m.IncEvaluation(metrics.OutcomeMatch)
			m.IncMatch(r.Ticket)
		}
		e.OnNoMatch = func() { m.IncEvaluation(metrics.OutcomeNoMatch) }
		e.OnRangeError = func(r *throttle.Rule, _ error) { m.IncRangeError(r.Ticket) }
	}
	return e
}

// RegisterRoutes attaches the public endpoints.
func (api *API) RegisterRoutes(r chi.Router) {
	r.Get("/api/throttle", api.HandleEvaluate)
	r.Get("/api/throttle/rules", api.HandleRules)
}

// RegisterAdminRoutes attaches operator endpoints. Mount on the ops router.
func (api *API) RegisterAdminRoutes(r chi.Router) {
	r.Get("/api/throttle/evaluate", api.HandleAdminEvaluate)
}

// Evaluate runs the active rules against c. ok is false when no rule set
// is loaded.
func (api *API) Evaluate(ctx context.Context, c throttle.Context) (res throttle.Result, matched bool, version string, ok bool) {
	rs, ok := api.rules.Get()
	if !ok {
		return throttle.Result{}, false, "", false
	}
	// one snapshot for the whole evaluation
	res, matched = api.eval.Evaluate(ctx, rs.Rules, c)
	return res, matched, rs.Meta.Version, true
}

// HandleEvaluate evaluates ?project= for the calling client at the current time.
func (api *API) HandleEvaluate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	project := strings.TrimSpace(r.URL.Query().Get("project"))
	if project == "" {
		api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "project is required"})
		return
	}

	c := throttle.Context{Now: api.now(), Project: project, IP: requestIP(r)}
	res, matched, version, ok := api.Evaluate(ctx, c)
	if !ok {
		api.writeJSON(ctx, w, http.StatusServiceUnavailable, errorResponse{Error: "no throttle rules loaded"})
		return
	}
	if matched {
		api.logger.Info(ctx, "throttle exception applied",
			"ticket", res.Ticket(),
			"project", project,
			"ip", c.IP,
			"value", res.AccountCreationThrottle,
		)
	}
	api.writeJSON(ctx, w, http.StatusOK, newEvaluateResponse(res, matched, version))
}

// HandleAdminEvaluate evaluates an explicit context: ?project=&ip=&at=.
// at accepts any timestamp literal the rules file does and defaults to now.
func (api *API) HandleAdminEvaluate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	project := strings.TrimSpace(q.Get("project"))
	if project == "" {
		api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "project is required"})
		return
	}
	ip := strings.TrimSpace(q.Get("ip"))
	if net.ParseIP(ip) == nil {
		api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "ip must be an IPv4 or IPv6 address"})
		return
	}
	at := api.now()
	if raw := strings.TrimSpace(q.Get("at")); raw != "" {
		t, err := throttle.ParseTime(raw)
		if err != nil {
			api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "invalid at: " + err.Error()})
			return
		}
		at = t
	}

	c := throttle.Context{Now: at, Project: project, IP: ip}
	res, matched, version, ok := api.Evaluate(ctx, c)
	if !ok {
		api.writeJSON(ctx, w, http.StatusServiceUnavailable, errorResponse{Error: "no throttle rules loaded"})
		return
	}
	resp := newEvaluateResponse(res, matched, version)
	resp.Context = &ContextView{Project: project, IP: ip, At: at.UTC()}
	api.writeJSON(ctx, w, http.StatusOK, resp)
}

// HandleRules lists the active rule set. ?active=true keeps only rules whose
// window contains the current time.
func (api *API) HandleRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rs, ok := api.rules.Get()
	if !ok {
		api.writeJSON(ctx, w, http.StatusServiceUnavailable, errorResponse{Error: "no throttle rules loaded"})
		return
	}

	now := api.now()
	onlyActive := r.URL.Query().Get("active") == "true"
	views := make([]RuleView, 0, len(rs.Rules))
	for _, rule := range rs.Rules {
		if onlyActive && !rule.ActiveAt(now) {
			continue
		}
		views = append(views, newRuleView(rule, now))
	}

	api.writeJSON(ctx, w, http.StatusOK, RulesResponse{
		Version:    rs.Meta.Version,
		SHA256:     rs.Meta.SHA256,
		Source:     string(rs.Meta.Source),
		Signed:     rs.Meta.Signed,
		LoadedAt:   rs.LoadedAt.UTC().Truncate(time.Second),
		ServerTime: now.UTC().Truncate(time.Second),
		Count:      len(views),
		Rules:      views,
	})
}

// requestIP is the resolved client IP, falling back to the socket peer when
// the ClientIP middleware did not run.
func requestIP(r *http.Request) string {
	if ip := httpmw.ClientIPFromContext(r.Context()); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
