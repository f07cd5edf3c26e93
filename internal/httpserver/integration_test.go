package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/keithlinneman/linnemanlabs-throttle/internal/health"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/log"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/rules"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/throttlehttp"
)

// a window that is always open, so the test does not depend on the clock
const openRules = `
version: integration
exceptions:
  - ticket: T-LOCAL
    from: 2000-01-01T00:00 UTC
    to: 2999-01-01T00:00 UTC
    ip: 127.0.0.1
    dbname: testwiki
    value: 5
`

func TestIntegration_PublicAPI(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := rules.NewManager()
	m := metrics.New()
	var gate health.ShutdownGate

	api := throttlehttp.NewAPI(mgr, log.Nop(), throttlehttp.WithMetrics(m))
	limiter := ratelimit.New(ctx, ratelimit.WithRate(0.01, 1), ratelimit.WithOnDenied(func(string) { m.IncRateLimitDenied() }))

	port := freePort(t)
	stop, err := Start(ctx, &Options{
		Port:         port,
		Logger:       log.Nop(),
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		RateLimitMW:  limiter.Middleware,
		RulesInfo:    mgr,
		Health:       health.Fixed(true, ""),
		Readiness:    health.All(gate.Probe(), health.FromErr(mgr.ReadyErr)),
		APIRoutes:    api.RegisterRoutes,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stop(context.Background())
	base := fmt.Sprintf("http://127.0.0.1:%d", port)

	// not ready until rules load; probes are not rate limited
	resp := waitGet(t, base+"/-/ready")
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("ready before load = %d", resp.StatusCode)
	}

	rs, _, err := rules.Build([]byte(openRules), rules.Meta{Source: rules.SourceFile})
	if err != nil {
		t.Fatal(err)
	}
	mgr.Set(*rs)

	resp = waitGet(t, base+"/-/ready")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ready after load = %d", resp.StatusCode)
	}

	resp = waitGet(t, base+"/api/throttle?project=testwiki")
	var body throttlehttp.EvaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !body.Matched || body.AccountCreationThrottle != 5 {
		t.Fatalf("evaluate = %d %+v", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Throttle-Rules-Version") != "integration" {
		t.Fatalf("rules version header = %q", resp.Header.Get("X-Throttle-Rules-Version"))
	}
	scrape := httptest.NewRecorder()
	m.Handler().ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	if !strings.Contains(scrape.Body.String(), `throttle_evaluations_total{outcome="match"} 1`) {
		t.Fatalf("match evaluation not counted:\n%s", scrape.Body)
	}

	// burst of 1 is spent: the next API call is refused
	resp = waitGet(t, base+"/api/throttle?project=testwiki")
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("third call = %d, want 429", resp.StatusCode)
	}

	gate.Set("draining")
	resp = waitGet(t, base+"/-/ready")
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("ready while draining = %d", resp.StatusCode)
	}

	sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer scancel()
	if err := stop(sctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
