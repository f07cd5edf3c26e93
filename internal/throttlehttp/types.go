package throttlehttp

import (
	"time"

	"github.com/keithlinneman/linnemanlabs-throttle/internal/throttle"
)

// EvaluateResponse is the body of both evaluate endpoints. On no match only
// matched (and the echoed context) is set.
type EvaluateResponse struct {
	Matched                 bool                                     `json:"matched"`
	AccountCreationThrottle int                                      `json:"account_creation_throttle,omitempty"`
	RateLimits              map[string]map[string]throttle.RateLimit `json:"rate_limits,omitempty"`
	Ticket                  string                                   `json:"ticket,omitempty"`

	// Context is echoed by the admin endpoint only
	Context *ContextView `json:"context,omitempty"`

	RulesVersion string `json:"rules_version,omitempty"`
}

type ContextView struct {
	Project string    `json:"project"`
	IP      string    `json:"ip"`
	At      time.Time `json:"at"`
}

// RuleView is one exception as listed by /api/throttle/rules. A null filter
// allows anything; an empty list matches nothing.
type RuleView struct {
	Ticket  string    `json:"ticket,omitempty"`
	Comment string    `json:"comment,omitempty"`
	From    time.Time `json:"from"`
	To      time.Time `json:"to"`
	IPs     []string  `json:"ip"`
	Ranges  []string  `json:"range"`
	DBNames []string  `json:"dbname"`
	Value   int       `json:"value"`
	Active  bool      `json:"active"`
	Expired bool      `json:"expired"`
}

type RulesResponse struct {
	Version    string     `json:"version,omitempty"`
	SHA256     string     `json:"sha256,omitempty"`
	Source     string     `json:"source"`
	Signed     bool       `json:"signed"`
	LoadedAt   time.Time  `json:"loaded_at"`
	ServerTime time.Time  `json:"server_time"`
	Count      int        `json:"count"`
	Rules      []RuleView `json:"rules"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func newEvaluateResponse(res throttle.Result, matched bool, version string) EvaluateResponse {
	if !matched {
		return EvaluateResponse{RulesVersion: version}
	}
	return EvaluateResponse{
		Matched:                 true,
		AccountCreationThrottle: res.AccountCreationThrottle,
		RateLimits:              res.RateLimits(),
		Ticket:                  res.Ticket(),
		RulesVersion:            version,
	}
}

func newRuleView(r *throttle.Rule, now time.Time) RuleView {
	return RuleView{
		Ticket:  r.Ticket,
		Comment: r.Comment,
		From:    r.From.UTC(),
		To:      r.To.UTC(),
		IPs:     r.IPList(),
		Ranges:  r.RangeList(),
		DBNames: r.ProjectList(),
		Value:   r.Limit(),
		Active:  r.ActiveAt(now),
		Expired: r.Expired(now),
	}
}
