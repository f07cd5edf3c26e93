package throttle

import (
	"encoding/json"
	"fmt"
	"time"
)

// RateLimit is a (count, period) pair in the host's rate limit table.
// It serializes as a two element array [count, seconds].
type RateLimit struct {
	Count  int
	Period time.Duration
}

// BadCaptchaLimit is installed for both the "ip" and "newbie" badcaptcha keys on any match.
var BadCaptchaLimit = RateLimit{Count: 1000, Period: 86400 * time.Second}

func (l RateLimit) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int64{int64(l.Count), int64(l.Period / time.Second)})
}

func (l *RateLimit) UnmarshalJSON(b []byte) error {
	var pair [2]int64
	if err := json.Unmarshal(b, &pair); err != nil {
		return fmt.Errorf("rate limit must be [count, seconds]: %w", err)
	}
	l.Count = int(pair[0])
	l.Period = time.Duration(pair[1]) * time.Second
	return nil
}

// Result holds the settings a host installs when an exception matched.
type Result struct {
	AccountCreationThrottle int
	BadCaptchaIP            RateLimit
	BadCaptchaNewbie        RateLimit

	// Rule is the matched exception, kept for audit logging
	Rule *Rule
}

// RateLimits returns the rate limit table entries this result sets,
// keyed the way the host's table is: action -> group -> limit.
func (r Result) RateLimits() map[string]map[string]RateLimit {
	return map[string]map[string]RateLimit{
		"badcaptcha": {
			"ip":     r.BadCaptchaIP,
			"newbie": r.BadCaptchaNewbie,
		},
	}
}

// Ticket returns the matched rule's ticket, or "".
func (r Result) Ticket() string {
	if r.Rule == nil {
		return ""
	}
	return r.Rule.Ticket
}

type resultJSON struct {
	AccountCreationThrottle int                             `json:"account_creation_throttle"`
	RateLimits              map[string]map[string]RateLimit `json:"rate_limits"`
	Ticket                  string                          `json:"ticket,omitempty"`
}

func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(resultJSON{
		AccountCreationThrottle: r.AccountCreationThrottle,
		RateLimits:              r.RateLimits(),
		Ticket:                  r.Ticket(),
	})
}

func (r *Result) UnmarshalJSON(b []byte) error {
	var raw resultJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	r.AccountCreationThrottle = raw.AccountCreationThrottle
	if bc, ok := raw.RateLimits["badcaptcha"]; ok {
		r.BadCaptchaIP = bc["ip"]
		r.BadCaptchaNewbie = bc["newbie"]
	}
	if raw.Ticket != "" {
		r.Rule = &Rule{Ticket: raw.Ticket}
	}
	return nil
}

func resultFor(rule *Rule) Result {
	return Result{
		AccountCreationThrottle: rule.Limit(),
		BadCaptchaIP:            BadCaptchaLimit,
		BadCaptchaNewbie:        BadCaptchaLimit,
		Rule:                    rule,
	}
}
