package throttle

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-throttle/internal/log"
)

// Context is the per-request input to an evaluation.
type Context struct {
	Now     time.Time
	Project string
	IP      string
}

// Evaluate returns the result of the first rule in rules matching c.
// The bool is false when nothing matched; the host then keeps its defaults.
func Evaluate(rules []*Rule, c Context) (Result, bool) {
	rule := firstMatch(rules, c, nil)
	if rule == nil {
		return Result{}, false
	}
	return resultFor(rule), true
}

// Evaluator is Evaluate with observability hooks. The zero value is usable.
// Hooks run synchronously on the calling goroutine and must not block.
type Evaluator struct {
	Logger log.Logger

	// OnMatch is called with the matched rule, OnNoMatch when nothing matched.
	OnMatch   func(r *Rule)
	OnNoMatch func()

	// OnRangeError is called when a rule's range check fails. The rule is
	// treated as not matching and evaluation continues with the next rule.
	OnRangeError func(r *Rule, err error)
}

func (e *Evaluator) Evaluate(ctx context.Context, rules []*Rule, c Context) (Result, bool) {
	ctx, span := otel.Tracer("linnemanlabs/throttle").Start(ctx, "throttle.evaluate",
		trace.WithAttributes(
			attribute.String("throttle.project", c.Project),
			attribute.Int("throttle.rules", len(rules)),
		),
	)
	defer span.End()

	L := e.Logger
	if L == nil {
		L = log.FromContext(ctx)
	}

	rule := firstMatch(rules, c, func(r *Rule, err error) {
		L.Warn(ctx, "throttle range check failed, skipping rule",
			"ticket", r.Ticket,
			"ip", c.IP,
			"error", err,
		)
		span.RecordError(err)
		if e.OnRangeError != nil {
			e.OnRangeError(r, err)
		}
	})

	if rule == nil {
		span.SetAttributes(attribute.Bool("throttle.matched", false))
		if e.OnNoMatch != nil {
			e.OnNoMatch()
		}
		return Result{}, false
	}

	res := resultFor(rule)
	span.SetAttributes(
		attribute.Bool("throttle.matched", true),
		attribute.String("throttle.ticket", rule.Ticket),
		attribute.Int("throttle.value", res.AccountCreationThrottle),
	)
	L.Debug(ctx, "throttle exception matched",
		"ticket", rule.Ticket,
		"project", c.Project,
		"value", res.AccountCreationThrottle,
	)
	if e.OnMatch != nil {
		e.OnMatch(rule)
	}
	return res, true
}

// firstMatch checks, per rule and in this order: project, window, literal IPs,
// ranges. The first rule passing every supplied filter wins.
func firstMatch(rules []*Rule, c Context, onRangeErr func(*Rule, error)) *Rule {
	for _, r := range rules {
		if r == nil {
			continue
		}
		if !r.appliesToProject(c.Project) {
			continue
		}
		if !r.ActiveAt(c.Now) {
			continue
		}
		if !r.listsIP(c.IP) {
			continue
		}
		if r.Ranges != nil {
			ok, err := rangeContains(r.Ranges, c.IP)
			if err != nil {
				if onRangeErr != nil {
					onRangeErr(r, err)
				}
				continue
			}
			if !ok {
				continue
			}
		}
		return r
	}
	return nil
}

// rangeContains converts a panicking matcher into an error so one bad rule
// cannot take down request handling.
func rangeContains(m RangeMatcher, ip string) (ok bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			ok, err = false, fmt.Errorf("range matcher panic: %v", rec)
		}
	}()
	return m.Contains(ip)
}
