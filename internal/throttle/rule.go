package throttle

import (
	"sort"
	"time"
)

// DefaultAccountCreationThrottle is applied when a matching rule has no usable value.
const DefaultAccountCreationThrottle = 50

// RangeMatcher reports whether an IP falls inside any of a rule's CIDR ranges.
// Implementations may return an error for input they cannot interpret; the
// evaluator treats that as "rule does not match".
type RangeMatcher interface {
	Contains(ip string) (bool, error)
}

// Rule is a single compiled throttle exception.
// A nil set or matcher means the filter was absent and allows any value. A
// non-nil empty set was written as an empty list and matches nothing.
type Rule struct {
	// Ticket and Comment are audit references only
	Ticket  string
	Comment string

	// From and To bound the window, both inclusive
	From time.Time
	To   time.Time

	// Value overrides the account creation throttle. 0 means unset.
	Value int

	IPs      map[string]struct{}
	Ranges   RangeMatcher
	Projects map[string]struct{}
}

// Limit returns the throttle value installed when this rule matches.
func (r *Rule) Limit() int {
	if r.Value > 0 {
		return r.Value
	}
	return DefaultAccountCreationThrottle
}

// ActiveAt reports whether t lies in [From, To].
func (r *Rule) ActiveAt(t time.Time) bool {
	return !t.Before(r.From) && !t.After(r.To)
}

// Expired reports whether the window closed before t.
func (r *Rule) Expired(t time.Time) bool {
	return t.After(r.To)
}

func (r *Rule) appliesToProject(project string) bool {
	if r.Projects == nil {
		return true
	}
	_, ok := r.Projects[project]
	return ok
}

func (r *Rule) listsIP(ip string) bool {
	if r.IPs == nil {
		return true
	}
	_, ok := r.IPs[ip]
	return ok
}

// ProjectList returns the project set sorted, for display. It is nil when the
// rule has no project filter and empty when the filter matches nothing.
func (r *Rule) ProjectList() []string { return sortedKeys(r.Projects) }

// IPList returns the literal IP set sorted, for display.
func (r *Rule) IPList() []string { return sortedKeys(r.IPs) }

// RangeList returns the CIDR ranges when the matcher can list them.
func (r *Rule) RangeList() []string {
	if s, ok := r.Ranges.(interface{ Strings() []string }); ok {
		return s.Strings()
	}
	return nil
}

// SetOf builds a membership set, dropping empty entries. A nil items slice
// gives a nil set (filter absent); any other slice gives a non-nil set, even
// when nothing is left in it.
func SetOf(items ...string) map[string]struct{} {
	if items == nil {
		return nil
	}
	out := make(map[string]struct{}, len(items))
	for _, s := range items {
		if s == "" {
			continue
		}
		out[s] = struct{}{}
	}
	return out
}

// sortedKeys keeps nil and empty apart: nil for an absent filter.
func sortedKeys(m map[string]struct{}) []string {
	if m == nil {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
