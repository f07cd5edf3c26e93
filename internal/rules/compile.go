package rules

import (
	"errors"
	"fmt"
	"strings"

	"github.com/keithlinneman/linnemanlabs-throttle/internal/iprange"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/throttle"
)

type Severity string

const (
	// SeverityError means the entry was dropped.
	SeverityError Severity = "error"
	// SeverityWarning means the entry was kept, possibly normalized.
	SeverityWarning Severity = "warning"
)

// Problem is a load-time finding about one entry.
type Problem struct {
	Index    int      `json:"index"`
	Line     int      `json:"line,omitempty"`
	Ticket   string   `json:"ticket,omitempty"`
	Severity Severity `json:"severity"`
	Err      error    `json:"-"`
}

func (p Problem) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "exception #%d", p.Index)
	if p.Ticket != "" {
		fmt.Fprintf(&b, " (%s)", p.Ticket)
	}
	if p.Line > 0 {
		fmt.Fprintf(&b, " line %d", p.Line)
	}
	fmt.Fprintf(&b, ": %s: %v", p.Severity, p.Err)
	return b.String()
}

func (p Problem) Unwrap() error { return p.Err }

// Message is Err as text, for JSON output.
func (p Problem) Message() string {
	if p.Err == nil {
		return ""
	}
	return p.Err.Error()
}

var (
	ErrMissingWindow = errors.New("from and to are required")
	ErrBadValue      = errors.New("value is not a positive number, default applies")
	ErrInvertedRange = errors.New("from is after to, rule can never match")
	ErrEmptyFilter   = errors.New("empty list, rule can never match")
)

// Compile turns each entry into a rule independently. Entries that did not
// decode, or with a missing or malformed timestamp or a bad CIDR, are dropped
// and reported with SeverityError; the rest keep their file order.
func Compile(doc *Document) ([]*throttle.Rule, []Problem) {
	if doc == nil {
		return nil, nil
	}
	out := make([]*throttle.Rule, 0, len(doc.Exceptions))
	var problems []Problem
	for i, e := range doc.Exceptions {
		r, probs := compileEntry(i, e)
		problems = append(problems, probs...)
		if r != nil {
			out = append(out, r)
		}
	}
	return out, problems
}

func compileEntry(i int, e Entry) (*throttle.Rule, []Problem) {
	var problems []Problem
	report := func(sev Severity, err error) {
		problems = append(problems, Problem{Index: i, Line: e.Line, Ticket: e.Ticket, Severity: sev, Err: err})
	}

	if e.err != nil {
		report(SeverityError, e.err)
		return nil, problems
	}

	if strings.TrimSpace(e.From) == "" || strings.TrimSpace(e.To) == "" {
		report(SeverityError, ErrMissingWindow)
		return nil, problems
	}
	from, err := throttle.ParseTime(e.From)
	if err != nil {
		report(SeverityError, fmt.Errorf("from: %w", err))
		return nil, problems
	}
	to, err := throttle.ParseTime(e.To)
	if err != nil {
		report(SeverityError, fmt.Errorf("to: %w", err))
		return nil, problems
	}

	r := &throttle.Rule{
		Ticket:   e.Ticket,
		Comment:  e.Comment,
		From:     from,
		To:       to,
		IPs:      throttle.SetOf(e.IP...),
		Projects: throttle.SetOf(e.DBName...),
	}

	// a present but empty range list gives an empty set, which contains nothing
	if e.Range != nil {
		set, err := iprange.New(e.Range)
		if err != nil {
			report(SeverityError, fmt.Errorf("range: %w", err))
			return nil, problems
		}
		r.Ranges = set
		if set.Len() == 0 {
			report(SeverityWarning, fmt.Errorf("range: %w", ErrEmptyFilter))
		}
	}
	if r.IPs != nil && len(r.IPs) == 0 {
		report(SeverityWarning, fmt.Errorf("ip: %w", ErrEmptyFilter))
	}
	if r.Projects != nil && len(r.Projects) == 0 {
		report(SeverityWarning, fmt.Errorf("dbname: %w", ErrEmptyFilter))
	}

	switch {
	case e.Value.Valid && e.Value.Int > 0:
		r.Value = e.Value.Int
	case !e.Value.IsZero():
		report(SeverityWarning, fmt.Errorf("%w: %q", ErrBadValue, e.Value.Raw))
	}

	if from.After(to) {
		report(SeverityWarning, ErrInvertedRange)
	}
	return r, problems
}

// HasErrors reports whether any problem dropped an entry.
func HasErrors(problems []Problem) bool {
	return CountErrors(problems) > 0
}

func CountErrors(problems []Problem) int {
	n := 0
	for _, p := range problems {
		if p.Severity == SeverityError {
			n++
		}
	}
	return n
}
