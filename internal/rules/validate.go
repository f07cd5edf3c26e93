package rules

import (
	"github.com/keithlinneman/linnemanlabs-throttle/internal/xerrors"
)

// ValidationOptions controls what ValidateRuleSet rejects before a swap.
type ValidationOptions struct {
	// MaxErrors is how many dropped entries a set may have. Negative
	// disables the check.
	MaxErrors int

	// RequireRules rejects a set where no entry compiled although the file
	// declared some.
	RequireRules bool

	// RequireSigned rejects sets whose signature was not verified.
	RequireSigned bool
}

// DefaultValidationOptions tolerates no dropped entries.
func DefaultValidationOptions() ValidationOptions {
	return ValidationOptions{MaxErrors: 0, RequireRules: true}
}

// ValidateRuleSet runs sanity checks on a freshly loaded set so a broken
// file does not replace working rules.
func ValidateRuleSet(rs *RuleSet, opts ValidationOptions) error {
	if rs == nil {
		return xerrors.New("validate: rule set is nil")
	}
	if opts.MaxErrors >= 0 {
		if n := CountErrors(rs.Problems); n > opts.MaxErrors {
			return xerrors.Newf("validate: %d exceptions rejected, at most %d allowed", n, opts.MaxErrors)
		}
	}
	if opts.RequireRules && rs.Entries > 0 && len(rs.Rules) == 0 {
		return xerrors.Newf("validate: none of %d exceptions compiled", rs.Entries)
	}
	if opts.RequireSigned && !rs.Meta.Signed {
		return xerrors.New("validate: rule set is not signed")
	}
	return nil
}
