// Package throttle evaluates account-creation throttle exceptions.
//
// An exception ([Rule]) raises the account creation limit for a bounded time
// window, optionally restricted to a set of projects (dbnames), literal client
// IPs, and CIDR ranges. Rules are compiled once at load time and never
// mutated afterwards, so a rule list can be shared by any number of request
// goroutines without locking.
//
// [Evaluate] walks the list in declaration order and returns the first rule
// whose conditions all hold. A match produces a [Result] that the host writes
// into its own request-scoped configuration. No match returns false, and the
// host leaves its defaults alone.
package throttle
