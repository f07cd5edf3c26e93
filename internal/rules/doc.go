// Package rules loads throttle exception files and keeps the active set.
//
// A rules file is YAML. [Parse] decodes it, [Compile] turns each entry into a
// [throttle.Rule] on its own so one malformed entry never hides the others,
// and [Build] does both and hashes the input into a [RuleSet].
//
// The active set lives in a [Manager] behind an atomic pointer. Two sources
// feed it:
//   - [FileSource] with [FileWatcher]: a local file reloaded on change (fsnotify)
//   - [Loader] with [Watcher]: an S3 object addressed by the sha256 held in an
//     SSM parameter, optionally signed, polled with backoff
//
// Both watchers validate a new set with [ValidateRuleSet] before swapping it
// in and keep the current rules on any failure.
package rules
