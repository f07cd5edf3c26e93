package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/keithlinneman/linnemanlabs-throttle/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/log"
)

const (
	// DefaultPollInterval is how often the Watcher checks SSM.
	DefaultPollInterval = 30 * time.Second

	maxBackoff = 5 * time.Minute
)

type pollResult int

const (
	pollNoChange pollResult = iota
	pollSwapped
	pollSSMError
	pollLoadError
	pollValidationError
)

// Fetcher is what the Watcher needs from a Loader.
type Fetcher interface {
	FetchCurrentHash(ctx context.Context) (string, error)
	LoadHash(ctx context.Context, hash string) (*RuleSet, error)
}

// WatcherMetrics is implemented by the metrics package. Both the poll
// Watcher and the FileWatcher report through it.
type WatcherMetrics interface {
	IncWatcherPolls()
	IncWatcherSwaps()
	IncWatcherError(kind string)
	ObserveLoadDuration(seconds float64)
	SetWatcherLastSuccess(unixSeconds float64)
	SetWatcherStale(stale bool)
}

type WatcherOptions struct {
	Logger       log.Logger
	Loader       Fetcher
	Manager      *Manager
	PollInterval time.Duration

	// Validation runs against each new set before the swap. nil means
	// DefaultValidationOptions.
	Validation *ValidationOptions

	// OnSwap runs on the poll goroutine after a swap. A panic is logged and
	// swallowed.
	OnSwap func(hash, version string)

	Metrics WatcherMetrics

	// StaleThreshold is how long SSM may fail before rules are reported
	// stale. 0 means 30 minutes.
	StaleThreshold time.Duration
}

// Watcher polls SSM and swaps in new rules files as the hash changes.
type Watcher struct {
	loader     Fetcher
	manager    *Manager
	logger     log.Logger
	interval   time.Duration
	validation ValidationOptions
	onSwap     func(hash, version string)
	metrics    WatcherMetrics

	currentHash     string
	consecutiveErrs int

	staleThreshold time.Duration
	lastSuccessAt  time.Time
	staleLogged    bool

	pollCount int64
	swapCount int64
}

func NewWatcher(opts WatcherOptions) *Watcher {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	validation := DefaultValidationOptions()
	if opts.Validation != nil {
		validation = *opts.Validation
	}
	stale := opts.StaleThreshold
	if stale <= 0 {
		stale = 30 * time.Minute
	}
	return &Watcher{
		loader:     opts.Loader,
		manager:    opts.Manager,
		logger:     opts.Logger,
		interval:   interval,
		validation: validation,
		onSwap:     opts.OnSwap,
		metrics:    opts.Metrics,
		// seed from the manager so the first poll does not refetch the startup set
		currentHash:    opts.Manager.Hash(),
		staleThreshold: stale,
		lastSuccessAt:  time.Now(),
	}
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info(ctx, "rules watcher starting",
		"poll_interval", w.interval.String(),
		"current_hash", truncHash(w.currentHash),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "rules watcher stopping",
				"reason", ctx.Err(),
				"polls", w.pollCount,
				"swaps", w.swapCount,
			)
			return ctx.Err()
		case <-ticker.C:
			w.afterPoll(ctx, ticker, w.checkOnce(ctx))
		}
	}
}

// afterPoll adjusts the cadence and staleness state for one result.
func (w *Watcher) afterPoll(ctx context.Context, ticker *time.Ticker, result pollResult) {
	if result == pollSSMError {
		w.consecutiveErrs++
		backoff := w.backoffDuration()
		w.logger.Warn(ctx, "rules watcher backing off",
			"consecutive_errors", w.consecutiveErrs,
			"next_poll_in", backoff.String(),
		)
		ticker.Reset(backoff)

		if since := time.Since(w.lastSuccessAt); since > w.staleThreshold && !w.staleLogged {
			w.logger.Error(ctx, fmt.Errorf("last successful SSM poll was %s ago", since.Truncate(time.Second)),
				"rules are stale, unable to verify freshness",
			)
			w.staleLogged = true
			if w.metrics != nil {
				w.metrics.SetWatcherStale(true)
			}
		}
		return
	}

	if w.consecutiveErrs > 0 {
		w.logger.Info(ctx, "rules watcher recovered", "had_consecutive_errors", w.consecutiveErrs)
		w.consecutiveErrs = 0
		ticker.Reset(w.interval)
	}
	if w.staleLogged {
		w.logger.Info(ctx, "rules staleness recovered")
		w.staleLogged = false
		if w.metrics != nil {
			w.metrics.SetWatcherStale(false)
		}
	}
}

func (w *Watcher) checkOnce(ctx context.Context) pollResult {
	w.pollCount++
	if w.metrics != nil {
		w.metrics.IncWatcherPolls()
	}

	hash, err := w.loader.FetchCurrentHash(ctx)
	if err != nil {
		w.logger.Error(ctx, err, "rules watcher SSM poll failed")
		if w.metrics != nil {
			w.metrics.IncWatcherError("ssm")
		}
		return pollSSMError
	}

	now := time.Now()
	w.lastSuccessAt = now
	if w.metrics != nil {
		w.metrics.SetWatcherLastSuccess(float64(now.Unix()))
	}

	if cryptoutil.HashEqual(hash, w.currentHash) {
		return pollNoChange
	}

	w.logger.Info(ctx, "new rules hash detected",
		"old_hash", truncHash(w.currentHash),
		"new_hash", truncHash(hash),
	)

	start := time.Now()
	rs, err := w.loader.LoadHash(ctx, hash)
	if w.metrics != nil {
		w.metrics.ObserveLoadDuration(time.Since(start).Seconds())
	}
	if err != nil {
		w.logger.Error(ctx, err, "rules watcher failed to load rules", "hash", truncHash(hash))
		if w.metrics != nil {
			w.metrics.IncWatcherError("load")
		}
		return pollLoadError
	}

	if err := ValidateRuleSet(rs, w.validation); err != nil {
		LogProblems(ctx, w.logger, rs.Problems)
		w.logger.Error(ctx, err, "new rules failed validation, keeping current rules",
			"rejected_hash", truncHash(hash),
			"current_hash", truncHash(w.currentHash),
		)
		if w.metrics != nil {
			w.metrics.IncWatcherError("validation")
		}
		return pollValidationError
	}

	LogProblems(ctx, w.logger, rs.Problems)
	old := w.currentHash
	w.manager.Set(*rs)
	w.currentHash = hash
	w.swapCount++

	w.logger.Info(ctx, "rules swapped",
		"source", rs.Meta.Source,
		"old_hash", truncHash(old),
		"new_hash", truncHash(hash),
		"version", rs.Meta.Version,
		"rules", len(rs.Rules),
		"total_swaps", w.swapCount,
	)
	if w.metrics != nil {
		w.metrics.IncWatcherSwaps()
	}
	notifySwap(ctx, w.logger, w.onSwap, hash, rs.Meta.Version)
	return pollSwapped
}

// backoffDuration is interval * 2^errors, capped at maxBackoff.
func (w *Watcher) backoffDuration() time.Duration {
	d := w.interval
	for i := 0; i < w.consecutiveErrs && d < maxBackoff; i++ {
		d *= 2
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func notifySwap(ctx context.Context, L log.Logger, fn func(hash, version string), hash, version string) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			L.Error(ctx, fmt.Errorf("OnSwap panic: %v", r), "OnSwap callback panicked, continuing",
				"hash", truncHash(hash),
			)
		}
	}()
	fn(hash, version)
}
