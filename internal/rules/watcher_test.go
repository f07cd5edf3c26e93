package rules

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/keithlinneman/linnemanlabs-throttle/internal/log"
)

type watcherFixture struct {
	s3      *fakeS3
	ssm     *fakeSSM
	mgr     *Manager
	loader  *Loader
	metrics *fakeWatcherMetrics
	swaps   []string
}

func newWatcherFixture(t *testing.T) *watcherFixture {
	t.Helper()
	f := &watcherFixture{
		s3:      newFakeS3(),
		ssm:     &fakeSSM{},
		mgr:     NewManager(),
		metrics: newFakeWatcherMetrics(),
	}
	f.loader = newTestLoader(t, f.s3, f.ssm, nil)
	return f
}

// seed loads src into the manager the way startup does.
func (f *watcherFixture) seed(t *testing.T, src string) string {
	t.Helper()
	hash := f.s3.put(src)
	f.ssm.set(hash, nil)
	rs, err := f.loader.Load(context.Background())
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	f.mgr.Set(*rs)
	return hash
}

func (f *watcherFixture) newWatcher(mut ...func(*WatcherOptions)) *Watcher {
	opts := WatcherOptions{
		Logger:       log.Nop(),
		Loader:       f.loader,
		Manager:      f.mgr,
		PollInterval: time.Second,
		Metrics:      f.metrics,
		OnSwap:       func(hash, version string) { f.swaps = append(f.swaps, version) },
	}
	for _, m := range mut {
		m(&opts)
	}
	return NewWatcher(opts)
}

func TestWatcher_SeedsHashFromManager(t *testing.T) {
	f := newWatcherFixture(t)
	hash := f.seed(t, oneRule)
	w := f.newWatcher()

	if w.currentHash != hash {
		t.Fatalf("currentHash = %q, want %q", w.currentHash, hash)
	}
	if got := w.checkOnce(context.Background()); got != pollNoChange {
		t.Fatalf("result = %v, want pollNoChange", got)
	}
	if len(f.s3.gets) != 1 {
		t.Fatalf("unchanged hash must not refetch, gets = %v", f.s3.gets)
	}
}

func TestWatcher_SwapsOnNewHash(t *testing.T) {
	f := newWatcherFixture(t)
	f.seed(t, oneRule)
	w := f.newWatcher()

	next := f.s3.put(twoRules)
	f.ssm.set(next, nil)

	if got := w.checkOnce(context.Background()); got != pollSwapped {
		t.Fatalf("result = %v, want pollSwapped", got)
	}
	if f.mgr.Hash() != next || f.mgr.Version() != "two" || len(f.mgr.Rules()) != 2 {
		t.Fatalf("manager = %s / %s / %d", f.mgr.Hash(), f.mgr.Version(), len(f.mgr.Rules()))
	}
	if w.currentHash != next {
		t.Fatal("currentHash not updated")
	}
	if len(f.swaps) != 1 || f.swaps[0] != "two" {
		t.Fatalf("OnSwap = %v", f.swaps)
	}
	if f.metrics.swaps != 1 || f.metrics.polls != 1 || f.metrics.loads != 1 || f.metrics.lastOK == 0 {
		t.Fatalf("metrics = %+v", f.metrics)
	}
}

func TestWatcher_KeepsRulesOnLoadError(t *testing.T) {
	f := newWatcherFixture(t)
	orig := f.seed(t, oneRule)
	w := f.newWatcher()

	// SSM points at an object that was never uploaded
	f.ssm.set(strings.Repeat("0", 64), nil)

	if got := w.checkOnce(context.Background()); got != pollLoadError {
		t.Fatalf("result = %v, want pollLoadError", got)
	}
	if f.mgr.Hash() != orig || w.currentHash != orig {
		t.Fatal("rules must stay on load error")
	}
	if f.metrics.errors["load"] != 1 {
		t.Fatalf("metrics = %+v", f.metrics)
	}
}

func TestWatcher_KeepsRulesOnValidationError(t *testing.T) {
	f := newWatcherFixture(t)
	orig := f.seed(t, oneRule)
	w := f.newWatcher()

	f.ssm.set(f.s3.put(brokenEntry), nil)

	if got := w.checkOnce(context.Background()); got != pollValidationError {
		t.Fatalf("result = %v, want pollValidationError", got)
	}
	if f.mgr.Hash() != orig {
		t.Fatal("rules must stay on validation error")
	}
	if len(f.swaps) != 0 || f.metrics.errors["validation"] != 1 {
		t.Fatalf("swaps=%v metrics=%+v", f.swaps, f.metrics)
	}
}

func TestWatcher_LenientValidationAcceptsDroppedEntries(t *testing.T) {
	f := newWatcherFixture(t)
	f.seed(t, oneRule)
	w := f.newWatcher(func(o *WatcherOptions) {
		o.Validation = &ValidationOptions{MaxErrors: -1}
	})

	f.ssm.set(f.s3.put(wmfRules), nil)
	if got := w.checkOnce(context.Background()); got != pollSwapped {
		t.Fatalf("result = %v, want pollSwapped", got)
	}
	if len(f.mgr.Rules()) != 4 {
		t.Fatalf("rules = %d", len(f.mgr.Rules()))
	}
}

func TestWatcher_SSMErrorBacksOffAndGoesStale(t *testing.T) {
	f := newWatcherFixture(t)
	f.seed(t, oneRule)
	w := f.newWatcher(func(o *WatcherOptions) { o.StaleThreshold = time.Minute })
	ctx := context.Background()

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	f.ssm.set("", errors.New("throttled"))
	w.lastSuccessAt = time.Now().Add(-2 * time.Minute)

	res := w.checkOnce(ctx)
	if res != pollSSMError {
		t.Fatalf("result = %v, want pollSSMError", res)
	}
	w.afterPoll(ctx, ticker, res)
	if w.consecutiveErrs != 1 || !w.staleLogged || !f.metrics.stale {
		t.Fatalf("errs=%d stale=%v metric=%v", w.consecutiveErrs, w.staleLogged, f.metrics.stale)
	}
	if f.metrics.errors["ssm"] != 1 {
		t.Fatalf("metrics = %+v", f.metrics)
	}

	f.ssm.set(f.mgr.Hash(), nil)
	res = w.checkOnce(ctx)
	w.afterPoll(ctx, ticker, res)
	if res != pollNoChange || w.consecutiveErrs != 0 || w.staleLogged || f.metrics.stale {
		t.Fatalf("after recovery: res=%v errs=%d stale=%v", res, w.consecutiveErrs, w.staleLogged)
	}
}

func TestWatcher_BackoffDuration(t *testing.T) {
	w := &Watcher{interval: 30 * time.Second}
	tests := []struct {
		errs int
		want time.Duration
	}{
		{0, 30 * time.Second},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, maxBackoff},
		{50, maxBackoff},
	}
	for _, tt := range tests {
		w.consecutiveErrs = tt.errs
		if got := w.backoffDuration(); got != tt.want {
			t.Errorf("errs=%d: backoff = %v, want %v", tt.errs, got, tt.want)
		}
	}
}

func TestWatcher_OnSwapPanicRecovered(t *testing.T) {
	f := newWatcherFixture(t)
	f.seed(t, oneRule)
	w := f.newWatcher(func(o *WatcherOptions) {
		o.OnSwap = func(string, string) { panic("boom") }
	})
	f.ssm.set(f.s3.put(twoRules), nil)
	if got := w.checkOnce(context.Background()); got != pollSwapped {
		t.Fatalf("result = %v", got)
	}
}

func TestWatcher_RunStopsOnCancel(t *testing.T) {
	f := newWatcherFixture(t)
	f.seed(t, oneRule)
	w := f.newWatcher(func(o *WatcherOptions) { o.PollInterval = 5 * time.Millisecond })

	next := f.s3.put(twoRules)
	f.ssm.set(next, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for f.mgr.Hash() != next {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("watcher never swapped")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
