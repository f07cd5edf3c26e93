package rules

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/keithlinneman/linnemanlabs-throttle/internal/log"
)

const oneRule = `
version: one
exceptions:
  - ticket: T1
    from: 2017-01-01T00:00 UTC
    to: 2017-02-01T00:00 UTC
    value: 10
`

const twoRules = `
version: two
exceptions:
  - ticket: T1
    from: 2017-01-01T00:00 UTC
    to: 2017-02-01T00:00 UTC
  - ticket: T2
    from: 2017-03-01T00:00 UTC
    to: 2017-04-01T00:00 UTC
`

const brokenEntry = `
version: broken
exceptions:
  - ticket: T1
    from: 2017-01-01T00:00 UTC
    to: 2017-02-31T00:00 UTC
`

func writeRules(t *testing.T, path, src string) {
	t.Helper()
	// write then rename, the way deploy tooling replaces the file
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
}

// fakeWatcherMetrics records what a watcher reported.
type fakeWatcherMetrics struct {
	mu     sync.Mutex
	polls  int
	swaps  int
	errors map[string]int
	stale  bool
	loads  int
	lastOK float64
}

func newFakeWatcherMetrics() *fakeWatcherMetrics {
	return &fakeWatcherMetrics{errors: map[string]int{}}
}

func (f *fakeWatcherMetrics) IncWatcherPolls() { f.mu.Lock(); f.polls++; f.mu.Unlock() }
func (f *fakeWatcherMetrics) IncWatcherSwaps() { f.mu.Lock(); f.swaps++; f.mu.Unlock() }
func (f *fakeWatcherMetrics) IncWatcherError(kind string) {
	f.mu.Lock()
	f.errors[kind]++
	f.mu.Unlock()
}
func (f *fakeWatcherMetrics) ObserveLoadDuration(float64) { f.mu.Lock(); f.loads++; f.mu.Unlock() }
func (f *fakeWatcherMetrics) SetWatcherLastSuccess(v float64) {
	f.mu.Lock()
	f.lastOK = v
	f.mu.Unlock()
}
func (f *fakeWatcherMetrics) SetWatcherStale(s bool) { f.mu.Lock(); f.stale = s; f.mu.Unlock() }

func TestFileSource_Load(t *testing.T) {
	path := filepath.Join(t.TempDir(), "throttle.yaml")
	writeRules(t, path, oneRule)

	rs, err := (&FileSource{Path: path}).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(rs.Rules) != 1 || rs.Meta.Source != SourceFile || rs.Meta.Path != path || rs.Meta.Version != "one" {
		t.Fatalf("rule set = %+v", rs)
	}
}

func TestFileSource_Missing(t *testing.T) {
	_, err := (&FileSource{Path: filepath.Join(t.TempDir(), "nope.yaml")}).Load(context.Background())
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestFileSource_Strict(t *testing.T) {
	path := filepath.Join(t.TempDir(), "throttle.yaml")
	writeRules(t, path, brokenEntry)

	rs, err := (&FileSource{Path: path}).Load(context.Background())
	if err != nil || len(rs.Rules) != 0 || !HasErrors(rs.Problems) {
		t.Fatalf("lenient load = %+v, %v", rs, err)
	}
	if _, err := (&FileSource{Path: path, Strict: true}).Load(context.Background()); err == nil {
		t.Fatal("strict load should fail on a rejected entry")
	} else if !strings.Contains(err.Error(), "T1") {
		t.Fatalf("strict error should name the entry: %v", err)
	}
}

func TestFileSource_MaxBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "throttle.yaml")
	writeRules(t, path, oneRule)
	if _, err := (&FileSource{Path: path, MaxBytes: 16}).Load(context.Background()); err == nil {
		t.Fatal("expected size cap error")
	}
}

func newTestFileWatcher(t *testing.T, path string, m *Manager, wm WatcherMetrics, onSwap func(string, string)) *FileWatcher {
	t.Helper()
	w, err := NewFileWatcher(FileWatcherOptions{
		Logger:   log.Nop(),
		Source:   &FileSource{Path: path},
		Manager:  m,
		Debounce: 20 * time.Millisecond,
		Metrics:  wm,
		OnSwap:   onSwap,
	})
	if err != nil {
		t.Fatalf("NewFileWatcher: %v", err)
	}
	return w
}

func TestNewFileWatcher_Validation(t *testing.T) {
	if _, err := NewFileWatcher(FileWatcherOptions{Manager: NewManager()}); err == nil {
		t.Fatal("expected error without source")
	}
	if _, err := NewFileWatcher(FileWatcherOptions{Source: &FileSource{Path: "x.yaml"}}); err == nil {
		t.Fatal("expected error without manager")
	}
}

func TestFileWatcher_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "throttle.yaml")
	writeRules(t, path, oneRule)

	m := NewManager()
	fm := newFakeWatcherMetrics()
	var swaps []string
	w := newTestFileWatcher(t, path, m, fm, func(hash, version string) { swaps = append(swaps, version) })
	defer w.fsw.Close()
	ctx := context.Background()

	if ok, err := w.Reload(ctx); !ok || err != nil {
		t.Fatalf("first reload = %v, %v", ok, err)
	}
	if m.Version() != "one" {
		t.Fatalf("version = %q", m.Version())
	}

	// unchanged file is not swapped again
	if ok, err := w.Reload(ctx); ok || err != nil {
		t.Fatalf("unchanged reload = %v, %v", ok, err)
	}

	// broken file keeps current rules
	writeRules(t, path, brokenEntry)
	if ok, err := w.Reload(ctx); ok || err == nil {
		t.Fatalf("broken reload = %v, %v", ok, err)
	}
	if m.Version() != "one" {
		t.Fatal("broken file must not replace working rules")
	}

	// deleted file keeps current rules
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if ok, _ := w.Reload(ctx); ok {
		t.Fatal("missing file must not swap")
	}

	writeRules(t, path, twoRules)
	if ok, err := w.Reload(ctx); !ok || err != nil {
		t.Fatalf("good reload = %v, %v", ok, err)
	}
	if len(m.Rules()) != 2 {
		t.Fatalf("rules = %d", len(m.Rules()))
	}

	if strings.Join(swaps, ",") != "one,two" {
		t.Fatalf("OnSwap versions = %v", swaps)
	}
	if fm.swaps != 2 || fm.errors["validation"] != 1 || fm.errors["load"] != 1 || fm.polls != 5 {
		t.Fatalf("metrics = %+v", fm)
	}
}

func TestFileWatcher_OnSwapPanicRecovered(t *testing.T) {
	path := filepath.Join(t.TempDir(), "throttle.yaml")
	writeRules(t, path, oneRule)
	m := NewManager()
	w := newTestFileWatcher(t, path, m, nil, func(string, string) { panic("boom") })
	defer w.fsw.Close()

	if ok, err := w.Reload(context.Background()); !ok || err != nil {
		t.Fatalf("reload = %v, %v", ok, err)
	}
	if m.Version() != "one" {
		t.Fatal("swap should stand even if OnSwap panics")
	}
}

func TestFileWatcher_RunPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "throttle.yaml")
	writeRules(t, path, oneRule)

	m := NewManager()
	rs, err := (&FileSource{Path: path}).Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	m.Set(*rs)

	w := newTestFileWatcher(t, path, m, newFakeWatcherMetrics(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// unrelated files in the directory are ignored
	if err := os.WriteFile(filepath.Join(dir, "other.yaml"), []byte(twoRules), 0o644); err != nil {
		t.Fatal(err)
	}
	writeRules(t, path, twoRules)

	deadline := time.Now().Add(5 * time.Second)
	for m.Version() != "two" {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("watcher did not reload, version = %q", m.Version())
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
