package rules

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/keithlinneman/linnemanlabs-throttle/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/log"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/xerrors"
)

// DefaultMaxBytes caps a rules file read from disk or S3.
const DefaultMaxBytes = 4 << 20

// FileSource loads rules from a local YAML file.
type FileSource struct {
	Path string

	// Strict fails Load when any entry was dropped.
	Strict bool

	// MaxBytes caps the file size; 0 means DefaultMaxBytes.
	MaxBytes int64
}

// Load reads and builds the file.
func (s *FileSource) Load(ctx context.Context) (*RuleSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := readCapped(s.Path, s.MaxBytes)
	if err != nil {
		return nil, err
	}
	rs, problems, err := Build(data, Meta{Source: SourceFile, Path: s.Path})
	if err != nil {
		return nil, xerrors.Wrapf(err, "rules file %s", s.Path)
	}
	if s.Strict && HasErrors(problems) {
		return nil, xerrors.Newf("rules file %s: %d exceptions rejected: %w",
			s.Path, CountErrors(problems), errors.Join(problemErrs(problems)...))
	}
	return rs, nil
}

func readCapped(path string, max int64) ([]byte, error) {
	if max <= 0 {
		max = DefaultMaxBytes
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Wrap(err, "open rules file")
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, max+1))
	if err != nil {
		return nil, xerrors.Wrap(err, "read rules file")
	}
	if int64(len(data)) > max {
		return nil, xerrors.Newf("rules file %s exceeds %d bytes", path, max)
	}
	return data, nil
}

func problemErrs(problems []Problem) []error {
	var out []error
	for _, p := range problems {
		if p.Severity == SeverityError {
			out = append(out, p)
		}
	}
	return out
}

// LogProblems writes one record per problem: warn for dropped entries, info
// for normalized ones.
func LogProblems(ctx context.Context, L log.Logger, problems []Problem) {
	for _, p := range problems {
		kv := []any{"index", p.Index, "ticket", p.Ticket, "line", p.Line, "problem", p.Message()}
		if p.Severity == SeverityError {
			L.Warn(ctx, "throttle exception rejected", kv...)
		} else {
			L.Info(ctx, "throttle exception normalized", kv...)
		}
	}
}

// DefaultDebounce is how long the file must be quiet before a reload.
const DefaultDebounce = 250 * time.Millisecond

type FileWatcherOptions struct {
	Logger  log.Logger
	Source  *FileSource
	Manager *Manager

	Debounce   time.Duration
	Validation *ValidationOptions
	Metrics    WatcherMetrics

	// OnSwap runs on the watcher goroutine after each successful swap.
	OnSwap func(hash, version string)
}

// FileWatcher reloads a FileSource when the file changes on disk. It watches
// the parent directory so editors that write a temp file and rename it, and
// symlink flips, are both seen.
type FileWatcher struct {
	fsw        *fsnotify.Watcher
	source     *FileSource
	manager    *Manager
	logger     log.Logger
	debounce   time.Duration
	validation ValidationOptions
	metrics    WatcherMetrics
	onSwap     func(hash, version string)

	dir  string
	base string
}

func NewFileWatcher(opts FileWatcherOptions) (*FileWatcher, error) {
	if opts.Source == nil || opts.Source.Path == "" {
		return nil, xerrors.New("file watcher: source path is required")
	}
	if opts.Manager == nil {
		return nil, xerrors.New("file watcher: manager is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	validation := DefaultValidationOptions()
	if opts.Validation != nil {
		validation = *opts.Validation
	}

	abs, err := filepath.Abs(opts.Source.Path)
	if err != nil {
		return nil, xerrors.Wrap(err, "file watcher: resolve path")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, xerrors.Wrap(err, "file watcher: create fsnotify watcher")
	}
	dir := filepath.Dir(abs)
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, xerrors.Wrapf(err, "file watcher: watch %s", dir)
	}

	return &FileWatcher{
		fsw:        fsw,
		source:     opts.Source,
		manager:    opts.Manager,
		logger:     opts.Logger,
		debounce:   opts.Debounce,
		validation: validation,
		metrics:    opts.Metrics,
		onSwap:     opts.OnSwap,
		dir:        dir,
		base:       filepath.Base(abs),
	}, nil
}

// Run processes file events until ctx is cancelled, then closes the
// underlying watcher.
func (w *FileWatcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	w.logger.Info(ctx, "rules file watcher starting",
		"path", w.source.Path,
		"debounce", w.debounce.String(),
	)

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "rules file watcher stopping", "reason", ctx.Err())
			return ctx.Err()

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return xerrors.New("file watcher: event channel closed")
			}
			if !w.relevant(ev) {
				continue
			}
			w.logger.Debug(ctx, "rules file event", "name", ev.Name, "op", ev.Op.String())
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return xerrors.New("file watcher: error channel closed")
			}
			w.logger.Error(ctx, err, "rules file watcher error")
			if w.metrics != nil {
				w.metrics.IncWatcherError("fsnotify")
			}

		case <-fire:
			fire = nil
			_, _ = w.Reload(ctx)
		}
	}
}

// relevant is true for content changes to the watched file. Kubernetes
// ConfigMap mounts swap a "..data" symlink instead of touching the file.
func (w *FileWatcher) relevant(ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod {
		return false
	}
	name := filepath.Base(ev.Name)
	return name == w.base || name == "..data"
}

// Reload loads the file now and swaps it in when its hash changed and it
// passes validation. The current rules stay active on any failure.
func (w *FileWatcher) Reload(ctx context.Context) (bool, error) {
	if w.metrics != nil {
		w.metrics.IncWatcherPolls()
	}
	start := time.Now()
	rs, err := w.source.Load(ctx)
	if w.metrics != nil {
		w.metrics.ObserveLoadDuration(time.Since(start).Seconds())
	}
	if err != nil {
		w.logger.Error(ctx, err, "rules reload failed, keeping current rules", "path", w.source.Path)
		if w.metrics != nil {
			w.metrics.IncWatcherError("load")
		}
		return false, err
	}
	if w.metrics != nil {
		w.metrics.SetWatcherLastSuccess(float64(time.Now().Unix()))
	}

	current := w.manager.Hash()
	if current != "" && cryptoutil.HashEqual(rs.Meta.SHA256, current) {
		return false, nil
	}

	if err := ValidateRuleSet(rs, w.validation); err != nil {
		LogProblems(ctx, w.logger, rs.Problems)
		w.logger.Error(ctx, err, "rules file failed validation, keeping current rules",
			"rejected_hash", truncHash(rs.Meta.SHA256),
			"current_hash", truncHash(current),
		)
		if w.metrics != nil {
			w.metrics.IncWatcherError("validation")
		}
		return false, err
	}

	LogProblems(ctx, w.logger, rs.Problems)
	w.manager.Set(*rs)
	w.logger.Info(ctx, "rules swapped",
		"source", SourceFile,
		"old_hash", truncHash(current),
		"new_hash", truncHash(rs.Meta.SHA256),
		"rules", len(rs.Rules),
	)
	if w.metrics != nil {
		w.metrics.IncWatcherSwaps()
	}
	notifySwap(ctx, w.logger, w.onSwap, rs.Meta.SHA256, rs.Meta.Version)
	return true, nil
}
