package httpmw

import (
	"context"
	"sync"

	"github.com/keithlinneman/linnemanlabs-throttle/internal/log"
)

type entry struct {
	level  string
	msg    string
	err    error
	fields []any
}

// recordingLogger flattens With fields into every entry it records.
type recordingLogger struct {
	mu      *sync.Mutex
	entries *[]entry
	fields  []any
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{mu: &sync.Mutex{}, entries: &[]entry{}}
}

func (l *recordingLogger) With(kv ...any) log.Logger {
	f := append(append([]any{}, l.fields...), kv...)
	return &recordingLogger{mu: l.mu, entries: l.entries, fields: f}
}

func (l *recordingLogger) add(level, msg string, err error, kv []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f := append(append([]any{}, l.fields...), kv...)
	*l.entries = append(*l.entries, entry{level: level, msg: msg, err: err, fields: f})
}

func (l *recordingLogger) Debug(_ context.Context, msg string, kv ...any) { l.add("debug", msg, nil, kv) }
func (l *recordingLogger) Info(_ context.Context, msg string, kv ...any)  { l.add("info", msg, nil, kv) }
func (l *recordingLogger) Warn(_ context.Context, msg string, kv ...any)  { l.add("warn", msg, nil, kv) }
func (l *recordingLogger) Error(_ context.Context, err error, msg string, kv ...any) {
	l.add("error", msg, err, kv)
}
func (l *recordingLogger) Sync() error { return nil }

func (l *recordingLogger) all() []entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]entry(nil), *l.entries...)
}

func (e entry) field(key string) (any, bool) {
	for i := 0; i+1 < len(e.fields); i += 2 {
		if k, ok := e.fields[i].(string); ok && k == key {
			return e.fields[i+1], true
		}
	}
	return nil, false
}
