package httpmw

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRecover(t *testing.T) {
	tests := []struct {
		name  string
		value any
	}{
		{"string", "something broke"},
		{"error", errors.New("range check exploded")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rl := newRecordingLogger()
			var panics int
			h := Recover(rl, func() { panics++ })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				panic(tt.value)
			}))

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/throttle", http.NoBody))

			if rec.Code != http.StatusInternalServerError {
				t.Fatalf("status = %d", rec.Code)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Fatalf("content type = %q", ct)
			}
			if !strings.Contains(rec.Body.String(), "internal server error") {
				t.Fatalf("body = %q", rec.Body.String())
			}
			if panics != 1 {
				t.Fatalf("onPanic called %d times", panics)
			}
			entries := rl.all()
			if len(entries) != 1 || entries[0].msg != "httpserver panic recovered" || entries[0].err == nil {
				t.Fatalf("entries = %+v", entries)
			}
			if p, _ := entries[0].field("url.path"); p != "/api/throttle" {
				t.Fatalf("url.path = %v", p)
			}
		})
	}
}

func TestRecover_NoPanicPassesThrough(t *testing.T) {
	rl := newRecordingLogger()
	h := Recover(rl, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if rec.Code != http.StatusNoContent || len(rl.all()) != 0 {
		t.Fatalf("status=%d entries=%d", rec.Code, len(rl.all()))
	}
}

func TestRecover_AbortHandlerRepanics(t *testing.T) {
	h := Recover(nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Fatalf("recovered %v, want http.ErrAbortHandler", rec)
		}
	}()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))
}
