package httpmw

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-throttle/internal/log"
)

func TestWithLogger_EnrichesContext(t *testing.T) {
	rl := newRecordingLogger()
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.FromContext(r.Context()).Info(r.Context(), "inside")
	}),
		RequestID(""),
		ClientIP,
		WithLogger(rl),
	)

	r := httptest.NewRequest(http.MethodGet, "/api/throttle?project=eswiki", http.NoBody)
	r.RemoteAddr = "198.51.100.7:4000"
	r.Header.Set("X-Request-Id", "req-1")
	r.Header.Set("User-Agent", "secret-agent")
	h.ServeHTTP(httptest.NewRecorder(), r)

	entries := rl.all()
	if len(entries) != 1 {
		t.Fatalf("entries = %d", len(entries))
	}
	e := entries[0]
	want := map[string]any{
		"request_id":           "req-1",
		"client.address":       "198.51.100.7",
		"network.peer.address": "198.51.100.7",
		"url.path":             "/api/throttle",
		"url.query":            "project=eswiki",
		"url.scheme":           "http",
		"http.request.method":  http.MethodGet,
	}
	for k, v := range want {
		if got, _ := e.field(k); got != v {
			t.Errorf("%s = %v, want %v", k, got, v)
		}
	}
	for _, f := range e.fields {
		if s, ok := f.(string); ok && strings.Contains(s, "secret-agent") {
			t.Fatal("user agent must not be logged")
		}
	}
}

func TestAccessLog(t *testing.T) {
	rl := newRecordingLogger()
	r := chi.NewRouter()
	r.Use(AccessLog())
	r.Get("/api/throttle", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"missing project"}`))
	})
	r.Get("/-/ready", func(w http.ResponseWriter, r *http.Request) {})

	serve := func(path string) {
		req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
		req = req.WithContext(log.WithContext(req.Context(), rl))
		r.ServeHTTP(httptest.NewRecorder(), req)
	}
	serve("/api/throttle")
	serve("/-/ready")

	entries := rl.all()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1 (readiness is quiet)", len(entries))
	}
	e := entries[0]
	if e.msg != "http request" {
		t.Fatalf("msg = %q", e.msg)
	}
	if v, _ := e.field("http.response.status_code"); v != http.StatusBadRequest {
		t.Errorf("status = %v", v)
	}
	if v, _ := e.field("http.response.body.size"); v != int64(27) {
		t.Errorf("body size = %v", v)
	}
	if v, _ := e.field("http.route"); v != "/api/throttle" {
		t.Errorf("route = %v", v)
	}
	if v, ok := e.field("http.server.request.duration"); !ok {
		t.Error("duration missing")
	} else if _, isFloat := v.(float64); !isFloat {
		t.Errorf("duration type = %T", v)
	}
}

func TestAccessLog_NoLoggerInContext(t *testing.T) {
	h := AccessLog()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))
}

func TestSchemeFromRequest(t *testing.T) {
	tests := []struct {
		name  string
		proto string
		tls   bool
		want  string
	}{
		{"forwarded https", "https", false, "https"},
		{"forwarded case", "HTTPS", false, "https"},
		{"forwarded list", "https, http", false, "https"},
		{"forwarded junk", "javascript", false, "http"},
		{"forwarded injection", "https\r\nX-Evil: 1", false, "http"},
		{"tls", "", true, "https"},
		{"default", "", false, "http"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
		if tt.proto != "" {
			r.Header["X-Forwarded-Proto"] = []string{tt.proto}
		}
		if tt.tls {
			r.TLS = &tls.ConnectionState{}
		}
		if got := schemeFromRequest(r); got != tt.want {
			t.Errorf("%s: scheme = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestScope(t *testing.T) {
	rl := newRecordingLogger()
	h := Scope("throttle.evaluate")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.FromContext(r.Context()).Info(r.Context(), "x")
	}))
	r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	h.ServeHTTP(httptest.NewRecorder(), r.WithContext(log.WithContext(context.Background(), rl)))

	if v, _ := rl.all()[0].field("handler"); v != "throttle.evaluate" {
		t.Fatalf("handler = %v", v)
	}
}

func TestResponseWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, ctx: context.Background()}
	if rw.statusCode() != http.StatusOK {
		t.Fatal("zero status should read as 200")
	}
	rw.Write([]byte("abc"))
	rw.Write([]byte("de"))
	if rw.status != http.StatusOK || rw.bytes != 5 {
		t.Fatalf("status=%d bytes=%d", rw.status, rw.bytes)
	}
	rw.Flush()
	if !rec.Flushed {
		t.Fatal("Flush not forwarded")
	}
	if _, _, err := rw.Hijack(); err == nil {
		t.Fatal("recorder cannot hijack, expected error")
	}
	rw.finishWriteSpan() // no span started without a recording parent
}
