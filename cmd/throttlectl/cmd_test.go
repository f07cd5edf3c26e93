package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleRules = `version: "2017-04"
exceptions:
  - ticket: T162089
    from: 2017-04-06T10:00 UTC
    to: 2017-04-06T16:00 UTC
    ip: 190.96.91.202
    dbname: eswiki
    value: 30
  - ticket: T-OLD
    from: 2016-01-01T00:00 UTC
    to: 2016-01-02T00:00 UTC
    range: 10.0.0.0/8
`

const brokenRules = `version: "2017-06"
exceptions:
  - ticket: T1
    from: 2017-06-31T00:00 UTC
    to: 2017-07-01T00:00 UTC
  - ticket: T2
    from: 2017-06-01T00:00 UTC
    to: 2017-06-02T00:00 UTC
    value: lots
`

func writeRules(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "throttle.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCheck_Clean(t *testing.T) {
	p := writeRules(t, sampleRules)
	out, err := run(t, "check", p)
	if err != nil {
		t.Fatalf("check: %v\n%s", err, out)
	}
	if !strings.Contains(out, "2 of 2 exceptions compiled") {
		t.Errorf("summary missing: %q", out)
	}
}

func TestCheck_ReportsProblems(t *testing.T) {
	p := writeRules(t, brokenRules)
	out, err := run(t, "check", p)
	if err == nil {
		t.Fatal("expected error for rejected exception")
	}
	if !strings.Contains(err.Error(), "1 exceptions rejected") {
		t.Errorf("err = %v", err)
	}
	if !strings.Contains(out, "(T1)") || !strings.Contains(out, "(T2)") {
		t.Errorf("problems not printed: %q", out)
	}
	if !strings.Contains(out, "1 of 2 exceptions compiled") {
		t.Errorf("summary missing: %q", out)
	}
}

func TestCheck_JSON(t *testing.T) {
	p := writeRules(t, brokenRules)
	out, _ := run(t, "check", "--json", p)

	var report checkReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if report.Version != "2017-06" || report.Entries != 2 || report.Rules != 1 {
		t.Errorf("report = %+v", report)
	}
	if len(report.Problems) != 2 {
		t.Fatalf("problems = %d, want 2", len(report.Problems))
	}
	if report.Problems[0].Severity != "error" || report.Problems[1].Severity != "warning" {
		t.Errorf("severities = %s, %s", report.Problems[0].Severity, report.Problems[1].Severity)
	}
	if report.Problems[1].Message == "" {
		t.Error("warning has no message")
	}
}

func TestCheck_StrictFailsOnWarnings(t *testing.T) {
	p := writeRules(t, `exceptions:
  - from: 2017-06-02T00:00 UTC
    to: 2017-06-01T00:00 UTC
`)
	if _, err := run(t, "check", p); err != nil {
		t.Fatalf("non-strict: %v", err)
	}
	if _, err := run(t, "check", "--strict", p); err == nil {
		t.Fatal("strict: expected error")
	}
}

func TestCheck_MissingFile(t *testing.T) {
	if _, err := run(t, "check", filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error")
	}
}

func TestEval_Match(t *testing.T) {
	p := writeRules(t, sampleRules)
	out, err := run(t, "eval", p, "--project", "eswiki", "--ip", "190.96.91.202", "--at", "2017-04-06T12:00 UTC")
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	var got struct {
		Throttle   int                           `json:"account_creation_throttle"`
		RateLimits map[string]map[string][2]int `json:"rate_limits"`
		Ticket     string                        `json:"ticket"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if got.Throttle != 30 || got.Ticket != "T162089" {
		t.Errorf("got %+v", got)
	}
	if got.RateLimits["badcaptcha"]["ip"] != [2]int{1000, 86400} {
		t.Errorf("badcaptcha ip = %v", got.RateLimits["badcaptcha"]["ip"])
	}
}

func TestEval_NoMatch(t *testing.T) {
	p := writeRules(t, sampleRules)
	cases := [][]string{
		{"--project", "enwiki", "--ip", "190.96.91.202", "--at", "2017-04-06T12:00 UTC"},
		{"--project", "eswiki", "--ip", "190.96.91.203", "--at", "2017-04-06T12:00 UTC"},
		{"--project", "eswiki", "--ip", "190.96.91.202", "--at", "2017-04-06T16:00:01 UTC"},
		{"--project", "enwiki", "--ip", "10.1.2.3", "--at", "2016-06-01"},
	}
	for _, c := range cases {
		out, err := run(t, append([]string{"eval", p}, c...)...)
		if err != nil {
			t.Fatalf("%v: %v", c, err)
		}
		if strings.TrimSpace(out) != "no match" {
			t.Errorf("%v: out = %q", c, out)
		}
	}
}

func TestEval_DefaultsToNow(t *testing.T) {
	orig := now
	now = func() time.Time { return time.Date(2016, 1, 1, 12, 0, 0, 0, time.UTC) }
	t.Cleanup(func() { now = orig })

	p := writeRules(t, sampleRules)
	out, err := run(t, "eval", p, "--project", "dewiki", "--ip", "10.9.9.9")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"ticket": "T-OLD"`) || !strings.Contains(out, `"account_creation_throttle": 50`) {
		t.Errorf("out = %s", out)
	}
}

func TestEval_BadInput(t *testing.T) {
	p := writeRules(t, sampleRules)
	for name, args := range map[string][]string{
		"bad ip":       {"eval", p, "--project", "eswiki", "--ip", "nope"},
		"bad at":       {"eval", p, "--project", "eswiki", "--ip", "1.2.3.4", "--at", "2017-06-31"},
		"missing ip":   {"eval", p, "--project", "eswiki"},
		"missing file": {"eval", "--project", "eswiki", "--ip", "1.2.3.4"},
	} {
		if _, err := run(t, args...); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestList(t *testing.T) {
	p := writeRules(t, sampleRules)
	out, err := run(t, "list", p, "--at", "2017-04-06T12:00 UTC")
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %d\n%s", len(lines), out)
	}
	if !strings.HasPrefix(lines[0], "TICKET") {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.Contains(lines[1], "T162089") || !strings.HasSuffix(lines[1], "active") {
		t.Errorf("row 1 = %q", lines[1])
	}
	if !strings.Contains(lines[2], "10.0.0.0/8") || !strings.HasSuffix(lines[2], "expired") {
		t.Errorf("row 2 = %q", lines[2])
	}
}

func TestList_ActiveOnly(t *testing.T) {
	p := writeRules(t, sampleRules)
	out, err := run(t, "list", p, "--active", "--at", "2017-04-06T12:00 UTC")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "T-OLD") || !strings.Contains(out, "T162089") {
		t.Errorf("out = %s", out)
	}
}

func TestFmt_NormalizesScalars(t *testing.T) {
	p := writeRules(t, sampleRules)
	out, err := run(t, "fmt", p)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "- eswiki") || !strings.Contains(out, "- 190.96.91.202") {
		t.Errorf("scalars not expanded:\n%s", out)
	}
	// the normalized output must round trip through check unchanged
	p2 := writeRules(t, out)
	again, err := run(t, "fmt", p2)
	if err != nil {
		t.Fatal(err)
	}
	if again != out {
		t.Errorf("fmt not idempotent:\n%s\n---\n%s", out, again)
	}
}

func TestFmt_Write(t *testing.T) {
	p := writeRules(t, sampleRules)
	if _, err := run(t, "fmt", "-w", p); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "- eswiki") {
		t.Errorf("file not rewritten:\n%s", data)
	}
	if _, err := os.Stat(p + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "throttlectl ") {
		t.Errorf("out = %q", out)
	}
}

func TestList_EmptyFilterShownAsNone(t *testing.T) {
	p := writeRules(t, `exceptions:
  - ticket: T-EMPTY
    from: 2017-04-06T00:00 UTC
    to: 2017-04-07T00:00 UTC
    dbname: []
`)
	out, err := run(t, "list", p, "--at", "2017-04-06T12:00 UTC")
	if err != nil {
		t.Fatal(err)
	}
	row := strings.Split(strings.TrimSpace(out), "\n")[1]
	if !strings.Contains(row, "(none)") || !strings.Contains(row, "*") {
		t.Errorf("row = %q", row)
	}
}

func TestFmt_RefusesUndecodableEntry(t *testing.T) {
	p := writeRules(t, `exceptions:
  - ticket: T1
    from: 2017-04-06T00:00 UTC
    to: 2017-04-07T00:00 UTC
    dbname: {eswiki: true}
`)
	if _, err := run(t, "fmt", "-w", p); err == nil {
		t.Fatal("expected error")
	}
	data, _ := os.ReadFile(p)
	if !strings.Contains(string(data), "{eswiki: true}") {
		t.Errorf("file was rewritten:\n%s", data)
	}
}
