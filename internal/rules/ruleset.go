package rules

import (
	"time"

	"github.com/keithlinneman/linnemanlabs-throttle/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/throttle"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/xerrors"
)

type Source string

const (
	SourceUnknown Source = "unknown"
	SourceFile    Source = "file"
	SourceS3      Source = "s3"
)

type Meta struct {
	Version    string    `json:"version,omitempty"`
	SHA256     string    `json:"sha256,omitempty"`
	Source     Source    `json:"source,omitempty"`
	Path       string    `json:"path,omitempty"`
	VerifiedAt time.Time `json:"verified_at,omitempty"`
	Signed     bool      `json:"signed,omitempty"`
}

// RuleSet is one compiled rules file. It is never modified after Build;
// reloading produces a new RuleSet.
type RuleSet struct {
	Rules    []*throttle.Rule
	Meta     Meta
	Problems []Problem
	LoadedAt time.Time

	// Entries is how many exceptions the file declared, including dropped ones
	Entries int
}

// Build parses, compiles and hashes data. The error is non-nil only when the
// document itself is unusable; per-entry problems come back separately.
func Build(data []byte, meta Meta) (*RuleSet, []Problem, error) {
	doc, err := Parse(data)
	if err != nil {
		return nil, nil, err
	}
	rules, problems := Compile(doc)

	sum := cryptoutil.SHA256Hex(data)
	if meta.SHA256 != "" && !cryptoutil.HashEqual(meta.SHA256, sum) {
		return nil, problems, xerrors.Newf("rules: sha256 mismatch: expected %s, got %s", meta.SHA256, sum)
	}
	meta.SHA256 = sum
	if meta.Version == "" {
		meta.Version = doc.Version
	}
	if meta.Source == "" {
		meta.Source = SourceUnknown
	}

	return &RuleSet{
		Rules:    rules,
		Meta:     meta,
		Problems: problems,
		LoadedAt: time.Now().UTC(),
		Entries:  len(doc.Exceptions),
	}, problems, nil
}

// Active returns the rules whose window contains t, in order.
func (rs *RuleSet) Active(t time.Time) []*throttle.Rule {
	if rs == nil {
		return nil
	}
	var out []*throttle.Rule
	for _, r := range rs.Rules {
		if r.ActiveAt(t) {
			out = append(out, r)
		}
	}
	return out
}
