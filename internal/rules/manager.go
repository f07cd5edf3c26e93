package rules

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/linnemanlabs-throttle/internal/throttle"
)

// Manager holds the active RuleSet. Readers take one snapshot per
// evaluation with Get or Rules and never see a partial swap.
type Manager struct {
	active atomic.Pointer[RuleSet]
}

func NewManager() *Manager { return &Manager{} }

// Set installs rs as the active set. The Manager keeps its own copy of the
// RuleSet header; the rules themselves are shared and must not be mutated.
func (m *Manager) Set(rs RuleSet) {
	cp := new(RuleSet)
	*cp = rs
	if cp.LoadedAt.IsZero() {
		cp.LoadedAt = time.Now().UTC()
	}
	m.active.Store(cp)
}

// Get returns the active set and whether one is loaded.
func (m *Manager) Get() (*RuleSet, bool) {
	rs := m.active.Load()
	return rs, rs != nil
}

// Rules returns the active rule list, nil when nothing is loaded.
func (m *Manager) Rules() []*throttle.Rule {
	if rs := m.active.Load(); rs != nil {
		return rs.Rules
	}
	return nil
}

func (m *Manager) Version() string {
	if rs := m.active.Load(); rs != nil {
		return rs.Meta.Version
	}
	return ""
}

func (m *Manager) Hash() string {
	if rs := m.active.Load(); rs != nil {
		return rs.Meta.SHA256
	}
	return ""
}

// Source returns where the active set came from, or SourceUnknown.
func (m *Manager) Source() Source {
	if rs := m.active.Load(); rs != nil {
		return rs.Meta.Source
	}
	return SourceUnknown
}

func (m *Manager) LoadedAt() time.Time {
	if rs := m.active.Load(); rs != nil {
		return rs.LoadedAt
	}
	return time.Time{}
}

// ReadyErr is nil once a rule set is loaded. An empty set counts as loaded.
func (m *Manager) ReadyErr() error {
	if _, ok := m.Get(); !ok {
		return errors.New("rules: no active rule set")
	}
	return nil
}
