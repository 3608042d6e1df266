// Package tier implements the adaptive per-symbol scan-frequency state
// machine (spec C9 / §4.7): three tiers, anomaly-driven promotion, idle
// demotion, and the shouldCheck cadence gate.
package tier

import (
	"sync"
	"time"

	"github.com/aristath/cryptosentinel/internal/domain"
)

// Intervals holds the per-tier scan cadence.
type Intervals struct {
	Tier1 time.Duration
	Tier2 time.Duration
	Tier3 time.Duration
}

// Timeouts holds the idle-demotion timeout for tiers 2 and 3. Tier 1 has
// no timeout: it is the resting state.
type Timeouts struct {
	Tier2 time.Duration
	Tier3 time.Duration
}

type symbolState struct {
	tier         domain.Tier
	lastAnomaly  time.Time
	lastSeverity domain.Severity
	lastCheck    time.Time
	checks       int
	promotions   int
}

// Manager tracks one symbolState per symbol. Safe for concurrent use by
// multiple symbols' pipeline goroutines (spec §5's per-symbol-lock /
// cross-symbol-concurrency model); the lock is only ever held across
// in-memory map/struct mutation, never a network call.
type Manager struct {
	intervals Intervals
	timeouts  Timeouts
	now       func() time.Time

	mu     sync.Mutex
	states map[string]*symbolState
}

// New creates a Manager. now defaults to time.Now, overridable for tests.
func New(intervals Intervals, timeouts Timeouts) *Manager {
	return &Manager{
		intervals: intervals,
		timeouts:  timeouts,
		now:       time.Now,
		states:    make(map[string]*symbolState),
	}
}

func (m *Manager) state(symbol string) *symbolState {
	s, ok := m.states[symbol]
	if !ok {
		s = &symbolState{tier: domain.Tier1}
		m.states[symbol] = s
	}
	return s
}

// OnAnomaly records an anomaly observation and applies the §4.7 promotion
// rule. Promotion never demotes: a symbol already at tier 3 stays there
// regardless of a weaker subsequent severity.
func (m *Manager) OnAnomaly(symbol string, severity domain.Severity) domain.Tier {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.state(symbol)
	s.lastAnomaly = m.now()
	s.lastSeverity = severity

	switch {
	case severity == domain.SeverityCritical || severity == domain.SeverityHigh:
		s.tier = domain.Tier3
	case severity == domain.SeverityMedium:
		if s.tier < domain.Tier2 {
			s.tier = domain.Tier2
		}
	}
	return s.tier
}

// ShouldCheck is the sole authority for "run trigger predicates now" outside
// of anomaly-forced paths (§4.12). It first applies idle demotion, then
// compares the scan cadence.
func (m *Manager) ShouldCheck(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.state(symbol)
	now := m.now()

	if s.tier > domain.Tier1 {
		timeout := m.timeoutFor(s.tier)
		if timeout > 0 && !s.lastAnomaly.IsZero() && now.Sub(s.lastAnomaly) > timeout {
			s.tier--
			// Recovery bookkeeping reset: the demoted tier gets a fresh
			// clock so it doesn't immediately re-demote next call.
			s.lastAnomaly = now
		}
	}

	interval := m.intervalFor(s.tier)
	if now.Sub(s.lastCheck) >= interval {
		s.lastCheck = now
		s.checks++
		return true
	}
	return false
}

// Tier returns the symbol's current tier without side effects.
func (m *Manager) Tier(symbol string) domain.Tier {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state(symbol).tier
}

func (m *Manager) timeoutFor(t domain.Tier) time.Duration {
	switch t {
	case domain.Tier2:
		return m.timeouts.Tier2
	case domain.Tier3:
		return m.timeouts.Tier3
	default:
		return 0
	}
}

func (m *Manager) intervalFor(t domain.Tier) time.Duration {
	switch t {
	case domain.Tier2:
		return m.intervals.Tier2
	case domain.Tier3:
		return m.intervals.Tier3
	default:
		return m.intervals.Tier1
	}
}
