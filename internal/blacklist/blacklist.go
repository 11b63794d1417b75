// Package blacklist implements the Market Blacklist Manager: a 3-layer
// filter applied before a market is ever quoted or scanned for arbitrage.
//
//  1. Manual kill-switch — an operator-maintained set of condition IDs/
//     event IDs, checked in O(1), mutable at runtime with no restart needed.
//  2. Keyword match — question/title text matched against a configured
//     substring list (e.g. markets about the bot's own operator, legally
//     sensitive categories).
//  3. Settlement-date horizon — markets settling beyond a configured
//     horizon (default 365 days) are excluded; they tie up the eligibility
//     funnel's attention on something not actionable soon.
package blacklist

import (
	"strings"
	"sync"
	"time"
)

// Manager is the runtime-mutable, concurrency-safe 3-layer filter.
type Manager struct {
	mu sync.RWMutex

	manual   map[string]bool
	keywords []string
	horizon  time.Duration

	checks      int64
	blockedByManual  int64
	blockedByKeyword int64
	blockedByHorizon int64
}

// New creates a blacklist manager with the given keyword list and
// settlement horizon. manualIDs seeds the manual kill-switch set.
func New(keywords []string, horizon time.Duration, manualIDs []string) *Manager {
	m := &Manager{
		manual:   make(map[string]bool, len(manualIDs)),
		keywords: normalizeKeywords(keywords),
		horizon:  horizon,
	}
	for _, id := range manualIDs {
		m.manual[id] = true
	}
	return m
}

func normalizeKeywords(in []string) []string {
	out := make([]string, 0, len(in))
	for _, k := range in {
		if k = strings.TrimSpace(strings.ToLower(k)); k != "" {
			out = append(out, k)
		}
	}
	return out
}

// IsBlacklisted applies all three layers in order, returning true and the
// reason for the first layer that matches.
func (m *Manager) IsBlacklisted(marketID, conditionID, text string, endDate time.Time, now time.Time) (bool, string) {
	m.mu.Lock()
	m.checks++
	m.mu.Unlock()

	m.mu.RLock()
	manual := m.manual[marketID] || m.manual[conditionID]
	keywords := m.keywords
	horizon := m.horizon
	m.mu.RUnlock()

	if manual {
		m.mu.Lock()
		m.blockedByManual++
		m.mu.Unlock()
		return true, "manual"
	}

	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			m.mu.Lock()
			m.blockedByKeyword++
			m.mu.Unlock()
			return true, "keyword:" + kw
		}
	}

	if horizon > 0 && !endDate.IsZero() && endDate.Sub(now) > horizon {
		m.mu.Lock()
		m.blockedByHorizon++
		m.mu.Unlock()
		return true, "settlement_horizon"
	}

	return false, ""
}

// AddManual adds an ID to the manual kill-switch set, effective immediately.
func (m *Manager) AddManual(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manual[id] = true
}

// RemoveManual removes an ID from the manual kill-switch set.
func (m *Manager) RemoveManual(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.manual, id)
}

// Stats reports filter usage counters for the status endpoint.
type Stats struct {
	Checks           int64
	BlockedByManual  int64
	BlockedByKeyword int64
	BlockedByHorizon int64
	ManualSetSize    int
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		Checks:           m.checks,
		BlockedByManual:  m.blockedByManual,
		BlockedByKeyword: m.blockedByKeyword,
		BlockedByHorizon: m.blockedByHorizon,
		ManualSetSize:    len(m.manual),
	}
}
