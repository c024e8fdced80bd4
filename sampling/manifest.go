package sampling

import (
	"sort"
	"sync"
	"time"
)

// manifestTTL is how long a fetched rule set stays trustworthy without a
// successful refresh, in seconds.
const manifestTTL = 3600

// centralizedManifest is the ordered collection of sampling rules fetched
// from the control plane. Rules are replaced wholesale on refresh while each
// rule's in-flight statistics are merged, not replaced.
type centralizedManifest struct {
	// rules holds the custom rules sorted ascending by priority, ties broken
	// by rule name. The default rule is kept aside and consulted last.
	rules       []*centralizedRule
	defaultRule *centralizedRule
	index       map[string]*centralizedRule

	refreshedAt time.Time
	clock       func() time.Time
	mu          sync.RWMutex
}

func newCentralizedManifest() *centralizedManifest {
	return &centralizedManifest{
		index: make(map[string]*centralizedRule),
		clock: time.Now,
	}
}

// RefreshRules replaces the active rule list with the passed properties,
// preserving statistics and assigned quotas of same-named rules.
func (m *centralizedManifest) RefreshRules(props []ruleProperties, interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		rules       = make([]*centralizedRule, 0, len(props))
		defaultRule *centralizedRule
		index       = make(map[string]*centralizedRule, len(props))
	)
	for _, p := range props {
		r := newCentralizedRule(p, interval)
		if prev, ok := m.index[p.RuleName]; ok {
			r.merge(prev)
		}
		index[p.RuleName] = r
		if r.isDefault() {
			defaultRule = r
			continue
		}
		rules = append(rules, r)
	}

	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i].properties, rules[j].properties
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.RuleName < b.RuleName
	})

	m.rules = rules
	m.defaultRule = defaultRule
	m.index = index
	m.refreshedAt = m.clock()
}

// MatchFirst scans rules in priority order and returns the first rule
// matching the request, falling through to the default rule. A nil result
// means the rule set carries no default rule, which signals
// misconfiguration on the control plane.
func (m *centralizedManifest) MatchFirst(req *Request) *centralizedRule {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.rules {
		if r.Match(req) {
			return r
		}
	}
	return m.defaultRule
}

// LoadTargets applies remotely supplied quota adjustments to rules whose
// name matches a target document.
func (m *centralizedManifest) LoadTargets(targets []*samplingTargetDocument, now time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range targets {
		if t.RuleName == nil {
			continue
		}
		r, ok := m.index[*t.RuleName]
		if !ok {
			continue
		}
		var (
			quota     int64
			expiresAt int64
			interval  time.Duration
		)
		if t.ReservoirQuota != nil {
			quota = *t.ReservoirQuota
		}
		if t.ReservoirQuotaTTL != nil {
			expiresAt = int64(*t.ReservoirQuotaTTL)
		}
		if t.Interval != nil {
			interval = time.Duration(*t.Interval) * time.Second
		}
		r.reservoir.LoadQuota(quota, expiresAt, interval, now)
		if t.FixedRate != nil {
			r.fixedRate.Store(*t.FixedRate)
		}
	}
}

// snapshots collects statistics from every rule due for reporting, clearing
// the collected counters in the process.
func (m *centralizedManifest) snapshots(now time.Time) map[string]statistics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]statistics)
	for name, r := range m.index {
		if r.stale(now) {
			out[name] = r.snapshot()
		}
	}
	return out
}

// Expired returns true if the manifest has not been successfully refreshed
// in manifestTTL seconds.
func (m *centralizedManifest) Expired() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.refreshedAt.IsZero() {
		return true
	}
	return m.clock().After(m.refreshedAt.Add(manifestTTL * time.Second))
}

// LastUpdated returns the timestamp of the most recent successful refresh.
func (m *centralizedManifest) LastUpdated() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.refreshedAt
}
