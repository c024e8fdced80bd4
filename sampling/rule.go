package sampling

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/donetkit/tracekit/utils/wildcard"
)

// defaultRuleName is the well-known name of the catch-all rule every
// well-formed rule set carries.
const defaultRuleName = "Default"

// ruleProperties is the base set of properties that define a sampling rule,
// equivalent to what the control plane serves from its rule listing API.
type ruleProperties struct {
	RuleName      string            `json:"RuleName"`
	ServiceType   string            `json:"ServiceType"`
	ResourceARN   string            `json:"ResourceARN"`
	Attributes    map[string]string `json:"Attributes"`
	ServiceName   string            `json:"ServiceName"`
	Host          string            `json:"Host"`
	HTTPMethod    string            `json:"HTTPMethod"`
	URLPath       string            `json:"URLPath"`
	ReservoirSize int64             `json:"ReservoirSize"`
	FixedRate     float64           `json:"FixedRate"`
	Priority      int64             `json:"Priority"`
	Version       int64             `json:"Version"`
}

// centralizedRule is one named sampling rule together with its reservoir and
// the per-interval statistics reported back to the control plane.
type centralizedRule struct {
	properties ruleProperties
	reservoir  *reservoir

	// Per-interval counters, shared across concurrent evaluations.
	requests *atomic.Int64
	sampled  *atomic.Int64
	borrows  *atomic.Int64

	// everMatched persists across statistics resets.
	everMatched *atomic.Bool

	// fixedRate is the effective sampling rate. It starts from the rule
	// definition and may be replaced by a fetched target.
	fixedRate *atomic.Float64

	randMu sync.Mutex
	rand   *rand.Rand
}

// statistics is a snapshot of a rule's counters for one reporting interval.
type statistics struct {
	requests int64
	sampled  int64
	borrows  int64
}

func newCentralizedRule(p ruleProperties, interval time.Duration) *centralizedRule {
	return &centralizedRule{
		properties:  p,
		reservoir:   newReservoir(p.ReservoirSize, interval),
		requests:    atomic.NewInt64(0),
		sampled:     atomic.NewInt64(0),
		borrows:     atomic.NewInt64(0),
		everMatched: atomic.NewBool(false),
		fixedRate:   atomic.NewFloat64(p.FixedRate),
		rand:        newGlobalRand(),
	}
}

// Match returns true if the request matches the rule's host, HTTP method and
// URL path patterns, and its service name/type when those are set. The
// default rule matches everything.
func (r *centralizedRule) Match(req *Request) bool {
	if r.isDefault() {
		return true
	}
	if req == nil {
		return false
	}
	if !wildcard.Match(r.properties.Host, req.Host) {
		return false
	}
	// Method comparison does not fold case; "*" still matches any method.
	if !wildcard.MatchCaseSensitive(r.properties.HTTPMethod, req.Method) {
		return false
	}
	if !wildcard.Match(r.properties.URLPath, req.URL) {
		return false
	}
	if r.properties.ServiceName != "" && !wildcard.Match(r.properties.ServiceName, req.ServiceName) {
		return false
	}
	if r.properties.ServiceType != "" && !wildcard.Match(r.properties.ServiceType, req.ServiceType) {
		return false
	}
	return true
}

func (r *centralizedRule) isDefault() bool {
	return r.properties.RuleName == defaultRuleName
}

// Sample consults the reservoir for a take or borrow decision and falls back
// to the rule's fixed rate. Every evaluation counts toward the request total.
func (r *centralizedRule) Sample(now time.Time) *Decision {
	r.requests.Inc()
	r.everMatched.Store(true)

	name := r.properties.RuleName
	decision := &Decision{Rule: &name}

	epoch := now.Unix()
	canBorrow := r.properties.ReservoirSize > 0 && !r.reservoir.quotaFresh(epoch)
	sampled, borrowed := r.reservoir.Take(epoch, canBorrow)
	if sampled {
		if borrowed {
			r.borrows.Inc()
		} else {
			r.sampled.Inc()
		}
		decision.Sample = true
		return decision
	}

	// Probabilistic fallback at the rule's fixed rate.
	r.randMu.Lock()
	roll := r.rand.Float64()
	r.randMu.Unlock()
	if roll < r.fixedRate.Load() {
		r.sampled.Inc()
		decision.Sample = true
	}
	return decision
}

// snapshot returns the rule's counters and atomically clears them.
func (r *centralizedRule) snapshot() statistics {
	return statistics{
		requests: r.requests.Swap(0),
		sampled:  r.sampled.Swap(0),
		borrows:  r.borrows.Swap(0),
	}
}

// resetStatistics clears the counters without returning them.
func (r *centralizedRule) resetStatistics() {
	r.requests.Store(0)
	r.sampled.Store(0)
	r.borrows.Store(0)
}

// merge folds the in-flight statistics of a previous rule instance sharing
// the same name into this one, so a cache rebuild does not lose counts.
func (r *centralizedRule) merge(prev *centralizedRule) {
	r.requests.Add(prev.requests.Load())
	r.sampled.Add(prev.sampled.Load())
	r.borrows.Add(prev.borrows.Load())
	if prev.everMatched.Load() {
		r.everMatched.Store(true)
	}
	// Carry the reservoir forward wholesale so an assigned quota and the
	// current second's usage survive the rebuild.
	r.reservoir = prev.reservoir
	r.reservoir.mu.Lock()
	r.reservoir.capacity = r.properties.ReservoirSize
	r.reservoir.mu.Unlock()
}

// stale reports whether the rule's statistics are due for reporting.
func (r *centralizedRule) stale(now time.Time) bool {
	return r.requests.Load() > 0 && r.reservoir.stale(now)
}
