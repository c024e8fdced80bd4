package sampling

import (
	"sync"
	"time"
)

// reservoir keeps track of the per-second sampling budget for a single rule.
// It hands out "take" decisions while the current second's allowance lasts
// and at most one "borrow" decision per second when the caller may borrow.
type reservoir struct {
	// Total size of reservoir consumption per second when no quota is
	// assigned by the control plane. This is the rule's fixed target.
	capacity int64

	// Quota assigned by the control plane to consume per second.
	quota int64

	// Quota expiration timestamp, epoch seconds. The quota is only trusted
	// while the clock is before this instant.
	expiresAt int64

	// Polling interval for quota refresh, assigned by the control plane.
	interval time.Duration

	// Quota refresh timestamp.
	refreshedAt time.Time

	// Current-second usage counters. currentEpoch names the second the
	// counters belong to; they reset whenever the wall clock advances.
	currentEpoch int64
	taken        int64
	borrowed     int64

	mu sync.Mutex
}

func newReservoir(capacity int64, interval time.Duration) *reservoir {
	return &reservoir{
		capacity: capacity,
		interval: interval,
	}
}

// Take consumes one unit of this second's allowance. It returns
// (true, false) for a take, (true, true) for a borrow, and (false, false)
// when the budget for the second is exhausted.
func (r *reservoir) Take(now int64, canBorrow bool) (sampled, borrowed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.adjustThisSecLocked(now)

	if r.taken < r.allowanceLocked(now) {
		r.taken++
		return true, false
	}
	if canBorrow && r.borrowed < 1 {
		r.borrowed++
		return true, true
	}
	return false, false
}

// LoadQuota atomically replaces the assigned quota and its validity window.
func (r *reservoir) LoadQuota(quota int64, expiresAt int64, interval time.Duration, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.quota = quota
	r.expiresAt = expiresAt
	if interval > 0 {
		r.interval = interval
	}
	r.refreshedAt = now
}

// quotaFresh reports whether a control-plane quota is assigned and unexpired.
func (r *reservoir) quotaFresh(now int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.quotaFreshLocked(now)
}

func (r *reservoir) quotaFreshLocked(now int64) bool {
	return r.quota > 0 && now < r.expiresAt
}

// allowanceLocked returns the per-second allowance: the assigned quota while
// it is fresh, falling back to the rule's fixed target once it goes stale.
func (r *reservoir) allowanceLocked(now int64) int64 {
	if r.quotaFreshLocked(now) {
		return r.quota
	}
	return r.capacity
}

// stale reports whether the quota is due for refresh against the control
// plane, based on the assigned polling interval.
func (r *reservoir) stale(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refreshedAt.IsZero() {
		return true
	}
	return now.After(r.refreshedAt.Add(r.interval))
}

func (r *reservoir) adjustThisSecLocked(now int64) {
	if now != r.currentEpoch {
		r.currentEpoch = now
		r.taken = 0
		r.borrowed = 0
	}
}
