package sampling

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReservoirTakeUntilExhausted(t *testing.T) {
	r := newReservoir(2, 0)
	now := time.Now().Unix()

	sampled, borrowed := r.Take(now, false)
	assert.True(t, sampled)
	assert.False(t, borrowed)

	sampled, borrowed = r.Take(now, false)
	assert.True(t, sampled)
	assert.False(t, borrowed)

	sampled, borrowed = r.Take(now, false)
	assert.False(t, sampled, "third take within the same second must be denied")
	assert.False(t, borrowed)
}

func TestReservoirResetsOnSecondAdvance(t *testing.T) {
	r := newReservoir(2, 0)
	now := time.Now().Unix()

	for i := 0; i < 3; i++ {
		r.Take(now, false)
	}

	sampled, _ := r.Take(now+1, false)
	assert.True(t, sampled, "counters must reset when the wall clock second advances")
	sampled, _ = r.Take(now+1, false)
	assert.True(t, sampled)
	sampled, _ = r.Take(now+1, false)
	assert.False(t, sampled)
}

func TestReservoirBorrowOncePerSecond(t *testing.T) {
	r := newReservoir(0, 0)
	now := time.Now().Unix()

	sampled, borrowed := r.Take(now, true)
	assert.True(t, sampled)
	assert.True(t, borrowed)

	sampled, borrowed = r.Take(now, true)
	assert.False(t, sampled, "at most one borrow per second")

	sampled, borrowed = r.Take(now+1, true)
	assert.True(t, sampled)
	assert.True(t, borrowed)
}

func TestReservoirPrefersFreshQuota(t *testing.T) {
	r := newReservoir(1, 0)
	now := time.Now()

	r.LoadQuota(3, now.Unix()+60, 10*time.Second, now)

	epoch := now.Unix()
	for i := 0; i < 3; i++ {
		sampled, borrowed := r.Take(epoch, false)
		assert.True(t, sampled, "assigned quota of 3 allows three takes")
		assert.False(t, borrowed)
	}
	sampled, _ := r.Take(epoch, false)
	assert.False(t, sampled)
}

func TestReservoirExpiredQuotaFallsBack(t *testing.T) {
	r := newReservoir(2, 0)
	now := time.Now()

	// Quota already expired; the fixed target governs again.
	r.LoadQuota(10, now.Unix()-1, 10*time.Second, now)

	epoch := now.Unix()
	sampled, _ := r.Take(epoch, false)
	assert.True(t, sampled)
	sampled, _ = r.Take(epoch, false)
	assert.True(t, sampled)
	sampled, _ = r.Take(epoch, false)
	assert.False(t, sampled, "stale quota must not be used")
}

func TestReservoirStale(t *testing.T) {
	r := newReservoir(1, 10*time.Second)
	now := time.Now()

	assert.True(t, r.stale(now), "never refreshed reservoir is stale")

	r.LoadQuota(1, now.Unix()+60, 10*time.Second, now)
	assert.False(t, r.stale(now))
	assert.True(t, r.stale(now.Add(11*time.Second)))
}
