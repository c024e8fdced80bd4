package sampling

import (
	"time"
)

// ticker is the same as time.Ticker except that it has jitters.
// A ticker must be created with newTicker.
type ticker struct {
	tick     *time.Ticker
	duration time.Duration
	jitter   time.Duration
}

// newTicker creates a new ticker that will send the current time on its
// channel with the passed jitter. The jitter is clamped so the resulting
// tick duration stays positive for any interval.
func newTicker(duration, jitter time.Duration) *ticker {
	if duration <= 0 {
		duration = time.Second
	}
	if jitter >= duration {
		jitter = duration / 2
	}
	d := duration
	if jitter > 0 {
		d -= time.Duration(newGlobalRand().Int63n(int64(jitter)))
	}
	t := time.NewTicker(d)

	jitterTicker := ticker{
		tick:     t,
		duration: duration,
		jitter:   jitter,
	}

	return &jitterTicker
}

// c returns a channel that receives when the ticker fires.
func (j *ticker) c() <-chan time.Time {
	return j.tick.C
}
