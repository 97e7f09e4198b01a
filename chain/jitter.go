package chain

import (
	"math"
	"math/rand"
	"time"
)

// JitterTicker is a ticker that randomizes each tick interval.  With a
// scaler s the interval between ticks is uniform in
// [duration*(1-s), duration*(1+s)], floored at zero.  A zero scaler makes
// it behave as a plain ticker.
type JitterTicker struct {
	// C is a read-only channel that receives ticks.
	C <-chan time.Time

	c        chan time.Time
	duration time.Duration
	min, max int64

	quit chan struct{}
}

// NewJitterTicker returns a started JitterTicker.  The scaler must not be
// negative.
func NewJitterTicker(d time.Duration, scaler float64) *JitterTicker {
	if scaler < 0 {
		panic("jitter scaler must be positive")
	}

	min := math.Floor(float64(d) * (1 - scaler))
	if min < 0 {
		min = 0
	}
	max := math.Ceil(float64(d) * (1 + scaler))

	t := &JitterTicker{
		c:        make(chan time.Time, 1),
		duration: d,
		min:      int64(min),
		max:      int64(max),
		quit:     make(chan struct{}),
	}
	t.C = t.c

	go t.start()

	return t
}

// Stop stops the ticker.
func (jt *JitterTicker) Stop() {
	close(jt.quit)
}

// start drives the tick channel until Stop is called.
func (jt *JitterTicker) start() {
	timer := time.NewTimer(jt.rand())

	for {
		select {
		case now := <-timer.C:
			timer.Reset(jt.rand())

			// Deliver the tick without blocking; a slow consumer
			// simply misses it.
			select {
			case jt.c <- now:
			default:
			}

		case <-jt.quit:
			if !timer.Stop() {
				<-timer.C
			}
			return
		}
	}
}

// rand returns the next tick interval.
func (jt *JitterTicker) rand() time.Duration {
	if jt.max == jt.min {
		return jt.duration
	}

	d := rand.Int63n(jt.max-jt.min) + jt.min //nolint:gosec
	return time.Duration(d)
}
