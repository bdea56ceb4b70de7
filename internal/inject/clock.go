package inject

import "time"

// schedClock tracks the controller's view of workload virtual time: the
// anchor set by the last CommandSetTime broadcast, advanced by wall-clock
// elapsed time since. Unlike worker.virtualClock, it never applies
// correction itself -- the controller is the source of CommandCorrectTime,
// not a receiver of it.
type schedClock struct {
	virtStart int64
	startWall time.Time
}

func (c *schedClock) anchor(virtualTimestamp int64) {
	c.virtStart = virtualTimestamp
	c.startWall = time.Now()
}

func (c *schedClock) now() float64 {
	if c.startWall.IsZero() {
		return float64(c.virtStart)
	}
	return float64(c.virtStart) + time.Since(c.startWall).Seconds()
}
