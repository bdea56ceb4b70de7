package worker

import (
	"math"
	"sync"
	"time"
)

// virtualClock translates wall time into the workload's "seconds since
// nominal start" frame, per spec.md §4.5/§4.6. It is anchored by
// SET-TIME and nudged by periodic CORRECT-TIME broadcasts from the
// master.
type virtualClock struct {
	mu         sync.Mutex
	virtStart  int64
	startWall  time.Time
	correction float64
	anchored   bool
}

// anchor sets (virtStart, virtStartWall) and resets drift correction.
func (c *virtualClock) anchor(virtualTimestamp int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.virtStart = virtualTimestamp
	c.startWall = time.Now()
	c.correction = 0
	c.anchored = true
}

// now returns the current virtual time in seconds.
func (c *virtualClock) now() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nowLocked()
}

func (c *virtualClock) nowLocked() float64 {
	if !c.anchored {
		return 0
	}
	elapsed := time.Since(c.startWall).Seconds()
	return float64(c.virtStart) + elapsed + c.correction
}

// correct applies the 0.1-gain exponential slew described in
// spec.md §4.6 whenever the peer's reported virtual time drifts more
// than 60s from the local estimate.
func (c *virtualClock) correct(remoteTimestamp int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.anchored {
		return
	}
	localVirtual := c.nowLocked() - c.correction
	drift := float64(remoteTimestamp) - localVirtual - c.correction
	if math.Abs(drift) > 60 {
		c.correction += 0.1 * drift
	}
}

// timeToTask returns task.timestamp - now(), i.e. how long a worker
// must still wait before a scheduled task is due. Negative means the
// task's start has already elapsed.
func (c *virtualClock) timeToTask(taskTimestamp int64) time.Duration {
	delta := float64(taskTimestamp) - c.now()
	return time.Duration(delta * float64(time.Second))
}
