package proto

import (
	"math"
	"time"
)

// Timeout sentinels for blocking calls
const (
	// NonBlocking makes a blocking call poll once and return immediately
	NonBlocking time.Duration = 0
	// MaxTimeout makes a blocking call wait until data arrives or the object is closed
	MaxTimeout time.Duration = math.MaxInt64
)

// TimeoutChan returns a channel that fires when the timeout expires, and a function that must be called to
// release the timer.  For MaxTimeout the channel is nil, so it never fires.
func TimeoutChan(timeout time.Duration) (<-chan time.Time, func()) {
	if timeout == MaxTimeout {
		return nil, func() {}
	}
	if timeout < 0 {
		timeout = 0
	}
	t := time.NewTimer(timeout)
	return t.C, func() { t.Stop() }
}
