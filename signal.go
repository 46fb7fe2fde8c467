package spislave

import (
	"runtime"
	"sync/atomic"
)

// completion is the single-slot handoff flag between the end-of-transfer
// interrupt and waiting task code. set is safe from interrupt context; wait
// parks the calling goroutine cooperatively until the flag is observed, then
// consumes it. A set that lands before wait is called is still observed.
//
// At most one outstanding waiter is supported. This is a caller contract,
// not enforced here.
type completion struct {
	flag atomic.Uint32
}

// set marks the event. Never blocks, never allocates.
func (c *completion) set() {
	c.flag.Store(1)
}

// clear discards a pending event, if any.
func (c *completion) clear() {
	c.flag.Store(0)
}

// isSet reports whether an event is pending without consuming it.
func (c *completion) isSet() bool {
	return c.flag.Load() != 0
}

// wait blocks until the flag is set, then clears it. Yields the scheduler
// between polls so other goroutines keep running.
func (c *completion) wait() {
	for c.flag.Swap(0) == 0 {
		runtime.Gosched()
	}
}
