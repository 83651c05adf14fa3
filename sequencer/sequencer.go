// Package sequencer implements the kernel's monotonic ticket source (spec component C1):
// a process-wide counter that hands out strictly increasing integers used both as
// transaction ids at begin and as commit instants at commit.
package sequencer

import (
	"fmt"
	"sync/atomic"
)

// Sequencer is a process-wide monotonic counter. Next returns a strictly increasing value
// on every call, safe for concurrent use by any number of statement executors.
type Sequencer struct {
	counter int64
}

// New returns a Sequencer starting just above start (the first Next() call returns start+1).
// Pass 0 for a fresh kernel instance.
func New(start int64) *Sequencer {
	return &Sequencer{counter: start}
}

// Next returns the next ticket in the sequence. It panics on overflow: per spec section 4.1,
// overflow is fatal, not a wraparound, because a repeated ticket would silently violate
// every ordering guarantee built on top of it.
func (s *Sequencer) Next() int64 {
	v := atomic.AddInt64(&s.counter, 1)
	if v < 0 {
		panic(fmt.Sprintf("sequencer: counter overflowed at %d", v))
	}
	return v
}

// Peek returns the most recently issued ticket without consuming a new one. Useful for
// diagnostics; never use it to allocate an id.
func (s *Sequencer) Peek() int64 {
	return atomic.LoadInt64(&s.counter)
}
