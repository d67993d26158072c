// Package unboundedchan provides a FIFO queue fed and drained through
// channels, whose sends never block.
package unboundedchan

import "sync/atomic"

// Chan is an unbounded queue of T. Values sent on In come out of Out in
// order. Closing In closes Out once every queued value has been received.
type Chan[T any] struct {
	in      chan T
	out     chan T
	pending atomic.Int64
}

// New returns a running queue. hint sizes its initial storage.
func New[T any](hint int) *Chan[T] {
	c := &Chan[T]{
		in:  make(chan T),
		out: make(chan T),
	}
	go c.run(make([]T, 0, hint))
	return c
}

func (c *Chan[T]) run(queue []T) {
	defer close(c.out)
	in := c.in
	for in != nil || len(queue) > 0 {
		// A nil channel never fires, so out is only offered a value when one waits.
		var out chan T
		var next T
		if len(queue) > 0 {
			out = c.out
			next = queue[0]
		}
		select {
		case v, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			queue = append(queue, v)
			c.pending.Add(1)
		case out <- next:
			var zero T
			queue[0] = zero
			queue = queue[1:]
			c.pending.Add(-1)
		}
	}
}

// In returns the sending side. Close it when done.
func (c *Chan[T]) In() chan<- T {
	return c.in
}

// Out returns the receiving side.
func (c *Chan[T]) Out() <-chan T {
	return c.out
}

// Len is the number of values queued but not yet received.
func (c *Chan[T]) Len() int {
	return int(c.pending.Load())
}
