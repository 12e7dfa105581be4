// Package statusqueue decouples producers of status messages from a
// publisher that may be slow or absent.
package statusqueue

import "sync/atomic"

// Queue passes values from In to Out in order. Up to limit values wait
// inside the queue; past that the oldest waiting value is dropped, since
// a newer status supersedes it.
type Queue[T any] struct {
	in      chan T
	out     chan T
	queue   []T
	limit   int
	dropped atomic.Int64
}

// New starts a queue holding at most limit undelivered values.
func New[T any](limit int) *Queue[T] {
	if limit < 1 {
		limit = 1
	}
	q := &Queue[T]{
		in:    make(chan T),
		out:   make(chan T),
		queue: make([]T, 0, limit),
		limit: limit,
	}
	go q.run()
	return q
}

func (q *Queue[T]) run() {
	defer close(q.out)
	for {
		if len(q.queue) == 0 {
			val, ok := <-q.in
			if !ok {
				return
			}
			q.push(val)
			continue
		}
		select {
		case q.out <- q.queue[0]:
			q.queue = q.queue[1:]
		case val, ok := <-q.in:
			if !ok {
				// Deliver what is left, then close Out.
				for _, item := range q.queue {
					q.out <- item
				}
				return
			}
			q.push(val)
		}
	}
}

func (q *Queue[T]) push(val T) {
	if len(q.queue) >= q.limit {
		q.queue = q.queue[1:]
		q.dropped.Add(1)
	}
	q.queue = append(q.queue, val)
}

// In returns the channel values are sent on.
func (q *Queue[T]) In() chan<- T {
	return q.in
}

// Out returns the channel values are delivered on. It is closed after
// Close once every waiting value has been received.
func (q *Queue[T]) Out() <-chan T {
	return q.out
}

// Close stops accepting values. Sending after Close panics.
func (q *Queue[T]) Close() {
	close(q.in)
}

// Dropped returns how many values were discarded to respect the limit.
func (q *Queue[T]) Dropped() int64 {
	return q.dropped.Load()
}
