package arena

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrInvalidSize = errors.New("arena: invalid allocation size")
	ErrTooLarge    = errors.New("arena: allocation exceeds arena capacity")
	ErrClosed      = errors.New("arena: queue closed")
)

// Request is a single allocation request. It completes exactly once,
// either with an offset or with an error.
type Request struct {
	size  int
	order uint64
	done  chan struct{}

	offset int
	err    error
}

func (r *Request) Size() int     { return r.size }
func (r *Request) Order() uint64 { return r.order }

func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Offset is valid once Done is closed and Err is nil.
func (r *Request) Offset() int {
	<-r.done
	return r.offset
}

func (r *Request) Err() error {
	<-r.done
	return r.err
}

func (r *Request) resolve(off int) {
	r.offset = off
	close(r.done)
}

func (r *Request) reject(err error) {
	r.err = err
	close(r.done)
}

// Queue wraps an Arena with FIFO handling for requests that cannot be
// satisfied immediately. Waiting requests are only resolved by Drain
// (and therefore Reset), strictly in arrival order.
type Queue struct {
	mu      sync.Mutex
	arena   *Arena
	pending []*Request
	seq     uint64
	closed  error
	onWait  func(size int)
}

func NewQueue(a *Arena) *Queue {
	return &Queue{arena: a}
}

// OnWait registers a hook invoked (under the queue lock) whenever a
// request has to wait for capacity.
func (q *Queue) OnWait(fn func(size int)) {
	q.mu.Lock()
	q.onWait = fn
	q.mu.Unlock()
}

// Arena returns the underlying arena. Callers must not allocate from it
// directly while the queue is in use.
func (q *Queue) Arena() *Arena {
	return q.arena
}

// Request tries to allocate size bytes right away and otherwise appends
// the request to the waiting queue. A request that fits is granted even
// while larger ones are still waiting; only waiting requests are
// resolved in FIFO order.
func (q *Queue) Request(size int) *Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	r := &Request{size: size, order: q.seq, done: make(chan struct{})}
	switch {
	case q.closed != nil:
		r.reject(q.closed)
		return r
	case size <= 0:
		r.reject(ErrInvalidSize)
		return r
	case size > q.arena.Capacity():
		r.reject(ErrTooLarge)
		return r
	}
	if off, ok := q.arena.TryAllocate(size); ok {
		r.resolve(off)
		return r
	}
	q.pending = append(q.pending, r)
	if q.onWait != nil {
		q.onWait(size)
	}
	return r
}

// Allocate requests size bytes and waits for the grant. If ctx ends
// while the request is still queued it is withdrawn; if it was granted
// concurrently the grant wins and the offset is returned.
func (q *Queue) Allocate(ctx context.Context, size int) (int, error) {
	r := q.Request(size)
	select {
	case <-r.done:
		return r.offset, r.err
	case <-ctx.Done():
		if q.Cancel(r) {
			return 0, ctx.Err()
		}
		<-r.done
		return r.offset, r.err
	}
}

// Cancel removes r from the waiting queue and rejects it with
// context.Canceled. It reports false when r already completed.
func (q *Queue) Cancel(r *Request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, p := range q.pending {
		if p == r {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			r.reject(context.Canceled)
			return true
		}
	}
	return false
}

// Reset reclaims the whole arena and then drains the queue.
func (q *Queue) Reset() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.arena.Reset()
	return q.drainLocked()
}

// Drain resolves waiting requests from the head of the queue and stops
// at the first one that does not fit. It returns how many were resolved.
func (q *Queue) Drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drainLocked()
}

func (q *Queue) drainLocked() int {
	n := 0
	for len(q.pending) > 0 {
		head := q.pending[0]
		off, ok := q.arena.TryAllocate(head.size)
		if !ok {
			break
		}
		q.pending[0] = nil
		q.pending = q.pending[1:]
		head.resolve(off)
		n++
	}
	if len(q.pending) == 0 {
		q.pending = nil
	}
	return n
}

// Pending reports the number of waiting requests.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close rejects every waiting request and all future ones with err
// (ErrClosed when nil).
func (q *Queue) Close(err error) {
	if err == nil {
		err = ErrClosed
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed != nil {
		return
	}
	q.closed = err
	for _, r := range q.pending {
		r.reject(err)
	}
	q.pending = nil
}
