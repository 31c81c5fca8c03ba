package broker

import (
	"context"
	"sync"

	"github.com/roach88/sheetsync/internal/auth"
	"github.com/roach88/sheetsync/internal/grid"
)

type requestKind int

const (
	reqMutate requestKind = iota + 1
	reqJoin
	reqLeave
	reqCursor
	reqSnapshot
)

// request is one unit of work for the broker loop. The loop answers on
// reply exactly once; reply is buffered so the loop never blocks on a
// caller that stopped waiting.
type request struct {
	kind     requestKind
	ctx      context.Context
	mutation Mutation
	actor    auth.Actor
	sub      *Subscription
	cursor   grid.Addr
	reply    chan response
}

type response struct {
	delta     Delta
	sub       *Subscription
	bootstrap Bootstrap
	err       error
}

func newRequest(ctx context.Context, kind requestKind) *request {
	return &request{kind: kind, ctx: ctx, reply: make(chan response, 1)}
}

// requestQueue is an unbounded FIFO of requests.
//
// Enqueue is safe from any goroutine; only the broker loop dequeues. The
// buffered signal channel coalesces wakeups so the loop can select on it
// together with ctx.Done.
type requestQueue struct {
	mu     sync.Mutex
	items  []*request
	closed bool
	signal chan struct{}
}

func newRequestQueue() *requestQueue {
	return &requestQueue{
		items:  make([]*request, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends r. Returns false if the queue is closed.
func (q *requestQueue) Enqueue(r *request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, r)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue pops the front request without blocking.
func (q *requestQueue) TryDequeue() (*request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	r := q.items[0]
	// Release the slot so the backing array does not pin finished requests.
	q.items[0] = nil
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return r, true
}

// Wait returns a channel that fires when requests may be available.
// It is closed by Close.
func (q *requestQueue) Wait() <-chan struct{} {
	return q.signal
}

func (q *requestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further enqueues and wakes the loop.
func (q *requestQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
