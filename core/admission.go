package core

import (
	"sync"

	"github.com/google/uuid"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// admissionQueue is the FIFO of submitted-but-not-yet-tokenized requests
// (spec §4.4). It is guarded by its own mutex+condvar, disjoint from the
// scheduler's ownership of the runtime context and slot vector (spec §5).
// An ordered map keeps submission order while still allowing the O(1)
// "drain everything on shutdown" sweep stop() needs.
type admissionQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	pending  *orderedmap.OrderedMap[uuid.UUID, *Request]
	maxQueue int
	closed   bool
}

func newAdmissionQueue(maxQueue int) *admissionQueue {
	q := &admissionQueue{
		pending:  orderedmap.New[uuid.UUID, *Request](),
		maxQueue: maxQueue,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// submit enqueues req, serializing only the enqueue step so many caller
// goroutines may submit concurrently (spec §9 design note).
func (q *admissionQueue) submit(req *Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrShutdown
	}
	if q.maxQueue > 0 && q.pending.Len() >= q.maxQueue {
		return ErrNoFreeSlot
	}

	q.pending.Set(req.ID, req)
	q.cond.Signal()
	return nil
}

// next blocks until a request is available or the queue is closed with
// nothing left pending, in which case it returns false.
func (q *admissionQueue) next() (*Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.pending.Len() == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.pending.Len() == 0 {
		return nil, false
	}

	pair := q.pending.Oldest()
	q.pending.Delete(pair.Key)
	return pair.Value, true
}

// close stops next() from blocking further and fulfils every still-queued
// request with ErrShutdown rather than silently dropping its future
// (spec §9's resolution of the "dropping queued requests leaks futures"
// open question).
func (q *admissionQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	for pair := q.pending.Oldest(); pair != nil; pair = pair.Next() {
		pair.Value.complete(Result{Err: ErrShutdown})
		if pair.Value.Params.OnError != nil {
			pair.Value.Params.OnError(ErrShutdown)
		}
	}
	q.pending = orderedmap.New[uuid.UUID, *Request]()
	q.cond.Broadcast()
}
