package usecase

import (
	"sync"

	"voicechat/internal/domain"
)

// eventQueue delivers capture events in order without blocking producers.
type eventQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []domain.CaptureEvent
	closed  bool

	out       chan domain.CaptureEvent
	abort     chan struct{}
	abortOnce sync.Once
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		out:   make(chan domain.CaptureEvent),
		abort: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.deliver()
	return q
}

func (q *eventQueue) push(event domain.CaptureEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.pending = append(q.pending, event)
	q.cond.Signal()
}

// close stops accepting events; queued events are still delivered before out closes.
func (q *eventQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Signal()
}

// discard closes the queue and drops anything not yet delivered.
func (q *eventQueue) discard() {
	q.close()
	q.abortOnce.Do(func() { close(q.abort) })
}

func (q *eventQueue) deliver() {
	defer close(q.out)
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		event := q.pending[0]
		q.pending[0] = domain.CaptureEvent{}
		q.pending = q.pending[1:]
		q.mu.Unlock()

		select {
		case q.out <- event:
		case <-q.abort:
			return
		}
	}
}
