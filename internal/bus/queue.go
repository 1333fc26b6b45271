package bus

import (
	"sync"

	"github.com/capitalize-ai/conversation-engine/internal/event"
)

// queue is a per-subscriber FIFO. push never blocks. A pump goroutine moves
// queued events onto out, which is closed once the queue is closed.
//
// With limit > 0 the queue is bounded: pushing onto a full queue discards the
// oldest queued event and calls onDrop.
type queue struct {
	mu     sync.Mutex
	items  []event.Envelope
	limit  int
	closed bool
	onDrop func()

	notify chan struct{}
	done   chan struct{}
	out    chan event.Envelope
}

func newQueue(limit int, onDrop func()) *queue {
	q := &queue{
		limit:  limit,
		onDrop: onDrop,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan event.Envelope),
	}
	go q.pump()
	return q
}

func (q *queue) push(env event.Envelope) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	dropped := false
	if q.limit > 0 && len(q.items) >= q.limit {
		q.items[0] = event.Envelope{}
		q.items = q.items[1:]
		dropped = true
	}
	q.items = append(q.items, env)
	q.mu.Unlock()

	if dropped && q.onDrop != nil {
		q.onDrop()
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// close stops the pump. Pending events are discarded and out is closed.
func (q *queue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	close(q.done)
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *queue) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.notify:
				continue
			case <-q.done:
				return
			}
		}
		env := q.items[0]
		q.items[0] = event.Envelope{}
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- env:
		case <-q.done:
			return
		}
	}
}
