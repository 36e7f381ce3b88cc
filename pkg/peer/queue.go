package peer

import (
	"context"
	"sync"
)

// queue is an unbounded FIFO of encoded messages waiting to be sent.
type queue struct {
	lock  sync.Mutex
	items [][]byte

	// ready is signalled whenever items are pushed.
	ready chan struct{}
}

func newQueue() *queue {
	return &queue{ready: make(chan struct{}, 1)}
}

// push appends `lines` in order. Lines pushed in one call are never
// interleaved with lines from another.
func (q *queue) push(lines ...[]byte) {
	if len(lines) == 0 {
		return
	}

	q.lock.Lock()
	q.items = append(q.items, lines...)
	q.lock.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// pop blocks until a line is available or `ctx` is done.
func (q *queue) pop(ctx context.Context) ([]byte, error) {
	for {
		q.lock.Lock()
		if len(q.items) > 0 {
			line := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.lock.Unlock()
			return line, nil
		}
		q.lock.Unlock()

		select {
		case <-q.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *queue) len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.items)
}

// snapshot returns a copy of the queued lines, oldest first.
func (q *queue) snapshot() [][]byte {
	q.lock.Lock()
	defer q.lock.Unlock()
	return append([][]byte(nil), q.items...)
}
