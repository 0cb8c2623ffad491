package conn

import "sync"

// queue is an unbounded FIFO of encoded frames feeding one writer.
//
// Enqueue never blocks, so a slow peer cannot stall the goroutine relaying to
// it. There is no cap; Len is exported through Conn for monitoring.
type queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool
	frames   [][]byte
}

func newQueue() *queue {
	q := &queue{}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends frame. It reports false once the queue is closed.
func (q *queue) Enqueue(frame []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.frames = append(q.frames, frame)
	q.notEmpty.Signal()
	return true
}

// Dequeue blocks until a frame is available or the queue is closed. Frames
// still queued at Close are discarded.
func (q *queue) Dequeue() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.frames) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.closed {
		return nil, false
	}
	frame := q.frames[0]
	q.frames[0] = nil
	q.frames = q.frames[1:]
	return frame, true
}

func (q *queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

func (q *queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.frames = nil
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
