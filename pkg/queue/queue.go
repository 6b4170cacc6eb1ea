// Package queue implements the bounded connection queue shared by the
// acceptor and the worker pool.
package queue

import (
	"net"
	"sync"
)

// Queue is a fixed-capacity FIFO ring of accepted connections guarded by a
// single mutex. A full queue never blocks the producer: Enqueue reports the
// drop and leaves the connection to the caller.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond

	items    []net.Conn
	capacity int
	count    int
	front    int
	rear     int
	closed   bool
}

// New returns an empty queue holding at most capacity connections.
func New(capacity int) *Queue {
	if capacity <= 0 {
		panic("queue: capacity must be positive")
	}
	q := &Queue{
		items:    make([]net.Conn, capacity),
		capacity: capacity,
		rear:     capacity - 1,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends c and wakes one waiting consumer. It returns false without
// touching the queue when it is full or closed; the caller still owns c.
func (q *Queue) Enqueue(c net.Conn) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.count == q.capacity {
		return false
	}
	q.rear = (q.rear + 1) % q.capacity
	q.items[q.rear] = c
	q.count++
	q.notEmpty.Signal()
	return true
}

// Dequeue removes the connection at the front. The caller must hold the lock
// and the queue must not be empty.
func (q *Queue) Dequeue() net.Conn {
	c := q.items[q.front]
	q.items[q.front] = nil
	q.front = (q.front + 1) % q.capacity
	q.count--
	return c
}

// Lock acquires the queue mutex.
func (q *Queue) Lock() { q.mu.Lock() }

// Unlock releases the queue mutex.
func (q *Queue) Unlock() { q.mu.Unlock() }

// Wait blocks until the queue is signalled. The caller must hold the lock and
// recheck Empty after Wait returns.
func (q *Queue) Wait() { q.notEmpty.Wait() }

// Empty reports whether the queue holds no connections. The caller must hold the lock.
func (q *Queue) Empty() bool { return q.count == 0 }

// Take blocks until a connection is available and dequeues it. The second
// result is false once the queue has been closed and drained.
func (q *Queue) Take() (net.Conn, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 {
		if q.closed {
			return nil, false
		}
		q.notEmpty.Wait()
	}
	return q.Dequeue(), true
}

// Close rejects further enqueues and wakes every waiting consumer.
// Connections still buffered are handed out by Take until drained.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}

// Len returns the number of buffered connections.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return q.capacity }
