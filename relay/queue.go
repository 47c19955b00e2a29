// Package relay provides the bounded, buffer-recycling FIFO that decouples
// asynchronous frame producers from the single polling consumer.
package relay

import (
	"errors"
	"sync"

	"github.com/zsiec/rtd/media"
)

// ErrInvalidCapacity is returned by New when the capacity is not positive.
var ErrInvalidCapacity = errors.New("relay: capacity must be positive")

// Stats is a point-in-time snapshot of queue activity.
type Stats struct {
	Size          int   `json:"size"`
	Capacity      int   `json:"capacity"`
	Free          int   `json:"free"`
	Writes        int64 `json:"writes"`
	Rejects       int64 `json:"rejects"`
	Reads         int64 `json:"reads"`
	Allocations   int64 `json:"allocations"`
	Reallocations int64 `json:"reallocations"`
	Clears        int64 `json:"clears"`
}

// Queue is a FIFO of at most capacity in-flight FrameBuffers. Buffers handed
// out by ReadFront return through FreeBuffer and are reused by later writes,
// so steady-state operation does not allocate.
//
// A single mutex guards both the in-flight sequence and the free list. No
// operation blocks: a full queue rejects the write.
type Queue struct {
	capacity    int
	defaultSize int

	mu    sync.Mutex
	queue []*media.FrameBuffer
	head  int
	free  []*media.FrameBuffer
	stats Stats
}

// New creates a queue holding at most capacity buffers. defaultSize is the
// capacity reserved for newly allocated buffers.
func New(capacity, defaultSize int) (*Queue, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	if defaultSize < 0 {
		defaultSize = 0
	}
	return &Queue{
		capacity:    capacity,
		defaultSize: defaultSize,
		queue:       make([]*media.FrameBuffer, 0, capacity),
	}, nil
}

// Capacity returns the maximum number of in-flight buffers.
func (q *Queue) Capacity() int { return q.capacity }

// Size returns the number of in-flight buffers.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size()
}

func (q *Queue) size() int { return len(q.queue) - q.head }

// WriteBack copies data into a buffer and appends it to the tail. The copy is
// all or nothing: it returns false without touching the queue when the queue
// already holds capacity buffers.
func (q *Queue) WriteBack(data []byte, pts, dts uint64, duration, flag int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size() == q.capacity {
		q.stats.Rejects++
		return false
	}

	var buf *media.FrameBuffer
	if n := len(q.free); n > 0 {
		buf = q.free[n-1]
		q.free[n-1] = nil
		q.free = q.free[:n-1]
		if buf.Cap() < len(data) {
			// Keep the metadata struct, replace the undersized storage.
			*buf = *media.NewFrameBuffer(len(data), q.defaultSize)
			q.stats.Reallocations++
		}
	} else {
		buf = media.NewFrameBuffer(len(data), q.defaultSize)
		q.stats.Allocations++
	}

	buf.SetData(data)
	buf.PTS = pts
	buf.DTS = dts
	buf.Duration = duration
	buf.Flag = flag

	q.push(buf)
	q.stats.Writes++
	return true
}

// ReadFront pops the oldest in-flight buffer. Ownership passes to the
// caller, who must hand it back with FreeBuffer.
func (q *Queue) ReadFront() (*media.FrameBuffer, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size() == 0 {
		return nil, false
	}
	buf := q.queue[q.head]
	q.queue[q.head] = nil
	q.head++
	if q.head == len(q.queue) {
		q.queue = q.queue[:0]
		q.head = 0
	}
	q.stats.Reads++
	return buf, true
}

// FreeBuffer returns a buffer obtained from ReadFront to the free list. The
// buffer is not checked for having come from this queue.
func (q *Queue) FreeBuffer(buf *media.FrameBuffer) {
	if buf == nil {
		return
	}
	q.mu.Lock()
	q.free = append(q.free, buf)
	q.mu.Unlock()
}

// Clear moves every in-flight buffer to the free list, discarding the queued
// frames but keeping their storage.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := q.head; i < len(q.queue); i++ {
		q.free = append(q.free, q.queue[i])
		q.queue[i] = nil
	}
	q.queue = q.queue[:0]
	q.head = 0
	q.stats.Clears++
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Size = q.size()
	s.Capacity = q.capacity
	s.Free = len(q.free)
	return s
}

// push appends to the tail, compacting the consumed prefix when the backing
// array is exhausted so the slice does not grow past capacity.
func (q *Queue) push(buf *media.FrameBuffer) {
	if len(q.queue) == cap(q.queue) && q.head > 0 {
		n := copy(q.queue, q.queue[q.head:])
		for i := n; i < len(q.queue); i++ {
			q.queue[i] = nil
		}
		q.queue = q.queue[:n]
		q.head = 0
	}
	q.queue = append(q.queue, buf)
}
