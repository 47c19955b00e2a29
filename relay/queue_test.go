package relay

import (
	"bytes"
	"math/rand"
	"sync"
	"testing"

	"github.com/zsiec/rtd/media"
)

func newQueue(t testing.TB, capacity, size int) *Queue {
	t.Helper()
	q, err := New(capacity, size)
	if err != nil {
		t.Fatalf("New(%d, %d): %v", capacity, size, err)
	}
	return q
}

func TestNewInvalidCapacity(t *testing.T) {
	t.Parallel()
	for _, c := range []int{0, -1} {
		if _, err := New(c, 16); err != ErrInvalidCapacity {
			t.Errorf("New(%d): got %v, want ErrInvalidCapacity", c, err)
		}
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	t.Parallel()
	q := newQueue(t, 4, 8)

	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01}
	if !q.WriteBack(payload, 1000, 990, 33, media.FlagKeyframe) {
		t.Fatal("WriteBack rejected on empty queue")
	}
	payload[0] = 0 // queue must own a copy

	buf, ok := q.ReadFront()
	if !ok {
		t.Fatal("ReadFront returned nothing")
	}
	if !bytes.Equal(buf.Bytes(), []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01}) {
		t.Errorf("data: got %x", buf.Bytes())
	}
	if buf.PTS != 1000 || buf.DTS != 990 || buf.Duration != 33 || buf.Flag != media.FlagKeyframe {
		t.Errorf("metadata: got pts=%d dts=%d dur=%d flag=%d", buf.PTS, buf.DTS, buf.Duration, buf.Flag)
	}
	if !buf.IsKeyframe() {
		t.Error("IsKeyframe: got false, want true")
	}
}

func TestFIFOOrder(t *testing.T) {
	t.Parallel()
	q := newQueue(t, 10, 0)

	for i := 0; i < 5; i++ {
		q.WriteBack([]byte{byte(i)}, uint64(i), uint64(i), 0, 0)
	}
	for i := 0; i < 5; i++ {
		buf, ok := q.ReadFront()
		if !ok {
			t.Fatalf("ReadFront %d: empty", i)
		}
		if buf.PTS != uint64(i) || buf.Bytes()[0] != byte(i) {
			t.Errorf("frame %d: got pts=%d data=%x", i, buf.PTS, buf.Bytes())
		}
		q.FreeBuffer(buf)
	}
	if _, ok := q.ReadFront(); ok {
		t.Error("ReadFront on drained queue returned a buffer")
	}
}

func TestWriteBackRejectsWhenFull(t *testing.T) {
	t.Parallel()
	q := newQueue(t, 2, 4)

	if !q.WriteBack([]byte{1}, 1, 1, 0, 0) || !q.WriteBack([]byte{2}, 2, 2, 0, 0) {
		t.Fatal("writes below capacity rejected")
	}
	if q.WriteBack([]byte{3}, 3, 3, 0, 0) {
		t.Fatal("write at capacity accepted")
	}
	if q.Size() != 2 {
		t.Errorf("Size: got %d, want 2", q.Size())
	}

	buf, _ := q.ReadFront()
	if buf.PTS != 1 {
		t.Errorf("head after reject: got pts %d, want 1", buf.PTS)
	}

	s := q.Stats()
	if s.Rejects != 1 || s.Writes != 2 || s.Reads != 1 {
		t.Errorf("stats: got %+v", s)
	}
}

func TestSizeNeverExceedsCapacity(t *testing.T) {
	t.Parallel()
	const capacity = 7
	q := newQueue(t, capacity, 16)
	rng := rand.New(rand.NewSource(1))

	var held []*media.FrameBuffer
	for i := 0; i < 5000; i++ {
		switch rng.Intn(5) {
		case 0, 1:
			q.WriteBack(make([]byte, rng.Intn(64)), uint64(i), uint64(i), 0, 0)
		case 2:
			if buf, ok := q.ReadFront(); ok {
				held = append(held, buf)
			}
		case 3:
			if len(held) > 0 {
				q.FreeBuffer(held[0])
				held = held[1:]
			}
		case 4:
			if rng.Intn(20) == 0 {
				q.Clear()
			}
		}
		if n := q.Size(); n > capacity {
			t.Fatalf("step %d: Size %d exceeds capacity %d", i, n, capacity)
		}
	}
}

func TestFreeBufferIsReused(t *testing.T) {
	t.Parallel()
	q := newQueue(t, 4, 32)

	q.WriteBack(make([]byte, 20), 1, 1, 0, 0)
	first, _ := q.ReadFront()
	backing := &first.Bytes()[0]
	q.FreeBuffer(first)

	q.WriteBack(bytes.Repeat([]byte{7}, 32), 2, 2, 0, 0)
	second, _ := q.ReadFront()
	if second != first {
		t.Fatal("WriteBack allocated a new FrameBuffer instead of reusing the freed one")
	}
	if &second.Bytes()[0] != backing {
		t.Error("WriteBack reallocated storage that was large enough")
	}

	s := q.Stats()
	if s.Allocations != 1 || s.Reallocations != 0 {
		t.Errorf("allocations=%d reallocations=%d, want 1 and 0", s.Allocations, s.Reallocations)
	}
}

func TestFreeBufferGrowsWhenTooSmall(t *testing.T) {
	t.Parallel()
	q := newQueue(t, 4, 8)

	q.WriteBack([]byte{1, 2}, 1, 1, 0, 0)
	buf, _ := q.ReadFront()
	q.FreeBuffer(buf)

	big := bytes.Repeat([]byte{0xAB}, 100)
	if !q.WriteBack(big, 2, 2, 0, 0) {
		t.Fatal("WriteBack rejected")
	}
	got, _ := q.ReadFront()
	if !bytes.Equal(got.Bytes(), big) {
		t.Error("grown buffer does not hold the full payload")
	}
	if q.Stats().Reallocations != 1 {
		t.Errorf("reallocations: got %d, want 1", q.Stats().Reallocations)
	}
}

func TestClearMovesToFreeList(t *testing.T) {
	t.Parallel()
	q := newQueue(t, 5, 8)

	for i := 0; i < 5; i++ {
		q.WriteBack([]byte{byte(i)}, uint64(i), 0, 0, 0)
	}
	q.Clear()

	if q.Size() != 0 {
		t.Errorf("Size after Clear: got %d, want 0", q.Size())
	}
	if _, ok := q.ReadFront(); ok {
		t.Error("ReadFront after Clear returned a buffer")
	}
	s := q.Stats()
	if s.Free != 5 {
		t.Errorf("free list: got %d, want 5", s.Free)
	}

	for i := 0; i < 5; i++ {
		q.WriteBack([]byte{byte(i)}, uint64(i), 0, 0, 0)
	}
	if q.Stats().Allocations != 5 {
		t.Errorf("allocations after refill: got %d, want 5", q.Stats().Allocations)
	}
}

func TestWrapAroundKeepsOrder(t *testing.T) {
	t.Parallel()
	q := newQueue(t, 3, 0)

	next := uint64(0)
	want := uint64(0)
	for round := 0; round < 50; round++ {
		for q.WriteBack([]byte{0}, next, 0, 0, 0) {
			next++
		}
		buf, ok := q.ReadFront()
		if !ok {
			t.Fatal("ReadFront on full queue returned nothing")
		}
		if buf.PTS != want {
			t.Fatalf("round %d: got pts %d, want %d", round, buf.PTS, want)
		}
		want++
		q.FreeBuffer(buf)
	}
}

func TestConcurrentProducerConsumer(t *testing.T) {
	t.Parallel()
	q := newQueue(t, 16, 64)

	const total = 2000
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; {
			if q.WriteBack([]byte{byte(i)}, uint64(i), 0, 0, 0) {
				i++
			}
		}
	}()

	next := uint64(0)
	for next < total {
		buf, ok := q.ReadFront()
		if !ok {
			continue
		}
		if buf.PTS != next {
			t.Fatalf("got pts %d, want %d", buf.PTS, next)
		}
		next++
		q.FreeBuffer(buf)
	}
	wg.Wait()
}

func BenchmarkWriteReadFree(b *testing.B) {
	q := newQueue(b, media.AudioQueueCapacity, media.AudioBufferSize)
	pcm := make([]byte, media.AudioBufferSize)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		q.WriteBack(pcm, uint64(i), uint64(i), 10, 0)
		buf, _ := q.ReadFront()
		q.FreeBuffer(buf)
	}
}
