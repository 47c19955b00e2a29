package latm

// bitReader reads bits MSB-first from a byte slice.
type bitReader struct {
	data   []byte
	bitPos int
}

func newBitReader(data []byte) *bitReader {
	return &bitReader{data: data}
}

func (r *bitReader) bitsLeft() int {
	total := len(r.data) * 8
	if r.bitPos > total {
		return 0
	}
	return total - r.bitPos
}

// readBits reads an n-bit field (n <= 32). It consumes nothing and returns
// false when fewer than n bits remain.
func (r *bitReader) readBits(n int) (uint32, bool) {
	if n > r.bitsLeft() {
		return 0, false
	}
	var val uint32
	for i := 0; i < n; i++ {
		byteIdx := r.bitPos / 8
		bitIdx := 7 - (r.bitPos % 8)
		val = val<<1 | uint32(r.data[byteIdx]>>uint(bitIdx))&1
		r.bitPos++
	}
	return val, true
}

// bitWriter writes bits MSB-first into a byte slice.
type bitWriter struct {
	data   []byte
	bitPos int
}

func newBitWriter(size int) *bitWriter {
	return &bitWriter{data: make([]byte, size)}
}

func (w *bitWriter) putBit(v bool) {
	if w.bitPos >= len(w.data)*8 {
		return
	}
	if v {
		byteIdx := w.bitPos / 8
		bitIdx := 7 - (w.bitPos % 8)
		w.data[byteIdx] |= 1 << uint(bitIdx)
	}
	w.bitPos++
}

func (w *bitWriter) putUint32(n int, v uint32) {
	for i := n - 1; i >= 0; i-- {
		w.putBit((v>>uint(i))&1 == 1)
	}
}

func (w *bitWriter) bytes() []byte {
	return w.data
}
