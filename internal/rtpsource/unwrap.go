package rtpsource

// Unwrapper extends 32-bit RTP timestamps to a monotonic 64-bit timeline.
// Each step is taken as the shortest signed distance from the previous
// timestamp, so reordered packets move the value backwards instead of
// jumping a full cycle.
type Unwrapper struct {
	last    uint32
	value   int64
	started bool
}

// Unwrap returns the extended value of ts.
func (u *Unwrapper) Unwrap(ts uint32) int64 {
	if !u.started {
		u.started = true
		u.last = ts
		u.value = int64(ts)
		return u.value
	}
	u.value += int64(int32(ts - u.last))
	u.last = ts
	return u.value
}

// Reset forgets the previous timestamp.
func (u *Unwrapper) Reset() { *u = Unwrapper{} }

// toMillis converts an extended RTP timestamp at clockRate to milliseconds.
// Values before the timeline origin clamp to zero.
func toMillis(ts int64, clockRate int) uint64 {
	if ts <= 0 || clockRate <= 0 {
		return 0
	}
	return uint64(ts * 1000 / int64(clockRate))
}
