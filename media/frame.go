// Package media defines the frame types that flow through the pull demuxer,
// from the asynchronous session producers through the relay queues to the
// polling consumer.
package media

// Default relay queue sizing. Audio is queued as 10 ms PCM chunks, video as
// one encoded picture per entry; both capacities hold roughly five seconds.
const (
	AudioQueueCapacity = 800
	VideoQueueCapacity = 120

	AudioBufferSize = 960     // 48000 Hz * 10 ms * 2 bytes
	VideoBufferSize = 1382400 // 1280x720 I420

	AudioFrameDurationMS = 10
)

// FlagKeyframe marks a video frame that can be decoded on its own.
const FlagKeyframe = 0x01

// Kind identifies which relay queue a frame belongs to.
type Kind int

const (
	KindVideo Kind = iota
	KindAudio
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	}
	return "unknown"
}

// FrameBuffer is a recyclable byte buffer plus the timing metadata of the
// frame currently stored in it. A FrameBuffer is owned by exactly one of a
// queue, its free list, or the consumer holding it; it is never shared.
type FrameBuffer struct {
	data     []byte
	PTS      uint64 // presentation timestamp, ms
	DTS      uint64 // decode timestamp, ms
	Duration int    // ms
	Flag     int    // video only, see FlagKeyframe
}

// NewFrameBuffer allocates a buffer able to hold size bytes, reserving at
// least hint bytes of capacity.
func NewFrameBuffer(size, hint int) *FrameBuffer {
	c := size
	if hint > c {
		c = hint
	}
	return &FrameBuffer{data: make([]byte, 0, c)}
}

// Bytes returns the stored frame payload.
func (b *FrameBuffer) Bytes() []byte { return b.data }

// Len returns the payload length in bytes.
func (b *FrameBuffer) Len() int { return len(b.data) }

// Cap returns the allocated capacity.
func (b *FrameBuffer) Cap() int { return cap(b.data) }

// SetData copies p into the buffer. The caller must ensure Cap() >= len(p);
// otherwise the backing array is replaced.
func (b *FrameBuffer) SetData(p []byte) {
	b.data = append(b.data[:0], p...)
}

// IsKeyframe reports whether the keyframe flag bit is set.
func (b *FrameBuffer) IsKeyframe() bool { return b.Flag&FlagKeyframe != 0 }

// Frame is the record handed to the polling consumer. It stays valid until
// it is returned with FreeFrame.
type Frame struct {
	Kind   Kind
	Buffer *FrameBuffer
}

// Data returns the frame payload.
func (f *Frame) Data() []byte { return f.Buffer.Bytes() }

// Size returns the payload length in bytes.
func (f *Frame) Size() int { return f.Buffer.Len() }

// IsAudio reports whether the frame came from the audio queue.
func (f *Frame) IsAudio() bool { return f.Kind == KindAudio }

// AudioFrame is a chunk of decoded interleaved S16LE PCM delivered by the
// session producer.
type AudioFrame struct {
	PCM               []byte
	SamplesPerChannel int
	Channels          int
	SampleRate        int
	TimestampMS       uint64
	TimestampRTP      int64
}

// ByteLen returns the PCM length implied by the sample and channel counts.
func (f AudioFrame) ByteLen() int {
	return f.SamplesPerChannel * f.Channels * 2
}

// VideoFrame is one encoded access unit delivered by the session producer.
type VideoFrame struct {
	Data            []byte // Annex B
	TimestampMS     uint64
	PlayTimestampMS uint64
	TimestampRTP    int64
	IsKeyframe      bool
	Codec           string // "h264"
}

// StreamInfo describes the negotiated streams. It is returned by the
// getStreamInfo command once the session has negotiated its media.
type StreamInfo struct {
	AudioEnabled    bool   `json:"audioEnabled"`
	AudioChannels   int    `json:"audioChannels"`
	AudioSampleRate int    `json:"audioSampleRate"`
	AudioCodec      string `json:"audioCodec,omitempty"`
	VideoEnabled    bool   `json:"videoEnabled"`
	VideoCodec      string `json:"videoCodec,omitempty"`
}
