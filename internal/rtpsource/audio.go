package rtpsource

import (
	"encoding/binary"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"golang.org/x/time/rate"

	"github.com/zsiec/rtd/decoder"
	"github.com/zsiec/rtd/latm"
	"github.com/zsiec/rtd/media"
)

// AudioFormat is the RTP payload framing of the audio stream.
type AudioFormat int

const (
	// FormatLATM is MP4A-LATM (RFC 3016): PayloadLengthInfo-prefixed access
	// units, fragmented across packets up to the marker bit.
	FormatLATM AudioFormat = iota
	// FormatADTS is MP4A-ADTS: one or more ADTS frames per packet.
	FormatADTS
	// FormatRaw passes each payload to the decoder unchanged.
	FormatRaw
)

func (f AudioFormat) String() string {
	switch f {
	case FormatLATM:
		return "latm"
	case FormatADTS:
		return "adts"
	case FormatRaw:
		return "raw"
	}
	return "unknown"
}

// maxSamplesPerChannel bounds one decoded access unit (HE-AAC).
const maxSamplesPerChannel = 2048

// AudioStats is a snapshot of audio depacketizer counters.
type AudioStats struct {
	Units        uint64 `json:"units"`
	DecodeErrors uint64 `json:"decodeErrors"`
	Chunks       uint64 `json:"chunks"`
	Resyncs      uint64 `json:"resyncs"`
}

// AudioDepacketizer extracts encoded access units from RTP, decodes them
// through a decoder.Bridge and emits the PCM in 10 ms chunks.
//
// HandlePacket must be called from a single goroutine.
type AudioDepacketizer struct {
	format    AudioFormat
	clockRate int
	bridge    *decoder.Bridge
	emit      func(media.AudioFrame)
	log       *slog.Logger

	rate     int
	channels int
	// inBand passes whole LATM elements to the decoder, which reads the
	// in-band StreamMuxConfig itself.
	inBand bool

	unwrap Unwrapper

	frag     []byte
	fragTS   uint32
	inFrag   bool
	out      []int16
	pending  []byte
	baseRTP  int64
	havePend bool

	units        atomic.Uint64
	decodeErrors atomic.Uint64
	chunks       atomic.Uint64
	resyncs      atomic.Uint64

	errLog rate.Sometimes
}

// NewAudioDepacketizer creates an audio depacketizer. clockRate is the
// negotiated RTP clock rate; the PCM rate and channel count come from the
// bridge parameters.
func NewAudioDepacketizer(format AudioFormat, clockRate int, bridge *decoder.Bridge, emit func(media.AudioFrame), log *slog.Logger) *AudioDepacketizer {
	if log == nil {
		log = slog.Default()
	}
	p := bridge.Params()
	ch := p.Channels
	if ch <= 0 {
		ch = 1
	}
	r := p.DecodeRate
	if r <= 0 {
		r = clockRate
	}
	if clockRate <= 0 {
		clockRate = r
	}
	return &AudioDepacketizer{
		format:    format,
		clockRate: clockRate,
		bridge:    bridge,
		emit:      emit,
		log:       log.With("component", "audio-depacketizer", "format", format.String()),
		rate:      r,
		channels:  ch,
		inBand:    format == FormatLATM && p.LATM,
		out:       make([]int16, maxSamplesPerChannel*ch),
		errLog:    rate.Sometimes{Interval: 5 * time.Second},
	}
}

// HandlePacket consumes one RTP packet.
func (d *AudioDepacketizer) HandlePacket(p *rtp.Packet) {
	switch d.format {
	case FormatLATM:
		if d.inFrag && p.Timestamp != d.fragTS {
			// Previous element never saw its marker.
			d.frag = d.frag[:0]
		}
		if !d.inFrag || p.Timestamp != d.fragTS {
			d.inFrag = true
			d.fragTS = p.Timestamp
		}
		d.frag = append(d.frag, p.Payload...)
		if !p.Marker {
			return
		}
		d.inFrag = false
		element := d.frag
		d.frag = d.frag[:0]
		if d.inBand {
			d.decodeUnits(p.Timestamp, [][]byte{element})
			return
		}
		d.decodeUnits(p.Timestamp, splitLATM(element))

	case FormatADTS:
		frames, err := latm.SplitADTS(p.Payload)
		if err != nil {
			d.errLog.Do(func() { d.log.Warn("adts payload", "error", err) })
		}
		units := make([][]byte, 0, len(frames))
		for _, f := range frames {
			units = append(units, f.Data)
		}
		d.decodeUnits(p.Timestamp, units)

	default:
		d.decodeUnits(p.Timestamp, [][]byte{p.Payload})
	}
}

// splitLATM splits an audioMuxElement (muxConfigPresent=0, one subframe per
// element) into its payloads. Each payload is prefixed by PayloadLengthInfo:
// a run of 0xFF bytes plus a final byte, summed. A length running past the
// end ends the scan.
func splitLATM(b []byte) [][]byte {
	var units [][]byte
	for len(b) > 0 {
		n, i := 0, 0
		for i < len(b) {
			v := int(b[i])
			i++
			n += v
			if v != 0xFF {
				break
			}
		}
		if n == 0 || i+n > len(b) {
			break
		}
		units = append(units, b[i:i+n])
		b = b[i+n:]
	}
	return units
}

func (d *AudioDepacketizer) decodeUnits(ts uint32, units [][]byte) {
	if len(units) == 0 {
		return
	}
	ext := d.unwrap.Unwrap(ts)
	d.resync(ext)

	for _, u := range units {
		d.units.Add(1)
		n := d.bridge.Decode(u, d.rate, d.channels, d.out)
		if n <= 0 {
			if n < 0 {
				d.decodeErrors.Add(1)
				d.errLog.Do(func() {
					d.log.Warn("decode failed", "result", n, "size", len(u))
				})
			}
			continue
		}
		if n > len(d.out) {
			n = len(d.out)
		}
		for _, s := range d.out[:n] {
			d.pending = binary.LittleEndian.AppendUint16(d.pending, uint16(s))
		}
	}
	d.drain()
}

// resync anchors the pending PCM timeline at ext when nothing is buffered,
// and drops the buffer when ext is more than 100 ms away from where the
// buffered samples end.
func (d *AudioDepacketizer) resync(ext int64) {
	if !d.havePend || len(d.pending) == 0 {
		d.baseRTP = ext
		d.havePend = true
		return
	}
	frameBytes := d.channels * 2
	end := d.baseRTP + int64(len(d.pending)/frameBytes)*int64(d.clockRate)/int64(d.rate)
	drift := ext - end
	if drift < 0 {
		drift = -drift
	}
	if drift > int64(d.clockRate/10) {
		d.resyncs.Add(1)
		d.log.Debug("audio timeline jump, dropping buffered pcm", "drift", drift)
		d.pending = d.pending[:0]
		d.baseRTP = ext
	}
}

// drain emits every complete 10 ms chunk in the pending buffer.
func (d *AudioDepacketizer) drain() {
	samples := d.rate / 100
	chunk := samples * d.channels * 2
	if chunk <= 0 {
		return
	}
	step := int64(d.clockRate / 100)

	off := 0
	for len(d.pending)-off >= chunk {
		pcm := make([]byte, chunk)
		copy(pcm, d.pending[off:off+chunk])
		off += chunk

		d.chunks.Add(1)
		d.emit(media.AudioFrame{
			PCM:               pcm,
			SamplesPerChannel: samples,
			Channels:          d.channels,
			SampleRate:        d.rate,
			TimestampMS:       toMillis(d.baseRTP, d.clockRate),
			TimestampRTP:      d.baseRTP,
		})
		d.baseRTP += step
	}
	if off > 0 {
		d.pending = append(d.pending[:0], d.pending[off:]...)
	}
}

// Stats returns a snapshot of the counters.
func (d *AudioDepacketizer) Stats() AudioStats {
	return AudioStats{
		Units:        d.units.Load(),
		DecodeErrors: d.decodeErrors.Load(),
		Chunks:       d.chunks.Load(),
		Resyncs:      d.resyncs.Load(),
	}
}
