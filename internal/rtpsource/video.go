package rtpsource

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"golang.org/x/time/rate"

	"github.com/zsiec/rtd/media"
)

// VideoStats is a snapshot of video depacketizer counters.
type VideoStats struct {
	Frames      uint64 `json:"frames"`
	Keyframes   uint64 `json:"keyframes"`
	Lost        uint64 `json:"lost"`
	Broken      uint64 `json:"broken"`
	WaitSkipped uint64 `json:"waitSkipped"`
	Restarts    uint64 `json:"restarts"`
}

// reorderWindow is how far behind the last sequence number a packet may
// fall and still be treated as late rather than as a stream restart.
const reorderWindow = 64

// VideoDepacketizer reassembles H.264 RTP packets (RFC 6184) into Annex B
// access units. An access unit ends at the marker bit or at a timestamp
// change. After packet loss, output resumes at the next keyframe.
//
// HandlePacket must be called from a single goroutine.
type VideoDepacketizer struct {
	clockRate int
	emit      func(media.VideoFrame)
	log       *slog.Logger

	pkt    codecs.H264Packet
	unwrap Unwrapper

	au      []byte
	auTS    uint32
	inAU    bool
	broken  bool
	lastSeq uint16
	ssrc    uint32
	haveSeq bool
	waitKey bool

	frames      atomic.Uint64
	keyframes   atomic.Uint64
	lost        atomic.Uint64
	brokenCount atomic.Uint64
	waitSkipped atomic.Uint64
	restarts    atomic.Uint64

	lossLog rate.Sometimes
}

// NewVideoDepacketizer creates a depacketizer that passes each complete
// access unit to emit. clockRate is the negotiated RTP clock (90000 for
// H.264).
func NewVideoDepacketizer(clockRate int, emit func(media.VideoFrame), log *slog.Logger) *VideoDepacketizer {
	if log == nil {
		log = slog.Default()
	}
	if clockRate <= 0 {
		clockRate = 90000
	}
	return &VideoDepacketizer{
		clockRate: clockRate,
		emit:      emit,
		log:       log.With("component", "video-depacketizer"),
		waitKey:   true,
		lossLog:   rate.Sometimes{Interval: 5 * time.Second},
	}
}

// HandlePacket consumes one RTP packet.
func (d *VideoDepacketizer) HandlePacket(p *rtp.Packet) {
	if d.haveSeq && p.SSRC != d.ssrc {
		d.restart("ssrc changed", p)
	}
	if d.haveSeq && p.SequenceNumber != d.lastSeq+1 {
		gap := p.SequenceNumber - d.lastSeq - 1
		switch {
		case gap < 0x8000:
			d.lost.Add(uint64(gap))
			d.lossLog.Do(func() {
				d.log.Warn("rtp packet loss", "expected", d.lastSeq+1, "got", p.SequenceNumber)
			})
			d.pkt = codecs.H264Packet{}
			d.broken = true
			d.waitKey = true
		case d.lastSeq-p.SequenceNumber < reorderWindow:
			// Late duplicate or reordered packet; its access unit is gone.
			return
		default:
			d.restart("sequence jump", p)
		}
	}
	d.lastSeq = p.SequenceNumber
	d.ssrc = p.SSRC
	d.haveSeq = true

	if d.inAU && p.Timestamp != d.auTS {
		d.flush()
	}
	if !d.inAU {
		d.inAU = true
		d.auTS = p.Timestamp
		d.au = d.au[:0]
		if d.broken && startsNAL(p.Payload) {
			d.broken = false
		}
	}

	nals, err := d.pkt.Unmarshal(p.Payload)
	if err != nil {
		d.broken = true
		d.pkt = codecs.H264Packet{}
	} else {
		d.au = append(d.au, nals...)
	}

	if p.Marker {
		d.flush()
	}
}

// restart drops the access unit in progress and resumes at the next
// keyframe, taking p as the start of a new sequence.
func (d *VideoDepacketizer) restart(reason string, p *rtp.Packet) {
	d.restarts.Add(1)
	d.log.Warn("rtp sequence restart", "reason", reason,
		"lastSeq", d.lastSeq, "seq", p.SequenceNumber, "ssrc", p.SSRC)
	d.haveSeq = false
	d.pkt = codecs.H264Packet{}
	d.broken = true
	d.waitKey = true
}

func (d *VideoDepacketizer) flush() {
	d.inAU = false
	au := d.au
	d.au = d.au[:0]

	if d.broken || len(au) == 0 {
		if d.broken {
			d.brokenCount.Add(1)
			d.waitKey = true
		}
		return
	}

	key := isKeyframe(au)
	if d.waitKey {
		if !key {
			d.waitSkipped.Add(1)
			return
		}
		d.waitKey = false
	}

	ts := d.unwrap.Unwrap(d.auTS)
	ms := toMillis(ts, d.clockRate)
	data := make([]byte, len(au))
	copy(data, au)

	d.frames.Add(1)
	if key {
		d.keyframes.Add(1)
	}
	d.emit(media.VideoFrame{
		Data:            data,
		TimestampMS:     ms,
		PlayTimestampMS: ms,
		TimestampRTP:    ts,
		IsKeyframe:      key,
		Codec:           "h264",
	})
}

// Stats returns a snapshot of the counters.
func (d *VideoDepacketizer) Stats() VideoStats {
	return VideoStats{
		Frames:      d.frames.Load(),
		Keyframes:   d.keyframes.Load(),
		Lost:        d.lost.Load(),
		Broken:      d.brokenCount.Load(),
		WaitSkipped: d.waitSkipped.Load(),
		Restarts:    d.restarts.Load(),
	}
}
