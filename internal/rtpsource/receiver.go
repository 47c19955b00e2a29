// Package rtpsource receives the negotiated RTP streams over UDP and turns
// them into the frames a stream.Session queues: H.264 access units for
// video and decoded 10 ms PCM chunks for audio.
package rtpsource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"

	"github.com/zsiec/rtd/media"
)

const (
	maxPacketSize      = 1500
	readPollInterval   = 100 * time.Millisecond
	DefaultIdleTimeout = 5 * time.Second
)

// Handler consumes RTP packets. It is called from the receiver goroutine
// only.
type Handler interface {
	HandlePacket(p *rtp.Packet)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(p *rtp.Packet)

func (f HandlerFunc) HandlePacket(p *rtp.Packet) { f(p) }

// ReceiverConfig configures a Receiver.
type ReceiverConfig struct {
	// Addr is the local UDP address, e.g. ":5004" or "0.0.0.0:0".
	Addr string
	Kind media.Kind
	// PayloadTypes restricts accepted packets; empty accepts all.
	PayloadTypes []uint8
	// IdleTimeout is how long without packets before the stream is
	// reported inactive.
	IdleTimeout time.Duration
}

// ReceiverStats is a snapshot of receiver counters.
type ReceiverStats struct {
	Packets   uint64 `json:"packets"`
	Bytes     uint64 `json:"bytes"`
	Invalid   uint64 `json:"invalid"`
	Filtered  uint64 `json:"filtered"`
	LastSSRC  uint32 `json:"lastSsrc"`
	Connected bool   `json:"connected"`
}

// Receiver reads RTP packets from one UDP socket.
type Receiver struct {
	conn    *net.UDPConn
	kind    media.Kind
	handler Handler
	allowed map[uint8]bool
	idle    time.Duration
	log     *slog.Logger

	onState func(active bool)

	packets  atomic.Uint64
	bytes    atomic.Uint64
	invalid  atomic.Uint64
	filtered atomic.Uint64
	ssrc     atomic.Uint32
	active   atomic.Bool
	closed   atomic.Bool
}

// Listen binds the receiver socket. Packets are not read until Run.
func Listen(cfg ReceiverConfig, h Handler, log *slog.Logger) (*Receiver, error) {
	if log == nil {
		log = slog.Default()
	}
	addr, err := net.ResolveUDPAddr("udp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", cfg.Addr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}

	r := &Receiver{
		conn:    conn,
		kind:    cfg.Kind,
		handler: h,
		idle:    cfg.IdleTimeout,
		log:     log.With("component", "rtp-receiver", "kind", cfg.Kind.String()),
	}
	if r.idle <= 0 {
		r.idle = DefaultIdleTimeout
	}
	r.AllowPayloadTypes(cfg.PayloadTypes...)
	return r, nil
}

// AllowPayloadTypes restricts accepted packets to pts, replacing any earlier
// restriction; no arguments accepts all. It must be called before Run.
func (r *Receiver) AllowPayloadTypes(pts ...uint8) {
	if len(pts) == 0 {
		r.allowed = nil
		return
	}
	r.allowed = make(map[uint8]bool, len(pts))
	for _, pt := range pts {
		r.allowed[pt] = true
	}
}

// OnStateChange registers fn to be called when packets start flowing
// (true) and when they stop for longer than the idle timeout (false). It
// must be set before Run.
func (r *Receiver) OnStateChange(fn func(active bool)) { r.onState = fn }

// Kind returns the media kind this receiver carries.
func (r *Receiver) Kind() media.Kind { return r.kind }

// LocalAddr returns the bound address.
func (r *Receiver) LocalAddr() *net.UDPAddr {
	return r.conn.LocalAddr().(*net.UDPAddr)
}

// Run reads packets until ctx is cancelled or the receiver is closed.
func (r *Receiver) Run(ctx context.Context) error {
	buf := make([]byte, maxPacketSize)
	lastPacket := time.Now()

	for {
		if ctx.Err() != nil || r.closed.Load() {
			return nil
		}
		if err := r.conn.SetReadDeadline(time.Now().Add(readPollInterval)); err != nil {
			if r.closed.Load() {
				return nil
			}
			return fmt.Errorf("set read deadline: %w", err)
		}

		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if r.active.Load() && time.Since(lastPacket) > r.idle {
					r.setActive(false)
					r.log.Warn("rtp stream idle", "timeout", r.idle)
				}
				continue
			}
			if r.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil || pkt.Version != 2 {
			r.invalid.Add(1)
			continue
		}
		if r.allowed != nil && !r.allowed[pkt.PayloadType] {
			r.filtered.Add(1)
			continue
		}
		// Unmarshal aliases buf; the handler may retain the payload.
		pkt.Payload = append([]byte(nil), pkt.Payload...)

		lastPacket = time.Now()
		r.packets.Add(1)
		r.bytes.Add(uint64(n))
		if old := r.ssrc.Swap(pkt.SSRC); old != pkt.SSRC && r.packets.Load() > 1 {
			r.log.Info("rtp ssrc changed", "old", old, "new", pkt.SSRC)
		}
		if !r.active.Load() {
			r.setActive(true)
			r.log.Info("rtp stream active", "ssrc", pkt.SSRC, "payloadType", pkt.PayloadType)
		}

		r.handler.HandlePacket(pkt)
	}
}

func (r *Receiver) setActive(v bool) {
	r.active.Store(v)
	if r.onState != nil {
		r.onState(v)
	}
}

// Close releases the socket. Run returns shortly after.
func (r *Receiver) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	return r.conn.Close()
}

// Stats returns a snapshot of the counters.
func (r *Receiver) Stats() ReceiverStats {
	return ReceiverStats{
		Packets:   r.packets.Load(),
		Bytes:     r.bytes.Load(),
		Invalid:   r.invalid.Load(),
		Filtered:  r.filtered.Load(),
		LastSSRC:  r.ssrc.Load(),
		Connected: r.active.Load(),
	}
}
