// Package engine implements stream.Engine over plain RTP: it offers a
// receive-only session through the signaling client, binds one UDP
// receiver per negotiated media and feeds depacketized frames to the
// session sink.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/rtd/decoder"
	"github.com/zsiec/rtd/internal/negotiate"
	"github.com/zsiec/rtd/internal/rtpsource"
	"github.com/zsiec/rtd/internal/signaling"
	"github.com/zsiec/rtd/latm"
	"github.com/zsiec/rtd/media"
	"github.com/zsiec/rtd/stream"
)

// Exchanger performs the offer/answer exchange. *signaling.Client
// implements it.
type Exchanger interface {
	Exchange(ctx context.Context, streamURL, offerSDP string) (*signaling.Result, error)
}

// Config configures engines created by a factory.
type Config struct {
	// AdvertiseAddr is the IP placed in the offer's connection line.
	AdvertiseAddr string
	// BindHost is the local interface the RTP sockets bind to.
	BindHost    string
	AudioPort   int
	VideoPort   int
	IdleTimeout time.Duration
	// Decoder is the external audio decoder. Without a Decode callback no
	// audio frames are produced.
	Decoder decoder.Callbacks
}

// DefaultConfig returns a loopback configuration with ephemeral ports.
func DefaultConfig() Config {
	return Config{
		AdvertiseAddr: "127.0.0.1",
		BindHost:      "0.0.0.0",
		IdleTimeout:   rtpsource.DefaultIdleTimeout,
	}
}

// Stats is the transport section of the session's getStats snapshot.
// Entries for media that were not negotiated are nil.
type Stats struct {
	AudioReceiver *rtpsource.ReceiverStats `json:"audioReceiver,omitempty"`
	Audio         *rtpsource.AudioStats    `json:"audio,omitempty"`
	VideoReceiver *rtpsource.ReceiverStats `json:"videoReceiver,omitempty"`
	Video         *rtpsource.VideoStats    `json:"video,omitempty"`
}

// Engine is one RTP pull session.
type Engine struct {
	url      string
	sink     stream.Sink
	cfg      Config
	exchange Exchanger
	parser   *latm.Parser
	log      *slog.Logger

	mu        sync.Mutex
	opened    bool
	closed    bool
	receivers []*rtpsource.Receiver
	bridge    *decoder.Bridge
	cancel    context.CancelFunc
	group     *errgroup.Group
	info      media.StreamInfo

	statsMu    sync.Mutex
	audioRecv  *rtpsource.Receiver
	videoRecv  *rtpsource.Receiver
	audioDepkt *rtpsource.AudioDepacketizer
	videoDepkt *rtpsource.VideoDepacketizer

	stateMu    sync.Mutex
	active     map[media.Kind]bool
	everActive bool
	infoSent   bool
}

// NewFactory returns a stream.EngineFactory creating engines that share
// cfg, the exchanger and the descriptor parser.
func NewFactory(cfg Config, ex Exchanger, log *slog.Logger) stream.EngineFactory {
	if log == nil {
		log = slog.Default()
	}
	parser := latm.NewParser(log)
	return func(url string, sink stream.Sink) (stream.Engine, error) {
		if ex == nil {
			return nil, fmt.Errorf("signaling client: %w", stream.ErrNullHandle)
		}
		return New(url, sink, cfg, ex, parser, log), nil
	}
}

// New creates an engine for url. parser may be nil.
func New(url string, sink stream.Sink, cfg Config, ex Exchanger, parser *latm.Parser, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if parser == nil {
		parser = latm.NewParser(log)
	}
	if cfg.AdvertiseAddr == "" {
		cfg.AdvertiseAddr = "127.0.0.1"
	}
	if cfg.BindHost == "" {
		cfg.BindHost = "0.0.0.0"
	}
	return &Engine{
		url:      url,
		sink:     sink,
		cfg:      cfg,
		exchange: ex,
		parser:   parser,
		log:      log.With("component", "engine", "url", url),
		active:   make(map[media.Kind]bool),
	}
}

// route forwards packets to a handler chosen after negotiation.
type route struct{ h rtpsource.Handler }

func (r *route) HandlePacket(p *rtp.Packet) {
	if r.h != nil {
		r.h.HandlePacket(p)
	}
}

// Open negotiates the session and starts receiving. Media info is reported
// to the sink once the first RTP packet arrives.
func (e *Engine) Open(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return stream.ErrMediaStreamStopped
	}
	if e.opened {
		return stream.ErrInvalidState
	}
	e.opened = true
	e.sink.OnConnectionState(stream.ConnectionNew)

	audioRoute, videoRoute := &route{}, &route{}
	audioRecv, err := rtpsource.Listen(rtpsource.ReceiverConfig{
		Addr:        net.JoinHostPort(e.cfg.BindHost, fmt.Sprint(e.cfg.AudioPort)),
		Kind:        media.KindAudio,
		IdleTimeout: e.cfg.IdleTimeout,
	}, audioRoute, e.log)
	if err != nil {
		return fmt.Errorf("audio receiver: %w: %w", stream.ErrMediaConnectionFailed, err)
	}
	videoRecv, err := rtpsource.Listen(rtpsource.ReceiverConfig{
		Addr:        net.JoinHostPort(e.cfg.BindHost, fmt.Sprint(e.cfg.VideoPort)),
		Kind:        media.KindVideo,
		IdleTimeout: e.cfg.IdleTimeout,
	}, videoRoute, e.log)
	if err != nil {
		audioRecv.Close()
		return fmt.Errorf("video receiver: %w: %w", stream.ErrMediaConnectionFailed, err)
	}

	if err := e.negotiate(ctx, audioRecv, videoRecv, audioRoute, videoRoute); err != nil {
		audioRecv.Close()
		videoRecv.Close()
		e.sink.OnConnectionState(stream.ConnectionFailed)
		return err
	}
	return nil
}

func (e *Engine) negotiate(ctx context.Context, audioRecv, videoRecv *rtpsource.Receiver, audioRoute, videoRoute *route) error {
	offer, err := negotiate.Offer(negotiate.OfferParams{
		Address:   e.cfg.AdvertiseAddr,
		AudioPort: audioRecv.LocalAddr().Port,
		VideoPort: videoRecv.LocalAddr().Port,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", stream.ErrParamsIllegal, err)
	}

	res, err := e.exchange.Exchange(ctx, e.url, offer)
	if err != nil {
		return fmt.Errorf("signaling: %w", err)
	}
	ans, err := negotiate.ParseAnswer(res.AnswerSDP)
	if err != nil {
		return fmt.Errorf("answer: %w: %w", stream.ErrMediaConnectionFailed, err)
	}

	info := ans.StreamInfo()
	var (
		receivers  []*rtpsource.Receiver
		audioDepkt *rtpsource.AudioDepacketizer
		videoDepkt *rtpsource.VideoDepacketizer
	)

	if c, ok := ans.Audio.Codec(); ok {
		params := e.audioParams(c)
		bridge := decoder.NewBridge(params, e.cfg.Decoder, e.log)
		if err := bridge.Init(); err != nil {
			return fmt.Errorf("decoder init: %w: %w", stream.ErrMediaConnectionFailed, err)
		}
		e.bridge = bridge
		audioDepkt = rtpsource.NewAudioDepacketizer(audioFormat(c), c.ClockRate, bridge, e.sink.OnAudioFrame, e.log)
		audioRoute.h = audioDepkt
		audioRecv.AllowPayloadTypes(c.PayloadType)
		info.AudioSampleRate = params.DecodeRate
		info.AudioChannels = params.Channels
		receivers = append(receivers, audioRecv)
		e.log.Info("audio negotiated", "codec", c.Name, "payloadType", c.PayloadType,
			"clockRate", c.ClockRate, "channels", c.Channels, "remote", ans.Audio.Address)
	} else {
		audioRecv.Close()
	}

	if c, ok := ans.Video.Codec(); ok && c.Is(negotiate.CodecH264) {
		videoDepkt = rtpsource.NewVideoDepacketizer(c.ClockRate, e.sink.OnVideoFrame, e.log)
		videoRoute.h = videoDepkt
		videoRecv.AllowPayloadTypes(c.PayloadType)
		receivers = append(receivers, videoRecv)
		e.log.Info("video negotiated", "codec", c.Name, "payloadType", c.PayloadType,
			"remote", ans.Video.Address)
	} else {
		if ok {
			e.log.Warn("unsupported video codec, ignoring video", "codec", c.Name)
		}
		info.VideoEnabled = false
		info.VideoCodec = ""
		videoRecv.Close()
	}

	if len(receivers) == 0 {
		return fmt.Errorf("no usable media: %w", stream.ErrMediaConnectionFailed)
	}

	e.info = info
	e.receivers = receivers
	e.statsMu.Lock()
	if audioDepkt != nil {
		e.audioRecv, e.audioDepkt = audioRecv, audioDepkt
	}
	if videoDepkt != nil {
		e.videoRecv, e.videoDepkt = videoRecv, videoDepkt
	}
	e.statsMu.Unlock()
	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	e.group = g
	for _, r := range receivers {
		kind := r.Kind()
		r.OnStateChange(func(active bool) { e.onReceiverState(kind, active) })
		g.Go(func() error {
			if err := r.Run(gctx); err != nil {
				e.log.Error("rtp receiver failed", "kind", kind, "error", err)
				e.sink.OnConnectionState(stream.ConnectionFailed)
				return err
			}
			return nil
		})
	}

	e.log.Info("session negotiated", "requestId", res.RequestID, "traceId", res.TraceID,
		"audio", info.AudioEnabled, "video", info.VideoEnabled)
	return nil
}

func (e *Engine) audioParams(c negotiate.Codec) decoder.InitParams {
	if c.Is(negotiate.CodecLATM) {
		return decoder.ParamsFromFmtp(e.parser, c.Fmtp, c.ClockRate, c.Channels, e.log)
	}
	return decoder.FallbackParams(c.ClockRate, c.Channels, c.ClockRate, false)
}

func audioFormat(c negotiate.Codec) rtpsource.AudioFormat {
	switch {
	case c.Is(negotiate.CodecLATM):
		return rtpsource.FormatLATM
	case c.Is(negotiate.CodecADTS):
		return rtpsource.FormatADTS
	}
	return rtpsource.FormatRaw
}

// onReceiverState maps per-receiver activity to the connection state: the
// first active receiver connects the session and publishes media info; all
// receivers going idle disconnects it.
func (e *Engine) onReceiverState(kind media.Kind, active bool) {
	e.stateMu.Lock()
	e.active[kind] = active
	anyActive := false
	for _, a := range e.active {
		anyActive = anyActive || a
	}
	sendInfo := anyActive && !e.infoSent
	if sendInfo {
		e.infoSent = true
	}
	wasActive := e.everActive
	e.everActive = e.everActive || anyActive
	e.stateMu.Unlock()

	switch {
	case active && anyActive:
		e.sink.OnConnectionState(stream.ConnectionConnected)
	case !anyActive && wasActive:
		e.sink.OnConnectionState(stream.ConnectionDisconnected)
	}
	if sendInfo {
		e.sink.OnMediaInfo(e.info)
	}
}

// TransportStats returns the receiver and depacketizer counters as a Stats.
func (e *Engine) TransportStats() any {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	var st Stats
	if e.audioDepkt != nil {
		rs, as := e.audioRecv.Stats(), e.audioDepkt.Stats()
		st.AudioReceiver, st.Audio = &rs, &as
	}
	if e.videoDepkt != nil {
		rs, vs := e.videoRecv.Stats(), e.videoDepkt.Stats()
		st.VideoReceiver, st.Video = &rs, &vs
	}
	return st
}

// Close stops the receivers and releases the decoder. It is safe to call
// more than once and after a failed Open.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	if e.cancel != nil {
		e.cancel()
	}
	var errs []error
	for _, r := range e.receivers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.group != nil {
		if err := e.group.Wait(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.bridge != nil {
		e.bridge.Uninit()
	}
	if e.opened {
		e.sink.OnConnectionState(stream.ConnectionClosed)
	}
	e.log.Info("engine closed")
	return errors.Join(errs...)
}
