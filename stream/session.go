// Package stream turns an asynchronous, callback-driven media session into a
// synchronous pull API. A Session owns one relay queue per media kind,
// accepts frames from its Engine on arbitrary goroutines, and hands them to
// a single polling consumer with video taking priority over audio.
package stream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
	"golang.org/x/time/rate"

	"github.com/zsiec/rtd/media"
	"github.com/zsiec/rtd/relay"
)

// Session lifecycle states.
const (
	StateCreated = "created"
	StateOpened  = "opened"
	StateClosed  = "closed"
)

const (
	stateCreated int32 = iota
	stateOpened
	stateClosed
)

// Config controls queue sizing and the media info wait.
type Config struct {
	URL string

	AudioCapacity   int
	AudioBufferSize int
	VideoCapacity   int
	VideoBufferSize int

	// MediaInfoTimeout bounds the wait for negotiated media info in Open.
	// Open proceeds without it once the timeout expires.
	MediaInfoTimeout time.Duration
	// MediaInfoPoll is the interval at which Interrupt is checked.
	MediaInfoPoll time.Duration
	// Interrupt, if set, aborts the media info wait when it returns true.
	Interrupt func() bool

	// LogInterval throttles per-frame diagnostics.
	LogInterval time.Duration
}

// DefaultConfig returns the standard sizing for url: about five seconds of
// buffering per kind and a five second media info wait.
func DefaultConfig(url string) Config {
	return Config{
		URL:              url,
		AudioCapacity:    media.AudioQueueCapacity,
		AudioBufferSize:  media.AudioBufferSize,
		VideoCapacity:    media.VideoQueueCapacity,
		VideoBufferSize:  media.VideoBufferSize,
		MediaInfoTimeout: 5 * time.Second,
		MediaInfoPoll:    10 * time.Millisecond,
		LogInterval:      5 * time.Second,
	}
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Session) {
		if log != nil {
			s.log = log
		}
	}
}

// WithObserver registers an Observer for queue events.
func WithObserver(o Observer) Option {
	return func(s *Session) {
		if o != nil {
			s.obs = o
		}
	}
}

// Session is one pull session. Open, ReadFrame, FreeFrame, Command and
// Close are called by the consumer; the Sink methods are called by the
// engine.
type Session struct {
	cfg     Config
	factory EngineFactory
	log     *slog.Logger
	obs     Observer

	mu     sync.Mutex // serializes lifecycle transitions
	fsm    *fsm.FSM
	state  atomic.Int32
	engine Engine
	done   chan struct{}

	reporter atomic.Pointer[reporterBox]

	audio *relay.Queue
	video *relay.Queue

	accepting       atomic.Bool
	iframeRequested atomic.Bool
	lastAudioFailed atomic.Bool
	lastVideoFailed atomic.Bool
	mediaFailed     atomic.Bool

	infoMu    sync.Mutex
	info      media.StreamInfo
	infoSet   bool
	infoReady chan struct{}

	openedAt      time.Time
	firstAudio    atomic.Int64 // ns from Open, 0 until the first frame
	firstVideo    atomic.Int64
	audioDropped  atomic.Int64
	videoDropped  atomic.Int64
	videoSkipped  atomic.Int64
	keyframeWaits atomic.Int64
	connState     atomic.Int32

	audioInLog  rate.Sometimes
	videoInLog  rate.Sometimes
	audioOutLog rate.Sometimes
	videoOutLog rate.Sometimes
	skipLog     rate.Sometimes
}

// NewSession creates a session in the created state. The engine is built
// by factory during Open.
func NewSession(cfg Config, factory EngineFactory, opts ...Option) *Session {
	s := &Session{
		cfg:       cfg,
		factory:   factory,
		log:       slog.Default(),
		obs:       nopObserver{},
		done:      make(chan struct{}),
		infoReady: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("component", "session", "url", cfg.URL)

	every := cfg.LogInterval
	if every <= 0 {
		every = 5 * time.Second
	}
	s.audioInLog = rate.Sometimes{Interval: every}
	s.videoInLog = rate.Sometimes{Interval: every}
	s.audioOutLog = rate.Sometimes{Interval: every}
	s.videoOutLog = rate.Sometimes{Interval: every}
	s.skipLog = rate.Sometimes{Interval: every}

	s.fsm = fsm.NewFSM(
		StateCreated,
		fsm.Events{
			{Name: "open", Src: []string{StateCreated}, Dst: StateOpened},
			{Name: "close", Src: []string{StateCreated, StateOpened}, Dst: StateClosed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.state.Store(stateIndex(e.Dst))
				s.log.Info("session state changed", "from", e.Src, "to", e.Dst)
			},
		},
	)
	return s
}

func stateIndex(name string) int32 {
	switch name {
	case StateOpened:
		return stateOpened
	case StateClosed:
		return stateClosed
	}
	return stateCreated
}

// State returns the current lifecycle state name.
func (s *Session) State() string {
	return s.fsm.Current()
}

// URL returns the stream url the session pulls.
func (s *Session) URL() string { return s.cfg.URL }

// Open creates the queues and the engine, opens the engine, then waits up
// to MediaInfoTimeout for negotiated media info. A timeout is not an error;
// cancellation of ctx, an Interrupt or a concurrent Close is, and leaves
// the session closed.
func (s *Session) Open(ctx context.Context) error {
	if err := s.start(ctx); err != nil {
		return err
	}
	if err := s.waitMediaInfo(ctx); err != nil {
		s.log.Warn("open aborted while waiting for media info", "error", err)
		s.Close()
		return err
	}
	return nil
}

func (s *Session) start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.fsm.Can("open") {
		return fmt.Errorf("%w: open in state %s", ErrInvalidState, s.fsm.Current())
	}
	if s.factory == nil {
		s.closeLocked()
		return fmt.Errorf("engine factory: %w", ErrNullHandle)
	}

	var err error
	if s.audio, err = relay.New(s.cfg.AudioCapacity, s.cfg.AudioBufferSize); err != nil {
		s.closeLocked()
		return fmt.Errorf("audio queue: %w: %w", ErrParamsIllegal, err)
	}
	if s.video, err = relay.New(s.cfg.VideoCapacity, s.cfg.VideoBufferSize); err != nil {
		s.closeLocked()
		return fmt.Errorf("video queue: %w: %w", ErrParamsIllegal, err)
	}

	s.openedAt = time.Now()
	s.accepting.Store(true)

	eng, err := s.factory(s.cfg.URL, s)
	if err != nil {
		s.closeLocked()
		return fmt.Errorf("create engine: %w", err)
	}
	if eng == nil {
		s.closeLocked()
		return fmt.Errorf("create engine: %w", ErrNullHandle)
	}
	s.engine = eng
	if r, ok := eng.(StatsReporter); ok {
		s.reporter.Store(&reporterBox{r})
	}

	if err := eng.Open(ctx); err != nil {
		s.log.Error("engine open failed", "error", err)
		s.closeLocked()
		return fmt.Errorf("open engine: %w", err)
	}
	if err := s.fsm.Event(ctx, "open"); err != nil {
		s.closeLocked()
		return fmt.Errorf("%w: %w", ErrInvalidState, err)
	}
	return nil
}

func (s *Session) waitMediaInfo(ctx context.Context) error {
	timer := time.NewTimer(s.cfg.MediaInfoTimeout)
	defer timer.Stop()
	poll := s.cfg.MediaInfoPoll
	if poll <= 0 {
		poll = 10 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-s.infoReady:
			s.log.Info("received media info")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return ErrMediaStreamStopped
		case <-timer.C:
			s.log.Warn("media info not received, continuing", "timeout", s.cfg.MediaInfoTimeout)
			return nil
		case <-ticker.C:
			if s.cfg.Interrupt != nil && s.cfg.Interrupt() {
				return ErrInterrupted
			}
		}
	}
}

// ReadFrame returns the next frame without blocking. The video queue is
// always drained before the audio queue, so frames of different kinds are
// not interleaved by timestamp. It returns ErrTryAgain when both queues are
// empty, ErrUninitialized before Open and io.EOF after Close.
func (s *Session) ReadFrame() (*media.Frame, error) {
	switch s.state.Load() {
	case stateCreated:
		return nil, ErrUninitialized
	case stateClosed:
		return nil, io.EOF
	}

	if buf, ok := s.video.ReadFront(); ok {
		s.videoOutLog.Do(func() {
			s.log.Info("read video frame", "pts", buf.PTS, "flag", buf.Flag)
		})
		s.obs.QueueDepth(media.KindVideo, s.video.Size())
		return &media.Frame{Kind: media.KindVideo, Buffer: buf}, nil
	}
	if buf, ok := s.audio.ReadFront(); ok {
		s.audioOutLog.Do(func() {
			s.log.Info("read audio frame", "pts", buf.PTS)
		})
		s.obs.QueueDepth(media.KindAudio, s.audio.Size())
		return &media.Frame{Kind: media.KindAudio, Buffer: buf}, nil
	}
	return nil, ErrTryAgain
}

// FreeFrame returns a frame obtained from ReadFrame to its queue. The frame
// must not be used afterwards.
func (s *Session) FreeFrame(f *media.Frame) {
	if f == nil || f.Buffer == nil {
		return
	}
	if f.Kind == media.KindAudio {
		if s.audio != nil {
			s.audio.FreeBuffer(f.Buffer)
		}
	} else if s.video != nil {
		s.video.FreeBuffer(f.Buffer)
	}
	f.Buffer = nil
}

// Close stops frame intake, closes the engine and discards queued frames.
// It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Session) closeLocked() error {
	if s.state.Load() == stateClosed {
		return nil
	}
	s.accepting.Store(false)
	close(s.done)

	var err error
	if s.engine != nil {
		if err = s.engine.Close(); err != nil {
			s.log.Warn("engine close failed", "error", err)
		}
	}
	if s.audio != nil {
		s.audio.Clear()
	}
	if s.video != nil {
		s.video.Clear()
	}
	if evErr := s.fsm.Event(context.Background(), "close"); evErr != nil {
		s.log.Warn("close transition failed", "error", evErr)
		s.state.Store(stateClosed)
	}
	return err
}

// OnAudioFrame queues a 10 ms PCM chunk. On overflow the chunk is dropped;
// the failure is logged once until a later chunk is accepted.
func (s *Session) OnAudioFrame(f media.AudioFrame) {
	if !s.accepting.Load() {
		return
	}
	s.audioInLog.Do(func() {
		s.log.Info("insert audio",
			"timestampMs", f.TimestampMS,
			"timestampRtp", f.TimestampRTP,
			"sampleRate", f.SampleRate)
	})

	size := f.ByteLen()
	if size <= 0 || size > len(f.PCM) {
		s.log.Warn("audio frame shorter than its sample count, dropping",
			"pcmLen", len(f.PCM), "want", size)
		s.audioDropped.Add(1)
		return
	}
	s.markFirst(&s.firstAudio, media.KindAudio)

	if !s.audio.WriteBack(f.PCM[:size], f.TimestampMS, f.TimestampMS, media.AudioFrameDurationMS, 0) {
		s.audioDropped.Add(1)
		s.obs.FrameRejected(media.KindAudio)
		if s.lastAudioFailed.Swap(true) {
			return
		}
		s.log.Error("audio queue full, dropping frame", "capacity", s.audio.Capacity())
		return
	}
	s.lastAudioFailed.Store(false)
	s.obs.FrameQueued(media.KindAudio)
	s.obs.QueueDepth(media.KindAudio, s.audio.Size())
}

// OnVideoFrame queues an encoded picture. A rejected write clears the video
// queue and discards every following non-keyframe until a keyframe
// arrives, so the consumer never sees a picture whose references were
// dropped.
func (s *Session) OnVideoFrame(f media.VideoFrame) {
	if !s.accepting.Load() {
		return
	}
	s.markFirst(&s.firstVideo, media.KindVideo)

	flag := 0
	if f.IsKeyframe {
		flag = media.FlagKeyframe
	}
	s.videoInLog.Do(func() {
		s.log.Info("insert video",
			"timestampMs", f.TimestampMS,
			"playTimestampMs", f.PlayTimestampMS,
			"timestampRtp", f.TimestampRTP,
			"flag", flag)
	})

	if s.iframeRequested.Load() {
		if !f.IsKeyframe {
			s.videoSkipped.Add(1)
			s.obs.FrameDiscarded(media.KindVideo)
			s.skipLog.Do(func() {
				s.log.Warn("discarding non-keyframe while waiting for keyframe")
			})
			return
		}
		s.iframeRequested.Store(false)
		s.log.Info("keyframe arrived, resuming video")
	}

	if !s.video.WriteBack(f.Data, f.PlayTimestampMS, f.TimestampMS, 0, flag) {
		s.videoDropped.Add(1)
		s.obs.FrameRejected(media.KindVideo)
		if s.lastVideoFailed.Swap(true) {
			return
		}
		s.log.Error("video queue full, clearing queue and waiting for keyframe",
			"capacity", s.video.Capacity())
		s.iframeRequested.Store(true)
		s.video.Clear()
		s.keyframeWaits.Add(1)
		s.obs.QueueDepth(media.KindVideo, 0)
		return
	}
	s.lastVideoFailed.Store(false)
	s.obs.FrameQueued(media.KindVideo)
	s.obs.QueueDepth(media.KindVideo, s.video.Size())
}

// OnMediaInfo records the negotiated media info. Only the first call takes
// effect; it releases a pending Open.
func (s *Session) OnMediaInfo(info media.StreamInfo) {
	s.infoMu.Lock()
	defer s.infoMu.Unlock()
	if s.infoSet {
		return
	}
	s.info = info
	s.infoSet = true
	close(s.infoReady)
	s.log.Info("media info",
		"audioEnabled", info.AudioEnabled,
		"audioChannels", info.AudioChannels,
		"audioSampleRate", info.AudioSampleRate,
		"audioCodec", info.AudioCodec,
		"videoEnabled", info.VideoEnabled,
		"videoCodec", info.VideoCodec)
}

// OnConnectionState records the media transport state. Failed and
// disconnected states make getStreamInfo report ErrMediaConnectionFailed.
func (s *Session) OnConnectionState(state ConnectionState) {
	s.connState.Store(int32(state))
	switch state {
	case ConnectionFailed, ConnectionDisconnected:
		s.mediaFailed.Store(true)
		s.log.Error("media connection lost", "state", state)
	case ConnectionConnected, ConnectionCompleted:
		s.mediaFailed.Store(false)
		s.log.Info("media connection state", "state", state)
	default:
		s.log.Debug("media connection state", "state", state)
	}
}

func (s *Session) markFirst(first *atomic.Int64, kind media.Kind) {
	if first.Load() != 0 {
		return
	}
	d := time.Since(s.openedAt)
	if d <= 0 {
		d = 1
	}
	if first.CompareAndSwap(0, int64(d)) {
		s.log.Info("first frame received", "kind", kind, "latencyMs", d.Milliseconds())
	}
}
