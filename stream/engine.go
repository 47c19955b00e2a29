package stream

import (
	"context"

	"github.com/zsiec/rtd/media"
)

// ConnectionState is the media transport state reported by an Engine.
type ConnectionState int

const (
	ConnectionNew ConnectionState = iota
	ConnectionConnected
	ConnectionCompleted
	ConnectionDisconnected
	ConnectionFailed
	ConnectionClosed
)

func (c ConnectionState) String() string {
	switch c {
	case ConnectionNew:
		return "new"
	case ConnectionConnected:
		return "connected"
	case ConnectionCompleted:
		return "completed"
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionFailed:
		return "failed"
	case ConnectionClosed:
		return "closed"
	}
	return "unknown"
}

// Sink receives asynchronously delivered session events. Methods may be
// called from any goroutine, audio and video concurrently, and must not
// block.
type Sink interface {
	OnAudioFrame(f media.AudioFrame)
	OnVideoFrame(f media.VideoFrame)
	OnMediaInfo(info media.StreamInfo)
	OnConnectionState(state ConnectionState)
}

// Engine is the real-time session collaborator: it negotiates the stream
// and delivers frames to its Sink until closed.
type Engine interface {
	Open(ctx context.Context) error
	Close() error
}

// StatsReporter is implemented by engines that expose transport counters.
// getStats includes the value under "engine".
type StatsReporter interface {
	TransportStats() any
}

type reporterBox struct{ r StatsReporter }

// EngineFactory creates the engine for url, delivering events to sink.
type EngineFactory func(url string, sink Sink) (Engine, error)

// Observer receives per-frame queue events, typically for metrics. Calls are
// made on producer and consumer goroutines and must be cheap.
type Observer interface {
	FrameQueued(kind media.Kind)
	FrameRejected(kind media.Kind)
	FrameDiscarded(kind media.Kind)
	QueueDepth(kind media.Kind, depth int)
}

type nopObserver struct{}

func (nopObserver) FrameQueued(media.Kind)     {}
func (nopObserver) FrameRejected(media.Kind)   {}
func (nopObserver) FrameDiscarded(media.Kind)  {}
func (nopObserver) QueueDepth(media.Kind, int) {}
