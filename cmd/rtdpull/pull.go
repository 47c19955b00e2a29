package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/zsiec/rtd/internal/framewire"
	"github.com/zsiec/rtd/media"
	"github.com/zsiec/rtd/stream"
)

const (
	idleBackoff   = 5 * time.Millisecond
	statsInterval = 10 * time.Second
)

// frameSource is the consumer side of a stream.Session.
type frameSource interface {
	ReadFrame() (*media.Frame, error)
	FreeFrame(*media.Frame)
	Command(name string, arg any) (any, error)
}

// pull drains src into out as a framewire stream until ctx is cancelled or
// the session reaches end of stream. The header is written before the
// first frame, from the stream info known at that point.
func pull(ctx context.Context, src frameSource, out io.Writer) error {
	w := framewire.NewWriter(out)
	headerDone := false

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	var frames, bytes int64
	for {
		select {
		case <-ctx.Done():
			slog.Info("pull stopped", "frames", frames, "bytes", bytes)
			return nil
		case <-ticker.C:
			logStats(src, frames, bytes)
		default:
		}

		f, err := src.ReadFrame()
		switch {
		case errors.Is(err, stream.ErrTryAgain):
			select {
			case <-ctx.Done():
			case <-time.After(idleBackoff):
			}
			continue
		case errors.Is(err, io.EOF):
			slog.Info("end of stream", "frames", frames, "bytes", bytes)
			return nil
		case err != nil:
			return fmt.Errorf("read frame: %w", err)
		}

		if !headerDone {
			var info media.StreamInfo
			if _, err := src.Command(stream.CmdGetStreamInfo, &info); err != nil {
				slog.Warn("stream info unavailable, writing empty header", "error", err)
			}
			if err := w.WriteHeader(info); err != nil {
				src.FreeFrame(f)
				return fmt.Errorf("write header: %w", err)
			}
			headerDone = true
		}

		n, err := w.WriteFrame(f)
		src.FreeFrame(f)
		if err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
		frames++
		bytes += n
	}
}

func logStats(src frameSource, frames, bytes int64) {
	var st stream.Stats
	if _, err := src.Command(stream.CmdGetStats, &st); err != nil {
		return
	}
	slog.Info("pull stats",
		"frames", frames,
		"bytes", bytes,
		"connection", st.Connection,
		"audio_queued", st.Audio.Size,
		"video_queued", st.Video.Size,
		"audio_dropped", st.AudioDropped,
		"video_dropped", st.VideoDropped,
	)
}
