package stream

import (
	"fmt"
	"time"

	"github.com/zsiec/rtd/media"
	"github.com/zsiec/rtd/relay"
)

// Command names accepted by Session.Command.
const (
	CmdGetStreamInfo = "getStreamInfo"
	CmdGetStats      = "getStats"
)

// Stats is the snapshot returned by the getStats command.
type Stats struct {
	State           string      `json:"state"`
	Connection      string      `json:"connection"`
	UptimeMs        int64       `json:"uptimeMs"`
	FirstAudioMs    int64       `json:"firstAudioMs"`
	FirstVideoMs    int64       `json:"firstVideoMs"`
	AudioDropped    int64       `json:"audioDropped"`
	VideoDropped    int64       `json:"videoDropped"`
	VideoSkipped    int64       `json:"videoSkipped"`
	KeyframeWaits   int64       `json:"keyframeWaits"`
	WaitingKeyframe bool        `json:"waitingKeyframe"`
	Audio           relay.Stats `json:"audio"`
	Video           relay.Stats `json:"video"`
	Engine          any         `json:"engine,omitempty"`
}

// Command runs a named query. getStreamInfo returns a media.StreamInfo and,
// when arg is a *media.StreamInfo, fills it too; it fails with
// ErrInfoPending until media info has arrived and with
// ErrMediaConnectionFailed once the transport failed. getStats returns a
// Stats and fills a *Stats arg the same way.
func (s *Session) Command(name string, arg any) (any, error) {
	if s.state.Load() == stateCreated {
		return nil, ErrUninitialized
	}

	switch name {
	case CmdGetStreamInfo:
		info, err := s.streamInfo()
		if err != nil {
			return nil, err
		}
		if p, ok := arg.(*media.StreamInfo); ok && p != nil {
			*p = info
		}
		return info, nil

	case CmdGetStats:
		st := s.stats()
		if p, ok := arg.(*Stats); ok && p != nil {
			*p = st
		}
		return st, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
}

func (s *Session) streamInfo() (media.StreamInfo, error) {
	if s.mediaFailed.Load() {
		return media.StreamInfo{}, ErrMediaConnectionFailed
	}
	s.infoMu.Lock()
	defer s.infoMu.Unlock()
	if !s.infoSet {
		return media.StreamInfo{}, ErrInfoPending
	}
	return s.info, nil
}

func (s *Session) stats() Stats {
	st := Stats{
		State:           s.fsm.Current(),
		Connection:      ConnectionState(s.connState.Load()).String(),
		FirstAudioMs:    time.Duration(s.firstAudio.Load()).Milliseconds(),
		FirstVideoMs:    time.Duration(s.firstVideo.Load()).Milliseconds(),
		AudioDropped:    s.audioDropped.Load(),
		VideoDropped:    s.videoDropped.Load(),
		VideoSkipped:    s.videoSkipped.Load(),
		KeyframeWaits:   s.keyframeWaits.Load(),
		WaitingKeyframe: s.iframeRequested.Load(),
	}
	if !s.openedAt.IsZero() {
		st.UptimeMs = time.Since(s.openedAt).Milliseconds()
	}
	if s.audio != nil {
		st.Audio = s.audio.Stats()
	}
	if s.video != nil {
		st.Video = s.video.Stats()
	}
	if b := s.reporter.Load(); b != nil {
		st.Engine = b.r.TransportStats()
	}
	return st
}
