// Package srt pushes the pulled frame stream to a remote SRT listener in
// caller mode.
package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	srtgo "github.com/zsiec/srtgo"
)

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// MaxMessageSize is the largest payload sent in one SRT live-mode message.
const MaxMessageSize = 1316

const DefaultDialTimeout = 10 * time.Second

var ErrClosed = errors.New("srt: sender closed")

// Config describes the remote listener.
type Config struct {
	Address     string
	StreamID    string
	DialTimeout time.Duration
}

// Stats is a snapshot of sender counters.
type Stats struct {
	BytesSent uint64 `json:"bytesSent"`
	Messages  uint64 `json:"messages"`
	UptimeMs  int64  `json:"uptimeMs"`
}

// Sender is an io.WriteCloser over an SRT connection. Writes larger than
// MaxMessageSize are split into several messages.
type Sender struct {
	conn  io.WriteCloser
	log   *slog.Logger
	start time.Time

	mu     sync.Mutex
	closed bool

	bytes    atomic.Uint64
	messages atomic.Uint64
}

// streamIDFor returns id, defaulting to "publish/<key>" derived from the
// last element of url.
func streamIDFor(id, url string) string {
	if id != "" {
		return id
	}
	key := strings.TrimRight(url, "/")
	if i := strings.LastIndex(key, "/"); i >= 0 {
		key = key[i+1:]
	}
	if key == "" {
		key = "default"
	}
	return "publish/" + key
}

// Dial connects to cfg.Address. url names the pulled stream and is used
// to derive the SRT stream id when cfg.StreamID is empty.
func Dial(ctx context.Context, cfg Config, url string, log *slog.Logger) (*Sender, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("address is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	log = log.With("component", "srt-sender", "address", cfg.Address)

	scfg := srtgo.DefaultConfig()
	scfg.Latency = srtLatencyNs
	scfg.StreamID = streamIDFor(cfg.StreamID, url)

	log.Info("dialing", "stream_id", scfg.StreamID)

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(cfg.Address, scfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	drain := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("SRT dial failed: %w", res.err)
		}
		log.Info("connected")
		return newSender(res.conn, log), nil
	case <-timer.C:
		drain()
		return nil, fmt.Errorf("SRT dial timed out after %s", timeout)
	case <-ctx.Done():
		drain()
		return nil, ctx.Err()
	}
}

func newSender(conn io.WriteCloser, log *slog.Logger) *Sender {
	if log == nil {
		log = slog.Default()
	}
	return &Sender{conn: conn, log: log, start: time.Now()}
}

// Write sends p, split into messages of at most MaxMessageSize bytes.
func (s *Sender) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	written := 0
	for len(p) > 0 {
		n := len(p)
		if n > MaxMessageSize {
			n = MaxMessageSize
		}
		m, err := s.conn.Write(p[:n])
		written += m
		s.bytes.Add(uint64(m))
		if err != nil {
			return written, err
		}
		s.messages.Add(1)
		p = p[n:]
	}
	return written, nil
}

// Close closes the connection. Further writes return ErrClosed.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	st := s.stats()
	s.log.Info("sender closed", "bytes", st.BytesSent, "messages", st.Messages, "uptime_ms", st.UptimeMs)
	return s.conn.Close()
}

// Stats returns a snapshot of the counters.
func (s *Sender) Stats() Stats { return s.stats() }

func (s *Sender) stats() Stats {
	return Stats{
		BytesSent: s.bytes.Load(),
		Messages:  s.messages.Load(),
		UptimeMs:  time.Since(s.start).Milliseconds(),
	}
}
