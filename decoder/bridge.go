package decoder

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MaxPayloadSize bounds the staging buffer each payload is copied into
// before the decode callback runs. Larger payloads are truncated to this
// size; the decoder then sees an incomplete access unit and is expected to
// report a failure for it.
const MaxPayloadSize = 2048

// ErrClosed is returned by Init and Reset after Uninit.
var ErrClosed = errors.New("decoder: bridge closed")

// Callbacks is the external decoder. Any field may be nil: a nil Init or
// Uninit is skipped and a nil Decode produces no samples.
type Callbacks struct {
	Init func(p InitParams) error
	// Decode decodes one payload into out and returns the number of samples
	// per channel, or a value <= 0 on failure.
	Decode func(payload []byte, sampleRate, channels int, out []int16) int
	Uninit func()
}

// Bridge forwards decode requests for one decoder instance.
type Bridge struct {
	params InitParams
	cb     Callbacks
	log    *slog.Logger

	mu          sync.Mutex
	staging     [MaxPayloadSize]byte
	initialized bool
	closed      bool

	truncLog rate.Sometimes
}

// NewBridge creates a bridge for params. If log is nil, slog.Default() is
// used.
func NewBridge(params InitParams, cb Callbacks, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{
		params:   params,
		cb:       cb,
		log:      log.With("component", "decoder"),
		truncLog: rate.Sometimes{Interval: 5 * time.Second},
	}
}

// Params returns the parameters the bridge was built with.
func (b *Bridge) Params() InitParams { return b.params }

// Init invokes the init callback once. Later calls are no-ops until Reset.
func (b *Bridge) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.initialized {
		return nil
	}
	return b.initLocked()
}

// Reset re-invokes the init callback with the same parameters.
func (b *Bridge) Reset() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.log.Info("decoder reset")
	return b.initLocked()
}

func (b *Bridge) initLocked() error {
	p := b.initArgs()
	b.log.Info("decoder init",
		"channels", p.Channels,
		"decodeRate", p.DecodeRate,
		"clockRate", p.ClockRate,
		"latm", p.LATM,
		"sbr", p.SBR,
		"ps", p.PS,
		"extraConfigLen", len(p.ExtraConfig))
	if b.cb.Init != nil {
		if err := b.cb.Init(p); err != nil {
			return err
		}
	}
	b.initialized = true
	return nil
}

// initArgs reverses the doubling rule: the external decoder expects the
// core channel count and rate and applies PS and SBR itself.
func (b *Bridge) initArgs() InitParams {
	p := b.params
	if p.PS {
		p.Channels /= 2
	}
	if p.SBR {
		p.DecodeRate /= 2
	}
	return p
}

// Decode stages payload (truncated to MaxPayloadSize) and runs the decode
// callback. It returns the total interleaved sample count, zero when no
// decode callback is set, or the callback's non-positive result on failure.
func (b *Bridge) Decode(payload []byte, sampleRate, channels int, out []int16) int {
	if b.cb.Decode == nil {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return -1
	}

	n := len(payload)
	if n > MaxPayloadSize {
		b.truncLog.Do(func() {
			b.log.Warn("payload truncated", "size", n, "max", MaxPayloadSize)
		})
		n = MaxPayloadSize
	}
	copy(b.staging[:], payload[:n])

	ret := b.cb.Decode(b.staging[:n], sampleRate, channels, out)
	if ret > 0 {
		ret *= channels
	}
	return ret
}

// Uninit invokes the uninit callback once. Subsequent calls do nothing.
func (b *Bridge) Uninit() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	if b.cb.Uninit != nil {
		b.cb.Uninit()
	}
	b.log.Info("decoder uninit")
}
