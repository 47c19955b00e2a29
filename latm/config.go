// Package latm decodes the StreamMuxConfig descriptor that MP4A-LATM
// sessions advertise in the SDP fmtp "config" parameter, yielding the
// base sample rate, channel count and SBR/PS extension flags needed to
// initialize an AAC decoder.
package latm

import (
	"encoding/hex"
	"log/slog"
	"strings"
	"sync/atomic"
)

// SampleRates is the AAC samplingFrequencyIndex table (ISO 14496-3).
var SampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// maxFrequencyIndex bounds the accepted samplingFrequencyIndex. The last
// table entry (7350 Hz) is not accepted.
const maxFrequencyIndex = 12

// Audio object types that enable the SBR and PS extensions.
const (
	ObjectTypeSBR = 5
	ObjectTypePS  = 29

	maxObjectType = 31
)

// Config is a parsed StreamMuxConfig. SampleRate and Channels are the base
// values from the AudioSpecificConfig; use EffectiveSampleRate and
// EffectiveChannels for the rates implied by SBR and PS.
type Config struct {
	AllStreamsSameTimeFraming bool
	ObjectType                int
	FrequencyIndex            int
	ChannelConfig             int

	SampleRate int
	Channels   int
	SBR        bool
	PS         bool

	// Raw holds the decoded descriptor bytes, passed to decoders as extra
	// configuration.
	Raw []byte
}

// EffectiveSampleRate doubles the base rate when SBR is enabled.
func (c *Config) EffectiveSampleRate() int {
	if c.SBR {
		return c.SampleRate * 2
	}
	return c.SampleRate
}

// EffectiveChannels doubles the base channel count when PS is enabled.
func (c *Config) EffectiveChannels() int {
	if c.PS {
		return c.Channels * 2
	}
	return c.Channels
}

// Encode writes the parsed fields back as a descriptor, padded with zero
// bits to a whole number of bytes.
func (c *Config) Encode() []byte {
	w := newBitWriter(4)
	w.putUint32(1, 0) // audioMuxVersion
	if c.AllStreamsSameTimeFraming {
		w.putUint32(1, 1)
	} else {
		w.putUint32(1, 0)
	}
	w.putUint32(6, 0) // numSubFrames
	w.putUint32(4, 0) // numProgram
	w.putUint32(3, 0) // numLayer
	w.putUint32(5, uint32(c.ObjectType))
	w.putUint32(4, uint32(c.FrequencyIndex))
	w.putUint32(4, uint32(c.ChannelConfig))
	return w.bytes()
}

// Hex returns Encode as an uppercase hex string, the form used in SDP.
func (c *Config) Hex() string {
	return strings.ToUpper(hex.EncodeToString(c.Encode()))
}

// Parser parses descriptors and logs the field breakdown of the first
// successful parse only.
type Parser struct {
	log    *slog.Logger
	logged atomic.Bool
}

// NewParser creates a Parser. If log is nil, slog.Default() is used.
func NewParser(log *slog.Logger) *Parser {
	if log == nil {
		log = slog.Default()
	}
	return &Parser{log: log.With("component", "latm")}
}

var defaultParser = NewParser(nil)

// ParseConfig parses a hex descriptor with the process-wide parser.
func ParseConfig(s string) (*Config, error) {
	return defaultParser.Parse(s)
}

// Parse decodes an even-length hex string and validates it as a
// single-program, single-layer StreamMuxConfig with a mono or stereo
// AudioSpecificConfig.
func (p *Parser) Parse(s string) (*Config, error) {
	if len(s) == 0 || len(s)%2 != 0 {
		return nil, &FieldError{Field: "config", Value: uint32(len(s)), Err: ErrMalformedDescriptor}
	}
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, &FieldError{Field: "config", Err: ErrMalformedDescriptor}
	}

	r := newBitReader(data)
	read := func(field string, n int) (uint32, error) {
		v, ok := r.readBits(n)
		if !ok {
			return 0, &FieldError{Field: field, Err: ErrTruncatedDescriptor}
		}
		return v, nil
	}

	version, err := read("audioMuxVersion", 1)
	if err != nil {
		return nil, err
	}
	if version != 0 {
		return nil, &FieldError{Field: "audioMuxVersion", Value: version, Err: ErrUnsupportedVersion}
	}

	sameTimeFraming, err := read("allStreamsSameTimeFraming", 1)
	if err != nil {
		return nil, err
	}

	subFrames, err := read("numSubFrames", 6)
	if err != nil {
		return nil, err
	}
	if subFrames != 0 {
		return nil, &FieldError{Field: "numSubFrames", Value: subFrames, Err: ErrUnexpectedSubFrames}
	}

	programs, err := read("numProgram", 4)
	if err != nil {
		return nil, err
	}
	if programs != 0 {
		return nil, &FieldError{Field: "numProgram", Value: programs, Err: ErrUnexpectedProgramCount}
	}

	layers, err := read("numLayer", 3)
	if err != nil {
		return nil, err
	}
	if layers != 0 {
		return nil, &FieldError{Field: "numLayer", Value: layers, Err: ErrUnexpectedLayerCount}
	}

	objectType, err := read("audioObjectType", 5)
	if err != nil {
		return nil, err
	}
	if objectType >= maxObjectType {
		return nil, &FieldError{Field: "audioObjectType", Value: objectType, Err: ErrInvalidObjectType}
	}

	freqIdx, err := read("samplingFrequencyIndex", 4)
	if err != nil {
		return nil, err
	}
	if freqIdx >= maxFrequencyIndex {
		return nil, &FieldError{Field: "samplingFrequencyIndex", Value: freqIdx, Err: ErrInvalidFrequencyIndex}
	}

	chanCfg, err := read("channelConfiguration", 4)
	if err != nil {
		return nil, err
	}
	if chanCfg != 1 && chanCfg != 2 {
		return nil, &FieldError{Field: "channelConfiguration", Value: chanCfg, Err: ErrUnsupportedChannelConfig}
	}

	cfg := &Config{
		AllStreamsSameTimeFraming: sameTimeFraming == 1,
		ObjectType:                int(objectType),
		FrequencyIndex:            int(freqIdx),
		ChannelConfig:             int(chanCfg),
		SampleRate:                SampleRates[freqIdx],
		Channels:                  int(chanCfg),
		SBR:                       objectType == ObjectTypeSBR || objectType == ObjectTypePS,
		PS:                        objectType == ObjectTypePS,
		Raw:                       data,
	}

	if p.logged.CompareAndSwap(false, true) {
		p.log.Info("stream mux config",
			"audioMuxVersion", version,
			"allStreamsSameTimeFraming", sameTimeFraming,
			"numSubFrames", subFrames,
			"numProgram", programs,
			"numLayer", layers,
			"audioObjectType", objectType,
			"sbr", cfg.SBR,
			"ps", cfg.PS,
			"samplingFrequencyIndex", freqIdx,
			"sampleRate", cfg.SampleRate,
			"channelConfiguration", chanCfg)
	}

	return cfg, nil
}
