// Package decoder adapts encoded AAC payloads to an externally supplied
// init/decode/uninit callback triple. It derives the decoder setup from the
// negotiated StreamMuxConfig and never decodes samples itself.
package decoder

import (
	"log/slog"
	"strings"

	"github.com/zsiec/rtd/latm"
)

// InitParams configures one decoder instance. Channels and DecodeRate hold
// the effective values (after the SBR/PS doubling rule); the values handed
// to the init callback are derived from them by Bridge.Init.
type InitParams struct {
	Channels    int
	DecodeRate  int
	ClockRate   int
	LATM        bool
	SBR         bool
	PS          bool
	ExtraConfig []byte
}

// ParamsFromConfig builds params from a parsed descriptor. clockRate is the
// RTP clock rate negotiated in SDP.
func ParamsFromConfig(cfg *latm.Config, clockRate int, latmFraming bool) InitParams {
	return InitParams{
		Channels:    cfg.EffectiveChannels(),
		DecodeRate:  cfg.EffectiveSampleRate(),
		ClockRate:   clockRate,
		LATM:        latmFraming,
		SBR:         cfg.SBR,
		PS:          cfg.PS,
		ExtraConfig: cfg.Raw,
	}
}

// FallbackParams builds params from the negotiated rate and channel count
// with both extensions disabled.
func FallbackParams(rate, channels, clockRate int, latmFraming bool) InitParams {
	return InitParams{
		Channels:   channels,
		DecodeRate: rate,
		ClockRate:  clockRate,
		LATM:       latmFraming,
	}
}

// ParamsFromFmtp derives params for an MP4A-LATM stream from its fmtp
// parameters. When cpresent=1 the configuration travels in-band and the
// negotiated values are used as is. Otherwise the "config" descriptor is
// parsed with p; a missing or invalid descriptor falls back to the
// negotiated values and is logged.
func ParamsFromFmtp(p *latm.Parser, fmtp map[string]string, rate, channels int, log *slog.Logger) InitParams {
	if log == nil {
		log = slog.Default()
	}
	var cpresent bool
	var config string
	for k, v := range fmtp {
		switch strings.ToLower(k) {
		case "cpresent":
			cpresent = v == "1"
		case "config":
			config = v
		}
	}

	if cpresent {
		return FallbackParams(rate, channels, rate, true)
	}
	if config == "" {
		log.Warn("no stream mux config in fmtp, using negotiated values", "rate", rate, "channels", channels)
		return FallbackParams(rate, channels, rate, false)
	}

	cfg, err := p.Parse(config)
	if err != nil {
		log.Error("stream mux config parse failed, using negotiated values",
			"error", err, "config", config, "rate", rate, "channels", channels)
		return FallbackParams(rate, channels, rate, false)
	}
	return ParamsFromConfig(cfg, rate, false)
}
