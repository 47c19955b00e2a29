package latm

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestParseConfigVectors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		hex        string
		objectType int
		rate       int
		channels   int
		sbr, ps    bool
	}{
		{"lc 44.1k mono", "40002410", 2, 44100, 1, false, false},
		{"lc 44.1k stereo", "400024203fc0", 2, 44100, 2, false, false},
		{"lc 48k stereo", "40002320", 2, 48000, 2, false, false},
		{"lc 64k stereo", "40002220", 2, 64000, 2, false, false},
		{"he-aac 24k stereo", "40005620", 5, 24000, 2, true, false},
		{"he-aac 64k stereo", "40005220", 5, 64000, 2, true, false},
		{"he-aac v2 24k mono", "4001D610", 29, 24000, 1, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := NewParser(nil).Parse(tt.hex)
			if err != nil {
				t.Fatalf("Parse(%q): %v", tt.hex, err)
			}
			if cfg.ObjectType != tt.objectType {
				t.Errorf("ObjectType: got %d, want %d", cfg.ObjectType, tt.objectType)
			}
			if cfg.SampleRate != tt.rate {
				t.Errorf("SampleRate: got %d, want %d", cfg.SampleRate, tt.rate)
			}
			if cfg.Channels != tt.channels {
				t.Errorf("Channels: got %d, want %d", cfg.Channels, tt.channels)
			}
			if cfg.SBR != tt.sbr || cfg.PS != tt.ps {
				t.Errorf("SBR/PS: got %v/%v, want %v/%v", cfg.SBR, cfg.PS, tt.sbr, tt.ps)
			}
		})
	}
}

func TestEffectiveRateAndChannels(t *testing.T) {
	t.Parallel()
	cfg, err := NewParser(nil).Parse("4001D610")
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.EffectiveSampleRate(); got != 48000 {
		t.Errorf("EffectiveSampleRate: got %d, want 48000", got)
	}
	if got := cfg.EffectiveChannels(); got != 2 {
		t.Errorf("EffectiveChannels: got %d, want 2", got)
	}

	lc, _ := NewParser(nil).Parse("40002410")
	if lc.EffectiveSampleRate() != 44100 || lc.EffectiveChannels() != 1 {
		t.Errorf("LC effective: got %d/%d, want 44100/1", lc.EffectiveSampleRate(), lc.EffectiveChannels())
	}
}

func TestFrequencyTable(t *testing.T) {
	t.Parallel()
	if len(SampleRates) != 13 {
		t.Fatalf("table length: got %d, want 13", len(SampleRates))
	}
	if SampleRates[2] != 64000 || SampleRates[3] != 48000 || SampleRates[4] != 44100 {
		t.Errorf("table: got [2]=%d [3]=%d [4]=%d", SampleRates[2], SampleRates[3], SampleRates[4])
	}
}

func TestParseConfigErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		hex   string
		want  error
		field string
	}{
		{"empty", "", ErrMalformedDescriptor, "config"},
		{"odd length", "400", ErrMalformedDescriptor, "config"},
		{"not hex", "zz002410", ErrMalformedDescriptor, "config"},
		{"truncated", "000000", ErrTruncatedDescriptor, "channelConfiguration"},
		{"mux version 1", "80002410", ErrUnsupportedVersion, "audioMuxVersion"},
		{"sub frames", "01002410", ErrUnexpectedSubFrames, "numSubFrames"},
		{"programs", "40102410", ErrUnexpectedProgramCount, "numProgram"},
		{"layers", "40022410", ErrUnexpectedLayerCount, "numLayer"},
		{"object type 31", "4001F410", ErrInvalidObjectType, "audioObjectType"},
		{"frequency index 12", "40002C10", ErrInvalidFrequencyIndex, "samplingFrequencyIndex"},
		{"frequency index 15", "40002F10", ErrInvalidFrequencyIndex, "samplingFrequencyIndex"},
		{"channel config 0", "40002400", ErrUnsupportedChannelConfig, "channelConfiguration"},
		{"channel config 6", "40002460", ErrUnsupportedChannelConfig, "channelConfiguration"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := NewParser(nil).Parse(tt.hex)
			if cfg != nil {
				t.Errorf("Parse(%q) returned a config alongside an error", tt.hex)
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("Parse(%q): got %v, want %v", tt.hex, err, tt.want)
			}
			var fe *FieldError
			if !errors.As(err, &fe) {
				t.Fatalf("error %v is not a *FieldError", err)
			}
			if fe.Field != tt.field {
				t.Errorf("Field: got %q, want %q", fe.Field, tt.field)
			}
		})
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	t.Parallel()
	cfg, err := NewParser(nil).Parse("4001D610")
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.Hex(); got != "4001D610" {
		t.Errorf("Hex: got %s, want 4001D610", got)
	}

	built := &Config{AllStreamsSameTimeFraming: true, ObjectType: 2, FrequencyIndex: 3, ChannelConfig: 2}
	back, err := NewParser(nil).Parse(built.Hex())
	if err != nil {
		t.Fatalf("Parse(%s): %v", built.Hex(), err)
	}
	if back.SampleRate != 48000 || back.Channels != 2 {
		t.Errorf("got %d Hz %d ch, want 48000 Hz 2 ch", back.SampleRate, back.Channels)
	}
}

func TestParserLogsOnce(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	p := NewParser(slog.New(slog.NewTextHandler(&buf, nil)))

	for i := 0; i < 3; i++ {
		if _, err := p.Parse("40002410"); err != nil {
			t.Fatal(err)
		}
	}
	if n := strings.Count(buf.String(), "stream mux config"); n != 1 {
		t.Errorf("diagnostic lines: got %d, want 1", n)
	}
}

func TestParseConfigDefaultParser(t *testing.T) {
	t.Parallel()
	cfg, err := ParseConfig("400024203fc0")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(cfg.Raw, []byte{0x40, 0x00, 0x24, 0x20, 0x3f, 0xc0}) {
		t.Errorf("Raw: got %x", cfg.Raw)
	}
}
