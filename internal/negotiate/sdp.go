// Package negotiate builds the receive-only SDP offer sent to the signaling
// server and extracts the negotiated codecs and RTP endpoints from its
// answer.
package negotiate

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"

	"github.com/zsiec/rtd/media"
)

// Codec names understood by the receiver.
const (
	CodecLATM = "MP4A-LATM"
	CodecADTS = "MP4A-ADTS"
	CodecOpus = "opus"
	CodecH264 = "H264"
)

var (
	ErrNoMedia    = errors.New("negotiate: answer has no media")
	ErrInvalidSDP = errors.New("negotiate: invalid sdp")
)

// Codec is one negotiated payload format.
type Codec struct {
	PayloadType uint8
	Name        string
	ClockRate   int
	Channels    int
	Fmtp        map[string]string
}

// Is reports whether the codec has the given name, ignoring case.
func (c Codec) Is(name string) bool { return strings.EqualFold(c.Name, name) }

// offerCodec is a payload format advertised in the offer.
type offerCodec struct {
	pt     uint8
	rtpmap string
	fmtp   string
}

var audioOffer = []offerCodec{
	{96, CodecLATM + "/48000/2", ""},
	{97, CodecLATM + "/44100/2", ""},
	{98, CodecADTS + "/48000/2", ""},
	{99, CodecADTS + "/44100/2", ""},
	{111, CodecOpus + "/48000/2", "minptime=10;useinbandfec=1"},
}

var videoOffer = []offerCodec{
	{102, CodecH264 + "/90000", "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f"},
}

// OfferParams describes the local receive endpoints.
type OfferParams struct {
	Address   string
	AudioPort int
	VideoPort int
}

// BuildOffer creates a recvonly audio+video offer advertising the supported
// payload formats.
func BuildOffer(p OfferParams) *sdp.SessionDescription {
	offer := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      uint64(time.Now().UnixNano()),
			SessionVersion: 2,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: p.Address,
		},
		SessionName: "rtd",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: p.Address},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
	}
	offer.MediaDescriptions = []*sdp.MediaDescription{
		mediaDescription("audio", p.AudioPort, audioOffer),
		mediaDescription("video", p.VideoPort, videoOffer),
	}
	return offer
}

func mediaDescription(kind string, port int, codecs []offerCodec) *sdp.MediaDescription {
	formats := make([]string, 0, len(codecs))
	for _, c := range codecs {
		formats = append(formats, strconv.Itoa(int(c.pt)))
	}
	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   kind,
			Port:    sdp.RangedPort{Value: port},
			Protos:  []string{"RTP", "AVP"},
			Formats: formats,
		},
	}
	for _, c := range codecs {
		md.Attributes = append(md.Attributes, sdp.Attribute{
			Key:   "rtpmap",
			Value: fmt.Sprintf("%d %s", c.pt, c.rtpmap),
		})
		if c.fmtp != "" {
			md.Attributes = append(md.Attributes, sdp.Attribute{
				Key:   "fmtp",
				Value: fmt.Sprintf("%d %s", c.pt, c.fmtp),
			})
		}
	}
	md.Attributes = append(md.Attributes, sdp.Attribute{Key: "recvonly"})
	return md
}

// Offer marshals BuildOffer(p).
func Offer(p OfferParams) (string, error) {
	b, err := BuildOffer(p).Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal offer: %w", err)
	}
	return string(b), nil
}

// Media is one negotiated m-line.
type Media struct {
	Kind    media.Kind
	Address string
	Port    int
	Codecs  []Codec
}

// Codec returns the preferred (first) codec.
func (m *Media) Codec() (Codec, bool) {
	if m == nil || len(m.Codecs) == 0 {
		return Codec{}, false
	}
	return m.Codecs[0], true
}

// CodecFor returns the codec negotiated for payload type pt.
func (m *Media) CodecFor(pt uint8) (Codec, bool) {
	if m == nil {
		return Codec{}, false
	}
	for _, c := range m.Codecs {
		if c.PayloadType == pt {
			return c, true
		}
	}
	return Codec{}, false
}

// Answer is the parsed remote description.
type Answer struct {
	Audio *Media
	Video *Media
}

// ParseAnswer parses an SDP answer. m-lines with port 0 are rejected
// streams and are skipped.
func ParseAnswer(raw string) (*Answer, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(raw)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSDP, err)
	}

	sessionAddr := ""
	if sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil {
		sessionAddr = sd.ConnectionInformation.Address.Address
	} else if sd.Origin.UnicastAddress != "" {
		sessionAddr = sd.Origin.UnicastAddress
	}

	ans := &Answer{}
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Port.Value == 0 {
			continue
		}
		m := &Media{Address: sessionAddr, Port: md.MediaName.Port.Value}
		if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
			m.Address = md.ConnectionInformation.Address.Address
		}
		for _, f := range md.MediaName.Formats {
			pt, err := strconv.ParseUint(f, 10, 8)
			if err != nil {
				continue
			}
			c, err := sd.GetCodecForPayloadType(uint8(pt))
			if err != nil {
				continue
			}
			m.Codecs = append(m.Codecs, toCodec(c, md.MediaName.Media))
		}

		switch md.MediaName.Media {
		case "audio":
			if ans.Audio == nil {
				m.Kind = media.KindAudio
				ans.Audio = m
			}
		case "video":
			if ans.Video == nil {
				m.Kind = media.KindVideo
				ans.Video = m
			}
		}
	}

	if ans.Audio == nil && ans.Video == nil {
		return nil, ErrNoMedia
	}
	return ans, nil
}

func toCodec(c sdp.Codec, kind string) Codec {
	out := Codec{
		PayloadType: c.PayloadType,
		Name:        c.Name,
		ClockRate:   int(c.ClockRate),
		Fmtp:        ParseFmtp(c.Fmtp),
	}
	if kind == "audio" {
		out.Channels = 1
		if n, err := strconv.Atoi(c.EncodingParameters); err == nil && n > 0 {
			out.Channels = n
		}
	}
	return out
}

// ParseFmtp splits "k1=v1;k2=v2" format parameters. Keys are lower-cased.
func ParseFmtp(s string) map[string]string {
	params := make(map[string]string)
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		params[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return params
}

// StreamInfo summarizes the answer for the getStreamInfo command, using
// the preferred codec of each kind.
func (a *Answer) StreamInfo() media.StreamInfo {
	var info media.StreamInfo
	if c, ok := a.Audio.Codec(); ok {
		info.AudioEnabled = true
		info.AudioSampleRate = c.ClockRate
		info.AudioChannels = c.Channels
		info.AudioCodec = c.Name
	}
	if c, ok := a.Video.Codec(); ok {
		info.VideoEnabled = true
		info.VideoCodec = strings.ToLower(c.Name)
	}
	return info
}
