package negotiate

import (
	"strings"
	"testing"

	"github.com/pion/sdp/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/rtd/media"
)

const answerSDP = "v=0\r\n" +
	"o=- 4611731400430051336 2 IN IP4 10.0.0.5\r\n" +
	"s=-\r\n" +
	"c=IN IP4 10.0.0.5\r\n" +
	"t=0 0\r\n" +
	"m=audio 40000 RTP/AVP 97\r\n" +
	"a=rtpmap:97 MP4A-LATM/44100/2\r\n" +
	"a=fmtp:97 cpresent=0;config=400024203fc0\r\n" +
	"a=sendonly\r\n" +
	"m=video 40002 RTP/AVP 102\r\n" +
	"c=IN IP4 10.0.0.6\r\n" +
	"a=rtpmap:102 H264/90000\r\n" +
	"a=fmtp:102 packetization-mode=1;profile-level-id=42e01f\r\n" +
	"a=sendonly\r\n"

func TestBuildOffer(t *testing.T) {
	t.Parallel()
	raw, err := Offer(OfferParams{Address: "192.168.1.10", AudioPort: 5004, VideoPort: 5006})
	require.NoError(t, err)

	var sd sdp.SessionDescription
	require.NoError(t, sd.Unmarshal([]byte(raw)))
	require.Len(t, sd.MediaDescriptions, 2)

	audio := sd.MediaDescriptions[0]
	assert.Equal(t, "audio", audio.MediaName.Media)
	assert.Equal(t, 5004, audio.MediaName.Port.Value)
	assert.Equal(t, []string{"96", "97", "98", "99", "111"}, audio.MediaName.Formats)
	_, recvonly := audio.Attribute("recvonly")
	assert.True(t, recvonly)

	latm, err := sd.GetCodecForPayloadType(97)
	require.NoError(t, err)
	assert.Equal(t, CodecLATM, latm.Name)
	assert.Equal(t, uint32(44100), latm.ClockRate)

	h264, err := sd.GetCodecForPayloadType(102)
	require.NoError(t, err)
	assert.Equal(t, CodecH264, h264.Name)
	assert.Contains(t, h264.Fmtp, "packetization-mode=1")

	assert.Equal(t, "video", sd.MediaDescriptions[1].MediaName.Media)
	assert.Equal(t, 5006, sd.MediaDescriptions[1].MediaName.Port.Value)
}

func TestParseAnswer(t *testing.T) {
	t.Parallel()
	ans, err := ParseAnswer(answerSDP)
	require.NoError(t, err)
	require.NotNil(t, ans.Audio)
	require.NotNil(t, ans.Video)

	assert.Equal(t, media.KindAudio, ans.Audio.Kind)
	assert.Equal(t, "10.0.0.5", ans.Audio.Address)
	assert.Equal(t, 40000, ans.Audio.Port)

	c, ok := ans.Audio.Codec()
	require.True(t, ok)
	assert.Equal(t, uint8(97), c.PayloadType)
	assert.True(t, c.Is(CodecLATM))
	assert.Equal(t, 44100, c.ClockRate)
	assert.Equal(t, 2, c.Channels)
	assert.Equal(t, "0", c.Fmtp["cpresent"])
	assert.Equal(t, "400024203fc0", c.Fmtp["config"])

	assert.Equal(t, "10.0.0.6", ans.Video.Address, "media-level c= overrides session")
	v, ok := ans.Video.CodecFor(102)
	require.True(t, ok)
	assert.Equal(t, 90000, v.ClockRate)
	assert.Equal(t, 0, v.Channels)

	_, ok = ans.Video.CodecFor(96)
	assert.False(t, ok)
}

func TestAnswerStreamInfo(t *testing.T) {
	t.Parallel()
	ans, err := ParseAnswer(answerSDP)
	require.NoError(t, err)

	assert.Equal(t, media.StreamInfo{
		AudioEnabled:    true,
		AudioChannels:   2,
		AudioSampleRate: 44100,
		AudioCodec:      CodecLATM,
		VideoEnabled:    true,
		VideoCodec:      "h264",
	}, ans.StreamInfo())
}

func TestParseAnswerRejectedVideo(t *testing.T) {
	t.Parallel()
	raw := strings.Replace(answerSDP, "m=video 40002", "m=video 0", 1)
	ans, err := ParseAnswer(raw)
	require.NoError(t, err)
	assert.Nil(t, ans.Video)

	info := ans.StreamInfo()
	assert.True(t, info.AudioEnabled)
	assert.False(t, info.VideoEnabled)
}

func TestParseAnswerErrors(t *testing.T) {
	t.Parallel()
	_, err := ParseAnswer("not sdp")
	assert.ErrorIs(t, err, ErrInvalidSDP)

	noMedia := "v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"
	_, err = ParseAnswer(noMedia)
	assert.ErrorIs(t, err, ErrNoMedia)
}

func TestParseFmtp(t *testing.T) {
	t.Parallel()
	got := ParseFmtp(" CPresent=0; config=40002410 ;;object=2")
	assert.Equal(t, map[string]string{"cpresent": "0", "config": "40002410", "object": "2"}, got)
	assert.Empty(t, ParseFmtp(""))
}
