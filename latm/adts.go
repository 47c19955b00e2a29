package latm

import "errors"

// ErrInvalidADTS is returned when an ADTS header carries an out-of-range
// sampling frequency index.
var ErrInvalidADTS = errors.New("latm: invalid ADTS header")

// ADTSFrame is one AAC access unit split out of an MP4A-ADTS payload.
type ADTSFrame struct {
	Data       []byte // raw AAC payload, header stripped
	ObjectType int
	SampleRate int
	Channels   int
}

// SplitADTS splits an ADTS byte stream into access units. Bytes before a
// sync word are skipped and a trailing partial frame is ignored.
func SplitADTS(data []byte) ([]ADTSFrame, error) {
	var frames []ADTSFrame
	offset := 0

	for len(data)-offset >= 7 {
		if data[offset] != 0xFF || data[offset+1]&0xF0 != 0xF0 {
			offset++
			continue
		}

		headerSize := 7
		if data[offset+1]&0x01 == 0 {
			headerSize = 9 // CRC present
		}

		profile := int(data[offset+2]>>6) & 0x03
		freqIdx := int(data[offset+2]>>2) & 0x0F
		if freqIdx >= len(SampleRates) {
			return frames, ErrInvalidADTS
		}
		channels := int(data[offset+2]&0x01)<<2 | int(data[offset+3]>>6)&0x03

		frameLen := int(data[offset+3]&0x03)<<11 |
			int(data[offset+4])<<3 |
			int(data[offset+5]>>5)
		if frameLen < headerSize || offset+frameLen > len(data) {
			break
		}

		frames = append(frames, ADTSFrame{
			Data:       data[offset+headerSize : offset+frameLen],
			ObjectType: profile + 1,
			SampleRate: SampleRates[freqIdx],
			Channels:   channels,
		})
		offset += frameLen
	}

	return frames, nil
}
