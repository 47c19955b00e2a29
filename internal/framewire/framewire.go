// Package framewire serializes pulled frames into a compact byte stream for
// files and network sinks. A stream is a header followed by records; all
// integers are QUIC variable-length integers (RFC 9000 16).
//
//	header: "RTDF" version flags audioChannels audioSampleRate
//	        len(audioCodec) audioCodec len(videoCodec) videoCodec
//	record: kind pts dts duration flag len(payload) payload
package framewire

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/rtd/media"
)

const (
	Version = 1

	// MaxPayloadSize bounds a record payload accepted by Reader.
	MaxPayloadSize = 8 << 20
	maxCodecLen    = 64

	flagAudio = 0x01
	flagVideo = 0x02
)

var magic = [4]byte{'R', 'T', 'D', 'F'}

var (
	ErrBadMagic           = errors.New("framewire: bad magic")
	ErrUnsupportedVersion = errors.New("framewire: unsupported version")
	ErrTooLarge           = errors.New("framewire: field too large")
)

// ParseError records which field was being read when decoding failed.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("framewire: parse %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Record is one decoded frame.
type Record struct {
	Kind     media.Kind
	PTS      uint64
	DTS      uint64
	Duration int
	Flag     int
	Payload  []byte
}

// IsKeyframe reports whether the keyframe flag is set.
func (r Record) IsKeyframe() bool { return r.Flag&media.FlagKeyframe != 0 }

// Writer encodes a frame stream.
type Writer struct {
	w   io.Writer
	buf []byte
}

// NewWriter returns a writer on w. Call WriteHeader before any frame.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteHeader writes the stream header describing info.
func (w *Writer) WriteHeader(info media.StreamInfo) error {
	if err := checkInt("audioChannels", info.AudioChannels); err != nil {
		return err
	}
	if err := checkInt("audioSampleRate", info.AudioSampleRate); err != nil {
		return err
	}
	if len(info.AudioCodec) > maxCodecLen {
		return &ParseError{Field: "audioCodec", Err: ErrTooLarge}
	}
	if len(info.VideoCodec) > maxCodecLen {
		return &ParseError{Field: "videoCodec", Err: ErrTooLarge}
	}

	var flags uint64
	if info.AudioEnabled {
		flags |= flagAudio
	}
	if info.VideoEnabled {
		flags |= flagVideo
	}

	b := append(w.buf[:0], magic[:]...)
	b = quicvarint.Append(b, Version)
	b = quicvarint.Append(b, flags)
	b = quicvarint.Append(b, uint64(info.AudioChannels))
	b = quicvarint.Append(b, uint64(info.AudioSampleRate))
	b = appendString(b, info.AudioCodec)
	b = appendString(b, info.VideoCodec)
	w.buf = b

	_, err := w.w.Write(b)
	return err
}

func appendString(b []byte, s string) []byte {
	b = quicvarint.Append(b, uint64(len(s)))
	return append(b, s...)
}

// WriteFrame writes one frame and returns the number of bytes written.
func (w *Writer) WriteFrame(f *media.Frame) (int64, error) {
	buf := f.Buffer
	return w.WriteRecord(Record{
		Kind:     f.Kind,
		PTS:      buf.PTS,
		DTS:      buf.DTS,
		Duration: buf.Duration,
		Flag:     buf.Flag,
		Payload:  buf.Bytes(),
	})
}

// WriteRecord writes one record and returns the number of bytes written.
// Fields that cannot be encoded fail with a *ParseError before anything is
// written.
func (w *Writer) WriteRecord(r Record) (int64, error) {
	if err := checkRecord(r); err != nil {
		return 0, err
	}
	hdr := w.buf[:0]
	hdr = quicvarint.Append(hdr, uint64(r.Kind))
	hdr = quicvarint.Append(hdr, r.PTS)
	hdr = quicvarint.Append(hdr, r.DTS)
	hdr = quicvarint.Append(hdr, uint64(r.Duration))
	hdr = quicvarint.Append(hdr, uint64(r.Flag))
	hdr = quicvarint.Append(hdr, uint64(len(r.Payload)))
	w.buf = hdr

	if _, err := w.w.Write(hdr); err != nil {
		return 0, err
	}
	if _, err := w.w.Write(r.Payload); err != nil {
		return int64(len(hdr)), err
	}
	return int64(len(hdr) + len(r.Payload)), nil
}

func checkRecord(r Record) error {
	switch r.Kind {
	case media.KindVideo, media.KindAudio:
	default:
		return &ParseError{Field: "kind", Err: fmt.Errorf("unknown kind %d", r.Kind)}
	}
	if r.PTS > quicvarint.Max {
		return &ParseError{Field: "pts", Err: ErrTooLarge}
	}
	if r.DTS > quicvarint.Max {
		return &ParseError{Field: "dts", Err: ErrTooLarge}
	}
	if err := checkInt("duration", r.Duration); err != nil {
		return err
	}
	if err := checkInt("flag", r.Flag); err != nil {
		return err
	}
	if len(r.Payload) > MaxPayloadSize {
		return &ParseError{Field: "length", Err: ErrTooLarge}
	}
	return nil
}

// checkInt rejects values a varint cannot carry.
func checkInt(field string, v int) error {
	if v < 0 {
		return &ParseError{Field: field, Err: fmt.Errorf("negative value %d", v)}
	}
	if uint64(v) > quicvarint.Max {
		return &ParseError{Field: field, Err: ErrTooLarge}
	}
	return nil
}

// RecordSize returns the encoded size of r.
func RecordSize(r Record) int {
	return quicvarint.Len(uint64(r.Kind)) +
		quicvarint.Len(r.PTS) +
		quicvarint.Len(r.DTS) +
		quicvarint.Len(uint64(r.Duration)) +
		quicvarint.Len(uint64(r.Flag)) +
		quicvarint.Len(uint64(len(r.Payload))) +
		len(r.Payload)
}

// Reader decodes a frame stream.
type Reader struct {
	r *bufio.Reader
}

// NewReader returns a reader on r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// ReadHeader reads and validates the stream header.
func (r *Reader) ReadHeader() (media.StreamInfo, error) {
	var info media.StreamInfo
	var m [4]byte
	if _, err := io.ReadFull(r.r, m[:]); err != nil {
		return info, &ParseError{Field: "magic", Err: err}
	}
	if m != magic {
		return info, ErrBadMagic
	}
	v, err := r.varint("version")
	if err != nil {
		return info, err
	}
	if v != Version {
		return info, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}
	flags, err := r.varint("flags")
	if err != nil {
		return info, err
	}
	ch, err := r.varint("audioChannels")
	if err != nil {
		return info, err
	}
	rate, err := r.varint("audioSampleRate")
	if err != nil {
		return info, err
	}
	ac, err := r.string("audioCodec")
	if err != nil {
		return info, err
	}
	vc, err := r.string("videoCodec")
	if err != nil {
		return info, err
	}

	info.AudioEnabled = flags&flagAudio != 0
	info.VideoEnabled = flags&flagVideo != 0
	info.AudioChannels = int(ch)
	info.AudioSampleRate = int(rate)
	info.AudioCodec = ac
	info.VideoCodec = vc
	return info, nil
}

// ReadRecord reads the next record. It returns io.EOF at a clean end of
// stream.
func (r *Reader) ReadRecord() (Record, error) {
	kind, err := quicvarint.Read(r.r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, &ParseError{Field: "kind", Err: err}
	}

	var rec Record
	switch media.Kind(kind) {
	case media.KindVideo, media.KindAudio:
		rec.Kind = media.Kind(kind)
	default:
		return Record{}, &ParseError{Field: "kind", Err: fmt.Errorf("unknown kind %d", kind)}
	}

	if rec.PTS, err = r.varint("pts"); err != nil {
		return Record{}, err
	}
	if rec.DTS, err = r.varint("dts"); err != nil {
		return Record{}, err
	}
	d, err := r.varint("duration")
	if err != nil {
		return Record{}, err
	}
	flag, err := r.varint("flag")
	if err != nil {
		return Record{}, err
	}
	n, err := r.varint("length")
	if err != nil {
		return Record{}, err
	}
	if n > MaxPayloadSize {
		return Record{}, &ParseError{Field: "length", Err: ErrTooLarge}
	}
	rec.Duration = int(d)
	rec.Flag = int(flag)
	rec.Payload = make([]byte, n)
	if _, err := io.ReadFull(r.r, rec.Payload); err != nil {
		return Record{}, &ParseError{Field: "payload", Err: unexpected(err)}
	}
	return rec, nil
}

func (r *Reader) varint(field string) (uint64, error) {
	v, err := quicvarint.Read(r.r)
	if err != nil {
		return 0, &ParseError{Field: field, Err: unexpected(err)}
	}
	return v, nil
}

func (r *Reader) string(field string) (string, error) {
	n, err := r.varint(field)
	if err != nil {
		return "", err
	}
	if n > maxCodecLen {
		return "", &ParseError{Field: field, Err: ErrTooLarge}
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		return "", &ParseError{Field: field, Err: unexpected(err)}
	}
	return string(b), nil
}

// unexpected turns a mid-record EOF into io.ErrUnexpectedEOF.
func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
