package latm

import (
	"errors"
	"fmt"
)

// Sentinel errors for StreamMuxConfig parsing. Callers distinguish failure
// modes with errors.Is.
var (
	ErrMalformedDescriptor      = errors.New("latm: malformed descriptor")
	ErrTruncatedDescriptor      = errors.New("latm: truncated descriptor")
	ErrUnsupportedVersion       = errors.New("latm: unsupported audioMuxVersion")
	ErrUnexpectedSubFrames      = errors.New("latm: unexpected numSubFrames")
	ErrUnexpectedProgramCount   = errors.New("latm: unexpected numProgram")
	ErrUnexpectedLayerCount     = errors.New("latm: unexpected numLayer")
	ErrInvalidObjectType        = errors.New("latm: invalid audioObjectType")
	ErrInvalidFrequencyIndex    = errors.New("latm: invalid samplingFrequencyIndex")
	ErrUnsupportedChannelConfig = errors.New("latm: unsupported channelConfiguration")
)

// FieldError records which descriptor field failed and the value read, if
// any. It wraps one of the sentinel errors above.
type FieldError struct {
	Field string
	Value uint32
	Err   error
}

func (e *FieldError) Error() string {
	if errors.Is(e.Err, ErrTruncatedDescriptor) {
		return fmt.Sprintf("%v: reading %s", e.Err, e.Field)
	}
	return fmt.Sprintf("%v: %s=%d", e.Err, e.Field, e.Value)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}
