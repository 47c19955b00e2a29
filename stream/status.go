package stream

import (
	"context"
	"errors"
	"io"
	"strconv"
)

// Status is the numeric result code reported at the API boundary.
type Status int

const (
	StatusOK                     Status = 10200
	StatusNullHandle             Status = 10300
	StatusUninitialized          Status = 10301
	StatusConnectionTimeout      Status = 10302
	StatusParamsIllegal          Status = 10400
	StatusAuthFailed             Status = 10403
	StatusStreamNotFound         Status = 10404
	StatusAppKeyIllegal          Status = 10414
	StatusServerConnectionFailed Status = 10500
	StatusMediaConnectionFailed  Status = 10600
	StatusFirstVideoFrameTimeout Status = 10601
	StatusMediaStreamStopped     Status = 10602
)

var statusNames = map[Status]string{
	StatusOK:                     "ok",
	StatusNullHandle:             "null handle",
	StatusUninitialized:          "uninitialized",
	StatusConnectionTimeout:      "connection timeout",
	StatusParamsIllegal:          "illegal parameters",
	StatusAuthFailed:             "auth failed",
	StatusStreamNotFound:         "stream not found",
	StatusAppKeyIllegal:          "illegal app key",
	StatusServerConnectionFailed: "server connection failed",
	StatusMediaConnectionFailed:  "media connection failed",
	StatusFirstVideoFrameTimeout: "first video frame timeout",
	StatusMediaStreamStopped:     "media stream stopped",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "status(" + strconv.Itoa(int(s)) + ")"
}

var (
	ErrNullHandle             = errors.New("stream: null handle")
	ErrUninitialized          = errors.New("stream: session not opened")
	ErrConnectionTimeout      = errors.New("stream: connection timeout")
	ErrParamsIllegal          = errors.New("stream: illegal parameters")
	ErrAuthFailed             = errors.New("stream: auth failed")
	ErrStreamNotFound         = errors.New("stream: stream not found")
	ErrAppKeyIllegal          = errors.New("stream: illegal app key")
	ErrServerConnectionFailed = errors.New("stream: server connection failed")
	ErrMediaConnectionFailed  = errors.New("stream: media connection failed")
	ErrFirstVideoFrameTimeout = errors.New("stream: first video frame timeout")
	ErrMediaStreamStopped     = errors.New("stream: media stream stopped")

	// ErrTryAgain is returned by ReadFrame when both queues are empty.
	ErrTryAgain = errors.New("stream: no frame available")
	// ErrInfoPending is returned by getStreamInfo before media info arrives.
	ErrInfoPending    = errors.New("stream: stream info not available yet")
	ErrUnknownCommand = errors.New("stream: unknown command")
	ErrInvalidState   = errors.New("stream: invalid session state")
	ErrInterrupted    = errors.New("stream: interrupted")
)

var statusErrors = []struct {
	err    error
	status Status
}{
	{ErrTryAgain, StatusOK},
	{ErrNullHandle, StatusNullHandle},
	{ErrUninitialized, StatusUninitialized},
	{ErrInfoPending, StatusUninitialized},
	{ErrConnectionTimeout, StatusConnectionTimeout},
	{context.DeadlineExceeded, StatusConnectionTimeout},
	{ErrParamsIllegal, StatusParamsIllegal},
	{ErrUnknownCommand, StatusParamsIllegal},
	{ErrInvalidState, StatusParamsIllegal},
	{ErrAuthFailed, StatusAuthFailed},
	{ErrStreamNotFound, StatusStreamNotFound},
	{ErrAppKeyIllegal, StatusAppKeyIllegal},
	{ErrServerConnectionFailed, StatusServerConnectionFailed},
	{ErrMediaConnectionFailed, StatusMediaConnectionFailed},
	{ErrFirstVideoFrameTimeout, StatusFirstVideoFrameTimeout},
	{ErrMediaStreamStopped, StatusMediaStreamStopped},
	{ErrInterrupted, StatusMediaStreamStopped},
	{context.Canceled, StatusMediaStreamStopped},
	{io.EOF, StatusMediaStreamStopped},
}

// StatusOf maps an error returned by this package to its result code. A nil
// error and ErrTryAgain map to StatusOK; errors not recognized map to
// StatusMediaConnectionFailed.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	for _, se := range statusErrors {
		if errors.Is(err, se.err) {
			return se.status
		}
	}
	return StatusMediaConnectionFailed
}

// StatusError returns the sentinel error for a result code, or nil for
// StatusOK. Engines use it to surface codes reported by the signaling server.
func StatusError(s Status) error {
	if s == StatusOK {
		return nil
	}
	for _, se := range statusErrors {
		if se.status == s && se.err != ErrTryAgain {
			return se.err
		}
	}
	return ErrMediaConnectionFailed
}
