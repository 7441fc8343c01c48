package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrNeedMoreData is returned when the buffer does not hold a complete frame yet
	ErrNeedMoreData = errors.New("need more data")

	// ErrFrameInvalid is returned when a frame has a bad marker, command or checksum
	ErrFrameInvalid = errors.New("invalid frame")

	// ErrBadMarker is returned when the first byte of a frame is not the start marker
	ErrBadMarker = fmt.Errorf("%w: bad start marker", ErrFrameInvalid)

	// ErrBadCommand is returned when a response carries an unexpected command code
	ErrBadCommand = fmt.Errorf("%w: unexpected command", ErrFrameInvalid)

	// ErrMalformedPayload is returned when a payload cannot be split into amplitude and frequency halves
	ErrMalformedPayload = errors.New("malformed spectrum payload")
)

// ChecksumError reports a checksum mismatch together with both values, so
// wiring and firmware issues can be diagnosed from the log alone.
type ChecksumError struct {
	Expected uint16 // computed over the received bytes
	Received uint16 // trailing checksum found on the wire
	Length   int    // payload length declared by the frame
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("%s: checksum mismatch: expected %#04x, received %#04x (payload %d bytes)",
		ErrFrameInvalid, e.Expected, e.Received, e.Length)
}

func (e *ChecksumError) Unwrap() error {
	return ErrFrameInvalid
}
