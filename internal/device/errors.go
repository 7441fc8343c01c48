package device

import (
	"errors"
	"io"
	"io/fs"

	"go.bug.st/serial"
)

var (
	// ErrTransportUnavailable is returned when no serial endpoint can be opened
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrTransportClosed is returned when the transport fails or closes mid-session
	ErrTransportClosed = errors.New("transport closed")

	// ErrResponseTimeout is returned when a query gets no response in time
	ErrResponseTimeout = errors.New("response timeout")

	// ErrSessionRunning is returned when starting a session that is already running
	ErrSessionRunning = errors.New("session is already running")

	// ErrSessionClosed is returned when starting a session that has already finished
	ErrSessionClosed = errors.New("session is closed")
)

// portErrorCode extracts the serial library error code from err.
func portErrorCode(err error) (serial.PortErrorCode, bool) {
	var ptr *serial.PortError
	if errors.As(err, &ptr) && ptr != nil {
		return ptr.Code(), true
	}

	var val serial.PortError
	if errors.As(err, &val) {
		return val.Code(), true
	}

	return 0, false
}

// isDisconnect reports whether err means the device went away, as opposed
// to a configuration or permission problem.
func isDisconnect(err error) bool {
	if err == nil {
		return false
	}

	if code, ok := portErrorCode(err); ok {
		switch code {
		case serial.PortNotFound, serial.PortClosed, serial.InvalidSerialPort:
			return true
		default:
			return false
		}
	}

	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, fs.ErrClosed)
}
