package device

import (
	"io"
	"time"
)

const (
	DefaultBaudRate          = 115200
	DefaultReadTimeout       = time.Second
	DefaultIndicatorBaudRate = 9600
)

// Port is an open serial endpoint. Read returns (0, nil) when the read
// timeout elapses without data.
type Port interface {
	io.ReadWriteCloser
}

// Mode holds the line parameters. Data bits, parity and stop bits are fixed
// at 8N1.
type Mode struct {
	BaudRate    int
	ReadTimeout time.Duration
}

// Dialer enumerates and opens serial endpoints.
type Dialer interface {
	// Ports returns the candidate endpoints, the most likely first.
	Ports() ([]string, error)

	// Open opens the named endpoint with the given mode.
	Open(name string, mode Mode) (Port, error)
}
