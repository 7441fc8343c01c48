package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/roman-kulish/spectrum-monitor/internal/protocol"
)

var errFakeClosed = errors.New("fake port closed")

// fakePort is an in-memory serial port. Writes of a query are answered by
// respond, if set.
type fakePort struct {
	name    string
	timeout time.Duration // 0 blocks until data or close

	mu      sync.Mutex
	written []byte
	pending []byte
	closed  bool

	data    chan []byte
	errs    chan error
	closing chan struct{}

	respond func(q protocol.Query) []byte
}

func newFakePort(name string) *fakePort {
	return &fakePort{
		name:    name,
		timeout: 5 * time.Millisecond,
		data:    make(chan []byte, 256),
		errs:    make(chan error, 1),
		closing: make(chan struct{}),
	}
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if len(p.pending) > 0 {
		n := copy(b, p.pending)
		p.pending = p.pending[n:]
		p.mu.Unlock()
		return n, nil
	}
	p.mu.Unlock()

	var timeout <-chan time.Time
	if p.timeout > 0 {
		timeout = time.After(p.timeout)
	}

	select {
	case chunk := <-p.data:
		n := copy(b, chunk)
		if n < len(chunk) {
			p.mu.Lock()
			p.pending = append(p.pending, chunk[n:]...)
			p.mu.Unlock()
		}
		return n, nil
	case err := <-p.errs:
		return 0, err
	case <-p.closing:
		return 0, errFakeClosed
	case <-timeout:
		return 0, nil
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, errFakeClosed
	}
	p.written = append(p.written, b...)
	respond := p.respond
	p.mu.Unlock()

	if respond != nil && len(b) == protocol.QuerySize {
		q := protocol.Query{
			StartHz: binary.LittleEndian.Uint64(b[4:12]),
			StopHz:  binary.LittleEndian.Uint64(b[12:20]),
		}
		if resp := respond(q); resp != nil {
			p.data <- resp
		}
	}
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errFakeClosed
	}
	p.closed = true
	close(p.closing)
	return nil
}

func (p *fakePort) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePort) bytesWritten() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.written...)
}

func (p *fakePort) push(b []byte) {
	p.data <- b
}

func (p *fakePort) fail(err error) {
	p.errs <- err
}

// fakeDialer opens fake ports. The first failures calls to Open fail.
type fakeDialer struct {
	mu       sync.Mutex
	ports    []string
	failures int
	opens    int
	opened   []*fakePort
	setup    func(p *fakePort)
}

func (d *fakeDialer) Ports() ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.ports...), nil
}

func (d *fakeDialer) Open(name string, _ Mode) (Port, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.opens++
	if d.opens <= d.failures {
		return nil, fmt.Errorf("open %s: %w", name, io.ErrUnexpectedEOF)
	}

	p := newFakePort(name)
	if d.setup != nil {
		d.setup(p)
	}
	d.opened = append(d.opened, p)
	return p, nil
}

// last returns the most recently opened port with the given name.
func (d *fakeDialer) last(name string) *fakePort {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := len(d.opened) - 1; i >= 0; i-- {
		if d.opened[i].name == name {
			return d.opened[i]
		}
	}
	return nil
}

func (d *fakeDialer) openCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

// analyzerFrame builds a response spanning q with eight samples on a
// -100 dBm floor and level at samples 3 and 4.
func analyzerFrame(q protocol.Query, level float32) []byte {
	const n = 8

	amps := make([]float32, n)
	freqs := make([]float32, n)
	step := float64(q.StopHz-q.StartHz) / (n - 1)
	for i := 0; i < n; i++ {
		amps[i] = -100
		freqs[i] = float32(float64(q.StartHz) + float64(i)*step)
	}
	amps[3], amps[4] = level, level

	payload, err := protocol.EncodeSpectrum(amps, freqs)
	if err != nil {
		panic(err)
	}
	frame, err := protocol.EncodeFrame(protocol.CmdGetSpectrumFloat, payload)
	if err != nil {
		panic(err)
	}
	return frame
}
