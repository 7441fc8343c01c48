package device

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

const (
	indicatorOn  byte = '1'
	indicatorOff byte = '0'
)

// Indicator drives the auxiliary signal lamp. Writes happen only when the
// state changes.
type Indicator struct {
	mu     sync.Mutex
	port   Port
	name   string
	known  bool
	active bool
	logger *slog.Logger
}

// OpenIndicator opens the auxiliary link on name.
func OpenIndicator(dialer Dialer, name string, mode Mode, logger *slog.Logger) (*Indicator, error) {
	if name == "" {
		return nil, errors.New("indicator port is not configured")
	}

	port, err := dialer.Open(name, mode)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Indicator{
		port:   port,
		name:   name,
		logger: logger.With(slog.String("indicator", name)),
	}, nil
}

// Set switches the indicator on or off.
func (i *Indicator) Set(active bool) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.port == nil {
		return ErrTransportClosed
	}
	if i.known && i.active == active {
		return nil
	}

	cmd := indicatorOff
	if active {
		cmd = indicatorOn
	}
	if _, err := i.port.Write([]byte{cmd}); err != nil {
		return fmt.Errorf("write indicator: %w", err)
	}

	i.known, i.active = true, active
	i.logger.Debug("indicator switched", slog.Bool("active", active))
	return nil
}

// Close turns the indicator off and closes the link.
func (i *Indicator) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.port == nil {
		return nil
	}

	var errs []error
	if i.known && i.active {
		if _, err := i.port.Write([]byte{indicatorOff}); err != nil {
			errs = append(errs, fmt.Errorf("write indicator: %w", err))
		}
	}
	if err := i.port.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close indicator: %w", err))
	}
	i.port = nil

	return errors.Join(errs...)
}
