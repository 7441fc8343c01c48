package device

import (
	"cmp"
	"fmt"
	"slices"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// SerialDialer opens serial ports through go.bug.st/serial.
type SerialDialer struct{}

// Ports lists the serial ports of the host, USB adapters first. It falls
// back to the plain port list when detailed enumeration is not supported.
func (SerialDialer) Ports() ([]string, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil || len(details) == 0 {
		names, lerr := serial.GetPortsList()
		if lerr != nil {
			return nil, fmt.Errorf("enumerate ports: %w", lerr)
		}
		return names, nil
	}

	slices.SortStableFunc(details, func(a, b *enumerator.PortDetails) int {
		return cmp.Compare(usbRank(a), usbRank(b))
	})

	names := make([]string, len(details))
	for i, p := range details {
		names[i] = p.Name
	}
	return names, nil
}

func usbRank(p *enumerator.PortDetails) int {
	if p.IsUSB {
		return 0
	}
	return 1
}

// Open opens name at 8N1 and applies the read timeout.
func (SerialDialer) Open(name string, mode Mode) (Port, error) {
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: mode.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}

	if mode.ReadTimeout > 0 {
		if err = port.SetReadTimeout(mode.ReadTimeout); err != nil {
			_ = port.Close()
			return nil, fmt.Errorf("set read timeout on %s: %w", name, err)
		}
	}

	return port, nil
}

// PortDetails describes a serial port for listings.
type PortDetails struct {
	Name         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
	Product      string
}

// ListPorts returns detailed information about the host serial ports.
func ListPorts() ([]PortDetails, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate ports: %w", err)
	}

	out := make([]PortDetails, len(details))
	for i, p := range details {
		out[i] = PortDetails{
			Name:         p.Name,
			IsUSB:        p.IsUSB,
			VID:          p.VID,
			PID:          p.PID,
			SerialNumber: p.SerialNumber,
			Product:      p.Product,
		}
	}
	return out, nil
}
