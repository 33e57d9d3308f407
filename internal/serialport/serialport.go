// Package serialport provides the byte-oriented, half-duplex channel to the
// modem. It carries no protocol knowledge; command framing and response
// matching live one layer up.
package serialport

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// Channel is a half-duplex byte channel to the modem. Implementations must
// never block past the bound given to ReadAvailable.
type Channel interface {
	// Write sends raw bytes. Any I/O failure surfaces immediately.
	Write(p []byte) error
	// ReadAvailable returns whatever bytes arrived within maxWait, possibly
	// none. A bounded empty read is not an error.
	ReadAvailable(maxWait time.Duration) ([]byte, error)
	// DiscardInput drops any pending, unread input.
	DiscardInput() error
	Close() error
}

// Port is a Channel over a physical serial device.
type Port struct {
	port serial.Port
	name string
}

// Open opens the serial device at path with the given baud rate, 8N1.
func Open(path string, baud int) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	p, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %q: %w", path, err)
	}

	return &Port{port: p, name: path}, nil
}

func (p *Port) Write(b []byte) error {
	if _, err := p.port.Write(b); err != nil {
		return fmt.Errorf("write %s: %w", p.name, err)
	}
	return nil
}

func (p *Port) ReadAvailable(maxWait time.Duration) ([]byte, error) {
	if err := p.port.SetReadTimeout(maxWait); err != nil {
		return nil, fmt.Errorf("set read timeout %s: %w", p.name, err)
	}

	buf := make([]byte, 512)
	n, err := p.port.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p.name, err)
	}
	// n == 0 means the timeout elapsed with nothing pending.
	return buf[:n], nil
}

func (p *Port) DiscardInput() error {
	if err := p.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("discard input %s: %w", p.name, err)
	}
	return nil
}

func (p *Port) Close() error {
	return p.port.Close()
}
