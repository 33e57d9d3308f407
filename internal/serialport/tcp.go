package serialport

import (
	"fmt"
	"net"
	"time"
)

// TCPChannel is a Channel over a TCP connection, used to drive the daemon
// against cmd/modem-sim without hardware.
type TCPChannel struct {
	conn net.Conn
}

// Dial connects to a simulated modem listening on addr.
func Dial(addr string) (*TCPChannel, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial modem %q: %w", addr, err)
	}
	return &TCPChannel{conn: conn}, nil
}

// NewTCPChannel wraps an existing connection. Used by tests.
func NewTCPChannel(conn net.Conn) *TCPChannel {
	return &TCPChannel{conn: conn}
}

func (c *TCPChannel) Write(p []byte) error {
	if _, err := c.conn.Write(p); err != nil {
		return fmt.Errorf("write modem conn: %w", err)
	}
	return nil
}

func (c *TCPChannel) ReadAvailable(maxWait time.Duration) ([]byte, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(maxWait)); err != nil {
		return nil, err
	}

	buf := make([]byte, 512)
	n, err := c.conn.Read(buf)
	if err != nil {
		if isTimeout(err) {
			return buf[:n], nil
		}
		return buf[:n], fmt.Errorf("read modem conn: %w", err)
	}
	return buf[:n], nil
}

func (c *TCPChannel) DiscardInput() error {
	// Drain whatever is already buffered without waiting for more.
	buf := make([]byte, 512)
	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
			return err
		}
		n, err := c.conn.Read(buf)
		if err != nil {
			if isTimeout(err) {
				return nil
			}
			return fmt.Errorf("discard modem conn: %w", err)
		}
		if n == 0 {
			return nil
		}
	}
}

func (c *TCPChannel) Close() error {
	return c.conn.Close()
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
