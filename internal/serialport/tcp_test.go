package serialport

import (
	"net"
	"testing"
	"time"
)

func pipeChannel(t *testing.T) (*TCPChannel, net.Conn) {
	t.Helper()

	local, remote := net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = remote.Close()
	})
	return NewTCPChannel(local), remote
}

func TestTCPChannelRoundTrip(t *testing.T) {
	t.Parallel()

	ch, remote := pipeChannel(t)

	go func() {
		_, _ = remote.Write([]byte("\r\nOK\r\n"))
	}()

	got, err := ch.ReadAvailable(time.Second)
	if err != nil {
		t.Fatalf("ReadAvailable: %v", err)
	}
	if string(got) != "\r\nOK\r\n" {
		t.Fatalf("read %q", got)
	}

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := remote.Read(buf)
		done <- buf[:n]
	}()

	if err := ch.Write([]byte("AT\r\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := <-done; string(got) != "AT\r\n" {
		t.Fatalf("peer read %q", got)
	}
}

func TestTCPChannelReadTimeoutIsNotAnError(t *testing.T) {
	t.Parallel()

	ch, _ := pipeChannel(t)

	start := time.Now()
	got, err := ch.ReadAvailable(20 * time.Millisecond)
	if err != nil {
		t.Fatalf("ReadAvailable: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("unexpected data: %q", got)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("read blocked past its bound: %v", elapsed)
	}
}

func TestTCPChannelDiscardInput(t *testing.T) {
	t.Parallel()

	ch, remote := pipeChannel(t)

	go func() {
		_, _ = remote.Write([]byte("stale echo\r\n"))
	}()
	time.Sleep(10 * time.Millisecond)

	if err := ch.DiscardInput(); err != nil {
		t.Fatalf("DiscardInput: %v", err)
	}

	got, err := ch.ReadAvailable(20 * time.Millisecond)
	if err != nil {
		t.Fatalf("ReadAvailable: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("stale input survived discard: %q", got)
	}
}
