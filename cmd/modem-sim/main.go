// Command modem-sim is a scripted AT modem simulator for bench runs. It
// listens on TCP; point uplinkd at it with serial_port: tcp://localhost:7070.
// Flags select the failure mode to rehearse: a missing SIM, denied
// registration, slow registration, or collector error statuses.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

type simConfig struct {
	noSIM      bool
	denyReg    bool
	regPolls   int
	httpStatus int
	rssi       int
	battery    int
	actDelay   time.Duration
}

func main() {
	listenAddr := flag.String("listen", ":7070", "TCP listen address")
	noSIM := flag.Bool("no-sim", false, "Report SIM not inserted (+CME ERROR: 10)")
	denyReg := flag.Bool("deny-registration", false, "Report registration denied (+CREG: 0,3)")
	regPolls := flag.Int("reg-polls", 2, "CREG polls answered 'searching' before 'registered'")
	httpStatus := flag.Int("http-status", 200, "HTTP status reported by +HTTPACTION")
	rssi := flag.Int("rssi", 18, "CSQ RSSI value, 99 means unknown")
	battery := flag.Int("battery", 87, "CBC battery percentage")
	actDelay := flag.Duration("action-delay", 200*time.Millisecond, "Delay before the +HTTPACTION result")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg := simConfig{
		noSIM:      *noSIM,
		denyReg:    *denyReg,
		regPolls:   *regPolls,
		httpStatus: *httpStatus,
		rssi:       *rssi,
		battery:    *battery,
		actDelay:   *actDelay,
	}

	ln, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		logger.Error("listen failed", "addr", *listenAddr, "error", err)
		os.Exit(1)
	}

	logger.Info("modem simulator listening", "addr", *listenAddr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				logger.Warn("temporary accept error", "error", err)
				time.Sleep(50 * time.Millisecond)
				continue
			}
			logger.Error("accept failed", "error", err)
			os.Exit(1)
		}

		logger.Info("modem session opened", "remote", conn.RemoteAddr())
		go func() {
			d := newDevice(conn, cfg, logger.With("remote", conn.RemoteAddr()))
			d.serve()
		}()
	}
}

// device holds per-connection modem state.
type device struct {
	conn   net.Conn
	reader *bufio.Reader
	cfg    simConfig
	logger *slog.Logger

	cregSeen atomic.Int64
	httpOpen bool
	body     []byte
}

func newDevice(conn net.Conn, cfg simConfig, logger *slog.Logger) *device {
	return &device{conn: conn, reader: bufio.NewReader(conn), cfg: cfg, logger: logger}
}

func (d *device) serve() {
	defer d.conn.Close()

	for {
		line, err := d.readLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				d.logger.Warn("read failed", "error", err)
			}
			d.logger.Info("modem session closed")
			return
		}
		if line == "" {
			continue
		}
		if err := d.handle(line); err != nil {
			d.logger.Warn("write failed", "error", err)
			return
		}
	}
}

func (d *device) readLine() (string, error) {
	line, err := d.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (d *device) handle(line string) error {
	cmd := strings.ToUpper(line)
	d.logger.Debug("command", "line", line)

	switch {
	case cmd == "AT", cmd == "ATE0",
		strings.HasPrefix(cmd, "AT+CMEE="),
		strings.HasPrefix(cmd, "AT+CGDCONT="),
		strings.HasPrefix(cmd, "AT+CGATT="):
		return d.final("OK")

	case cmd == "AT+CPIN?":
		if d.cfg.noSIM {
			return d.final("+CME ERROR: 10")
		}
		return d.respond("+CPIN: READY", "OK")

	case cmd == "AT+CREG?":
		return d.creg()

	case cmd == "AT+CSQ":
		return d.respond(fmt.Sprintf("+CSQ: %d,0", d.cfg.rssi), "OK")

	case cmd == "AT+CBC":
		return d.respond(fmt.Sprintf("+CBC: 0,%d,4054", d.cfg.battery), "OK")

	case cmd == "AT+HTTPINIT":
		d.httpOpen = true
		return d.final("OK")

	case cmd == "AT+HTTPTERM":
		d.httpOpen = false
		d.body = nil
		return d.final("OK")

	case strings.HasPrefix(cmd, "AT+HTTPPARA="):
		if !d.httpOpen {
			return d.final("ERROR")
		}
		return d.final("OK")

	case strings.HasPrefix(cmd, "AT+HTTPDATA="):
		return d.httpData(line)

	case strings.HasPrefix(cmd, "AT+HTTPACTION="):
		return d.httpAction()

	default:
		return d.final("ERROR")
	}
}

// creg answers 'searching' for the configured number of polls, then
// 'registered', so the daemon's registration loop gets rehearsed.
func (d *device) creg() error {
	if d.cfg.denyReg {
		return d.respond("+CREG: 0,3", "OK")
	}
	if int(d.cregSeen.Add(1)) <= d.cfg.regPolls {
		return d.respond("+CREG: 0,2", "OK")
	}
	return d.respond("+CREG: 0,1", "OK")
}

// httpData emits the DOWNLOAD prompt, consumes exactly the announced byte
// count and acknowledges with OK, matching SIM7070 framing.
func (d *device) httpData(line string) error {
	if !d.httpOpen {
		return d.final("ERROR")
	}

	args := strings.TrimPrefix(strings.ToUpper(line), "AT+HTTPDATA=")
	parts := strings.SplitN(args, ",", 2)
	size, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || size <= 0 {
		return d.final("ERROR")
	}

	if err := d.respond("DOWNLOAD"); err != nil {
		return err
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(d.reader, body); err != nil {
		return err
	}
	d.body = body
	d.logger.Info("body received", "bytes", size)

	return d.final("OK")
}

func (d *device) httpAction() error {
	if !d.httpOpen {
		return d.final("ERROR")
	}

	if err := d.final("OK"); err != nil {
		return err
	}

	time.Sleep(d.cfg.actDelay)
	d.logger.Info("action complete", "status", d.cfg.httpStatus, "body", string(d.body))
	return d.respond(fmt.Sprintf("+HTTPACTION: 1,%d,0", d.cfg.httpStatus))
}

func (d *device) respond(lines ...string) error {
	var b strings.Builder
	for _, line := range lines {
		b.WriteString("\r\n")
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	_, err := d.conn.Write([]byte(b.String()))
	return err
}

func (d *device) final(line string) error {
	return d.respond(line)
}
