package modem

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"spokesense/uplink/internal/atcmd"
)

var (
	csqRe = regexp.MustCompile(`\+CSQ:\s*(\d+),`)
	cbcRe = regexp.MustCompile(`\+CBC:\s*\d+,(\d+)`)
)

// SignalDBM reads the received signal strength and converts it to dBm.
// Opportunistic enrichment only; callers treat a failure as "unknown".
func (s *Session) SignalDBM(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == Off || s.phase == Booting || s.phase == Faulted {
		return 0, fmt.Errorf("%w (phase %s)", ErrNotReady, s.phase)
	}

	res, err := s.issue(ctx, "AT+CSQ", atcmd.OK, s.cfg.CommandTimeout)
	if err != nil {
		return 0, fmt.Errorf("query signal quality: %w", err)
	}

	m := csqRe.FindStringSubmatch(res.Text)
	if m == nil {
		return 0, fmt.Errorf("malformed signal report: %q", res.Text)
	}
	rssi, err := strconv.Atoi(m[1])
	if err != nil || rssi == 99 {
		return 0, fmt.Errorf("signal strength unknown")
	}
	// 3GPP TS 27.007 scale: 0 = -113 dBm, each step is 2 dB.
	return -113 + 2*rssi, nil
}

// BatteryPct reads the modem-reported battery charge percentage.
func (s *Session) BatteryPct(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == Off || s.phase == Booting || s.phase == Faulted {
		return 0, fmt.Errorf("%w (phase %s)", ErrNotReady, s.phase)
	}

	res, err := s.issue(ctx, "AT+CBC", atcmd.OK, s.cfg.CommandTimeout)
	if err != nil {
		return 0, fmt.Errorf("query battery: %w", err)
	}

	m := cbcRe.FindStringSubmatch(res.Text)
	if m == nil {
		return 0, fmt.Errorf("malformed battery report: %q", res.Text)
	}
	pct, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("malformed battery percentage: %q", m[1])
	}
	return pct, nil
}
