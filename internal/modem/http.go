package modem

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"spokesense/uplink/internal/atcmd"
)

var httpActionRe = regexp.MustCompile(`\+HTTPACTION:\s*(\d+),(\d+),(\d+)`)

// httpActionDone requires the full method,status,length report plus its
// line ending, so a report split across reads is never cut short.
var httpActionDone = atcmd.Regexp(regexp.MustCompile(`\+HTTPACTION:\s*\d+,\d+,\d+\s`))

// dataPrompt matches the modem's readiness signal for a payload body. The
// SIM7070G family announces DOWNLOAD; older firmware uses the bare prompt
// character.
var dataPrompt = atcmd.AnyOf(atcmd.Literal("DOWNLOAD"), atcmd.Prompt)

// Deliver posts body to the configured collector URL over the modem's HTTP
// stack and returns the numeric status of the action. The session must be
// Idle; the HTTP context is always terminated on the way out, success or
// failure, so a leaked modem-side context cannot block the next attempt.
func (s *Session) Deliver(ctx context.Context, body []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != Idle {
		return 0, fmt.Errorf("%w (phase %s)", ErrNotReady, s.phase)
	}

	if _, err := s.issue(ctx, "AT+HTTPINIT", atcmd.OK, s.cfg.CommandTimeout); err != nil {
		return 0, fmt.Errorf("http init: %w", err)
	}

	s.phase = HTTPActive
	defer func() {
		// Termination must run even when the surrounding context was
		// cancelled mid-delivery.
		termCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*s.cfg.CommandTimeout)
		defer cancel()
		if _, err := s.issue(termCtx, "AT+HTTPTERM", atcmd.OK, s.cfg.CommandTimeout); err != nil {
			s.logger.Warn("http term failed", "error", err)
		}
		if s.phase == HTTPActive {
			s.phase = Idle
		}
	}()

	if _, err := s.issue(ctx, `AT+HTTPPARA="CID",1`, atcmd.OK, s.cfg.CommandTimeout); err != nil {
		return 0, fmt.Errorf("http set context: %w", err)
	}
	urlCmd := fmt.Sprintf(`AT+HTTPPARA="URL","%s"`, s.cfg.CollectorURL)
	if _, err := s.issue(ctx, urlCmd, atcmd.OK, s.cfg.CommandTimeout); err != nil {
		return 0, fmt.Errorf("http set url: %w", err)
	}
	contentCmd := `AT+HTTPPARA="CONTENT","application/json"`
	if _, err := s.issue(ctx, contentCmd, atcmd.OK, s.cfg.CommandTimeout); err != nil {
		return 0, fmt.Errorf("http set content type: %w", err)
	}
	// One command per header: an AT line ends at the first CR, so a
	// multi-header value cannot travel inside a single HTTPPARA.
	for _, k := range sortedKeys(s.cfg.HTTPHeaders) {
		hdrCmd := fmt.Sprintf(`AT+HTTPPARA="USERDATA","%s: %s"`, k, s.cfg.HTTPHeaders[k])
		if _, err := s.issue(ctx, hdrCmd, atcmd.OK, s.cfg.CommandTimeout); err != nil {
			return 0, fmt.Errorf("http set header %s: %w", k, err)
		}
	}

	// Announce the payload length and wait for the data-ready prompt. A
	// missing prompt is a timeout, never an assumption that the modem is
	// ready.
	dataCmd := fmt.Sprintf("AT+HTTPDATA=%d,%d", len(body), s.cfg.UploadTimeout.Milliseconds())
	if _, err := s.issue(ctx, dataCmd, dataPrompt, s.cfg.CommandTimeout); err != nil {
		return 0, fmt.Errorf("http data announce: %w", err)
	}

	if _, err := s.sendRaw(ctx, body, atcmd.OK, s.cfg.UploadTimeout); err != nil {
		return 0, fmt.Errorf("http payload upload: %w", err)
	}

	res, err := s.issue(ctx, "AT+HTTPACTION=1", httpActionDone, s.cfg.ActionTimeout)
	if err != nil {
		return 0, fmt.Errorf("http action: %w", err)
	}

	status, err := parseActionStatus(res.Text)
	if err != nil {
		return 0, err
	}
	if status < 200 || status > 299 {
		return status, &DeliveryError{Status: status}
	}
	return status, nil
}

func (s *Session) sendRaw(ctx context.Context, data []byte, expect atcmd.Pattern, timeout time.Duration) (atcmd.Result, error) {
	res, err := s.cmd.SendRaw(ctx, data, expect, timeout)
	s.lastResponse = res.Text
	return res, err
}

func parseActionStatus(text string) (int, error) {
	m := httpActionRe.FindStringSubmatch(text)
	if m == nil {
		return 0, fmt.Errorf("malformed http action report: %q", strings.TrimSpace(text))
	}
	status, err := strconv.Atoi(m[2])
	if err != nil {
		return 0, fmt.Errorf("malformed http status: %q", m[2])
	}
	return status, nil
}

func sortedKeys(headers map[string]string) []string {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
