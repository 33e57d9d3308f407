package atcmd

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"
)

// scriptChannel returns one scripted chunk per ReadAvailable call and
// records everything written to it.
type scriptChannel struct {
	chunks   []string
	writes   []string
	discards int
}

func (s *scriptChannel) Write(p []byte) error {
	s.writes = append(s.writes, string(p))
	return nil
}

func (s *scriptChannel) ReadAvailable(time.Duration) ([]byte, error) {
	if len(s.chunks) == 0 {
		return nil, nil
	}
	chunk := s.chunks[0]
	s.chunks = s.chunks[1:]
	return []byte(chunk), nil
}

func (s *scriptChannel) DiscardInput() error {
	s.discards++
	return nil
}

func (s *scriptChannel) Close() error { return nil }

func newTestEngine(ch *scriptChannel) *Engine {
	return New(ch, WithPollSlice(time.Millisecond))
}

func TestSendMatchesTerminal(t *testing.T) {
	t.Parallel()

	ch := &scriptChannel{chunks: []string{"\r\nOK\r\n"}}
	engine := newTestEngine(ch)

	res, err := engine.Send(context.Background(), "AT", OK, time.Second)
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if !strings.Contains(res.Text, "OK") {
		t.Fatalf("expected OK in response, got %q", res.Text)
	}
	if ch.discards != 1 {
		t.Fatalf("expected one input discard, got %d", ch.discards)
	}
	if len(ch.writes) != 1 || ch.writes[0] != "AT\r\n" {
		t.Fatalf("unexpected writes: %q", ch.writes)
	}
}

func TestSendAssemblesFragmentedResponse(t *testing.T) {
	t.Parallel()

	ch := &scriptChannel{chunks: []string{"\r\n+CREG:", " 0,1\r\n", "\r\nOK\r\n"}}
	engine := newTestEngine(ch)

	res, err := engine.Send(context.Background(), "AT+CREG?", OK, time.Second)
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if !strings.Contains(res.Text, "+CREG: 0,1") {
		t.Fatalf("fragments not assembled: %q", res.Text)
	}
}

func TestSendErrorShortCircuits(t *testing.T) {
	t.Parallel()

	ch := &scriptChannel{chunks: []string{"\r\n+CME ERROR: 10\r\n"}}
	engine := newTestEngine(ch)

	_, err := engine.Send(context.Background(), "AT+CPIN?", OK, time.Hour)

	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if perr.Token != "+CME ERROR" || perr.Code != 10 {
		t.Fatalf("unexpected error token/code: %+v", perr)
	}
	if perr.Class != ClassFatal {
		t.Fatalf("CME 10 should classify fatal, got %v", perr.Class)
	}
}

func TestSendTimeoutReturnsPartialCapture(t *testing.T) {
	t.Parallel()

	ch := &scriptChannel{chunks: []string{"\r\n+CSQ: 18,0\r\n"}}
	engine := newTestEngine(ch)

	res, err := engine.Send(context.Background(), "AT+CSQ", Literal("NEVER"), 10*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if !strings.Contains(res.Text, "+CSQ: 18,0") {
		t.Fatalf("partial capture dropped on timeout: %q", res.Text)
	}
}

func TestSendCustomExpectIgnoresOK(t *testing.T) {
	t.Parallel()

	ch := &scriptChannel{chunks: []string{"\r\nOK\r\n", "\r\n+HTTPACTION: 1,200,42\r\n"}}
	engine := newTestEngine(ch)

	res, err := engine.Send(context.Background(), "AT+HTTPACTION=1", Literal("+HTTPACTION:"), time.Second)
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if !strings.Contains(res.Text, "+HTTPACTION: 1,200,42") {
		t.Fatalf("expected action report, got %q", res.Text)
	}
}

func TestSendRegexpWaitsForCompleteReport(t *testing.T) {
	t.Parallel()

	// The action report splits mid-field across reads; a prefix match
	// would stop at the first chunk and lose the status digits.
	ch := &scriptChannel{chunks: []string{"\r\nOK\r\n\r\n+HTTPACTION: 1,", "200,0\r\n"}}
	engine := newTestEngine(ch)

	expect := Regexp(regexp.MustCompile(`\+HTTPACTION:\s*\d+,\d+,\d+\s`))
	res, err := engine.Send(context.Background(), "AT+HTTPACTION=1", expect, time.Second)
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if !strings.Contains(res.Text, "+HTTPACTION: 1,200,0") {
		t.Fatalf("status fields missing from capture: %q", res.Text)
	}
}

func TestSendRawStreamsWithoutFraming(t *testing.T) {
	t.Parallel()

	ch := &scriptChannel{chunks: []string{"\r\nOK\r\n"}}
	engine := newTestEngine(ch)

	body := []byte(`{"speed":3.78}`)
	if _, err := engine.SendRaw(context.Background(), body, OK, time.Second); err != nil {
		t.Fatalf("SendRaw returned error: %v", err)
	}
	if ch.discards != 0 {
		t.Fatalf("SendRaw must not discard pending input, got %d discards", ch.discards)
	}
	if len(ch.writes) != 1 || ch.writes[0] != string(body) {
		t.Fatalf("payload altered in flight: %q", ch.writes)
	}
}

func TestSendHonorsCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	engine := newTestEngine(&scriptChannel{})

	_, err := engine.Send(ctx, "AT", OK, time.Hour)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestPatternAnyOf(t *testing.T) {
	t.Parallel()

	prompt := AnyOf(Literal("DOWNLOAD"), Prompt)
	if !prompt.Match("\r\nDOWNLOAD\r\n") {
		t.Fatal("DOWNLOAD should match the data prompt")
	}
	if !prompt.Match("> ") {
		t.Fatal("bare prompt should match the data prompt")
	}
	if prompt.Match("\r\nOK\r\n") {
		t.Fatal("OK must not match the data prompt")
	}
}
