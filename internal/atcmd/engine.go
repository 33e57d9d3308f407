// Package atcmd issues AT commands over a half-duplex channel and matches
// their responses. One command is in flight at a time; all retry policy
// lives with the caller.
package atcmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"spokesense/uplink/internal/serialport"
)

const defaultPollSlice = 100 * time.Millisecond

// Result carries the raw captured response text. Text is populated in all
// outcomes, including timeouts, so callers can parse partial data.
type Result struct {
	Text    string
	Elapsed time.Duration
}

// Engine sends one AT command at a time and waits for a terminal token.
type Engine struct {
	ch     serialport.Channel
	slice  time.Duration
	logger *slog.Logger
}

// Option tunes engine construction.
type Option func(*Engine)

// WithPollSlice overrides the polling slice used while waiting for a
// response. Shorter slices make cancellation more responsive.
func WithPollSlice(d time.Duration) Option {
	return func(e *Engine) { e.slice = d }
}

// WithLogger attaches a logger for command tracing.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New builds an engine over the given channel.
func New(ch serialport.Channel, opts ...Option) *Engine {
	e := &Engine{
		ch:     ch,
		slice:  defaultPollSlice,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Send discards stale input, writes cmd with the line terminator, and polls
// the channel in short slices until expect matches, an error token arrives,
// or the timeout elapses. The modem's response latency varies from seconds
// to tens of seconds and the protocol has no message length, so "match a
// known terminator or give up at the deadline" is the termination rule.
//
// An ERROR or +CME/+CMS token short-circuits the wait immediately and is
// returned as a *ProtocolError. A deadline without a match returns
// ErrTimeout. The accumulated text is returned in every case.
func (e *Engine) Send(ctx context.Context, cmd string, expect Pattern, timeout time.Duration) (Result, error) {
	if err := e.ch.DiscardInput(); err != nil {
		return Result{}, fmt.Errorf("discard stale input: %w", err)
	}
	if err := e.ch.Write([]byte(cmd + "\r\n")); err != nil {
		return Result{}, fmt.Errorf("write %q: %w", cmd, err)
	}
	res, err := e.collect(ctx, expect, timeout)
	e.trace(cmd, res, err)
	return res, err
}

// SendRaw writes data as-is, with no terminator and without discarding
// pending input, then waits like Send. Used to stream a payload body after
// the modem's data-entry prompt.
func (e *Engine) SendRaw(ctx context.Context, data []byte, expect Pattern, timeout time.Duration) (Result, error) {
	if err := e.ch.Write(data); err != nil {
		return Result{}, fmt.Errorf("write payload: %w", err)
	}
	res, err := e.collect(ctx, expect, timeout)
	e.trace(fmt.Sprintf("<%d payload bytes>", len(data)), res, err)
	return res, err
}

func (e *Engine) collect(ctx context.Context, expect Pattern, timeout time.Duration) (Result, error) {
	start := time.Now()
	deadline := start.Add(timeout)

	var buf strings.Builder
	for {
		if err := ctx.Err(); err != nil {
			return Result{Text: buf.String(), Elapsed: time.Since(start)}, err
		}

		wait := e.slice
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		if wait > 0 {
			chunk, err := e.ch.ReadAvailable(wait)
			if err != nil {
				return Result{Text: buf.String(), Elapsed: time.Since(start)}, fmt.Errorf("read response: %w", err)
			}
			buf.Write(chunk)
		}

		text := buf.String()
		if perr := parseProtocolError(text); perr != nil {
			return Result{Text: text, Elapsed: time.Since(start)}, perr
		}
		if expect.Match(text) {
			return Result{Text: text, Elapsed: time.Since(start)}, nil
		}
		if !time.Now().Before(deadline) {
			return Result{Text: text, Elapsed: time.Since(start)}, ErrTimeout
		}
	}
}

func (e *Engine) trace(cmd string, res Result, err error) {
	if err != nil {
		e.logger.Debug("at command failed", "cmd", cmd, "elapsed", res.Elapsed, "error", err)
		return
	}
	e.logger.Debug("at command ok", "cmd", cmd, "elapsed", res.Elapsed)
}
