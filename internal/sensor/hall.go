// Package sensor reads the wheel-mounted hall effect sensor. The sensor
// line idles high and pulls low each time the spoke magnet passes.
package sensor

import (
	"context"
	"time"
)

// Line is the input pin the sensor is wired to.
type Line interface {
	Get() (int, error)
}

// Hall counts falling edges on a GPIO line by polling.
type Hall struct {
	line     Line
	poll     time.Duration
	debounce time.Duration
	now      func() time.Time
}

// Option adjusts a Hall counter.
type Option func(*Hall)

// WithPollInterval sets how often the line is sampled.
func WithPollInterval(d time.Duration) Option {
	return func(h *Hall) { h.poll = d }
}

// WithDebounce sets the minimum gap between counted edges. Reed and hall
// sensors bounce on slow passes; anything inside the gap is the same
// magnet transit.
func WithDebounce(d time.Duration) Option {
	return func(h *Hall) { h.debounce = d }
}

// NewHall builds a counter over the given line.
func NewHall(line Line, opts ...Option) *Hall {
	h := &Hall{
		line:     line,
		poll:     10 * time.Millisecond,
		debounce: 100 * time.Millisecond,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// CountEvents polls the line for the duration of the window and returns the
// number of debounced falling edges plus the elapsed time actually spent
// counting. Cancellation ends the window early; the partial count is still
// valid over the shorter elapsed time.
func (h *Hall) CountEvents(ctx context.Context, window time.Duration) (uint64, time.Duration, error) {
	start := h.now()
	deadline := start.Add(window)

	prev, err := h.line.Get()
	if err != nil {
		return 0, 0, err
	}

	var (
		count    uint64
		lastEdge time.Time
	)

	ticker := time.NewTicker(h.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return count, h.now().Sub(start), ctx.Err()
		case <-ticker.C:
		}

		now := h.now()
		if !now.Before(deadline) {
			return count, now.Sub(start), nil
		}

		v, err := h.line.Get()
		if err != nil {
			return count, now.Sub(start), err
		}

		if prev == 1 && v == 0 {
			if lastEdge.IsZero() || now.Sub(lastEdge) >= h.debounce {
				count++
				lastEdge = now
			}
		}
		prev = v
	}
}
