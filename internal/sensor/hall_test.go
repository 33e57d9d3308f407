package sensor

import (
	"context"
	"errors"
	"testing"
	"time"
)

// scriptLine replays a sequence of levels, then holds the last one.
type scriptLine struct {
	levels []int
	idx    int
}

func (s *scriptLine) Get() (int, error) {
	if s.idx < len(s.levels) {
		v := s.levels[s.idx]
		s.idx++
		return v, nil
	}
	if len(s.levels) == 0 {
		return 1, nil
	}
	return s.levels[len(s.levels)-1], nil
}

type errLine struct{ err error }

func (e *errLine) Get() (int, error) { return 0, e.err }

func TestCountEventsCountsFallingEdges(t *testing.T) {
	t.Parallel()

	// prev=1, then three 1->0 transitions.
	line := &scriptLine{levels: []int{1, 0, 1, 0, 1, 1, 0, 1}}
	hall := NewHall(line, WithPollInterval(time.Millisecond), WithDebounce(0))

	count, elapsed, err := hall.CountEvents(context.Background(), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("CountEvents: %v", err)
	}
	if count != 3 {
		t.Fatalf("count: got %d, want 3", count)
	}
	if elapsed <= 0 {
		t.Fatalf("elapsed not reported: %v", elapsed)
	}
}

func TestCountEventsDebouncesBounce(t *testing.T) {
	t.Parallel()

	// A bouncy contact: rapid repeated edges are one magnet transit.
	line := &scriptLine{levels: []int{1, 0, 1, 0, 1, 0, 1}}
	hall := NewHall(line, WithPollInterval(time.Millisecond), WithDebounce(time.Hour))

	count, _, err := hall.CountEvents(context.Background(), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("CountEvents: %v", err)
	}
	if count != 1 {
		t.Fatalf("count: got %d, want 1 after debounce", count)
	}
}

func TestCountEventsIgnoresSteadyLine(t *testing.T) {
	t.Parallel()

	line := &scriptLine{levels: []int{1}}
	hall := NewHall(line, WithPollInterval(time.Millisecond))

	count, _, err := hall.CountEvents(context.Background(), 20*time.Millisecond)
	if err != nil {
		t.Fatalf("CountEvents: %v", err)
	}
	if count != 0 {
		t.Fatalf("count: got %d, want 0", count)
	}
}

func TestCountEventsEndsEarlyOnCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	line := &scriptLine{levels: []int{1}}
	hall := NewHall(line, WithPollInterval(time.Millisecond))

	start := time.Now()
	_, elapsed, err := hall.CountEvents(ctx, time.Hour)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	if elapsed > time.Second || time.Since(start) > time.Second {
		t.Fatalf("cancellation did not end the window: %v", elapsed)
	}
}

func TestCountEventsSurfacesLineErrors(t *testing.T) {
	t.Parallel()

	hall := NewHall(&errLine{err: errors.New("read gpio 17: permission denied")},
		WithPollInterval(time.Millisecond))

	if _, _, err := hall.CountEvents(context.Background(), 20*time.Millisecond); err == nil {
		t.Fatal("expected line error to surface")
	}
}
