package uplink

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"spokesense/uplink/internal/model"
	"spokesense/uplink/internal/queue"
)

// Counter measures wheel rotation events over a window.
type Counter interface {
	CountEvents(ctx context.Context, window time.Duration) (count uint64, elapsed time.Duration, err error)
}

// Publisher mirrors fresh readings to a live channel. Best effort only.
type Publisher interface {
	Publish(ctx context.Context, r model.Reading) error
}

// Sampler turns rotation counts into speed readings and persists them.
type Sampler struct {
	counter       Counter
	queue         *queue.Queue
	session       Session
	mirror        Publisher
	deviceID      string
	circumference float64
	latitude      *float64
	longitude     *float64
	logger        *slog.Logger
}

// SamplerConfig collects the static parameters of a sampler.
type SamplerConfig struct {
	DeviceID      string
	Circumference float64
	Latitude      *float64
	Longitude     *float64
}

// NewSampler wires a sampler. session and mirror may be nil; enrichment and
// mirroring are then skipped.
func NewSampler(counter Counter, q *queue.Queue, session Session, mirror Publisher, cfg SamplerConfig, logger *slog.Logger) *Sampler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{
		counter:       counter,
		queue:         q,
		session:       session,
		mirror:        mirror,
		deviceID:      cfg.DeviceID,
		circumference: cfg.Circumference,
		latitude:      cfg.Latitude,
		longitude:     cfg.Longitude,
		logger:        logger,
	}
}

// SampleOnce counts rotations over the window, computes speed and enqueues
// the reading. The enqueue must succeed for the sample to count; a reading
// that never reached the durable queue is lost data, not a soft error.
func (s *Sampler) SampleOnce(ctx context.Context, window time.Duration) (model.Entry, error) {
	count, elapsed, err := s.counter.CountEvents(ctx, window)
	if err != nil {
		return model.Entry{}, fmt.Errorf("count rotations: %w", err)
	}
	if elapsed <= 0 {
		elapsed = window
	}

	reading := model.Reading{
		CapturedAt: time.Now().UTC(),
		DeviceID:   s.deviceID,
		SpeedKPH:   Speed(count, s.circumference, elapsed),
		PulseCount: count,
		Latitude:   s.latitude,
		Longitude:  s.longitude,
	}

	s.enrich(ctx, &reading)

	id, err := s.queue.Enqueue(ctx, reading)
	if err != nil {
		return model.Entry{}, fmt.Errorf("enqueue reading: %w", err)
	}

	s.logger.Info("reading captured",
		"id", id, "speed_kph", reading.SpeedKPH, "pulses", count)

	if s.mirror != nil {
		if err := s.mirror.Publish(ctx, reading); err != nil {
			s.logger.Warn("mirror publish failed", "error", err)
		}
	}

	return model.Entry{ID: id, Reading: reading, Status: model.StatusPending}, nil
}

// enrich attaches signal and battery telemetry when the modem can report
// them. Failures leave the fields unset; the speed reading itself never
// depends on the modem.
func (s *Sampler) enrich(ctx context.Context, r *model.Reading) {
	if s.session == nil {
		return
	}
	if dbm, err := s.session.SignalDBM(ctx); err == nil {
		r.SignalDBM = &dbm
	}
	if pct, err := s.session.BatteryPct(ctx); err == nil {
		r.BatteryPct = &pct
	}
}

// Speed converts a rotation count over an elapsed duration into km/h given
// the wheel circumference in meters.
func Speed(count uint64, circumference float64, elapsed time.Duration) float64 {
	secs := elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(count) * circumference / secs * 3.6
}
