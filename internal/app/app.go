// Package app wires together the uplink services and manages their
// lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"spokesense/uplink/internal/atcmd"
	"spokesense/uplink/internal/config"
	"spokesense/uplink/internal/gpio"
	"spokesense/uplink/internal/mirror"
	"spokesense/uplink/internal/modem"
	"spokesense/uplink/internal/queue"
	"spokesense/uplink/internal/sensor"
	"spokesense/uplink/internal/serialport"
	"spokesense/uplink/internal/uplink"
)

// App runs the sample-and-drain loop for one device.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	queue   *queue.Queue
	session *modem.Session
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Run starts all configured services and blocks until the context is
// cancelled or an unrecoverable error occurs.
func (a *App) Run(ctx context.Context) error {
	q, err := queue.Open(a.cfg.DatabasePath, a.cfg.MaxDeliveryAttempts)
	if err != nil {
		return err
	}
	a.queue = q

	if err := a.queue.InitSchema(ctx); err != nil {
		return err
	}

	defer func() {
		if cerr := a.queue.Close(); cerr != nil {
			a.logger.Error("close queue", "error", cerr)
		}
	}()

	ch, err := openChannel(a.cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := ch.Close(); cerr != nil {
			a.logger.Error("close modem channel", "error", cerr)
		}
	}()

	engine := atcmd.New(ch, atcmd.WithLogger(a.logger.With("component", "atcmd")))

	chip := gpio.NewChip("")

	power, err := chip.Export(a.cfg.PowerPin, gpio.Out)
	if err != nil {
		return fmt.Errorf("export power pin: %w", err)
	}
	defer power.Close()

	hall, err := chip.Export(a.cfg.HallPin, gpio.In)
	if err != nil {
		return fmt.Errorf("export hall sensor pin: %w", err)
	}
	defer hall.Close()

	a.session = modem.New(engine, power, modem.Config{
		APN:                  a.cfg.APN,
		CollectorURL:         a.cfg.CollectorURL,
		HTTPHeaders:          a.cfg.HTTPHeaders,
		HandshakeAttempts:    a.cfg.HandshakeAttempts,
		RegistrationPolls:    a.cfg.RegistrationPolls,
		RegistrationInterval: time.Duration(a.cfg.RegistrationIntervalSec) * time.Second,
		BootWait:             time.Duration(a.cfg.BootWaitSec) * time.Second,
	}, a.logger.With("component", "modem"))

	defer func() {
		offCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.session.PowerOff(offCtx); err != nil {
			a.logger.Error("modem power off", "error", err)
		}
	}()

	var live uplink.Publisher
	if a.cfg.MQTTBrokerURL != "" {
		m, err := mirror.Connect(a.cfg.MQTTBrokerURL, a.cfg.DeviceID, a.logger.With("component", "mirror"))
		if err != nil {
			// The mirror is best effort; a missing broker must not
			// keep the device from collecting data.
			a.logger.Warn("mirror unavailable", "error", err)
		} else {
			live = m
			defer m.Close()
		}
	}

	counter := sensor.NewHall(hall)

	sampler := uplink.NewSampler(counter, a.queue, a.session, live, uplink.SamplerConfig{
		DeviceID:      a.cfg.DeviceID,
		Circumference: a.cfg.WheelCircumferenceM,
		Latitude:      a.cfg.Latitude,
		Longitude:     a.cfg.Longitude,
	}, a.logger.With("component", "sampler"))

	drainer := uplink.NewOrchestrator(a.queue, a.session, a.cfg.DrainBatchSize,
		a.logger.With("component", "uplink"))

	if a.cfg.RetentionDays > 0 {
		go a.pruneLoop(ctx)
	}

	a.logger.Info("uplink started",
		"device_id", a.cfg.DeviceID,
		"serial", a.cfg.SerialPort,
		"collector", a.cfg.CollectorURL)

	window := time.Duration(a.cfg.SamplingIntervalSec) * time.Second

	for {
		if _, err := sampler.SampleOnce(ctx, window); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				a.logger.Info("uplink stopping")
				return nil
			}
			// Losing a sample is survivable; losing the loop is not.
			a.logger.Error("sample failed", "error", err)
		}

		report, err := drainer.DrainOnce(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				a.logger.Info("uplink stopping")
				return nil
			}
			a.logger.Error("drain failed", "error", err)
			continue
		}

		if report.Failure != "" {
			a.logger.Warn("drain stopped early",
				"delivered", report.Delivered,
				"failure", report.Failure,
				"fatal", report.Fatal)
		} else if report.Delivered > 0 {
			a.logger.Info("drain complete", "delivered", report.Delivered)
		}

		if err := ctx.Err(); err != nil {
			a.logger.Info("uplink stopping")
			return nil
		}
	}
}

// pruneLoop removes delivered rows past the retention window once an hour.
func (a *App) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cutoff := time.Now().UTC().AddDate(0, 0, -a.cfg.RetentionDays)
		n, err := a.queue.PruneDelivered(ctx, cutoff)
		if err != nil {
			a.logger.Error("retention prune failed", "error", err)
			continue
		}
		if n > 0 {
			a.logger.Info("retention prune", "removed", n, "cutoff", cutoff)
		}
	}
}

// openChannel opens the modem transport. A tcp:// serial port targets a
// bench simulator instead of real hardware.
func openChannel(cfg config.Config) (serialport.Channel, error) {
	if addr, ok := strings.CutPrefix(cfg.SerialPort, "tcp://"); ok {
		return serialport.Dial(addr)
	}
	return serialport.Open(cfg.SerialPort, cfg.BaudRate)
}
