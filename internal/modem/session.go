// Package modem sequences a cellular modem from power-on to a network
// session and carries HTTP deliveries over it. AT-command modems keep
// implicit state (SIM state, registration, an open-or-not HTTP context)
// that no single response reveals, so the session tracks it explicitly;
// issuing a command out of order silently corrupts later interactions.
package modem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"spokesense/uplink/internal/atcmd"
)

// Commander issues one AT command and matches its response. Satisfied by
// *atcmd.Engine.
type Commander interface {
	Send(ctx context.Context, cmd string, expect atcmd.Pattern, timeout time.Duration) (atcmd.Result, error)
	SendRaw(ctx context.Context, data []byte, expect atcmd.Pattern, timeout time.Duration) (atcmd.Result, error)
}

// PowerPin drives the modem power-key line.
type PowerPin interface {
	Set(v int) error
}

// Config holds the session's timing and retry ceilings. The transition
// graph itself is fixed.
type Config struct {
	APN          string
	CollectorURL string
	HTTPHeaders  map[string]string

	HandshakeAttempts    int
	RegistrationPolls    int
	RegistrationInterval time.Duration
	PowerPulse           time.Duration
	BootWait             time.Duration
	CommandTimeout       time.Duration
	AttachTimeout        time.Duration
	UploadTimeout        time.Duration
	ActionTimeout        time.Duration

	// FaultThreshold is the number of consecutive unmatched responses
	// after which the session is considered faulted and only a
	// power-cycle can recover it.
	FaultThreshold int
}

func (c *Config) applyDefaults() {
	if c.HandshakeAttempts == 0 {
		c.HandshakeAttempts = 5
	}
	if c.RegistrationPolls == 0 {
		c.RegistrationPolls = 30
	}
	if c.RegistrationInterval == 0 {
		c.RegistrationInterval = 2 * time.Second
	}
	if c.PowerPulse == 0 {
		c.PowerPulse = 3 * time.Second
	}
	if c.BootWait == 0 {
		c.BootWait = 15 * time.Second
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = 5 * time.Second
	}
	if c.AttachTimeout == 0 {
		c.AttachTimeout = 10 * time.Second
	}
	if c.UploadTimeout == 0 {
		c.UploadTimeout = 10 * time.Second
	}
	if c.ActionTimeout == 0 {
		c.ActionTimeout = 30 * time.Second
	}
	if c.FaultThreshold == 0 {
		c.FaultThreshold = 5
	}
}

var (
	// ErrSimUnusable reports a SIM that needs a PIN/PUK or is absent.
	// Retrying will not help; surface to the operator.
	ErrSimUnusable = errors.New("modem: SIM unusable")
	// ErrRegistrationDenied reports a terminal registration rejection.
	ErrRegistrationDenied = errors.New("modem: network registration denied")
	// ErrNotRegistered reports a registration wait that exhausted its
	// polls. Retryable: the caller may re-enter the state later.
	ErrNotRegistered = errors.New("modem: network registration timed out")
	// ErrFaulted means the session saw too many consecutive unmatched
	// responses. Only a power-cycle recovers it.
	ErrFaulted = errors.New("modem: session faulted")
	// ErrNotReady reports a delivery attempted before the session reached
	// the idle state.
	ErrNotReady = errors.New("modem: session not ready for delivery")
)

// DeliveryError is a completed HTTP action with a non-2xx status.
type DeliveryError struct {
	Status int
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("modem: collector returned status %d", e.Status)
}

// IsFatal reports whether err calls for surfacing rather than retrying:
// SIM faults, registration denial, and configuration-class protocol
// errors.
func IsFatal(err error) bool {
	if errors.Is(err, ErrSimUnusable) || errors.Is(err, ErrRegistrationDenied) {
		return true
	}
	var perr *atcmd.ProtocolError
	if errors.As(err, &perr) {
		return perr.Class == atcmd.ClassFatal || perr.Class == atcmd.ClassConfiguration
	}
	return false
}

// Session owns the modem link: the power line, the command engine, and the
// lifecycle phase. At most one command is in flight at a time; the channel
// is half-duplex.
type Session struct {
	mu     sync.Mutex
	cmd    Commander
	power  PowerPin
	cfg    Config
	logger *slog.Logger

	phase             Phase
	registrationState string
	lastCommand       string
	lastResponse      string
	faults            int

	// sleep is swapped for a no-op in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a session in the Off phase. Nothing touches the hardware
// until Connect.
func New(cmd Commander, power PowerPin, cfg Config, logger *slog.Logger) *Session {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		cmd:    cmd,
		power:  power,
		cfg:    cfg,
		logger: logger,
		phase:  Off,
		sleep:  sleepCtx,
	}
}

// Phase returns the current lifecycle phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// RegistrationState returns the last observed +CREG status line.
func (s *Session) RegistrationState() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registrationState
}

// Connect drives the session from Off (or Faulted, via a fresh
// power-cycle) to Idle: power pulse, liveness handshake, SIM check, packet
// attach, and the registration wait. On ErrNotRegistered the session stays
// at SimReady and Connect may be called again later.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == Idle || s.phase == NetworkRegistered {
		return nil
	}

	if s.phase == SimReady {
		// Re-entering the registration wait after a previous timeout.
		return s.register(ctx)
	}

	// A power-cycle is the only path out of Faulted, and the normal path
	// out of Off.
	if err := s.powerOn(ctx); err != nil {
		return err
	}
	if err := s.handshake(ctx); err != nil {
		return err
	}
	if err := s.checkSim(ctx); err != nil {
		return err
	}
	if err := s.attach(ctx); err != nil {
		return err
	}
	return s.register(ctx)
}

// PowerOff pulses the power key and returns the session to Off. Used for
// fault recovery and shutdown.
func (s *Session) PowerOff(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pulsePower(ctx, Off)
}

func (s *Session) powerOn(ctx context.Context) error {
	if err := s.pulsePower(ctx, Booting); err != nil {
		return err
	}
	s.logger.Info("modem booting", "wait", s.cfg.BootWait)
	if err := s.sleep(ctx, s.cfg.BootWait); err != nil {
		return err
	}
	return nil
}

func (s *Session) pulsePower(ctx context.Context, next Phase) error {
	s.faults = 0
	steps := []int{0, 1, 0}
	for i, v := range steps {
		if err := s.power.Set(v); err != nil {
			return fmt.Errorf("drive power key: %w", err)
		}
		if i < len(steps)-1 {
			if err := s.sleep(ctx, s.cfg.PowerPulse); err != nil {
				return err
			}
		}
	}
	s.phase = next
	return nil
}

// handshake repeats the basic liveness command until the modem answers,
// then disables echo and enables verbose errors.
func (s *Session) handshake(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.HandshakeAttempts; attempt++ {
		_, err := s.issue(ctx, "AT", atcmd.OK, s.cfg.CommandTimeout)
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		if s.phase == Faulted {
			return fmt.Errorf("handshake: %w", ErrFaulted)
		}
		s.logger.Warn("modem handshake attempt failed", "attempt", attempt, "error", err)
	}
	if lastErr != nil {
		s.phase = Faulted
		return fmt.Errorf("handshake exhausted after %d attempts: %w", s.cfg.HandshakeAttempts, lastErr)
	}

	if _, err := s.issue(ctx, "ATE0", atcmd.OK, s.cfg.CommandTimeout); err != nil {
		return fmt.Errorf("disable echo: %w", err)
	}
	if _, err := s.issue(ctx, "AT+CMEE=2", atcmd.OK, s.cfg.CommandTimeout); err != nil {
		return fmt.Errorf("enable verbose errors: %w", err)
	}

	s.phase = HandshakeOK
	return nil
}

// checkSim queries SIM status. READY advances; PIN-required or
// not-inserted is fatal and reported distinctly, since retrying will not
// help.
func (s *Session) checkSim(ctx context.Context) error {
	res, err := s.issue(ctx, "AT+CPIN?", atcmd.OK, s.cfg.CommandTimeout)
	if err != nil {
		if IsFatal(err) {
			return fmt.Errorf("%w: %w", ErrSimUnusable, err)
		}
		return fmt.Errorf("query SIM status: %w", err)
	}

	switch {
	case strings.Contains(res.Text, "READY"):
		s.phase = SimReady
		return nil
	case strings.Contains(res.Text, "SIM PIN"),
		strings.Contains(res.Text, "SIM PUK"),
		strings.Contains(res.Text, "NOT INSERTED"):
		return fmt.Errorf("%w: %s", ErrSimUnusable, strings.TrimSpace(res.Text))
	default:
		return fmt.Errorf("unexpected SIM state: %q", strings.TrimSpace(res.Text))
	}
}

// attach sets the APN and attaches to the packet service.
func (s *Session) attach(ctx context.Context) error {
	cmd := fmt.Sprintf(`AT+CGDCONT=1,"IP","%s"`, s.cfg.APN)
	if _, err := s.issue(ctx, cmd, atcmd.OK, s.cfg.CommandTimeout); err != nil {
		return fmt.Errorf("set APN: %w", err)
	}
	if _, err := s.issue(ctx, "AT+CGATT=1", atcmd.OK, s.cfg.AttachTimeout); err != nil {
		return fmt.Errorf("attach packet service: %w", err)
	}
	return nil
}

// register polls registration status on a fixed interval up to the
// configured bound. Home (0,1) and roaming (0,5) both count as registered;
// denied (0,3) is terminal.
func (s *Session) register(ctx context.Context) error {
	for poll := 1; poll <= s.cfg.RegistrationPolls; poll++ {
		res, err := s.issue(ctx, "AT+CREG?", atcmd.OK, s.cfg.CommandTimeout)
		if err != nil {
			if s.phase == Faulted {
				return fmt.Errorf("registration poll: %w", ErrFaulted)
			}
			// An environmental fault will not clear with more polling;
			// keep waiting only through transient failures.
			if IsFatal(err) {
				return fmt.Errorf("registration poll: %w", err)
			}
			s.logger.Warn("registration poll failed", "poll", poll, "error", err)
		} else {
			state := cregState(res.Text)
			s.registrationState = state
			switch state {
			case "1", "5":
				// Registered -> Idle is a no-op transition; the session
				// is immediately ready to carry data.
				s.phase = Idle
				s.logger.Info("network registered", "state", state)
				return nil
			case "3":
				return fmt.Errorf("%w (+CREG: 0,3)", ErrRegistrationDenied)
			}
		}

		if err := s.sleep(ctx, s.cfg.RegistrationInterval); err != nil {
			return err
		}
	}

	// Retryable: leave the session at SimReady so a later Connect
	// re-enters the wait without a power-cycle.
	s.phase = SimReady
	return fmt.Errorf("%w after %d polls", ErrNotRegistered, s.cfg.RegistrationPolls)
}

// issue sends one command, recording it for diagnostics and tracking
// consecutive unmatched responses toward the fault threshold.
func (s *Session) issue(ctx context.Context, cmd string, expect atcmd.Pattern, timeout time.Duration) (atcmd.Result, error) {
	s.lastCommand = cmd
	res, err := s.cmd.Send(ctx, cmd, expect, timeout)
	s.lastResponse = res.Text

	if err == nil {
		s.faults = 0
		return res, nil
	}

	if errors.Is(err, atcmd.ErrTimeout) {
		s.faults++
		if s.faults >= s.cfg.FaultThreshold {
			s.phase = Faulted
			s.logger.Error("modem session faulted", "consecutive_timeouts", s.faults, "last_command", cmd)
		}
		return res, err
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return res, err
	}

	var perr *atcmd.ProtocolError
	if errors.As(err, &perr) {
		return res, err
	}

	// Anything else is a transport failure. The channel state is unknown;
	// only a power-cycle recovers the session.
	s.phase = Faulted
	s.logger.Error("modem transport failed", "last_command", cmd, "error", err)
	return res, err
}

func cregState(text string) string {
	idx := strings.Index(text, "+CREG:")
	if idx < 0 {
		return ""
	}
	line := text[idx:]
	if end := strings.IndexAny(line, "\r\n"); end >= 0 {
		line = line[:end]
	}
	parts := strings.Split(line, ",")
	if len(parts) < 2 {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
