// Package uplink drives delivery of queued readings through a modem
// session. It owns the drain policy: entries leave the queue oldest first,
// each pass stops at the first failure, and the queue is the single source
// of truth for what still needs to go out.
package uplink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"spokesense/uplink/internal/modem"
	"spokesense/uplink/internal/queue"
)

// Session is the slice of the modem session the orchestrator needs.
type Session interface {
	Connect(ctx context.Context) error
	Deliver(ctx context.Context, body []byte) (int, error)
	SignalDBM(ctx context.Context) (int, error)
	BatteryPct(ctx context.Context) (int, error)
}

// DrainReport summarizes one drain pass.
type DrainReport struct {
	// Delivered is the number of entries confirmed delivered this pass.
	Delivered int
	// Failure describes why the pass stopped early, empty when the
	// batch drained completely.
	Failure string
	// Fatal marks failures no retry can fix without operator action,
	// such as a missing SIM or denied network registration. No attempt
	// was charged to any entry.
	Fatal bool
}

// Orchestrator moves pending entries from the durable queue to the
// collector, one at a time.
type Orchestrator struct {
	queue     *queue.Queue
	session   Session
	batchSize int
	logger    *slog.Logger
}

// NewOrchestrator wires a drain loop over the given queue and session.
func NewOrchestrator(q *queue.Queue, s Session, batchSize int, logger *slog.Logger) *Orchestrator {
	if batchSize <= 0 {
		batchSize = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{queue: q, session: s, batchSize: batchSize, logger: logger}
}

// DrainOnce attempts to deliver up to one batch of pending entries in FIFO
// order, stopping at the first failure. A retryable failure charges one
// attempt to the entry that was being delivered; a fatal failure charges
// nothing, since retrying cannot help and burning attempts would abandon
// readings the next SIM swap could still deliver.
func (o *Orchestrator) DrainOnce(ctx context.Context) (DrainReport, error) {
	var report DrainReport

	entries, err := o.queue.PeekPending(ctx, o.batchSize)
	if err != nil {
		return report, fmt.Errorf("peek pending: %w", err)
	}
	if len(entries) == 0 {
		return report, nil
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			report.Failure = err.Error()
			return report, err
		}

		body, err := EncodePayload(entry.Reading)
		if err != nil {
			// A reading that cannot be serialized will never
			// deliver. Charge attempts until it abandons.
			o.logger.Error("unencodable reading", "id", entry.ID, "error", err)
			if markErr := o.queue.MarkAttemptFailed(ctx, entry.ID); markErr != nil {
				return report, fmt.Errorf("mark attempt failed: %w", markErr)
			}
			report.Failure = err.Error()
			return report, nil
		}

		if err := o.session.Connect(ctx); err != nil {
			return o.stopOnFailure(ctx, report, entry.ID, err)
		}

		status, err := o.session.Deliver(ctx, body)
		if err != nil {
			o.logger.Warn("delivery failed",
				"id", entry.ID, "status", status, "error", err)
			return o.stopOnFailure(ctx, report, entry.ID, err)
		}

		if err := o.queue.MarkDelivered(ctx, entry.ID); err != nil {
			return report, fmt.Errorf("mark delivered: %w", err)
		}

		o.logger.Info("reading delivered", "id", entry.ID, "status", status)
		report.Delivered++
	}

	return report, nil
}

// stopOnFailure records the failed attempt (unless fatal) and finalizes the
// report for an early stop.
func (o *Orchestrator) stopOnFailure(ctx context.Context, report DrainReport, id int64, cause error) (DrainReport, error) {
	report.Failure = cause.Error()

	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return report, cause
	}

	if modem.IsFatal(cause) {
		report.Fatal = true
		o.logger.Error("uplink halted, operator action required", "error", cause)
		return report, nil
	}

	if err := o.queue.MarkAttemptFailed(ctx, id); err != nil {
		return report, fmt.Errorf("mark attempt failed: %w", err)
	}
	return report, nil
}
