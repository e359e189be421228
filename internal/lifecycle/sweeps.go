package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/ChuLiYu/consulta-engine/internal/consultation"
	"github.com/ChuLiYu/consulta-engine/internal/events"
	"github.com/ChuLiYu/consulta-engine/internal/store"
	"github.com/ChuLiYu/consulta-engine/internal/worker"
	"github.com/ChuLiYu/consulta-engine/pkg/types"
)

// ============================================================================
// Fixed-interval sweeps
//
// Sweeps and one-shot timers write to the same rows without coordinating.
// Each write is a CAS on the status read just before it, so whichever path
// arrives second finds nothing to do.
// ============================================================================

// RefreshReserved starts consultations whose parties both joined, and
// completes in-progress consultations whose end passed (a lost finalize
// timer heals here).
func (h *Handlers) RefreshReserved(ctx context.Context, job *types.Job) (worker.Outcome, error) {
	h.metrics.RecordSweep(job.Type)
	now := h.clock.Now()
	var errs []error

	started, err := h.store.ListStartedWithBothJoined(ctx, now, h.rules.SweepBatch)
	if err != nil {
		return worker.Outcome{}, err
	}
	for _, c := range started {
		if _, err := h.apply(ctx, c.ID, Signal{Raw: signalInProgress, Actor: consultation.ActorSystem}); err != nil {
			errs = append(errs, err)
		}
	}

	ended, err := h.store.ListInProgressPastEnd(ctx, now, h.rules.SessionDuration, h.rules.SweepBatch)
	if err != nil {
		return worker.Outcome{}, errors.Join(append(errs, err)...)
	}
	for _, c := range ended {
		if _, err := h.apply(ctx, c.ID, Signal{Raw: signalCompleted, Actor: consultation.ActorSystem}); err != nil {
			errs = append(errs, err)
		}
	}

	if len(started)+len(ended) > 0 {
		log.Info("Refresh sweep done", "started", len(started), "completed", len(ended))
	}
	return worker.Outcome{}, errors.Join(errs...)
}

// InactivityFailsafe resolves every consultation past its grace deadline
// that still misses a join.
func (h *Handlers) InactivityFailsafe(ctx context.Context, job *types.Job) (worker.Outcome, error) {
	h.metrics.RecordSweep(job.Type)
	_, err := h.sweepOverdue(ctx)
	return worker.Outcome{}, err
}

func (h *Handlers) sweepOverdue(ctx context.Context) (int, error) {
	deadline := h.clock.Now().Add(-h.rules.Grace)
	overdue, err := h.store.ListOverdueUnjoined(ctx, deadline, h.rules.SweepBatch)
	if err != nil {
		return 0, err
	}

	applied := 0
	var errs []error
	for _, c := range overdue {
		res, err := h.resolveAttendance(ctx, c)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if res.Applied {
			applied++
			h.cancelTimers(ctx, c.ID)
		}
	}
	if applied > 0 {
		log.Info("Inactivity sweep resolved consultations", "count", applied, "scanned", len(overdue))
	}
	return applied, errors.Join(errs...)
}

// InactivityByScheduledAt audits the no-show timers of upcoming bookings
// and re-registers any that went missing, then runs the overdue check.
func (h *Handlers) InactivityByScheduledAt(ctx context.Context, job *types.Job) (worker.Outcome, error) {
	h.metrics.RecordSweep(job.Type)
	now := h.clock.Now()

	upcoming, err := h.store.ListUpcomingScheduled(ctx, now.Add(-h.rules.Grace), now.Add(h.rules.AuditHorizon), h.rules.SweepBatch)
	if err != nil {
		return worker.Outcome{}, err
	}

	var errs []error
	healed := 0
	for _, c := range upcoming {
		if h.timerArmed(ctx, c) {
			continue
		}
		if err := h.timers.RegisterBooking(ctx, c); err != nil {
			errs = append(errs, err)
			continue
		}
		healed++
	}
	if healed > 0 {
		log.Warn("Re-registered missing lifecycle timers", "count", healed)
	}

	if _, err := h.sweepOverdue(ctx); err != nil {
		errs = append(errs, err)
	}
	return worker.Outcome{}, errors.Join(errs...)
}

// timerArmed reports whether c has a live no-show timer for its current slot.
func (h *Handlers) timerArmed(ctx context.Context, c *store.Consultation) bool {
	job, err := h.timers.sched.Get(ctx, NoShowKey(c.ID))
	if err != nil {
		return false
	}
	switch job.Status {
	case types.StatusPending, types.StatusInFlight:
		return job.FireAt == h.timers.NoShowAt(c).UnixMilli()
	}
	return false
}

// NotifyTimeRemaining sends one notice per warning threshold to sessions
// about to end.
func (h *Handlers) NotifyTimeRemaining(ctx context.Context, job *types.Job) (worker.Outcome, error) {
	h.metrics.RecordSweep(job.Type)
	now := h.clock.Now()
	thresholds := h.rules.WarningThresholds

	ending, err := h.store.ListInProgressEnding(ctx, now, thresholds[0], h.rules.SessionDuration, h.rules.SweepBatch)
	if err != nil {
		return worker.Outcome{}, err
	}

	sent := 0
	for _, c := range ending {
		end := c.EndsAt(h.rules.SessionDuration)
		threshold, ok := thresholdFor(end.Sub(now), thresholds)
		if !ok {
			continue
		}
		advanced, err := h.markers.Advance(ctx, c.ID, threshold)
		if err != nil {
			log.Warn("Failed to advance warning marker", "consultationID", c.ID, "error", err)
			continue
		}
		if !advanced {
			continue
		}
		h.publisher.Publish(ctx, events.TopicTimeRemaining, TimeRemaining{
			ConsultationID: c.ID,
			Minutes:        int(threshold / time.Minute),
			EndsAt:         end,
		})
		sent++
	}
	if sent > 0 {
		log.Debug("Time-remaining notices sent", "count", sent)
	}
	return worker.Outcome{}, nil
}

// thresholdFor picks the smallest threshold not below remaining.
// thresholds are descending.
func thresholdFor(remaining time.Duration, thresholds []time.Duration) (time.Duration, bool) {
	var pick time.Duration
	found := false
	for _, t := range thresholds {
		if remaining <= t {
			pick, found = t, true
		}
	}
	return pick, found
}
