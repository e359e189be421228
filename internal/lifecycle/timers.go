package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/consulta-engine/internal/clock"
	"github.com/ChuLiYu/consulta-engine/internal/store"
	"github.com/ChuLiYu/consulta-engine/pkg/types"
)

// Rules are the timing parameters of the lifecycle.
type Rules struct {
	Grace              time.Duration   // no-show deadline after scheduled start (default 10m)
	CancellationWindow time.Duration   // in-window notice (default 24h)
	SessionDuration    time.Duration   // used when a consultation has no duration (default 50m)
	WarningThresholds  []time.Duration // time-remaining notices, descending (default 15m, 10m, 5m)
	SweepBatch         int             // rows per sweep run (default 200)
	AuditHorizon       time.Duration   // how far ahead the timer audit looks (default 24h)

	InactivityInterval    time.Duration // default 60s
	RefreshInterval       time.Duration // default 60s
	TimerAuditInterval    time.Duration // default 60s
	TimeRemainingInterval time.Duration // default 60s

	ReleaseHour   int // civil time of the daily commission release (default 00:05)
	ReleaseMinute int
}

// DefaultRules returns the production defaults.
func DefaultRules() Rules {
	return Rules{
		Grace:                 10 * time.Minute,
		CancellationWindow:    24 * time.Hour,
		SessionDuration:       50 * time.Minute,
		WarningThresholds:     []time.Duration{15 * time.Minute, 10 * time.Minute, 5 * time.Minute},
		SweepBatch:            200,
		AuditHorizon:          24 * time.Hour,
		InactivityInterval:    time.Minute,
		RefreshInterval:       time.Minute,
		TimerAuditInterval:    time.Minute,
		TimeRemainingInterval: time.Minute,
		ReleaseHour:           0,
		ReleaseMinute:         5,
	}
}

func (r Rules) orDefault() Rules {
	d := DefaultRules()
	if r.Grace <= 0 {
		r.Grace = d.Grace
	}
	if r.CancellationWindow <= 0 {
		r.CancellationWindow = d.CancellationWindow
	}
	if r.SessionDuration <= 0 {
		r.SessionDuration = d.SessionDuration
	}
	if len(r.WarningThresholds) == 0 {
		r.WarningThresholds = d.WarningThresholds
	}
	if r.SweepBatch <= 0 {
		r.SweepBatch = d.SweepBatch
	}
	if r.AuditHorizon <= 0 {
		r.AuditHorizon = d.AuditHorizon
	}
	if r.InactivityInterval <= 0 {
		r.InactivityInterval = d.InactivityInterval
	}
	if r.RefreshInterval <= 0 {
		r.RefreshInterval = d.RefreshInterval
	}
	if r.TimerAuditInterval <= 0 {
		r.TimerAuditInterval = d.TimerAuditInterval
	}
	if r.TimeRemainingInterval <= 0 {
		r.TimeRemainingInterval = d.TimeRemainingInterval
	}
	return r
}

// ============================================================================
// Idempotency keys
// ============================================================================

func NoShowKey(consultationID string) string   { return "no-show:" + consultationID }
func FinalizeKey(consultationID string) string { return "finalize:" + consultationID }
func PurchaseKey(purchaseID string) string     { return "expire-purchase:" + purchaseID }
func SubscriptionKey(subID string) string      { return "expire-subscription:" + subID }
func PlanCancelKey(consultationID string) string {
	return "expire-after-plan-cancellation:" + consultationID
}
func sweepKey(jobType string) string { return "sweep:" + jobType }

// ReleaseKey is the key of the daily self-rearming release job.
const ReleaseKey = "daily:" + types.JobReleaseHeldCommissions

// ============================================================================
// Timers
// ============================================================================

// Timers registers lifecycle jobs on the durable scheduler. Every job is
// keyed, so registering twice replaces instead of duplicating.
type Timers struct {
	sched JobScheduler
	clock clock.Clock
	rules Rules
}

// NewTimers creates Timers.
func NewTimers(sched JobScheduler, clk clock.Clock, rules Rules) *Timers {
	return &Timers{sched: sched, clock: clk, rules: rules.orDefault()}
}

// NoShowAt is when the no-show timer of c fires.
func (t *Timers) NoShowAt(c *store.Consultation) time.Time {
	return c.ScheduledAt.Add(t.rules.Grace)
}

// RegisterBooking arms the no-show and finalize timers of a confirmed booking.
func (t *Timers) RegisterBooking(ctx context.Context, c *store.Consultation) error {
	if _, err := t.sched.ScheduleOnce(ctx, types.JobCancelConsultationNoShow, c.ID, t.NoShowAt(c), NoShowKey(c.ID), types.RetryPolicy{}); err != nil {
		return fmt.Errorf("register no-show timer: %w", err)
	}
	if _, err := t.sched.ScheduleOnce(ctx, types.JobFinalizeConsultation, c.ID, c.EndsAt(t.rules.SessionDuration), FinalizeKey(c.ID), types.RetryPolicy{}); err != nil {
		return fmt.Errorf("register finalize timer: %w", err)
	}
	return nil
}

// Reschedule moves the timers of c to its new slot. Pending timers are
// replaced in place by key.
func (t *Timers) Reschedule(ctx context.Context, c *store.Consultation) error {
	return t.RegisterBooking(ctx, c)
}

// CancelTimers drops the pending timers of a consultation.
func (t *Timers) CancelTimers(ctx context.Context, consultationID string) error {
	var errs []error
	for _, key := range []string{NoShowKey(consultationID), FinalizeKey(consultationID)} {
		if _, err := t.sched.Cancel(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RegisterPurchase arms the expiry of an unpaid purchase.
func (t *Timers) RegisterPurchase(ctx context.Context, p *store.Purchase) error {
	_, err := t.sched.ScheduleOnce(ctx, types.JobExpirePurchase, p.ID, p.ExpiresAt, PurchaseKey(p.ID), types.RetryPolicy{})
	return err
}

// RegisterSubscriptionEnd arms the expiry of a subscription at period end.
func (t *Timers) RegisterSubscriptionEnd(ctx context.Context, s *store.Subscription) error {
	_, err := t.sched.ScheduleOnce(ctx, types.JobExpirePlanSubscription, s.ID, s.PeriodEnd, SubscriptionKey(s.ID), types.RetryPolicy{})
	return err
}

// RegisterPlanCancellation arms one expiration job per consultation booked
// beyond the paid period of a cancelled plan.
func (t *Timers) RegisterPlanCancellation(ctx context.Context, s *store.Subscription, booked []*store.Consultation) error {
	var errs []error
	for _, c := range booked {
		if _, err := t.sched.ScheduleOnce(ctx, types.JobExpireConsultationAfterPlanStop, c.ID, s.PeriodEnd, PlanCancelKey(c.ID), types.RetryPolicy{}); err != nil {
			errs = append(errs, fmt.Errorf("consultation %s: %w", c.ID, err))
		}
	}
	return errors.Join(errs...)
}

// EnsureRecurring registers the fixed-interval sweeps and the daily release
// job. Safe to call on every start.
func (t *Timers) EnsureRecurring(ctx context.Context) error {
	sweeps := []struct {
		jobType  string
		interval time.Duration
	}{
		{types.JobRefreshReservedStatus, t.rules.RefreshInterval},
		{types.JobInactivityFailsafe, t.rules.InactivityInterval},
		{types.JobInactivityByScheduledAt, t.rules.TimerAuditInterval},
		{types.JobNotifyTimeRemaining, t.rules.TimeRemainingInterval},
	}
	for _, s := range sweeps {
		if _, err := t.sched.ScheduleRecurring(ctx, s.jobType, s.interval, sweepKey(s.jobType)); err != nil {
			return fmt.Errorf("register %s: %w", s.jobType, err)
		}
	}

	// 已有待處理的每日任務時不重排
	if job, err := t.sched.Get(ctx, ReleaseKey); err == nil && job.Status == types.StatusPending {
		return nil
	}
	next := clock.NextDailyAt(t.clock.Now(), t.rules.ReleaseHour, t.rules.ReleaseMinute, t.clock.Location())
	if _, err := t.sched.ScheduleOnce(ctx, types.JobReleaseHeldCommissions, "", next, ReleaseKey, types.RetryPolicy{}); err != nil {
		return fmt.Errorf("register %s: %w", types.JobReleaseHeldCommissions, err)
	}
	return nil
}
